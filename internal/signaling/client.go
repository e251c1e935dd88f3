package signaling

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/studymate/signaling/internal/match"
	"github.com/studymate/signaling/internal/metrics"
	"github.com/studymate/signaling/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// client is one WebSocket connection and its server-assigned identity.
// readLoop and writePump are its only goroutines; everything they share
// with the rest of the server goes through Server.mu or the send channel.
type client struct {
	srv  *Server
	id   match.ClientID
	conn *websocket.Conn

	send chan serverMessage
	done chan struct{}

	limiter *ratelimit.TokenBucket

	closeOnce sync.Once
}

// enqueue queues msg for delivery without blocking. A slow or stalled
// reader overflows its queue and loses messages rather than stalling the
// sender.
func (c *client) enqueue(msg serverMessage) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		c.srv.log.Warn("send queue full, dropping message",
			"client_id", c.id,
			"msg_type", msg.Type,
		)
		return false
	}
}

// readLoop services inbound messages until the connection dies or the
// client violates the protocol. It returns without cleaning up; the
// caller runs the disconnect cascade.
func (c *client) readLoop() {
	cfg := c.srv.cfg
	conn := c.conn

	conn.SetReadLimit(cfg.MaxMessageBytes)
	c.extendIdleDeadline()
	conn.SetPongHandler(func(string) error {
		c.extendIdleDeadline()
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) && !isTimeout(err) {
				c.srv.log.Debug("read failed", "client_id", c.id, "err", err)
			}
			return
		}
		c.extendIdleDeadline()

		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		// Limit after the read so an over-rate client gets a clean close
		// frame instead of a reset mid-frame.
		if !c.limiter.Allow(1) {
			c.srv.metrics.Inc(metrics.RateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msg, err := parseClientMessage(data)
		if err != nil {
			// Malformed input is the client's problem, not a reason to
			// drop the connection.
			c.srv.metrics.Inc(metrics.BadMessages)
			c.srv.log.Debug("bad message", "client_id", c.id, "err", err)
			c.enqueue(serverMessage{Type: messageTypeError, Message: err.Error()})
			continue
		}

		c.srv.dispatch(c, msg)
	}
}

// writePump owns all writes to the socket, serializing queued messages
// with keepalive pings.
func (c *client) writePump() {
	pingInterval := c.srv.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *client) extendIdleDeadline() {
	if c.srv.cfg.IdleTimeout <= 0 {
		return
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
}

func (c *client) closeWith(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
