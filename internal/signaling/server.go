package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/studymate/signaling/internal/match"
	"github.com/studymate/signaling/internal/metrics"
	"github.com/studymate/signaling/internal/ratelimit"
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	// Matchmaker owns all shared matchmaking state. Required.
	Matchmaker *match.Matchmaker

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// AllowedOrigins restricts browser upgrades; see originAllowed.
	AllowedOrigins []string
	// PermissiveOrigins admits any origin when AllowedOrigins is empty
	// (dev mode).
	PermissiveOrigins bool

	// Inbound hardening.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	IdleTimeout          time.Duration
	PingInterval         time.Duration

	// SendQueueSize bounds the per-connection outbound queue. Delivery is
	// fire-and-forget: a full queue drops the message.
	SendQueueSize int

	// Clock is used by per-connection rate limiters. Nil means real time.
	Clock ratelimit.Clock

	// SweepInterval drives RunSweeper.
	SweepInterval time.Duration
}

// Server upgrades WebSocket connections at GET /ws and speaks the
// matchmaking protocol with each client.
type Server struct {
	cfg        Config
	matchmaker *match.Matchmaker
	metrics    *metrics.Metrics
	log        *slog.Logger
	upgrader   websocket.Upgrader

	mu     sync.Mutex
	conns  map[match.ClientID]*client
	closed bool
}

func NewServer(cfg Config) *Server {
	if cfg.Metrics == nil {
		if cfg.Matchmaker != nil {
			cfg.Metrics = cfg.Matchmaker.Metrics()
		} else {
			cfg.Metrics = metrics.New()
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = 50
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 32
	}

	s := &Server{
		cfg:        cfg,
		matchmaker: cfg.Matchmaker,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
		conns:      make(map[match.ClientID]*client),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, cfg.AllowedOrigins, cfg.PermissiveOrigins)
		},
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP provides minimal routing for tests and simple deployments.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/ws" {
		s.handleWS(w, r)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error (including origin rejections).
		return
	}

	id := match.ClientID(uuid.NewString())
	c := &client{
		srv:  s,
		id:   id,
		conn: conn,
		send: make(chan serverMessage, s.cfg.SendQueueSize),
		done: make(chan struct{}),
		limiter: ratelimit.NewTokenBucket(
			s.cfg.Clock,
			s.cfg.MaxMessagesPerSecond,
			s.cfg.MaxMessagesPerSecond,
		),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[id] = c
	s.mu.Unlock()

	s.matchmaker.Register(id)
	stats := s.matchmaker.Stats()
	s.log.Info("client connected",
		"client_id", id,
		"remote_addr", r.RemoteAddr,
		"clients", stats.Clients,
	)

	c.enqueue(serverMessage{Type: messageTypeWelcome, ID: string(id)})

	go c.writePump()
	c.readLoop()
	s.dropClient(c)
}

// dropClient runs the full disconnect cascade exactly once per client.
func (s *Server) dropClient(c *client) {
	c.closeOnce.Do(func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()

		peer, hadPeer := s.matchmaker.Unregister(c.id)
		if hadPeer {
			s.notifyPeerLeft(peer, c.id)
		}

		close(c.done)
		_ = c.conn.Close()

		stats := s.matchmaker.Stats()
		s.log.Info("client disconnected",
			"client_id", c.id,
			"had_peer", hadPeer,
			"clients", stats.Clients,
			"waiting", stats.Waiting,
		)
	})
}

// sendTo delivers msg to the named client if it is currently connected,
// and silently drops it otherwise. Fire-and-forget: no retry, no error to
// the caller beyond the delivered flag.
func (s *Server) sendTo(id match.ClientID, msg serverMessage) bool {
	s.mu.Lock()
	c, ok := s.conns[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return c.enqueue(msg)
}

func (s *Server) notifyPeerLeft(to, departed match.ClientID) {
	if s.sendTo(to, serverMessage{Type: messageTypePeerLeft, PeerID: string(departed)}) {
		s.metrics.Inc(metrics.PeerLeftSent)
	}
}

func (s *Server) dispatch(c *client, msg clientMessage) {
	switch msg.Type {
	case messageTypeFindMatch:
		if msg.RoomID != "" {
			s.handleCreateRoom(c, msg.RoomID)
			return
		}
		s.handleFindMatch(c, msg.Tags)
	case messageTypeSkip:
		s.metrics.Inc(metrics.Skips)
		s.handleFindMatch(c, msg.Tags)
	case messageTypeJoinRoom:
		s.handleJoinRoom(c, msg.RoomID)
	case messageTypeSignal:
		s.handleSignal(c, msg.PeerID, msg.Signal)
	}
}

func (s *Server) handleFindMatch(c *client, tags []string) {
	out := s.matchmaker.RequestMatch(c.id, tags)
	if out.HadPrevious {
		s.notifyPeerLeft(out.Previous, c.id)
	}

	if !out.Matched {
		s.log.Debug("client waiting for match", "client_id", c.id, "tags", tags)
		return
	}

	s.log.Info("match made", "client_id", c.id, "peer_id", out.Peer, "tags", tags)
	c.enqueue(serverMessage{Type: messageTypeMatched, PeerID: string(out.Peer)})
	s.sendTo(out.Peer, serverMessage{Type: messageTypeMatched, PeerID: string(c.id)})
}

func (s *Server) handleCreateRoom(c *client, roomID string) {
	prevPeer, hadPrev, err := s.matchmaker.CreateRoom(roomID, c.id)
	if hadPrev {
		s.notifyPeerLeft(prevPeer, c.id)
	}
	if err != nil {
		c.enqueue(serverMessage{Type: messageTypeError, Message: err.Error()})
		return
	}
	s.log.Info("room created", "client_id", c.id, "room_id", roomID)
}

func (s *Server) handleJoinRoom(c *client, roomID string) {
	res, err := s.matchmaker.JoinRoom(roomID, c.id)
	if res.HadPrevious {
		s.notifyPeerLeft(res.Previous, c.id)
	}
	if err != nil {
		c.enqueue(serverMessage{Type: messageTypeError, Message: err.Error()})
		return
	}

	s.log.Info("room joined", "client_id", c.id, "room_id", roomID, "peer_id", res.Creator)
	c.enqueue(serverMessage{Type: messageTypeMatched, PeerID: string(res.Creator)})
	s.sendTo(res.Creator, serverMessage{Type: messageTypeMatched, PeerID: string(c.id)})
}

func (s *Server) handleSignal(c *client, peerID string, payload json.RawMessage) {
	delivered := s.sendTo(match.ClientID(peerID), serverMessage{
		Type:   messageTypeSignal,
		PeerID: string(c.id),
		Signal: payload,
	})
	if !delivered {
		// Not an error: the peer-left/disconnect path is the real signal.
		s.metrics.Inc(metrics.SignalsDroppedPeerGone)
		s.log.Debug("signal dropped, peer gone", "client_id", c.id, "peer_id", peerID)
		return
	}
	s.metrics.Inc(metrics.SignalsForwarded)
	s.log.Debug("signal forwarded",
		"client_id", c.id,
		"peer_id", peerID,
		"kind", signalKind(payload),
		"bytes", len(payload),
	)
}

// RunSweeper expires stale waiting entries and never-joined rooms until
// ctx is done. Expired clients stay connected; they get an error message
// telling them their request lapsed.
func (s *Server) RunSweeper(ctx context.Context) {
	if s.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			exp := s.matchmaker.ExpireStale()
			for _, id := range exp.Waiting {
				s.log.Info("waiting entry expired", "client_id", id)
				s.sendTo(id, serverMessage{Type: messageTypeError, Message: "match request timed out"})
			}
			for _, id := range exp.RoomCreators {
				s.log.Info("room expired", "client_id", id)
				s.sendTo(id, serverMessage{Type: messageTypeError, Message: "room invite timed out"})
			}
		}
	}
}

// Close tears down every live connection. Read loops observe the closed
// socket and run their normal disconnect cascade.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*client, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = c.conn.Close()
	}
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) || errors.Is(err, net.ErrClosed)
}
