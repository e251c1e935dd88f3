// Command pairing-client-go is an end-to-end probe for a running signaling
// server: it connects two clients, matches them through the waiting pool,
// exchanges an SDP handshake over the relay, and verifies that a data
// channel opens between the two peers.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"golang.org/x/net/websocket"
)

type clientEnvelope struct {
	Type   string          `json:"type"`
	Tags   []string        `json:"tags,omitempty"`
	PeerID string          `json:"peerId,omitempty"`
	Signal json.RawMessage `json:"signal,omitempty"`
}

type serverEnvelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	PeerID  string          `json:"peerId,omitempty"`
	Signal  json.RawMessage `json:"signal,omitempty"`
	Message string          `json:"message,omitempty"`
}

// handshakePayload is the opaque signal body the two probes agree on. The
// server never inspects it.
type handshakePayload struct {
	Kind      string                     `json:"kind"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

func main() {
	serverURL := envOrDefault("SERVER_URL", "ws://127.0.0.1:3001/ws")
	timeout := 30 * time.Second
	if v := os.Getenv("TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad TIMEOUT=%s: %v\n", v, err)
			os.Exit(2)
		}
		timeout = d
	}

	results := make(chan error, 2)
	go func() { results <- runProbe(serverURL, timeout) }()
	go func() { results <- runProbe(serverURL, timeout) }()

	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			fmt.Fprintf(os.Stderr, "probe failed: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Println("OK: matched, signaled, data channel open on both sides")
}

func runProbe(serverURL string, timeout time.Duration) error {
	ws, err := websocket.Dial(serverURL, "", "http://localhost/")
	if err != nil {
		return fmt.Errorf("dial %s: %w", serverURL, err)
	}
	defer ws.Close()
	_ = ws.SetDeadline(time.Now().Add(timeout))

	var welcome serverEnvelope
	if err := websocket.JSON.Receive(ws, &welcome); err != nil {
		return fmt.Errorf("receive welcome: %w", err)
	}
	if welcome.Type != "welcome" || welcome.ID == "" {
		return fmt.Errorf("expected welcome, got %+v", welcome)
	}
	selfID := welcome.ID

	if err := websocket.JSON.Send(ws, clientEnvelope{Type: "find-match", Tags: []string{"e2e"}}); err != nil {
		return fmt.Errorf("send find-match: %w", err)
	}

	var matched serverEnvelope
	for {
		if err := websocket.JSON.Receive(ws, &matched); err != nil {
			return fmt.Errorf("receive matched: %w", err)
		}
		if matched.Type == "matched" {
			break
		}
		if matched.Type == "error" {
			return fmt.Errorf("server error before match: %s", matched.Message)
		}
	}
	peerID := matched.PeerID

	// Both probes run the same code; the lexically smaller id offers. The
	// server plays no part in role assignment.
	offerer := selfID < peerID

	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = logging.LogLevelWarn
	se := webrtc.SettingEngine{LoggerFactory: loggerFactory}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	defer pc.Close()

	opened := make(chan struct{}, 1)
	if offerer {
		dc, err := pc.CreateDataChannel("pairing", nil)
		if err != nil {
			return fmt.Errorf("create data channel: %w", err)
		}
		dc.OnOpen(func() { opened <- struct{}{} })
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			dc.OnOpen(func() { opened <- struct{}{} })
		})
	}

	sendSignal := func(p handshakePayload) error {
		raw, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return websocket.JSON.Send(ws, clientEnvelope{Type: "signal", PeerID: peerID, Signal: raw})
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		_ = sendSignal(handshakePayload{Kind: "candidate", Candidate: &init})
	})

	if offerer {
		offer, err := pc.CreateOffer(nil)
		if err != nil {
			return fmt.Errorf("create offer: %w", err)
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			return fmt.Errorf("set local offer: %w", err)
		}
		if err := sendSignal(handshakePayload{Kind: "offer", SDP: &offer}); err != nil {
			return fmt.Errorf("send offer: %w", err)
		}
	}

	msgs := make(chan serverEnvelope)
	recvErr := make(chan error, 1)
	go func() {
		for {
			var env serverEnvelope
			if err := websocket.JSON.Receive(ws, &env); err != nil {
				recvErr <- err
				return
			}
			msgs <- env
		}
	}()

	h := &handshake{pc: pc, sendSignal: sendSignal}

	deadline := time.After(timeout)
	for {
		select {
		case <-opened:
			return nil
		case err := <-recvErr:
			return fmt.Errorf("receive: %w", err)
		case <-deadline:
			return fmt.Errorf("timed out waiting for data channel")
		case env := <-msgs:
			switch env.Type {
			case "peer-left":
				return fmt.Errorf("peer %s left before handshake completed", env.PeerID)
			case "error":
				return fmt.Errorf("server error: %s", env.Message)
			case "signal":
				var p handshakePayload
				if err := json.Unmarshal(env.Signal, &p); err != nil {
					return fmt.Errorf("decode signal: %w", err)
				}
				if err := h.handle(p); err != nil {
					return err
				}
			}
		}
	}
}

type handshake struct {
	pc         *webrtc.PeerConnection
	sendSignal func(handshakePayload) error

	// Candidates can arrive over the relay before the remote description;
	// they are held back until it lands.
	pending []webrtc.ICECandidateInit
}

func (h *handshake) handle(p handshakePayload) error {
	switch p.Kind {
	case "offer":
		if p.SDP == nil {
			return fmt.Errorf("offer signal missing sdp")
		}
		if err := h.pc.SetRemoteDescription(*p.SDP); err != nil {
			return fmt.Errorf("set remote offer: %w", err)
		}
		if err := h.flushPending(); err != nil {
			return err
		}
		answer, err := h.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := h.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local answer: %w", err)
		}
		return h.sendSignal(handshakePayload{Kind: "answer", SDP: &answer})
	case "answer":
		if p.SDP == nil {
			return fmt.Errorf("answer signal missing sdp")
		}
		if err := h.pc.SetRemoteDescription(*p.SDP); err != nil {
			return fmt.Errorf("set remote answer: %w", err)
		}
		return h.flushPending()
	case "candidate":
		if p.Candidate == nil {
			return fmt.Errorf("candidate signal missing candidate")
		}
		if h.pc.RemoteDescription() == nil {
			h.pending = append(h.pending, *p.Candidate)
			return nil
		}
		if err := h.pc.AddICECandidate(*p.Candidate); err != nil {
			return fmt.Errorf("add ice candidate: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown signal kind %q", p.Kind)
	}
}

func (h *handshake) flushPending() error {
	for _, c := range h.pending {
		if err := h.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("add buffered ice candidate: %w", err)
		}
	}
	h.pending = nil
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
