package signaling_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/studymate/signaling/internal/config"
	"github.com/studymate/signaling/internal/httpserver"
	"github.com/studymate/signaling/internal/match"
	"github.com/studymate/signaling/internal/metrics"
	"github.com/studymate/signaling/internal/signaling"
)

// Wires the signaling routes onto the full HTTP scaffold the way the
// binary does, middleware chain included, and completes an upgrade plus a
// matched round-trip. The upgrade must hijack through the request-logger
// wrapper.
func TestFullStack_UpgradeAndMatchThroughMiddleware(t *testing.T) {
	cfg := config.Config{
		ListenAddr:      "127.0.0.1:0",
		Mode:            config.ModeDev,
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httpserver.New(cfg, log, httpserver.BuildInfo{})

	m := metrics.New()
	mm := match.New(match.Config{}, m, nil)
	sig := signaling.NewServer(signaling.Config{
		Matchmaker:        mm,
		Metrics:           m,
		Logger:            log,
		PermissiveOrigins: true,
	})
	sig.RegisterRoutes(srv.Mux())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		sig.Close()
		<-errCh
	})

	wsURL := "ws://" + ln.Addr().String() + "/ws"

	a, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = a.Close() })

	welcome := readMsg(t, a)
	if welcome.Type != "welcome" || welcome.ID == "" {
		t.Fatalf("first message = %+v, want welcome with id", welcome)
	}
	aID := welcome.ID

	b, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial second client: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	bWelcome := readMsg(t, b)
	if bWelcome.Type != "welcome" {
		t.Fatalf("second client first message = %+v, want welcome", bWelcome)
	}

	send(t, a, map[string]any{"type": "find-match"})
	send(t, b, map[string]any{"type": "find-match"})

	if got := readMsg(t, a); got.Type != "matched" || got.PeerID != bWelcome.ID {
		t.Fatalf("a got %+v, want matched with %s", got, bWelcome.ID)
	}
	if got := readMsg(t, b); got.Type != "matched" || got.PeerID != aID {
		t.Fatalf("b got %+v, want matched with %s", got, aID)
	}
}
