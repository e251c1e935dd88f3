package metrics

import "sync"

// Counter names used across the server. Names are intentionally simple; a
// follow-up metrics task can standardize and export these via OTel.
const (
	ClientsConnected    = "clients_connected"
	ClientsDisconnected = "clients_disconnected"

	MatchesMade     = "matches_made"
	WaitingEnqueued = "waiting_enqueued"
	WaitingExpired  = "waiting_expired"
	Skips           = "skips"

	RoomsCreated       = "rooms_created"
	RoomsExpired       = "rooms_expired"
	RoomCreateRejected = "room_create_rejected"
	RoomJoinRejected   = "room_join_rejected"

	SignalsForwarded       = "signals_forwarded"
	SignalsDroppedPeerGone = "signals_dropped_peer_gone"
	PeerLeftSent           = "peer_left_sent"

	RateLimited = "rate_limited"
	BadMessages = "bad_messages"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The server is expected to eventually plug into a real metrics backend;
// this type exists to keep matchmaking logic testable while still exposing
// counters for scraping.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
