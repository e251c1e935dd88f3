package match

import (
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/studymate/signaling/internal/metrics"
)

// ClientID identifies one live connection for its lifetime. IDs are opaque
// and server-assigned; the Matchmaker never interprets them.
type ClientID string

// State is the per-client matchmaking state. Tracking it explicitly (rather
// than inferring it from which map currently contains the id) is what keeps
// a client from ending up in two maps at once.
type State int

const (
	StateIdle State = iota
	StateWaiting
	StatePaired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StatePaired:
		return "paired"
	default:
		return "unknown"
	}
}

// Clock abstracts time for waiting/room expiry tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config tunes the Matchmaker. The zero value is valid: no expiry, real
// clock, math/rand selection.
type Config struct {
	// WaitingTTL expires waiting-pool entries that were never matched.
	// Zero disables expiry.
	WaitingTTL time.Duration

	// RoomTTL expires rooms that never saw a joiner. Zero disables expiry.
	// Full rooms never expire; they are torn down with their session.
	RoomTTL time.Duration

	// Rand returns a uniform value in [0,n). Injected by tests that need
	// deterministic candidate selection.
	Rand func(n int) int
}

type waitingEntry struct {
	id    ClientID
	tags  map[string]struct{}
	since time.Time
}

type room struct {
	id      string
	creator ClientID
	joiner  ClientID // empty until joined
	created time.Time
}

func (r *room) full() bool { return r.joiner != "" }

type clientInfo struct {
	state State
	// roomID is set while the client is the creator or joiner of a room.
	roomID string
}

// Matchmaker is the single owner of all shared matchmaking state. Every
// operation takes the one mutex; pairing is therefore atomic with respect
// to concurrent match requests.
type Matchmaker struct {
	cfg     Config
	metrics *metrics.Metrics
	clock   Clock
	intn    func(n int) int

	mu       sync.Mutex
	clients  map[ClientID]*clientInfo
	waiting  map[ClientID]*waitingEntry
	rooms    map[string]*room
	sessions map[ClientID]ClientID // directed; always stored in both directions
}

func New(cfg Config, m *metrics.Metrics, clock Clock) *Matchmaker {
	if m == nil {
		m = metrics.New()
	}
	if clock == nil {
		clock = realClock{}
	}
	intn := cfg.Rand
	if intn == nil {
		intn = rand.Intn
	}
	return &Matchmaker{
		cfg:      cfg,
		metrics:  m,
		clock:    clock,
		intn:     intn,
		clients:  make(map[ClientID]*clientInfo),
		waiting:  make(map[ClientID]*waitingEntry),
		rooms:    make(map[string]*room),
		sessions: make(map[ClientID]ClientID),
	}
}

func (mm *Matchmaker) Metrics() *metrics.Metrics { return mm.metrics }

// Register adds a client to the registry. Registering an already-known id
// is a no-op.
func (mm *Matchmaker) Register(id ClientID) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if _, ok := mm.clients[id]; ok {
		return
	}
	mm.clients[id] = &clientInfo{state: StateIdle}
	mm.metrics.Inc(metrics.ClientsConnected)
}

// Unregister removes a client and unwinds every piece of state it was part
// of: its waiting entry, any room it created or joined, and its session.
// It returns the former peer id (if a session existed) so the caller can
// notify it. Unregistering an unknown id is a no-op.
func (mm *Matchmaker) Unregister(id ClientID) (peer ClientID, hadPeer bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if _, ok := mm.clients[id]; !ok {
		return "", false
	}

	delete(mm.waiting, id)
	mm.removeClientRoomsLocked(id)
	peer, hadPeer = mm.unpairLocked(id)
	delete(mm.clients, id)
	mm.metrics.Inc(metrics.ClientsDisconnected)
	return peer, hadPeer
}

// Connected reports whether id is currently registered. The relay layer
// uses this as its delivery existence check.
func (mm *Matchmaker) Connected(id ClientID) bool {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	_, ok := mm.clients[id]
	return ok
}

// StateOf returns the client's matchmaking state, or StateIdle with
// ok=false for unknown ids.
func (mm *Matchmaker) StateOf(id ClientID) (State, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	info, ok := mm.clients[id]
	if !ok {
		return StateIdle, false
	}
	return info.state, true
}

// Outcome is the result of a match request.
type Outcome struct {
	// Previous is the peer this request unpaired, if the requester was in
	// a session when it asked for a new match (the skip path).
	Previous    ClientID
	HadPrevious bool

	// Peer is the matched candidate. When Matched is false the requester
	// was placed in the waiting pool instead.
	Peer    ClientID
	Matched bool
}

// RequestMatch runs the pairing policy for id: any current session is
// unwound first (skip semantics), then a candidate is drawn from the
// waiting pool, preferring entries whose tags intersect the requester's.
// With no candidate available the requester is enqueued and stays pending.
//
// Unknown requesters get a zero Outcome; a client must be registered
// before it can ask for a match.
func (mm *Matchmaker) RequestMatch(id ClientID, tags []string) Outcome {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	info, ok := mm.clients[id]
	if !ok {
		return Outcome{}
	}

	var out Outcome
	if info.state == StatePaired {
		out.Previous, out.HadPrevious = mm.unpairLocked(id)
	}
	// A re-request while waiting replaces the entry below; a re-request
	// while the client created a pending room abandons the room.
	mm.removeClientRoomsLocked(id)

	// Self-consistency: the requester must not be a candidate for itself.
	delete(mm.waiting, id)

	tagSet := normalizeTags(tags)

	candidate, found := mm.drawCandidateLocked(tagSet)
	if !found {
		mm.waiting[id] = &waitingEntry{id: id, tags: tagSet, since: mm.clock.Now()}
		info.state = StateWaiting
		mm.metrics.Inc(metrics.WaitingEnqueued)
		return out
	}

	delete(mm.waiting, candidate)
	mm.pairLocked(id, candidate)
	out.Peer = candidate
	out.Matched = true
	mm.metrics.Inc(metrics.MatchesMade)
	return out
}

// drawCandidateLocked implements the two-tier affinity policy: a uniform
// draw over tag-intersecting waiting entries when the requester declared
// tags and at least one intersects, otherwise a uniform draw over the
// whole pool. Best-effort affinity, not stable matching: availability wins
// over assignment quality.
func (mm *Matchmaker) drawCandidateLocked(tags map[string]struct{}) (ClientID, bool) {
	if len(mm.waiting) == 0 {
		return "", false
	}

	var pool []ClientID
	if len(tags) > 0 {
		for id, entry := range mm.waiting {
			if intersects(entry.tags, tags) {
				pool = append(pool, id)
			}
		}
	}
	if len(pool) == 0 {
		for id := range mm.waiting {
			pool = append(pool, id)
		}
	}

	// Map iteration order is already random, but not uniformly so; sort the
	// snapshot and draw an explicit uniform index instead.
	sort.Slice(pool, func(i, j int) bool { return pool[i] < pool[j] })
	return pool[mm.intn(len(pool))], true
}

// Enqueue inserts or replaces the waiting entry for id without running the
// pairing policy. RequestMatch is the usual entry point; Enqueue exists so
// the pool can be seeded directly.
func (mm *Matchmaker) Enqueue(id ClientID, tags []string) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	info, ok := mm.clients[id]
	if !ok {
		return
	}
	if info.state == StatePaired {
		mm.unpairLocked(id)
	}
	mm.removeClientRoomsLocked(id)

	mm.waiting[id] = &waitingEntry{id: id, tags: normalizeTags(tags), since: mm.clock.Now()}
	info.state = StateWaiting
	mm.metrics.Inc(metrics.WaitingEnqueued)
}

// CancelMatch removes the client's waiting entry without unregistering it.
// Idempotent.
func (mm *Matchmaker) CancelMatch(id ClientID) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if _, ok := mm.waiting[id]; !ok {
		return
	}
	delete(mm.waiting, id)
	if info, ok := mm.clients[id]; ok && info.state == StateWaiting {
		info.state = StateIdle
	}
}

// CreateRoom records a pending invite room owned by creator. Any session
// or waiting entry the creator had is unwound first, like RequestMatch.
// The returned peer is the one unpaired by that unwinding.
func (mm *Matchmaker) CreateRoom(roomID string, creator ClientID) (prevPeer ClientID, hadPrev bool, err error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	info, ok := mm.clients[creator]
	if !ok {
		return "", false, ErrRoomNotFound
	}
	if _, taken := mm.rooms[roomID]; taken {
		mm.metrics.Inc(metrics.RoomCreateRejected)
		return "", false, ErrRoomExists
	}

	if info.state == StatePaired {
		prevPeer, hadPrev = mm.unpairLocked(creator)
	}
	delete(mm.waiting, creator)
	mm.removeClientRoomsLocked(creator)

	mm.rooms[roomID] = &room{id: roomID, creator: creator, created: mm.clock.Now()}
	info.state = StateWaiting
	info.roomID = roomID
	mm.metrics.Inc(metrics.RoomsCreated)
	return prevPeer, hadPrev, nil
}

// JoinResult reports the effect of a room join.
type JoinResult struct {
	// Creator is the room's creator, now paired with the joiner.
	Creator ClientID
	// Previous is the peer the joiner was unpaired from, if it was in a
	// session when it joined.
	Previous    ClientID
	HadPrevious bool
}

// JoinRoom places joiner into the pending room and pairs it with the
// creator. Joining a missing or full room fails; so does joining a room
// the joiner created itself (self-pairing is impossible).
func (mm *Matchmaker) JoinRoom(roomID string, joiner ClientID) (JoinResult, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	info, ok := mm.clients[joiner]
	if !ok {
		return JoinResult{}, ErrRoomNotFound
	}

	r, ok := mm.rooms[roomID]
	if !ok {
		mm.metrics.Inc(metrics.RoomJoinRejected)
		return JoinResult{}, ErrRoomNotFound
	}
	if r.creator == joiner {
		mm.metrics.Inc(metrics.RoomJoinRejected)
		return JoinResult{}, ErrRoomNotFound
	}
	if r.full() {
		mm.metrics.Inc(metrics.RoomJoinRejected)
		return JoinResult{}, ErrRoomFull
	}
	creatorInfo, ok := mm.clients[r.creator]
	if !ok {
		// Creator vanished without a clean unregister; the room is dead.
		delete(mm.rooms, roomID)
		mm.metrics.Inc(metrics.RoomJoinRejected)
		return JoinResult{}, ErrRoomNotFound
	}

	var res JoinResult
	// The joiner abandons whatever it was doing.
	if info.state == StatePaired {
		res.Previous, res.HadPrevious = mm.unpairLocked(joiner)
	}
	delete(mm.waiting, joiner)
	mm.removeClientRoomsLocked(joiner)

	r.joiner = joiner
	info.roomID = roomID
	creatorInfo.roomID = roomID
	mm.pairLocked(r.creator, joiner)
	mm.metrics.Inc(metrics.MatchesMade)
	res.Creator = r.creator
	return res, nil
}

// Pair records a symmetric session between a and b.
func (mm *Matchmaker) Pair(a, b ClientID) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.pairLocked(a, b)
}

// PeerOf returns the session peer of id, if any.
func (mm *Matchmaker) PeerOf(id ClientID) (ClientID, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	peer, ok := mm.sessions[id]
	return peer, ok
}

// Unpair removes both directions of id's session and returns the former
// peer so the caller can notify it. Idempotent.
func (mm *Matchmaker) Unpair(id ClientID) (ClientID, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.unpairLocked(id)
}

func (mm *Matchmaker) pairLocked(a, b ClientID) {
	// Callers only pair freshly unmatched clients; stale halves here would
	// be a bookkeeping bug, so clear them rather than corrupt the relation.
	mm.unpairLocked(a)
	mm.unpairLocked(b)

	mm.sessions[a] = b
	mm.sessions[b] = a
	if info, ok := mm.clients[a]; ok {
		info.state = StatePaired
	}
	if info, ok := mm.clients[b]; ok {
		info.state = StatePaired
	}
}

func (mm *Matchmaker) unpairLocked(id ClientID) (ClientID, bool) {
	peer, ok := mm.sessions[id]
	if !ok {
		return "", false
	}
	delete(mm.sessions, id)
	delete(mm.sessions, peer)

	if info, ok := mm.clients[id]; ok {
		info.state = StateIdle
	}
	if info, ok := mm.clients[peer]; ok {
		info.state = StateIdle
	}

	// A session formed through a room takes the room down with it.
	mm.removeClientRoomsLocked(id)
	return peer, true
}

// removeClientRoomsLocked drops every room id created or joined. A
// disconnecting creator invalidates the room even if it was never joined.
func (mm *Matchmaker) removeClientRoomsLocked(id ClientID) {
	for roomID, r := range mm.rooms {
		if r.creator != id && r.joiner != id {
			continue
		}
		delete(mm.rooms, roomID)
		for _, member := range []ClientID{r.creator, r.joiner} {
			if member == "" {
				continue
			}
			if info, ok := mm.clients[member]; ok && info.roomID == roomID {
				info.roomID = ""
				if info.state == StateWaiting {
					info.state = StateIdle
				}
			}
		}
	}
}

// Stats is a point-in-time snapshot of pool sizes, for logging.
type Stats struct {
	Clients  int
	Waiting  int
	Rooms    int
	Sessions int
}

func (mm *Matchmaker) Stats() Stats {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return Stats{
		Clients:  len(mm.clients),
		Waiting:  len(mm.waiting),
		Rooms:    len(mm.rooms),
		Sessions: len(mm.sessions) / 2,
	}
}

func normalizeTags(tags []string) map[string]struct{} {
	if len(tags) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		set[t] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func intersects(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for t := range a {
		if _, ok := b[t]; ok {
			return true
		}
	}
	return false
}
