package match

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestMatchmaker(t *testing.T) *Matchmaker {
	t.Helper()
	return New(Config{}, nil, nil)
}

func TestRequestMatch_EmptyPoolEnqueues(t *testing.T) {
	mm := newTestMatchmaker(t)
	mm.Register("a")

	out := mm.RequestMatch("a", nil)
	require.False(t, out.Matched)
	require.False(t, out.HadPrevious)

	state, ok := mm.StateOf("a")
	require.True(t, ok)
	require.Equal(t, StateWaiting, state)
	require.Equal(t, 1, mm.Stats().Waiting)
}

func TestRequestMatch_PairsTwoClients(t *testing.T) {
	mm := newTestMatchmaker(t)
	mm.Register("a")
	mm.Register("b")

	require.False(t, mm.RequestMatch("a", nil).Matched)

	out := mm.RequestMatch("b", nil)
	require.True(t, out.Matched)
	require.Equal(t, ClientID("a"), out.Peer)

	peer, ok := mm.PeerOf("a")
	require.True(t, ok)
	require.Equal(t, ClientID("b"), peer)
	peer, ok = mm.PeerOf("b")
	require.True(t, ok)
	require.Equal(t, ClientID("a"), peer)

	require.Equal(t, 0, mm.Stats().Waiting)
	require.Equal(t, 1, mm.Stats().Sessions)
}

func TestRequestMatch_NClientsFloorHalfPairings(t *testing.T) {
	for _, n := range []int{2, 3, 8, 9} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			mm := newTestMatchmaker(t)

			ids := make([]ClientID, 0, n)
			for i := 0; i < n; i++ {
				id := ClientID(fmt.Sprintf("c%d", i))
				ids = append(ids, id)
				mm.Register(id)
				mm.RequestMatch(id, nil)
			}

			require.Equal(t, n/2, mm.Stats().Sessions)
			require.Equal(t, n%2, mm.Stats().Waiting)

			seen := make(map[ClientID]ClientID)
			for _, id := range ids {
				peer, ok := mm.PeerOf(id)
				if !ok {
					continue
				}
				require.NotEqual(t, id, peer, "client paired to itself")
				if prev, dup := seen[id]; dup {
					require.Equal(t, prev, peer, "client paired to more than one peer")
				}
				seen[id] = peer
				back, ok := mm.PeerOf(peer)
				require.True(t, ok)
				require.Equal(t, id, back)
			}
		})
	}
}

func TestRequestMatch_TagAffinity(t *testing.T) {
	// Whatever the random draw would pick, the tag filter must leave only A.
	for trial := 0; trial < 20; trial++ {
		mm := newTestMatchmaker(t)
		mm.Register("a")
		mm.Register("b")
		mm.Register("r")

		mm.Enqueue("a", []string{"math"})
		mm.Enqueue("b", []string{"art"})

		out := mm.RequestMatch("r", []string{"math"})
		require.True(t, out.Matched)
		require.Equal(t, ClientID("a"), out.Peer)
	}
}

func TestRequestMatch_TagFallbackToAnyCandidate(t *testing.T) {
	mm := newTestMatchmaker(t)
	mm.Register("b")
	mm.Register("r")

	mm.RequestMatch("b", []string{"art"})

	out := mm.RequestMatch("r", []string{"music"})
	require.True(t, out.Matched, "requester must fall back to the untagged pool, not wait")
	require.Equal(t, ClientID("b"), out.Peer)
}

func TestRequestMatch_UniformDrawOverSnapshot(t *testing.T) {
	var gotN int
	mm := New(Config{Rand: func(n int) int {
		gotN = n
		return n - 1
	}}, nil, nil)

	for _, id := range []ClientID{"a", "b", "r"} {
		mm.Register(id)
	}
	mm.Enqueue("a", nil)
	mm.Enqueue("b", nil)

	// The draw must span both candidates; the injected rand picks the last
	// entry of the sorted snapshot.
	out := mm.RequestMatch("r", nil)
	require.True(t, out.Matched)
	require.Equal(t, 2, gotN)
	require.Equal(t, ClientID("b"), out.Peer)
	require.Equal(t, 1, mm.Stats().Waiting, "the unmatched candidate stays pooled")
}

func TestRequestMatch_TagsAreNormalized(t *testing.T) {
	mm := newTestMatchmaker(t)
	mm.Register("a")
	mm.Register("r")

	mm.RequestMatch("a", []string{"  Math "})
	out := mm.RequestMatch("r", []string{"math"})
	require.True(t, out.Matched)
	require.Equal(t, ClientID("a"), out.Peer)
}

func TestRequestMatch_WhilePairedUnpairsFirst(t *testing.T) {
	mm := newTestMatchmaker(t)
	mm.Register("a")
	mm.Register("b")
	mm.Register("c")

	mm.RequestMatch("a", nil)
	mm.RequestMatch("b", nil) // a<->b
	mm.RequestMatch("c", nil) // c waits

	out := mm.RequestMatch("b", []string{"history"})
	require.True(t, out.HadPrevious)
	require.Equal(t, ClientID("a"), out.Previous)
	require.True(t, out.Matched)
	require.Equal(t, ClientID("c"), out.Peer)

	_, ok := mm.PeerOf("a")
	require.False(t, ok, "old session must be fully unwound")
}

func TestRequestMatch_ReplacesWaitingEntry(t *testing.T) {
	mm := newTestMatchmaker(t)
	mm.Register("a")

	mm.RequestMatch("a", []string{"math"})
	mm.RequestMatch("a", []string{"art"})
	require.Equal(t, 1, mm.Stats().Waiting, "re-request must replace, not duplicate")

	// The replaced entry must carry the new tags.
	mm.Register("r")
	out := mm.RequestMatch("r", []string{"art"})
	require.True(t, out.Matched)
	require.Equal(t, ClientID("a"), out.Peer)
}

func TestRequestMatch_UnknownClientIsNoop(t *testing.T) {
	mm := newTestMatchmaker(t)
	out := mm.RequestMatch("ghost", nil)
	require.False(t, out.Matched)
	require.Equal(t, 0, mm.Stats().Waiting)
}

func TestCancelMatch_Idempotent(t *testing.T) {
	mm := newTestMatchmaker(t)
	mm.Register("a")
	mm.RequestMatch("a", nil)

	mm.CancelMatch("a")
	require.Equal(t, 0, mm.Stats().Waiting)
	state, _ := mm.StateOf("a")
	require.Equal(t, StateIdle, state)

	mm.CancelMatch("a") // second removal is a no-op
	require.Equal(t, 0, mm.Stats().Waiting)
}

func TestRoomLifecycle(t *testing.T) {
	mm := newTestMatchmaker(t)
	mm.Register("x")
	mm.Register("y")
	mm.Register("z")

	_, _, err := mm.CreateRoom("room1", "x")
	require.NoError(t, err)

	res, err := mm.JoinRoom("room1", "y")
	require.NoError(t, err)
	require.Equal(t, ClientID("x"), res.Creator)

	peer, ok := mm.PeerOf("x")
	require.True(t, ok)
	require.Equal(t, ClientID("y"), peer)

	_, err = mm.JoinRoom("room1", "z")
	require.ErrorIs(t, err, ErrRoomFull)

	_, err = mm.JoinRoom("nope", "y")
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestCreateRoom_RejectsDuplicateID(t *testing.T) {
	mm := newTestMatchmaker(t)
	mm.Register("x")
	mm.Register("y")

	_, _, err := mm.CreateRoom("room1", "x")
	require.NoError(t, err)
	_, _, err = mm.CreateRoom("room1", "y")
	require.ErrorIs(t, err, ErrRoomExists)
}

func TestJoinRoom_OwnRoomRejected(t *testing.T) {
	mm := newTestMatchmaker(t)
	mm.Register("x")

	_, _, err := mm.CreateRoom("room1", "x")
	require.NoError(t, err)
	_, err = mm.JoinRoom("room1", "x")
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestUnregister_DestroysPendingRoom(t *testing.T) {
	mm := newTestMatchmaker(t)
	mm.Register("x")
	mm.Register("y")

	_, _, err := mm.CreateRoom("room1", "x")
	require.NoError(t, err)

	mm.Unregister("x")

	_, err = mm.JoinRoom("room1", "y")
	require.ErrorIs(t, err, ErrRoomNotFound, "a disconnecting creator invalidates the room")
}

func TestUnregister_UnwindsSessionAndReportsPeer(t *testing.T) {
	mm := newTestMatchmaker(t)
	mm.Register("a")
	mm.Register("b")
	mm.RequestMatch("a", nil)
	mm.RequestMatch("b", nil)

	peer, had := mm.Unregister("a")
	require.True(t, had)
	require.Equal(t, ClientID("b"), peer)

	_, ok := mm.PeerOf("b")
	require.False(t, ok, "no dangling half-pair")
	state, _ := mm.StateOf("b")
	require.Equal(t, StateIdle, state)

	// Second unregister is a no-op.
	peer, had = mm.Unregister("a")
	require.False(t, had)
	require.Empty(t, peer)
}

func TestPairUnpair_Symmetry(t *testing.T) {
	mm := newTestMatchmaker(t)
	mm.Register("a")
	mm.Register("b")

	mm.Pair("a", "b")
	peer, ok := mm.PeerOf("a")
	require.True(t, ok)
	require.Equal(t, ClientID("b"), peer)
	peer, ok = mm.PeerOf("b")
	require.True(t, ok)
	require.Equal(t, ClientID("a"), peer)

	gone, ok := mm.Unpair("a")
	require.True(t, ok)
	require.Equal(t, ClientID("b"), gone)

	_, ok = mm.PeerOf("a")
	require.False(t, ok)
	_, ok = mm.PeerOf("b")
	require.False(t, ok)
}

func TestConnected(t *testing.T) {
	mm := newTestMatchmaker(t)
	require.False(t, mm.Connected("a"))
	mm.Register("a")
	require.True(t, mm.Connected("a"))
	mm.Unregister("a")
	require.False(t, mm.Connected("a"))
}

func TestExpireStale_WaitingAndRooms(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	mm := New(Config{WaitingTTL: time.Minute, RoomTTL: time.Minute}, nil, clk)

	mm.Register("w")
	mm.Register("x")
	mm.Register("y")
	mm.RequestMatch("w", []string{"math"})
	_, _, err := mm.CreateRoom("room1", "x")
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	require.Empty(t, mm.ExpireStale().Waiting, "nothing old enough yet")

	// A full room must never expire.
	_, _, err = mm.CreateRoom("room2", "y")
	require.NoError(t, err)
	mm.Register("z")
	_, err = mm.JoinRoom("room2", "z")
	require.NoError(t, err)

	clk.Advance(31 * time.Second)
	exp := mm.ExpireStale()
	require.Equal(t, []ClientID{"w"}, exp.Waiting)
	require.Equal(t, []ClientID{"x"}, exp.RoomCreators)

	state, _ := mm.StateOf("w")
	require.Equal(t, StateIdle, state)
	require.True(t, mm.Connected("w"), "expiry is a cancel, not a disconnect")

	peer, ok := mm.PeerOf("y")
	require.True(t, ok)
	require.Equal(t, ClientID("z"), peer)
}

func TestExpireStale_DisabledTTLs(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	mm := New(Config{}, nil, clk)
	mm.Register("w")
	mm.RequestMatch("w", nil)

	clk.Advance(24 * time.Hour)
	exp := mm.ExpireStale()
	require.Empty(t, exp.Waiting)
	require.Empty(t, exp.RoomCreators)
	require.Equal(t, 1, mm.Stats().Waiting)
}
