package presence

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/docsync/collab-relay/protocol"
	"github.com/matrix-org/complement/must"
)

var (
	alice = protocol.User{ID: "alice", Name: "Alice", Color: "#f00"}
	bob   = protocol.User{ID: "bob", Name: "Bob", Color: "#0f0"}
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore() (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)}
	return NewStore(clock.Now), clock
}

func connIDs(sessions []Session) []string {
	ids := make([]string, len(sessions))
	for i := range sessions {
		ids[i] = sessions[i].ConnID
	}
	return ids
}

func assertConns(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("conns mismatch: got %v want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("conns mismatch: got %v want %v", got, want)
		}
	}
}

func TestStoreJoinOrderAndExclusion(t *testing.T) {
	s, _ := newTestStore()
	s.UpsertSession("doc-1", "c1", alice)
	s.UpsertSession("doc-1", "c2", bob)
	s.UpsertSession("doc-1", "c3", alice) // same user, second tab

	assertConns(t, connIDs(s.ListSessions("doc-1", "")), []string{"c1", "c2", "c3"})
	assertConns(t, connIDs(s.ListSessions("doc-1", "c2")), []string{"c1", "c3"})
	assertConns(t, s.Members("doc-1", "c1"), []string{"c2", "c3"})
	assertConns(t, connIDs(s.ListSessions("doc-2", "")), nil)
	must.Equal(t, s.NumSessions(), 3, "num sessions")
}

func TestStoreIdempotentJoin(t *testing.T) {
	s, clock := newTestStore()
	s.UpsertSession("doc-1", "c1", alice)
	s.UpsertSession("doc-1", "c2", bob)
	s.UpdateCursor("doc-1", "c1", protocol.CursorPosition{X: 1, Y: 2, From: 3, To: 3})
	joinedAt := s.Session("doc-1", "c1").JoinedAt

	clock.Advance(time.Second)
	renamed := alice
	renamed.Name = "Alice Liddell"
	s.UpsertSession("doc-1", "c1", renamed)

	sessions := s.ListSessions("doc-1", "")
	assertConns(t, connIDs(sessions), []string{"c1", "c2"})
	must.Equal(t, sessions[0].User.Name, "Alice Liddell", "rejoin should overwrite user")
	must.Equal(t, sessions[0].Cursor == nil, true, "rejoin should reset the cursor")
	must.Equal(t, sessions[0].JoinedAt.Equal(joinedAt), true, "rejoin keeps join time")
	must.Equal(t, sessions[0].LastSeen.Equal(clock.Now()), true, "rejoin refreshes lastSeen")
}

func TestStoreUpdatesOnMissingSessionAreNoops(t *testing.T) {
	s, _ := newTestStore()
	must.Equal(t, s.UpdateCursor("doc-1", "c1", protocol.CursorPosition{}), false, "cursor on empty store")
	must.Equal(t, s.UpdateSelection("doc-1", "c1", protocol.TextSelection{}), false, "selection on empty store")
	must.Equal(t, s.Touch("doc-1", "c1"), false, "touch on empty store")
	must.Equal(t, s.NumRooms(), 0, "no-ops must not create rooms")

	s.UpsertSession("doc-1", "c1", alice)
	must.Equal(t, s.UpdateCursor("doc-1", "c2", protocol.CursorPosition{}), false, "cursor for unknown conn")
	must.Equal(t, s.Touch("doc-2", "c1"), false, "touch for wrong room")
}

func TestStoreUpdatesRefreshLastSeen(t *testing.T) {
	s, clock := newTestStore()
	s.UpsertSession("doc-1", "c1", alice)

	clock.Advance(10 * time.Second)
	must.Equal(t, s.UpdateCursor("doc-1", "c1", protocol.CursorPosition{X: 10, Y: 20, From: 5, To: 5}), true, "cursor")
	sess := s.Session("doc-1", "c1")
	must.Equal(t, sess.LastSeen.Equal(clock.Now()), true, "cursor refreshes lastSeen")
	must.Equal(t, *sess.Cursor, protocol.CursorPosition{X: 10, Y: 20, From: 5, To: 5}, "cursor stored")

	clock.Advance(10 * time.Second)
	must.Equal(t, s.UpdateSelection("doc-1", "c1", protocol.TextSelection{From: 8, To: 1}), true, "selection")
	sess = s.Session("doc-1", "c1")
	must.Equal(t, sess.LastSeen.Equal(clock.Now()), true, "selection refreshes lastSeen")
	must.Equal(t, *sess.Selection, protocol.TextSelection{From: 8, To: 1}, "backwards selection stored unchanged")

	clock.Advance(10 * time.Second)
	must.Equal(t, s.Touch("doc-1", "c1"), true, "touch")
	must.Equal(t, s.Session("doc-1", "c1").LastSeen.Equal(clock.Now()), true, "touch refreshes lastSeen")

	// snapshots don't alias store state
	sess.Cursor.X = 999
	must.Equal(t, s.Session("doc-1", "c1").Cursor.X, float64(10), "snapshot aliased the store")
}

func TestStoreRemoveDropsEmptyRooms(t *testing.T) {
	s, _ := newTestStore()
	s.UpsertSession("doc-1", "c1", alice)
	s.UpsertSession("doc-1", "c2", bob)

	removed := s.RemoveSession("doc-1", "c1")
	must.Equal(t, removed.User.ID, "alice", "removed session")
	must.Equal(t, s.RemoveSession("doc-1", "c1") == nil, true, "second remove returns nil")
	must.Equal(t, s.NumRooms(), 1, "room still has bob")

	s.RemoveSession("doc-1", "c2")
	must.Equal(t, s.NumRooms(), 0, "empty room must be removed")
	must.Equal(t, len(s.Rooms()), 0, "no rooms listed")
}

func TestStoreRemoveConnectionChecksEveryRoom(t *testing.T) {
	s, _ := newTestStore()
	s.UpsertSession("doc-2", "c1", alice)
	s.UpsertSession("doc-1", "c1", alice)
	s.UpsertSession("doc-1", "c2", bob)
	s.UpsertSession("doc-3", "c2", bob)

	removed := s.RemoveConnection("c1")
	must.Equal(t, len(removed), 2, "c1 was in two rooms")
	must.Equal(t, removed[0].Room, "doc-1", "removed in room order")
	must.Equal(t, removed[1].Room, "doc-2", "removed in room order")
	assertConns(t, s.Rooms(), []string{"doc-1", "doc-3"})
	must.Equal(t, len(s.RemoveConnection("c1")), 0, "nothing left to remove")
}

func TestStoreSweepExpiredBoundary(t *testing.T) {
	s, clock := newTestStore()
	start := clock.Now()
	timeout := 60 * time.Second

	s.UpsertSession("doc-1", "stale", alice) // lastSeen = start
	clock.Advance(time.Millisecond)
	s.UpsertSession("doc-1", "edge", bob) // lastSeen = start+1ms
	clock.Advance(time.Minute)
	s.UpsertSession("doc-2", "fresh", bob)

	// T - 60s == start+1ms: "edge" is not strictly older so it survives, "stale" goes.
	now := start.Add(timeout + time.Millisecond)
	evicted := s.SweepExpired(timeout, now)
	must.Equal(t, len(evicted), 1, "exactly one eviction")
	must.Equal(t, evicted[0].Room, "doc-1", "eviction room")
	must.Equal(t, evicted[0].Session.ConnID, "stale", "eviction conn")
	assertConns(t, s.Members("doc-1", ""), []string{"edge"})
	assertConns(t, s.Members("doc-2", ""), []string{"fresh"})

	// a second sweep one millisecond later removes "edge" and drops the room
	evicted = s.SweepExpired(timeout, now.Add(time.Millisecond))
	must.Equal(t, len(evicted), 1, "edge evicted")
	must.Equal(t, s.NumRooms(), 1, "doc-1 removed once empty")
}

// Replaying any sequence of joins and leaves leaves exactly joined-minus-left, with no
// duplicates and no ghosts.
func TestStoreReplayMatchesModel(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s, _ := newTestStore()
	model := map[string]map[string]bool{}
	rooms := []string{"doc-1", "doc-2", "doc-3"}
	conns := []string{"c1", "c2", "c3", "c4"}

	for i := 0; i < 2000; i++ {
		roomID := rooms[rng.Intn(len(rooms))]
		connID := conns[rng.Intn(len(conns))]
		switch rng.Intn(3) {
		case 0, 1:
			s.UpsertSession(roomID, connID, protocol.User{ID: connID})
			if model[roomID] == nil {
				model[roomID] = map[string]bool{}
			}
			model[roomID][connID] = true
		case 2:
			s.RemoveSession(roomID, connID)
			delete(model[roomID], connID)
			if len(model[roomID]) == 0 {
				delete(model, roomID)
			}
		}
	}

	must.Equal(t, s.NumRooms(), len(model), "room count")
	for roomID, members := range model {
		want := make([]string, 0, len(members))
		for c := range members {
			want = append(want, c)
		}
		got := s.Members(roomID, "")
		sort.Strings(want)
		sort.Strings(got)
		assertConns(t, got, want)
	}
}

func TestVersions(t *testing.T) {
	v := NewVersions()
	must.Equal(t, v.Current("doc-1"), uint64(0), "initial version")
	for i := 1; i <= 5; i++ {
		must.Equal(t, v.Next("doc-1"), uint64(i), fmt.Sprintf("edit %d", i))
	}
	must.Equal(t, v.Next("doc-2"), uint64(1), "documents are independent")
	must.Equal(t, v.Current("doc-1"), uint64(5), "doc-1 unaffected by doc-2")
}
