// Package presence holds the in-memory record of who is viewing which document.
//
// Nothing in this package is safe for concurrent use. The relay confines all access to a
// single lock so that every mutation is totally ordered, and presence is never shared
// between processes.
package presence

import (
	"time"

	"github.com/docsync/collab-relay/internal"
	"github.com/docsync/collab-relay/protocol"
	"golang.org/x/exp/slices"
)

// Session is one connection's membership and presence state within a room.
type Session struct {
	ConnID    string
	Room      string
	User      protocol.User
	Cursor    *protocol.CursorPosition
	Selection *protocol.TextSelection
	JoinedAt  time.Time
	LastSeen  time.Time
}

// copy returns a deep copy so snapshots can't alias store state.
func (s *Session) copy() Session {
	c := *s
	if s.Cursor != nil {
		cur := *s.Cursor
		c.Cursor = &cur
	}
	if s.Selection != nil {
		sel := *s.Selection
		c.Selection = &sel
	}
	return c
}

// Eviction is a session removed by SweepExpired.
type Eviction struct {
	Room    string
	Session Session
}

type room struct {
	sessions map[string]*Session
	// conn IDs in join order
	order []string
}

// Store maps document room -> connection ID -> Session.
// A room exists if and only if it has at least one session.
type Store struct {
	rooms map[string]*room
	clock func() time.Time
}

// NewStore makes an empty store. A nil clock means time.Now.
func NewStore(clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		rooms: make(map[string]*room),
		clock: clock,
	}
}

// UpsertSession creates or overwrites the session for this connection in this room. An
// overwrite keeps the original join order position but is otherwise a fresh presence.
func (s *Store) UpsertSession(roomID, connID string, user protocol.User) {
	now := s.clock()
	r := s.rooms[roomID]
	if r == nil {
		r = &room{
			sessions: make(map[string]*Session),
		}
		s.rooms[roomID] = r
	}
	existing := r.sessions[connID]
	sess := &Session{
		ConnID:   connID,
		Room:     roomID,
		User:     user,
		JoinedAt: now,
		LastSeen: now,
	}
	if existing != nil {
		sess.JoinedAt = existing.JoinedAt
	} else {
		r.order = append(r.order, connID)
	}
	r.sessions[connID] = sess
	internal.Assert("room order matches sessions", len(r.order) == len(r.sessions))
}

func (s *Store) session(roomID, connID string) *Session {
	r := s.rooms[roomID]
	if r == nil {
		return nil
	}
	return r.sessions[connID]
}

// Session returns a copy of the session, or nil if the connection is not in the room.
func (s *Store) Session(roomID, connID string) *Session {
	sess := s.session(roomID, connID)
	if sess == nil {
		return nil
	}
	c := sess.copy()
	return &c
}

// UpdateCursor records the cursor and refreshes liveness. Returns false if there is no such
// session, e.g. the event arrived after a disconnect.
func (s *Store) UpdateCursor(roomID, connID string, pos protocol.CursorPosition) bool {
	sess := s.session(roomID, connID)
	if sess == nil {
		return false
	}
	sess.Cursor = &pos
	sess.LastSeen = s.clock()
	return true
}

// UpdateSelection records the selection and refreshes liveness. Returns false if there is
// no such session.
func (s *Store) UpdateSelection(roomID, connID string, sel protocol.TextSelection) bool {
	sess := s.session(roomID, connID)
	if sess == nil {
		return false
	}
	sess.Selection = &sel
	sess.LastSeen = s.clock()
	return true
}

// Touch refreshes liveness only.
func (s *Store) Touch(roomID, connID string) bool {
	sess := s.session(roomID, connID)
	if sess == nil {
		return false
	}
	sess.LastSeen = s.clock()
	return true
}

// RemoveSession deletes the session, and the room if it is now empty. Returns the removed
// session or nil.
func (s *Store) RemoveSession(roomID, connID string) *Session {
	r := s.rooms[roomID]
	if r == nil {
		return nil
	}
	sess := r.sessions[connID]
	if sess == nil {
		return nil
	}
	s.remove(roomID, r, connID)
	return sess
}

func (s *Store) remove(roomID string, r *room, connID string) {
	delete(r.sessions, connID)
	if i := slices.Index(r.order, connID); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	internal.Assert("room order matches sessions", len(r.order) == len(r.sessions))
	if len(r.sessions) == 0 {
		delete(s.rooms, roomID)
	}
}

// RemoveConnection removes the connection from every room it is in. Every room is checked
// rather than trusting that a connection only ever joins one. Sessions are returned in room
// ID order.
func (s *Store) RemoveConnection(connID string) []*Session {
	var removed []*Session
	for _, roomID := range internal.SortedKeys(s.rooms) {
		if sess := s.RemoveSession(roomID, connID); sess != nil {
			removed = append(removed, sess)
		}
	}
	return removed
}

// ListSessions snapshots the room in join order, leaving out excludingConnID.
func (s *Store) ListSessions(roomID, excludingConnID string) []Session {
	r := s.rooms[roomID]
	if r == nil {
		return nil
	}
	result := make([]Session, 0, len(r.order))
	for _, connID := range r.order {
		if connID == excludingConnID {
			continue
		}
		result = append(result, r.sessions[connID].copy())
	}
	return result
}

// Members returns the connection IDs in the room in join order, leaving out excludingConnID.
func (s *Store) Members(roomID, excludingConnID string) []string {
	r := s.rooms[roomID]
	if r == nil {
		return nil
	}
	result := make([]string, 0, len(r.order))
	for _, connID := range r.order {
		if connID != excludingConnID {
			result = append(result, connID)
		}
	}
	return result
}

// SweepExpired removes every session whose LastSeen is strictly before now-timeout.
func (s *Store) SweepExpired(timeout time.Duration, now time.Time) []Eviction {
	cutoff := now.Add(-timeout)
	var evicted []Eviction
	for _, roomID := range internal.SortedKeys(s.rooms) {
		r := s.rooms[roomID]
		var expired []string
		for _, connID := range r.order {
			if r.sessions[connID].LastSeen.Before(cutoff) {
				expired = append(expired, connID)
			}
		}
		for _, connID := range expired {
			evicted = append(evicted, Eviction{
				Room:    roomID,
				Session: *r.sessions[connID],
			})
			s.remove(roomID, r, connID)
		}
	}
	return evicted
}

// Rooms returns the IDs of all non-empty rooms, sorted.
func (s *Store) Rooms() []string {
	return internal.SortedKeys(s.rooms)
}

func (s *Store) NumRooms() int {
	return len(s.rooms)
}

func (s *Store) NumSessions() int {
	total := 0
	for _, r := range s.rooms {
		total += len(r.sessions)
	}
	return total
}
