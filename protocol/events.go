// Package protocol defines the collaboration wire protocol: JSON text frames of the form
// {"event": <name>, "data": <payload>} exchanged between the relay and its clients.
package protocol

import (
	"encoding/json"
	"time"
)

// Client to server events.
const (
	EventJoinDocument    = "join-document"
	EventDocumentEdit    = "document-edit"
	EventCursorMove      = "cursor-move"
	EventSelectionChange = "selection-change"
	EventHeartbeat       = "heartbeat"
	EventLeaveDocument   = "leave-document"
)

// Server to client events.
const (
	EventPresenceState   = "presence-state"
	EventUserJoined      = "user-joined"
	EventUserLeft        = "user-left"
	EventDocumentUpdate  = "document-update"
	EventCursorUpdate    = "cursor-update"
	EventSelectionUpdate = "selection-update"
)

// Event is one decoded frame. The concrete type identifies the event.
type Event interface {
	EventName() string
}

// User is the caller-supplied identity. Only the ID is required; nothing is verified.
type User struct {
	ID    string `json:"id" validate:"required"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Color string `json:"color"`
}

// CursorPosition is advisory: screen coordinates plus a document offset range.
type CursorPosition struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	From int     `json:"from" validate:"gte=0"`
	To   int     `json:"to" validate:"gte=0"`
}

// TextSelection is a document offset range. From > To is relayed as-is.
type TextSelection struct {
	From int `json:"from" validate:"gte=0"`
	To   int `json:"to" validate:"gte=0"`
}

// DocumentChanges is the minimal shape of an edit payload, used by clients building one.
// The relay itself keeps changes as raw JSON and forwards any other fields untouched.
type DocumentChanges struct {
	Content string   `json:"content"`
	Version *float64 `json:"version,omitempty"`
}

type JoinDocument struct {
	DocumentID string `json:"documentId" validate:"required"`
	User       *User  `json:"user" validate:"required"`
}

func (JoinDocument) EventName() string { return EventJoinDocument }

type DocumentEdit struct {
	DocumentID string `json:"documentId" validate:"required"`
	// Changes must be an object with a string "content". It is otherwise opaque.
	Changes json.RawMessage `json:"changes" validate:"required"`
	UserID  string          `json:"userId" validate:"required"`
}

func (DocumentEdit) EventName() string { return EventDocumentEdit }

type CursorMove struct {
	DocumentID string          `json:"documentId" validate:"required"`
	Position   *CursorPosition `json:"position" validate:"required"`
	UserID     string          `json:"userId" validate:"required"`
}

func (CursorMove) EventName() string { return EventCursorMove }

type SelectionChange struct {
	DocumentID string         `json:"documentId" validate:"required"`
	Selection  *TextSelection `json:"selection" validate:"required"`
	UserID     string         `json:"userId" validate:"required"`
}

func (SelectionChange) EventName() string { return EventSelectionChange }

// Heartbeat refreshes the sender's session in DocumentID. Sessions are keyed by
// connection, so UserID is optional and only used for logging.
type Heartbeat struct {
	DocumentID string `json:"documentId" validate:"required"`
	UserID     string `json:"userId"`
}

func (Heartbeat) EventName() string { return EventHeartbeat }

type LeaveDocument struct {
	DocumentID string `json:"documentId" validate:"required"`
}

func (LeaveDocument) EventName() string { return EventLeaveDocument }

// PresenceUser is one peer in a presence-state snapshot.
type PresenceUser struct {
	SocketID       string          `json:"socketId"`
	User           User            `json:"user"`
	CursorPosition *CursorPosition `json:"cursorPosition,omitempty"`
	Selection      *TextSelection  `json:"selection,omitempty"`
}

type PresenceState struct {
	Users   []PresenceUser `json:"users"`
	Version uint64         `json:"version"`
}

func (PresenceState) EventName() string { return EventPresenceState }

type UserJoined struct {
	SocketID  string    `json:"socketId"`
	User      User      `json:"user"`
	Timestamp time.Time `json:"timestamp"`
}

func (UserJoined) EventName() string { return EventUserJoined }

type UserLeft struct {
	SocketID  string    `json:"socketId"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

func (UserLeft) EventName() string { return EventUserLeft }

type DocumentUpdate struct {
	Changes   json.RawMessage `json:"changes"`
	UserID    string          `json:"userId"`
	Version   uint64          `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
}

func (DocumentUpdate) EventName() string { return EventDocumentUpdate }

type CursorUpdate struct {
	SocketID string         `json:"socketId"`
	UserID   string         `json:"userId"`
	Position CursorPosition `json:"position"`
}

func (CursorUpdate) EventName() string { return EventCursorUpdate }

type SelectionUpdate struct {
	SocketID  string        `json:"socketId"`
	UserID    string        `json:"userId"`
	Selection TextSelection `json:"selection"`
}

func (SelectionUpdate) EventName() string { return EventSelectionUpdate }
