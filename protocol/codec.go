package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	// ErrMalformed is returned for frames which are not a valid envelope or whose payload
	// is missing required fields.
	ErrMalformed = errors.New("malformed event")
	// ErrUnknownEvent is returned for well-formed envelopes naming an event we don't know.
	ErrUnknownEvent = errors.New("unknown event")
)

var validate = validator.New()

var factories = map[string]func() Event{
	EventJoinDocument:    func() Event { return &JoinDocument{} },
	EventDocumentEdit:    func() Event { return &DocumentEdit{} },
	EventCursorMove:      func() Event { return &CursorMove{} },
	EventSelectionChange: func() Event { return &SelectionChange{} },
	EventHeartbeat:       func() Event { return &Heartbeat{} },
	EventLeaveDocument:   func() Event { return &LeaveDocument{} },
	EventPresenceState:   func() Event { return &PresenceState{} },
	EventUserJoined:      func() Event { return &UserJoined{} },
	EventUserLeft:        func() Event { return &UserLeft{} },
	EventDocumentUpdate:  func() Event { return &DocumentUpdate{} },
	EventCursorUpdate:    func() Event { return &CursorUpdate{} },
	EventSelectionUpdate: func() Event { return &SelectionUpdate{} },
}

// Decode parses a frame into its event type. The returned Event is always a pointer,
// e.g. *JoinDocument.
func Decode(frame []byte) (Event, error) {
	if !gjson.ValidBytes(frame) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	env := gjson.ParseBytes(frame)
	name := env.Get("event")
	if name.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	data := env.Get("data")
	if !data.IsObject() {
		return nil, fmt.Errorf("%w: %s: data is not an object", ErrMalformed, name.Str)
	}
	newEvent, ok := factories[name.Str]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name.Str)
	}
	ev := newEvent()
	if err := json.Unmarshal([]byte(data.Raw), ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrMalformed, name.Str, err)
	}
	if err := validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrMalformed, name.Str, err)
	}
	if name.Str == EventDocumentEdit {
		changes := data.Get("changes")
		if !changes.IsObject() {
			return nil, fmt.Errorf("%w: %s: changes is not an object", ErrMalformed, name.Str)
		}
		if changes.Get("content").Type != gjson.String {
			return nil, fmt.Errorf("%w: %s: changes.content is not a string", ErrMalformed, name.Str)
		}
	}
	return ev, nil
}

// Encode wraps the event in an envelope.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventName(), err)
	}
	frame, err := sjson.SetBytes([]byte(`{}`), "event", ev.EventName())
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventName(), err)
	}
	return sjson.SetRawBytes(frame, "data", data)
}

// MustEncode is Encode for events which are known to marshal, e.g. in tests.
func MustEncode(ev Event) []byte {
	frame, err := Encode(ev)
	if err != nil {
		panic(err)
	}
	return frame
}
