package pubsub

import (
	"encoding/json"
)

// The channel which carries room broadcasts between relay instances
const ChanRooms = "room"

type RoomsListener interface {
	OnRoomBroadcast(p *RoomBroadcast)
}

// RoomBroadcast is a server event frame which a relay delivered to its own members of a
// document room, forwarded so other instances can deliver it to theirs.
type RoomBroadcast struct {
	// Instance is the ID of the relay that produced the frame. Instances ignore their own.
	Instance   string
	DocumentID string
	Event      string
	Frame      json.RawMessage
}

func (v RoomBroadcast) Type() string { return "r" }

// payloadTypes is used by transports which cross a process boundary to rebuild payloads.
var payloadTypes = map[string]func() Payload{
	RoomBroadcast{}.Type(): func() Payload { return &RoomBroadcast{} },
}

type RoomsSub struct {
	listener Listener
	receiver RoomsListener
}

func NewRoomsSub(l Listener, recv RoomsListener) *RoomsSub {
	return &RoomsSub{
		listener: l,
		receiver: recv,
	}
}

func (v *RoomsSub) onMessage(p Payload) {
	switch p.Type() {
	case RoomBroadcast{}.Type():
		v.receiver.OnRoomBroadcast(p.(*RoomBroadcast))
	default:
		logger.Warn().Str("type", p.Type()).Msg("RoomsSub: unhandled payload type")
	}
}

// Listen blocks until the underlying listener is closed.
func (v *RoomsSub) Listen() error {
	return v.listener.Listen(ChanRooms, v.onMessage)
}
