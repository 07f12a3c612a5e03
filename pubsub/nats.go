package pubsub

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// SubjectPrefix namespaces every channel on the NATS server, e.g. ChanRooms becomes collab.room
const SubjectPrefix = "collab."

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NATS is a Notifier and Listener which crosses process boundaries. Payloads are sent as
// JSON envelopes and rebuilt on the receiving side, so only payload types this package
// knows about can be carried.
type NATS struct {
	nc     *nats.Conn
	mu     sync.Mutex
	subs   []*nats.Subscription
	done   chan struct{}
	closed bool
}

// ConnectNATS dials the server, retrying while it comes up. Once connected the client
// reconnects forever.
func ConnectNATS(url, name string, attempts int) (*NATS, error) {
	var nc *nats.Conn
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		nc, err = nats.Connect(url,
			nats.Name(name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			}),
		)
		if err == nil {
			break
		}
		logger.Info().Int("attempt", attempt).Err(err).Msg("waiting for NATS")
		if attempt < attempts {
			time.Sleep(2 * time.Second)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logger.Info().Str("url", nc.ConnectedUrl()).Msg("connected to NATS")
	return NewNATS(nc), nil
}

// NewNATS wraps an existing connection. Close will close it.
func NewNATS(nc *nats.Conn) *NATS {
	return &NATS{
		nc:   nc,
		done: make(chan struct{}),
	}
}

func (n *NATS) Notify(chanName string, p Payload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload %v: %w", p.Type(), err)
	}
	msg, err := json.Marshal(envelope{
		Type:    p.Type(),
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope %v: %w", p.Type(), err)
	}
	if err = n.nc.Publish(SubjectPrefix+chanName, msg); err != nil {
		return fmt.Errorf("publish payload %v: %w", p.Type(), err)
	}
	return nil
}

func (n *NATS) Listen(chanName string, fn func(p Payload)) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return fmt.Errorf("listen on %s: NATS closed", chanName)
	}
	// callbacks for one subscription run on a single goroutine, so ordering is preserved
	sub, err := n.nc.Subscribe(SubjectPrefix+chanName, func(msg *nats.Msg) {
		p, err := decodeEnvelope(msg.Data)
		if err != nil {
			logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping NATS message")
			return
		}
		fn(p)
	})
	if err != nil {
		n.mu.Unlock()
		return fmt.Errorf("subscribe to %s: %w", chanName, err)
	}
	n.subs = append(n.subs, sub)
	n.mu.Unlock()
	<-n.done
	return nil
}

func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, sub := range n.subs {
		if err := sub.Unsubscribe(); err != nil {
			logger.Warn().Err(err).Str("subject", sub.Subject).Msg("failed to unsubscribe")
		}
	}
	close(n.done)
	n.nc.Close()
	return nil
}

func decodeEnvelope(data []byte) (Payload, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid JSON envelope")
	}
	typ := gjson.GetBytes(data, "type").Str
	newPayload, ok := payloadTypes[typ]
	if !ok {
		return nil, fmt.Errorf("unknown payload type %q", typ)
	}
	p := newPayload()
	if err := json.Unmarshal([]byte(gjson.GetBytes(data, "payload").Raw), p); err != nil {
		return nil, fmt.Errorf("unmarshal payload %q: %w", typ, err)
	}
	return p, nil
}
