package pubsub

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Every payload needs a type to distinguish what kind of update it is.
type Payload interface {
	Type() string
}

// Listener represents the common functions required by all subscription listeners
type Listener interface {
	// Begin listening on this channel with this callback. Blocks until Close() is called.
	Listen(chanName string, fn func(p Payload)) error
	// Close the listener. No more callbacks should fire.
	Close() error
}

// Notifier represents the common functions required by all notifiers
type Notifier interface {
	// Notify chanName that there is a new payload p. Return an error if we failed to send the notification.
	Notify(chanName string, p Payload) error
	// Close is called when we should stop listening.
	Close() error
}

// PubSub is an in-process Notifier and Listener. Every Listen call on a channel gets its own
// copy of each payload, so several relays in one process can share a PubSub.
type PubSub struct {
	subs       map[string][]chan Payload
	mu         *sync.RWMutex
	closed     bool
	bufferSize int
}

func NewPubSub(bufferSize int) *PubSub {
	return &PubSub{
		subs:       make(map[string][]chan Payload),
		mu:         &sync.RWMutex{},
		bufferSize: bufferSize,
	}
}

func (ps *PubSub) subscribe(chanName string) (chan Payload, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil, fmt.Errorf("pubsub closed")
	}
	ch := make(chan Payload, ps.bufferSize)
	ps.subs[chanName] = append(ps.subs[chanName], ch)
	return ch, nil
}

// NumListeners returns how many Listen calls are currently attached to chanName.
func (ps *PubSub) NumListeners(chanName string) int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.subs[chanName])
}

func (ps *PubSub) Notify(chanName string, p Payload) error {
	// hold the read lock for the whole fan-out so Close can't close a channel under us
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if ps.closed {
		return fmt.Errorf("notify with payload %v: pubsub closed", p.Type())
	}
	for _, ch := range ps.subs[chanName] {
		select {
		case ch <- p:
		case <-time.After(5 * time.Second):
			return fmt.Errorf("notify with payload %v timed out", p.Type())
		}
	}
	return nil
}

func (ps *PubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil
	}
	ps.closed = true
	for _, chans := range ps.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	return nil
}

func (ps *PubSub) Listen(chanName string, fn func(p Payload)) error {
	ch, err := ps.subscribe(chanName)
	if err != nil {
		return err
	}
	for payload := range ch {
		fn(payload)
	}
	return nil
}

// Wrapper around a Notifier which adds Prometheus metrics
type PromNotifier struct {
	Notifier
	msgCounter *prometheus.CounterVec
}

func (p *PromNotifier) Notify(chanName string, payload Payload) error {
	p.msgCounter.WithLabelValues(payload.Type()).Inc()
	return p.Notifier.Notify(chanName, payload)
}

func (p *PromNotifier) Close() error {
	prometheus.Unregister(p.msgCounter)
	return p.Notifier.Close()
}

// Wrap a notifier for prometheus metrics
func NewPromNotifier(n Notifier, subsystem string) Notifier {
	p := &PromNotifier{
		Notifier: n,
		msgCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab_relay",
			Subsystem: subsystem,
			Name:      "num_payloads",
			Help:      "Number of payloads published",
		}, []string{"payload_type"}),
	}
	prometheus.MustRegister(p.msgCounter)
	return p
}
