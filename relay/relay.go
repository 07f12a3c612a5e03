// Package relay routes collaboration events between the connections viewing a document.
package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/docsync/collab-relay/internal"
	"github.com/docsync/collab-relay/presence"
	"github.com/docsync/collab-relay/protocol"
	"github.com/docsync/collab-relay/pubsub"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	DefaultSessionTimeout = 60 * time.Second
	DefaultSweepInterval  = 30 * time.Second
	defaultBridgeBuffer   = 256
)

// Sender is the outbound half of one client connection.
type Sender interface {
	// Send queues a frame for writing. It must not block: returning false means the
	// connection could not take the frame and will be disconnected.
	Send(frame []byte) bool
	// Close tears down the connection. Must be safe to call more than once.
	Close()
}

type Options struct {
	// Sessions not seen for longer than this are removed by Sweep. Defaults to 60s.
	SessionTimeout time.Duration
	// Clock defaults to time.Now.
	Clock func() time.Time
	// Bridge, if set, receives a copy of every room broadcast for other relay instances.
	Bridge pubsub.Notifier
	// BridgeBuffer bounds how many broadcasts can wait for the bridge before being dropped.
	BridgeBuffer     int
	EnablePrometheus bool
}

type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
	Sessions    int `json:"sessions"`
}

// Relay owns the presence store and every connection's sender. A single mutex orders all
// event handling, sweeps and disconnects.
type Relay struct {
	mu       *sync.Mutex
	store    *presence.Store
	versions *presence.Versions
	senders  map[string]Sender
	// connections whose sender refused a frame, disconnected once the current event is done
	slow []string

	clock          func() time.Time
	sessionTimeout time.Duration
	instanceID     string
	closed         bool

	bridge     pubsub.Notifier
	outbox     chan *pubsub.RoomBroadcast
	outboxDone chan struct{}

	metrics *metrics
}

func NewRelay(opts Options) *Relay {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	r := &Relay{
		mu:             &sync.Mutex{},
		store:          presence.NewStore(opts.Clock),
		versions:       presence.NewVersions(),
		senders:        make(map[string]Sender),
		clock:          opts.Clock,
		sessionTimeout: opts.SessionTimeout,
		instanceID:     uuid.NewString(),
		bridge:         opts.Bridge,
	}
	if opts.EnablePrometheus {
		r.metrics = newMetrics()
	}
	if r.bridge != nil {
		if opts.BridgeBuffer <= 0 {
			opts.BridgeBuffer = defaultBridgeBuffer
		}
		r.outbox = make(chan *pubsub.RoomBroadcast, opts.BridgeBuffer)
		r.outboxDone = make(chan struct{})
		go r.publishLoop()
	}
	return r
}

// InstanceID identifies this relay on the bridge.
func (r *Relay) InstanceID() string {
	return r.instanceID
}

func (r *Relay) Now() time.Time {
	return r.clock()
}

// Connect registers a new connection and returns its ID.
func (r *Relay) Connect(s Sender) string {
	connID := uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[connID] = s
	r.metrics.setConnections(len(r.senders))
	logger.Trace().Str("conn", connID).Msg("connected")
	return connID
}

// Handle processes one inbound frame from the connection. Frames which can't be decoded are
// dropped. Frames from unknown connections are ignored.
func (r *Relay) Handle(ctx context.Context, connID string, frame []byte) {
	ev, err := protocol.Decode(frame)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, protocol.ErrUnknownEvent) {
			reason = "unknown_event"
		}
		r.metrics.dropped(reason)
		logger.Debug().Str("conn", connID).Err(err).Msg("dropping frame")
		return
	}
	documentID, userID := identify(ev)
	ctx, task := internal.StartTask(ctx, ev.EventName())
	defer task.End()
	task.SetAttributes(attribute.String("doc", documentID), attribute.String("conn", connID))
	internal.SetConnContextEvent(ctx, ev.EventName(), documentID, userID)

	defer func() {
		if panicErr := recover(); panicErr != nil {
			internal.GetSentryHubFromContextOrDefault(ctx).RecoverWithContext(ctx, panicErr)
			internal.DecorateLogger(ctx, logger.Error()).
				Str("panic", fmt.Sprint(panicErr)).Msg("recovered from panic handling event")
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.senders[connID]; !ok {
		return
	}
	r.metrics.handled(ev.EventName())

	switch e := ev.(type) {
	case *protocol.JoinDocument:
		r.onJoin(ctx, connID, e)
	case *protocol.DocumentEdit:
		r.onEdit(ctx, connID, e)
	case *protocol.CursorMove:
		// The store update is a no-op for senders without a session. Peers still hear it.
		if !r.store.UpdateCursor(e.DocumentID, connID, *e.Position) {
			internal.DecorateLogger(ctx, logger.Debug()).Msg("cursor from connection without a session")
		}
		r.broadcastLocked(ctx, e.DocumentID, connID, &protocol.CursorUpdate{
			SocketID: connID,
			UserID:   e.UserID,
			Position: *e.Position,
		})
	case *protocol.SelectionChange:
		if !r.store.UpdateSelection(e.DocumentID, connID, *e.Selection) {
			internal.DecorateLogger(ctx, logger.Debug()).Msg("selection from connection without a session")
		}
		r.broadcastLocked(ctx, e.DocumentID, connID, &protocol.SelectionUpdate{
			SocketID:  connID,
			UserID:    e.UserID,
			Selection: *e.Selection,
		})
	case *protocol.Heartbeat:
		if !r.store.Touch(e.DocumentID, connID) {
			internal.DecorateLogger(ctx, logger.Debug()).Msg("heartbeat from connection without a session")
		}
	case *protocol.LeaveDocument:
		if sess := r.store.RemoveSession(e.DocumentID, connID); sess != nil {
			r.broadcastLeftLocked(ctx, e.DocumentID, sess)
		}
	default:
		// a server event sent by a client
		r.metrics.dropped("unexpected_event")
		internal.DecorateLogger(ctx, logger.Debug()).Msg("dropping server event sent by client")
	}
	r.disconnectSlowLocked(ctx)
}

func (r *Relay) onJoin(ctx context.Context, connID string, e *protocol.JoinDocument) {
	r.store.UpsertSession(e.DocumentID, connID, *e.User)
	r.broadcastLocked(ctx, e.DocumentID, connID, &protocol.UserJoined{
		SocketID:  connID,
		User:      *e.User,
		Timestamp: r.clock(),
	})
	others := r.store.ListSessions(e.DocumentID, connID)
	users := make([]protocol.PresenceUser, 0, len(others))
	for _, sess := range others {
		users = append(users, protocol.PresenceUser{
			SocketID:       sess.ConnID,
			User:           sess.User,
			CursorPosition: sess.Cursor,
			Selection:      sess.Selection,
		})
	}
	r.sendLocked(ctx, connID, &protocol.PresenceState{
		Users:   users,
		Version: r.versions.Current(e.DocumentID),
	})
	internal.DecorateLogger(ctx, logger.Debug()).Int("peers", len(users)).Msg("joined")
}

// onEdit bumps the document version and forwards the changes bytes as received. The
// sender does not need a session: a connection evicted by the sweeper keeps editing.
func (r *Relay) onEdit(ctx context.Context, connID string, e *protocol.DocumentEdit) {
	version := r.versions.Next(e.DocumentID)
	internal.Logf(ctx, "edit", "version %d", version)
	r.broadcastLocked(ctx, e.DocumentID, connID, &protocol.DocumentUpdate{
		Changes:   e.Changes,
		UserID:    e.UserID,
		Version:   version,
		Timestamp: r.clock(),
	})
}

// Disconnect removes the connection from every room it joined, telling the remaining
// members, and forgets it. Unknown connections are ignored.
func (r *Relay) Disconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx := internal.ConnContext(context.Background(), connID)
	r.disconnectLocked(ctx, connID)
	r.disconnectSlowLocked(ctx)
}

func (r *Relay) disconnectLocked(ctx context.Context, connID string) {
	sender, ok := r.senders[connID]
	if !ok {
		return
	}
	delete(r.senders, connID)
	r.metrics.setConnections(len(r.senders))
	for _, sess := range r.store.RemoveConnection(connID) {
		r.broadcastLeftLocked(ctx, sess.Room, sess)
	}
	sender.Close()
	logger.Trace().Str("conn", connID).Msg("disconnected")
}

func (r *Relay) disconnectSlowLocked(ctx context.Context) {
	// disconnecting can make yet more connections slow, so loop until quiet
	for len(r.slow) > 0 {
		connID := r.slow[0]
		r.slow = r.slow[1:]
		if _, ok := r.senders[connID]; !ok {
			continue
		}
		logger.Warn().Str("conn", connID).Msg("disconnecting slow consumer")
		r.metrics.dropped("slow_consumer")
		r.disconnectLocked(ctx, connID)
	}
}

// Sweep removes every session not seen within the session timeout as of now, telling the
// remaining members of each room. Returns how many sessions were removed.
func (r *Relay) Sweep(now time.Time) int {
	ctx, task := internal.StartTask(context.Background(), "sweep")
	defer task.End()
	r.mu.Lock()
	defer r.mu.Unlock()
	_, span := internal.StartSpan(ctx, "SweepExpired")
	evicted := r.store.SweepExpired(r.sessionTimeout, now)
	span.End()
	for i := range evicted {
		r.broadcastLeftLocked(ctx, evicted[i].Room, &evicted[i].Session)
	}
	r.metrics.evicted(len(evicted))
	r.disconnectSlowLocked(ctx)
	return len(evicted)
}

func (r *Relay) broadcastLeftLocked(ctx context.Context, roomID string, sess *presence.Session) {
	r.broadcastLocked(ctx, roomID, sess.ConnID, &protocol.UserLeft{
		SocketID:  sess.ConnID,
		UserID:    sess.User.ID,
		Timestamp: r.clock(),
	})
}

// broadcastLocked sends ev to every member of the room except the excluded connection, and to
// the bridge if there is one.
func (r *Relay) broadcastLocked(ctx context.Context, roomID, excludeConnID string, ev protocol.Event) {
	frame, err := protocol.Encode(ev)
	if err != nil {
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		internal.DecorateLogger(ctx, logger.Error()).Err(err).Msg("failed to encode broadcast")
		return
	}
	for _, connID := range r.store.Members(roomID, excludeConnID) {
		r.deliverLocked(connID, frame)
	}
	if r.outbox != nil && !r.closed {
		select {
		case r.outbox <- &pubsub.RoomBroadcast{
			Instance:   r.instanceID,
			DocumentID: roomID,
			Event:      ev.EventName(),
			Frame:      frame,
		}:
		default:
			r.metrics.dropped("bridge_full")
			logger.Warn().Str("doc", roomID).Str("event", ev.EventName()).Msg("bridge outbox full, dropping broadcast")
		}
	}
}

func (r *Relay) sendLocked(ctx context.Context, connID string, ev protocol.Event) {
	frame, err := protocol.Encode(ev)
	if err != nil {
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		internal.DecorateLogger(ctx, logger.Error()).Err(err).Msg("failed to encode event")
		return
	}
	r.deliverLocked(connID, frame)
}

func (r *Relay) deliverLocked(connID string, frame []byte) {
	sender, ok := r.senders[connID]
	if !ok {
		return
	}
	if !sender.Send(frame) {
		r.slow = append(r.slow, connID)
		return
	}
	r.metrics.sentFrame()
}

// OnRoomBroadcast delivers a broadcast from another relay instance to this instance's members
// of the room.
func (r *Relay) OnRoomBroadcast(p *pubsub.RoomBroadcast) {
	if p.Instance == r.instanceID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, connID := range r.store.Members(p.DocumentID, "") {
		r.deliverLocked(connID, p.Frame)
	}
	r.disconnectSlowLocked(context.Background())
}

// ListenBridge delivers broadcasts from other instances until the listener is closed.
func (r *Relay) ListenBridge(l pubsub.Listener) error {
	return pubsub.NewRoomsSub(l, r).Listen()
}

func (r *Relay) publishLoop() {
	defer close(r.outboxDone)
	for p := range r.outbox {
		if err := r.bridge.Notify(pubsub.ChanRooms, p); err != nil {
			logger.Err(err).Str("doc", p.DocumentID).Str("event", p.Event).Msg("failed to publish to bridge")
		}
	}
}

func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Connections: len(r.senders),
		Rooms:       r.store.NumRooms(),
		Sessions:    r.store.NumSessions(),
	}
}

// Close disconnects every connection and flushes pending bridge publishes. The bridge itself
// is not closed.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	ctx := context.Background()
	for _, connID := range internal.SortedKeys(r.senders) {
		r.disconnectLocked(ctx, connID)
	}
	r.closed = true
	if r.outbox != nil {
		close(r.outbox)
	}
	r.mu.Unlock()
	if r.outboxDone != nil {
		<-r.outboxDone
	}
	r.metrics.unregister()
}

// identify pulls the document and user out of client events for logging.
func identify(ev protocol.Event) (documentID, userID string) {
	switch e := ev.(type) {
	case *protocol.JoinDocument:
		return e.DocumentID, e.User.ID
	case *protocol.DocumentEdit:
		return e.DocumentID, e.UserID
	case *protocol.CursorMove:
		return e.DocumentID, e.UserID
	case *protocol.SelectionChange:
		return e.DocumentID, e.UserID
	case *protocol.Heartbeat:
		return e.DocumentID, e.UserID
	case *protocol.LeaveDocument:
		return e.DocumentID, ""
	}
	return "", ""
}
