// Package client connects an application to a collaboration relay for one document. It keeps
// the list of other people viewing the document up to date and sends the local user's edits,
// cursor and selection.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/docsync/collab-relay/protocol"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = time.Second
	DefaultHeartbeatInterval = 30 * time.Second

	// ConnectFailedMessage is the LastError once every reconnect attempt has failed.
	ConnectFailedMessage = "failed to connect to collaboration server"

	writeWait = 10 * time.Second
)

var validate = validator.New()

// Handlers are called from the client's read goroutine, one at a time, in the order events
// arrive. Any of them may be nil. A handler must not call Close, which waits for that goroutine.
type Handlers struct {
	// OnConnect is called after every successful (re)connect, once the join has been sent.
	OnConnect         func()
	OnPresenceState   func(ev protocol.PresenceState)
	OnUserJoined      func(ev protocol.UserJoined)
	OnUserLeft        func(ev protocol.UserLeft)
	OnDocumentUpdate  func(ev protocol.DocumentUpdate)
	OnCursorUpdate    func(ev protocol.CursorUpdate)
	OnSelectionUpdate func(ev protocol.SelectionUpdate)
}

type Options struct {
	// ServerURL is the relay's base URL, e.g. http://localhost:3001. Empty means offline.
	ServerURL  string        `validate:"omitempty,url"`
	DocumentID string        `validate:"required"`
	User       protocol.User
	Handlers   Handlers      `validate:"-"`

	// ReconnectAttempts bounds retries after a failed dial. Retry n waits n*ReconnectDelay.
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration

	Dialer *websocket.Dialer `validate:"-"`
	Header http.Header       `validate:"-"`
	Logger *zerolog.Logger   `validate:"-"`
}

// ActiveUser is another connection viewing the same document.
type ActiveUser struct {
	ConnID         string
	User           protocol.User
	CursorPosition *protocol.CursorPosition
	Selection      *protocol.TextSelection
}

type Client struct {
	opts Options
	log  zerolog.Logger

	mu          sync.Mutex
	ws          *websocket.Conn
	activeUsers []ActiveUser
	lastError   string
	started     bool
	closing     bool

	// gorilla allows one concurrent writer
	writeMu sync.Mutex

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func New(opts Options) (*Client, error) {
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("invalid client options: %w", err)
	}
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = DefaultReconnectAttempts
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	l := logger
	if opts.Logger != nil {
		l = *opts.Logger
	}
	return &Client{
		opts: opts,
		log:  l.With().Str("doc", opts.DocumentID).Str("user", opts.User.ID).Logger(),
		done: make(chan struct{}),
	}, nil
}

// Start connects in the background and returns immediately. With no server URL the client
// stays offline: nothing is sent and no error is reported.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("client already started")
	}
	c.started = true
	c.mu.Unlock()

	if c.opts.ServerURL == "" {
		c.log.Warn().Msg("no collaboration server URL configured, running offline")
		close(c.done)
		return nil
	}
	endpoint, err := Endpoint(c.opts.ServerURL)
	if err != nil {
		close(c.done)
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(ctx, endpoint)
	return nil
}

// Endpoint turns a relay base URL into its websocket URL.
func Endpoint(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", serverURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server URL %q: unsupported scheme", serverURL)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/collab"
	}
	return u.String(), nil
}

// Done is closed once the client has stopped for good, either because it was closed or
// because it ran out of reconnect attempts.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// ActiveUsers returns the other connections on the document in join order.
func (c *Client) ActiveUsers() []ActiveUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.activeUsers)
}

// LastError is empty unless the client has given up connecting.
func (c *Client) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

func (c *Client) SendEdit(changes protocol.DocumentChanges) {
	raw, err := json.Marshal(changes)
	if err != nil {
		logger.Err(err).Msg("failed to marshal changes")
		return
	}
	c.SendRawEdit(raw)
}

// SendRawEdit sends changes exactly as given. It must be a JSON object with a string
// "content"; any other fields reach peers untouched.
func (c *Client) SendRawEdit(changes json.RawMessage) {
	c.sendIfConnected(&protocol.DocumentEdit{
		DocumentID: c.opts.DocumentID,
		Changes:    changes,
		UserID:     c.opts.User.ID,
	})
}

func (c *Client) SendCursorPosition(pos protocol.CursorPosition) {
	c.sendIfConnected(&protocol.CursorMove{
		DocumentID: c.opts.DocumentID,
		Position:   &pos,
		UserID:     c.opts.User.ID,
	})
}

func (c *Client) SendSelection(sel protocol.TextSelection) {
	c.sendIfConnected(&protocol.SelectionChange{
		DocumentID: c.opts.DocumentID,
		Selection:  &sel,
		UserID:     c.opts.User.ID,
	})
}

// Close leaves the document and stops the client. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		ws := c.ws
		started := c.started
		c.started = true
		c.closing = true
		c.mu.Unlock()
		if !started {
			close(c.done)
			return
		}
		if ws != nil {
			if err := c.write(ws, &protocol.LeaveDocument{DocumentID: c.opts.DocumentID}); err != nil {
				c.log.Debug().Err(err).Msg("failed to send leave")
			}
			ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
		}
		if c.cancel != nil {
			c.cancel()
		}
		<-c.done
	})
}

func (c *Client) sendIfConnected(ev protocol.Event) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return
	}
	if err := c.write(ws, ev); err != nil {
		c.log.Debug().Err(err).Str("event", ev.EventName()).Msg("send failed")
	}
}

func (c *Client) write(ws *websocket.Conn, ev protocol.Event) error {
	frame, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) run(ctx context.Context, endpoint string) {
	defer close(c.done)
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if attempt > c.opts.ReconnectAttempts {
				c.mu.Lock()
				c.lastError = ConnectFailedMessage
				c.mu.Unlock()
				c.log.Error().Int("attempts", c.opts.ReconnectAttempts).Msg(ConnectFailedMessage)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * c.opts.ReconnectDelay):
			}
		}
		ws, _, err := c.opts.Dialer.DialContext(ctx, endpoint, c.opts.Header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("failed to connect to collaboration server")
			continue
		}
		c.serve(ctx, ws)
		if ctx.Err() != nil || c.isClosing() {
			return
		}
		c.log.Warn().Msg("lost connection to collaboration server, reconnecting")
		attempt = 0
	}
}

// serve joins the document and reads until the connection fails or ctx is done.
func (c *Client) serve(ctx context.Context, ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.lastError = ""
	c.mu.Unlock()

	stop := make(chan struct{})
	defer func() {
		close(stop)
		c.mu.Lock()
		c.ws = nil
		c.activeUsers = nil
		c.mu.Unlock()
		ws.Close()
	}()

	if err := c.write(ws, &protocol.JoinDocument{DocumentID: c.opts.DocumentID, User: &c.opts.User}); err != nil {
		c.log.Warn().Err(err).Msg("failed to join document")
		return
	}
	c.log.Info().Msg("connected to collaboration server")
	if c.opts.Handlers.OnConnect != nil {
		c.opts.Handlers.OnConnect()
	}

	go func() {
		ticker := time.NewTicker(c.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				// unblocks the read below
				ws.Close()
				return
			case <-ticker.C:
				if err := c.write(ws, &protocol.Heartbeat{DocumentID: c.opts.DocumentID, UserID: c.opts.User.ID}); err != nil {
					c.log.Debug().Err(err).Msg("heartbeat failed")
				}
			}
		}
	}()

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		ev, err := protocol.Decode(frame)
		if err != nil {
			c.log.Warn().Err(err).Msg("ignoring frame from server")
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Client) dispatch(ev protocol.Event) {
	h := c.opts.Handlers
	switch e := ev.(type) {
	case *protocol.PresenceState:
		users := make([]ActiveUser, 0, len(e.Users))
		for _, u := range e.Users {
			users = append(users, ActiveUser{
				ConnID:         u.SocketID,
				User:           u.User,
				CursorPosition: u.CursorPosition,
				Selection:      u.Selection,
			})
		}
		c.mu.Lock()
		c.activeUsers = users
		c.mu.Unlock()
		if h.OnPresenceState != nil {
			h.OnPresenceState(*e)
		}
	case *protocol.UserJoined:
		c.mu.Lock()
		if i := c.indexOf(e.SocketID); i >= 0 {
			c.activeUsers[i] = ActiveUser{ConnID: e.SocketID, User: e.User}
		} else {
			c.activeUsers = append(c.activeUsers, ActiveUser{ConnID: e.SocketID, User: e.User})
		}
		c.mu.Unlock()
		if h.OnUserJoined != nil {
			h.OnUserJoined(*e)
		}
	case *protocol.UserLeft:
		c.mu.Lock()
		if i := c.indexOf(e.SocketID); i >= 0 {
			c.activeUsers = slices.Delete(c.activeUsers, i, i+1)
		}
		c.mu.Unlock()
		if h.OnUserLeft != nil {
			h.OnUserLeft(*e)
		}
	case *protocol.CursorUpdate:
		c.mu.Lock()
		if i := c.indexOf(e.SocketID); i >= 0 {
			pos := e.Position
			c.activeUsers[i].CursorPosition = &pos
		}
		c.mu.Unlock()
		if h.OnCursorUpdate != nil {
			h.OnCursorUpdate(*e)
		}
	case *protocol.SelectionUpdate:
		c.mu.Lock()
		if i := c.indexOf(e.SocketID); i >= 0 {
			sel := e.Selection
			c.activeUsers[i].Selection = &sel
		}
		c.mu.Unlock()
		if h.OnSelectionUpdate != nil {
			h.OnSelectionUpdate(*e)
		}
	case *protocol.DocumentUpdate:
		if h.OnDocumentUpdate != nil {
			h.OnDocumentUpdate(*e)
		}
	default:
		c.log.Debug().Str("event", ev.EventName()).Msg("ignoring client event from server")
	}
}

func (c *Client) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *Client) indexOf(connID string) int {
	return slices.IndexFunc(c.activeUsers, func(u ActiveUser) bool {
		return u.ConnID == connID
	})
}
