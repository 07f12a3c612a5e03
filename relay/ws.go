package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/docsync/collab-relay/internal"
	"github.com/getsentry/sentry-go"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// WSHandler upgrades HTTP requests to websocket connections and pumps frames between them and
// the relay. ServeHTTP blocks for the lifetime of the connection.
type WSHandler struct {
	relay      *Relay
	conns      *ConnMap
	sendBuffer int
	upgrader   websocket.Upgrader
}

// NewWSHandler makes a handler which accepts connections from allowedOrigin, or from any origin
// if allowedOrigin is "*". Requests without an Origin header are not from browsers and are
// always accepted.
func NewWSHandler(r *Relay, conns *ConnMap, allowedOrigin string, sendBuffer int) *WSHandler {
	return &WSHandler{
		relay:      r,
		conns:      conns,
		sendBuffer: sendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(req *http.Request) bool {
				origin := req.Header.Get("Origin")
				return allowedOrigin == "*" || origin == "" || origin == allowedOrigin
			},
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already written an error response
		logger.Debug().Err(err).Str("origin", req.Header.Get("Origin")).Msg("websocket upgrade failed")
		return
	}
	conn := newWSConn(ws, h.sendBuffer)
	connID := h.relay.Connect(conn)
	h.conns.Add(connID, conn)
	go conn.writeLoop()

	// the request context ends with ServeHTTP, but keep its Sentry hub for the connection's lifetime
	ctx := sentry.SetHubOnContext(
		internal.ConnContext(context.Background(), connID),
		internal.GetSentryHubFromContextOrDefault(req.Context()),
	)
	conn.readLoop(func() {
		h.conns.Touch(connID)
	}, func(frame []byte) {
		h.conns.Touch(connID)
		h.relay.Handle(ctx, connID, frame)
	})
	h.conns.Remove(connID)
	h.relay.Disconnect(connID)
	conn.Close()
}

// wsConn is a Sender backed by a websocket. Frames are queued on a bounded channel and written
// by a single goroutine.
type wsConn struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn, bufferSize int) *wsConn {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &wsConn{
		ws:   ws,
		send: make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
}

func (c *wsConn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return
		}
	}
}

// readLoop blocks until the socket fails or is closed.
func (c *wsConn) readLoop(onPong func(), onFrame func(frame []byte)) {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		onPong()
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		msgType, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			continue
		}
		onFrame(frame)
	}
}
