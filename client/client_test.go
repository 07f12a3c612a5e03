package client

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/docsync/collab-relay/protocol"
	"github.com/docsync/collab-relay/relay"
	"github.com/matrix-org/complement/must"
	"github.com/tidwall/gjson"
)

func newTestRelayServer(t *testing.T) (*relay.Relay, *httptest.Server) {
	t.Helper()
	r := relay.NewRelay(relay.Options{})
	conns := relay.NewConnMap(time.Minute)
	srv := httptest.NewServer(relay.NewWSHandler(r, conns, "*", 64))
	t.Cleanup(func() {
		srv.Close()
		conns.Teardown()
		r.Close()
	})
	return r, srv
}

func waitFor(t *testing.T, msg string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func startClient(t *testing.T, serverURL, userID string, h Handlers) *Client {
	t.Helper()
	c, err := New(Options{
		ServerURL:      serverURL,
		DocumentID:     "doc-1",
		User:           protocol.User{ID: userID, Name: userID},
		Handlers:       h,
		ReconnectDelay: 10 * time.Millisecond,
	})
	must.NotError(t, "New", err)
	must.NotError(t, "Start", c.Start(context.Background()))
	t.Cleanup(c.Close)
	return c
}

func TestEndpoint(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{"http://localhost:3001", "ws://localhost:3001/collab"},
		{"https://collab.example.com/", "wss://collab.example.com/collab"},
		{"ws://localhost:3001/custom", "ws://localhost:3001/custom"},
	}
	for _, tc := range testCases {
		got, err := Endpoint(tc.in)
		must.NotError(t, tc.in, err)
		must.Equal(t, got, tc.want, tc.in)
	}
	_, err := Endpoint("ftp://nope")
	must.NotEqual(t, err, nil, "unsupported scheme")
}

func TestClientOffline(t *testing.T) {
	c, err := New(Options{DocumentID: "doc-1", User: protocol.User{ID: "alice"}})
	must.NotError(t, "New", err)
	must.NotError(t, "Start", c.Start(context.Background()))
	<-c.Done()
	must.Equal(t, c.IsConnected(), false, "offline client is never connected")
	must.Equal(t, c.LastError(), "", "offline is not an error")
	// senders are no-ops
	c.SendEdit(protocol.DocumentChanges{Content: "x"})
	c.SendCursorPosition(protocol.CursorPosition{})
	c.SendSelection(protocol.TextSelection{})
	c.Close()
	c.Close()
}

func TestClientRejectsInvalidOptions(t *testing.T) {
	_, err := New(Options{ServerURL: "http://localhost:3001", User: protocol.User{ID: "alice"}})
	must.NotEqual(t, err, nil, "missing document ID")
	_, err = New(Options{ServerURL: "http://localhost:3001", DocumentID: "doc-1"})
	must.NotEqual(t, err, nil, "missing user ID")
}

func TestClientCloseWithoutStart(t *testing.T) {
	c, err := New(Options{ServerURL: "http://localhost:3001", DocumentID: "doc-1", User: protocol.User{ID: "alice"}})
	must.NotError(t, "New", err)
	c.Close()
	must.NotEqual(t, c.Start(context.Background()), nil, "Start after Close")
}

func TestClientPresenceReconciliation(t *testing.T) {
	r, srv := newTestRelayServer(t)

	var mu sync.Mutex
	var updates []protocol.DocumentUpdate
	alice := startClient(t, srv.URL, "alice", Handlers{
		OnDocumentUpdate: func(ev protocol.DocumentUpdate) {
			mu.Lock()
			defer mu.Unlock()
			updates = append(updates, ev)
		},
	})
	waitFor(t, "alice connected", alice.IsConnected)
	waitFor(t, "alice joined", func() bool { return r.Stats().Sessions == 1 })

	bob := startClient(t, srv.URL, "bob", Handlers{})
	waitFor(t, "alice sees bob", func() bool { return len(alice.ActiveUsers()) == 1 })
	waitFor(t, "bob sees alice", func() bool { return len(bob.ActiveUsers()) == 1 })
	must.Equal(t, alice.ActiveUsers()[0].User.ID, "bob", "alice's peer")
	must.Equal(t, bob.ActiveUsers()[0].User.ID, "alice", "bob's peer")

	bob.SendCursorPosition(protocol.CursorPosition{X: 4, Y: 5, From: 6, To: 7})
	waitFor(t, "alice sees bob's cursor", func() bool {
		users := alice.ActiveUsers()
		return len(users) == 1 && users[0].CursorPosition != nil
	})
	must.Equal(t, *alice.ActiveUsers()[0].CursorPosition, protocol.CursorPosition{X: 4, Y: 5, From: 6, To: 7}, "cursor")

	bob.SendSelection(protocol.TextSelection{From: 10, To: 3})
	waitFor(t, "alice sees bob's selection", func() bool {
		users := alice.ActiveUsers()
		return len(users) == 1 && users[0].Selection != nil
	})

	bob.SendEdit(protocol.DocumentChanges{Content: "from bob"})
	waitFor(t, "alice gets the edit", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) == 1
	})
	mu.Lock()
	must.Equal(t, gjson.GetBytes(updates[0].Changes, "content").Str, "from bob", "edit content")
	must.Equal(t, updates[0].Version, uint64(1), "edit version")
	must.Equal(t, updates[0].UserID, "bob", "edit user")
	mu.Unlock()

	// a second connection for the same user is a separate entry
	bob2 := startClient(t, srv.URL, "bob", Handlers{})
	waitFor(t, "alice sees both bob connections", func() bool { return len(alice.ActiveUsers()) == 2 })
	bob2.Close()
	waitFor(t, "bob2 leaves", func() bool { return len(alice.ActiveUsers()) == 1 })
	must.Equal(t, alice.ActiveUsers()[0].CursorPosition != nil, true, "the remaining bob entry keeps its cursor")

	bob.Close()
	waitFor(t, "alice sees bob leave", func() bool { return len(alice.ActiveUsers()) == 0 })
	must.Equal(t, bob.IsConnected(), false, "closed client is disconnected")
}

func TestClientReconnectExhaustion(t *testing.T) {
	// nothing listening here once the server is closed
	srv := httptest.NewServer(nil)
	serverURL := srv.URL
	srv.Close()

	c, err := New(Options{
		ServerURL:         serverURL,
		DocumentID:        "doc-1",
		User:              protocol.User{ID: "alice"},
		ReconnectAttempts: 3,
		ReconnectDelay:    time.Millisecond,
	})
	must.NotError(t, "New", err)
	must.NotError(t, "Start", c.Start(context.Background()))
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("client never gave up")
	}
	must.Equal(t, c.LastError(), ConnectFailedMessage, "LastError after exhaustion")
	must.Equal(t, c.IsConnected(), false, "not connected")
	c.Close()
}

func TestClientReconnectsAfterServerDrop(t *testing.T) {
	r := relay.NewRelay(relay.Options{})
	// idle connections are dropped well before the client's first heartbeat
	conns := relay.NewConnMap(100 * time.Millisecond)
	srv := httptest.NewServer(relay.NewWSHandler(r, conns, "*", 64))
	t.Cleanup(func() {
		srv.Close()
		conns.Teardown()
		r.Close()
	})

	connects := 0
	var mu sync.Mutex
	c := startClient(t, srv.URL, "alice", Handlers{
		OnConnect: func() {
			mu.Lock()
			defer mu.Unlock()
			connects++
		},
	})
	waitFor(t, "reconnected after the relay dropped us", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connects >= 2
	})
	must.Equal(t, c.LastError(), "", "reconnecting is not an error")
}
