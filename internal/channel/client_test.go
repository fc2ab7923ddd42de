package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/driver-dispatch/internal/logging"
)

// testServer accepts driver sockets and exposes them to the test.
type testServer struct {
	*httptest.Server
	conns chan *websocket.Conn
	query chan string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{conns: make(chan *websocket.Conn, 4), query: make(chan string, 4)}
	upgrader := websocket.Upgrader{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.query <- r.URL.RawQuery
		ts.conns <- conn
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string { return "ws" + strings.TrimPrefix(ts.URL, "http") }

func (ts *testServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ts.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("client never connected")
		return nil
	}
}

type transitions struct {
	mu  sync.Mutex
	got []bool
	ch  chan bool
}

func newTransitions() *transitions { return &transitions{ch: make(chan bool, 16)} }

func (tr *transitions) record(v bool) {
	tr.mu.Lock()
	tr.got = append(tr.got, v)
	tr.mu.Unlock()
	tr.ch <- v
}

func (tr *transitions) next(t *testing.T) bool {
	t.Helper()
	select {
	case v := <-tr.ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("no connectivity transition")
		return false
	}
}

func newClient(url string) *Client {
	return New(Options{URL: url, MinBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}, logging.Discard())
}

func TestConnectDeliversEventsAndSends(t *testing.T) {
	ts := newTestServer(t)
	c := newClient(ts.wsURL())
	defer c.Disconnect()

	got := make(chan string, 1)
	c.On("ride_request", func(data json.RawMessage) { got <- "first:" + string(data) })
	c.On("ride_request", func(data json.RawMessage) { got <- string(data) })
	tr := newTransitions()
	c.OnConnectivityChange(tr.record)
	if tr.next(t) {
		t.Fatalf("late subscriber should first see disconnected")
	}

	if err := c.Connect(context.Background(), "drv-1"); err != nil {
		t.Fatal(err)
	}
	server := ts.accept(t)
	if q := <-ts.query; !strings.Contains(q, "id=drv-1") || !strings.Contains(q, "type=driver") {
		t.Fatalf("unexpected query %s", q)
	}
	if !tr.next(t) {
		t.Fatalf("expected connected transition")
	}

	if err := server.WriteJSON(Envelope{Event: "ride_request", Data: json.RawMessage(`{"offerId":"O1"}`)}); err != nil {
		t.Fatal(err)
	}
	select {
	case v := <-got:
		if v != `{"offerId":"O1"}` {
			t.Fatalf("replaced handler should receive the event, got %s", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event not delivered")
	}

	if err := c.Send("driver_status", map[string]string{"status": "online"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	var env Envelope
	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := server.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Event != "driver_status" || !strings.Contains(string(env.Data), `"online"`) {
		t.Fatalf("unexpected frame %+v", env)
	}
}

func TestReconnectReportsTransitions(t *testing.T) {
	ts := newTestServer(t)
	c := newClient(ts.wsURL())
	defer c.Disconnect()
	tr := newTransitions()
	c.OnConnectivityChange(tr.record)
	tr.next(t)

	if err := c.Connect(context.Background(), "drv-1"); err != nil {
		t.Fatal(err)
	}
	first := ts.accept(t)
	if !tr.next(t) {
		t.Fatalf("expected connected")
	}
	first.Close()
	if tr.next(t) {
		t.Fatalf("expected disconnected after drop")
	}
	ts.accept(t)
	if !tr.next(t) {
		t.Fatalf("expected reconnected")
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	c := newClient("ws://127.0.0.1:1/socket")
	if err := c.Send("driver_status", map[string]string{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	c.Disconnect()
	c.Disconnect()
}

func TestConnectIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	c := newClient(ts.wsURL())
	defer c.Disconnect()
	if err := c.Connect(context.Background(), "drv-1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(context.Background(), "drv-1"); err != nil {
		t.Fatal(err)
	}
	ts.accept(t)
	select {
	case <-ts.conns:
		t.Fatalf("second Connect opened another socket")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectRejectsBadURL(t *testing.T) {
	c := newClient("http://example.test")
	if err := c.Connect(context.Background(), "drv-1"); err == nil {
		t.Fatalf("expected scheme error")
	}
}
