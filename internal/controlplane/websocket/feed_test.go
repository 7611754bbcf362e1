package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marcus-qen/opsplane/internal/controlplane/events"
)

func dialFeed(t *testing.T, feed *Feed) *websocket.Conn {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events/ws", feed.Handle)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFeedDeliversEvents(t *testing.T) {
	bus := events.NewBus(16)
	feed := NewFeed(bus, nil)
	conn := dialFeed(t, feed)

	// The stream subscribes asynchronously; publish once it is attached.
	waitFor(t, func() bool { return bus.SubscriberCount() == 1 }, "subscription")
	bus.Publish(events.NewJobStatus("job-1", "pending", "running"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var evt struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &evt); err != nil {
		t.Fatalf("unmarshal %q: %v", msg, err)
	}
	if evt.Type != string(events.JobStatusChanged) {
		t.Errorf("type = %q, want %q", evt.Type, events.JobStatusChanged)
	}
	if !strings.Contains(string(evt.Data), "job-1") {
		t.Errorf("payload %q does not name the job", evt.Data)
	}
}

func TestFeedTracksConnections(t *testing.T) {
	bus := events.NewBus(16)
	feed := NewFeed(bus, nil)

	conn := dialFeed(t, feed)
	waitFor(t, func() bool { return feed.Connected() == 1 }, "client attach")

	_ = conn.Close()
	waitFor(t, func() bool { return feed.Connected() == 0 }, "client detach")
	waitFor(t, func() bool { return bus.SubscriberCount() == 0 }, "subscription release")
}
