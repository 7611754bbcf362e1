// Package websocket serves the live event firehose to dashboard clients.
// Each connection gets its own bus subscription; a slow client only loses
// its own events.
package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marcus-qen/opsplane/internal/controlplane/events"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	// A connection that answers no ping for three periods is dead.
	pongWait = 90 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients connect cross-origin from the dashboard.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Feed streams every bus event to connected WebSocket clients.
type Feed struct {
	bus    *events.Bus
	logger *zap.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewFeed creates a feed over the bus.
func NewFeed(bus *events.Bus, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		bus:    bus,
		logger: logger,
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// Connected returns the number of attached clients.
func (f *Feed) Connected() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// Handle upgrades the request and streams events until the client goes
// away.
func (f *Feed) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Debug("ws upgrade failed", zap.Error(err))
		return
	}

	f.mu.Lock()
	f.conns[conn] = struct{}{}
	f.mu.Unlock()

	stream := events.NewFirehoseStream(f.bus, events.DefaultHeartbeatInterval)

	defer func() {
		stream.Close()
		f.mu.Lock()
		delete(f.conns, conn)
		f.mu.Unlock()
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Reader discards client frames but drives pong handling and detects
	// the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-stream.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, evt.JSON()); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
