package events

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// DefaultHeartbeatInterval keeps idle SSE connections alive.
const DefaultHeartbeatInterval = 30 * time.Second

// Stream is a filtered view over the bus. Closing the stream releases all
// internal resources; no other cleanup is required.
type Stream struct {
	C    <-chan Event
	done chan struct{}
}

// Close tears the stream down. Safe to call once.
func (s *Stream) Close() {
	close(s.done)
}

// NewJobStream passes JobStatusChanged, TaskStatusChanged and
// TaskOutputUpdate events for the given job, interleaved with heartbeats.
func NewJobStream(bus *Bus, jobID string, heartbeat time.Duration) *Stream {
	return newFilteredStream(bus, heartbeat, func(evt Event) bool {
		switch evt.Type {
		case JobStatusChanged, TaskStatusChanged, TaskOutputUpdate:
			return evt.JobID == jobID
		default:
			return false
		}
	})
}

// NewApprovalStream passes all approval events, interleaved with heartbeats.
func NewApprovalStream(bus *Bus, heartbeat time.Duration) *Stream {
	return newFilteredStream(bus, heartbeat, func(evt Event) bool {
		return evt.Type == ApprovalStatusChanged || evt.Type == NewApprovalRequest
	})
}

// NewFirehoseStream passes every event, interleaved with heartbeats. Used by
// the WebSocket feed.
func NewFirehoseStream(bus *Bus, heartbeat time.Duration) *Stream {
	return newFilteredStream(bus, heartbeat, func(Event) bool { return true })
}

func newFilteredStream(bus *Bus, heartbeat time.Duration, pass func(Event) bool) *Stream {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}

	id := uuid.NewString()
	in := bus.Subscribe(id)
	out := make(chan Event, 32)
	done := make(chan struct{})

	go func() {
		defer bus.Unsubscribe(id)
		defer close(out)

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case evt, ok := <-in:
				if !ok {
					return
				}
				if !pass(evt) {
					continue
				}
				select {
				case out <- evt:
				case <-done:
					return
				}
			case <-ticker.C:
				select {
				case out <- NewHeartbeat():
				case <-done:
					return
				}
			}
		}
	}()

	return &Stream{C: out, done: done}
}

// WriteSSE writes one event in text/event-stream framing.
func WriteSSE(w io.Writer, evt Event) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.JSON())
	return err
}

// ServeSSE drains a stream to an HTTP response until the client disconnects
// or the stream closes. The caller owns the stream and must Close it.
func ServeSSE(w http.ResponseWriter, r *http.Request, stream *Stream) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-stream.C:
			if !ok {
				return
			}
			if err := WriteSSE(w, evt); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
