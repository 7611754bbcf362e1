// Package events provides the in-process event bus for job, task, and
// approval events. SSE streams and the WebSocket feed are fed from here.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Type classifies realtime events.
type Type string

const (
	JobStatusChanged      Type = "job_status_changed"
	TaskStatusChanged     Type = "task_status_changed"
	TaskOutputUpdate      Type = "task_output_update"
	ApprovalStatusChanged Type = "approval_status_changed"
	NewApprovalRequest    Type = "new_approval_request"
	Heartbeat             Type = "heartbeat"
)

// Event is a single realtime event. JobID and ApprovalID are routing hints
// for filtered streams and are not part of the wire payload; the payload
// itself lives in Data.
type Event struct {
	Type       Type      `json:"type"`
	Data       any       `json:"data,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	JobID      string    `json:"-"`
	ApprovalID string    `json:"-"`
}

// JSON returns the event as a JSON byte slice.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// JobStatusPayload reports a job status transition.
type JobStatusPayload struct {
	JobID     string `json:"job_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// TaskStatusPayload reports a task status transition.
type TaskStatusPayload struct {
	TaskID    string `json:"task_id"`
	JobID     string `json:"job_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// TaskOutputPayload carries incremental task output. IsComplete is set on
// the final update for a task.
type TaskOutputPayload struct {
	TaskID     string `json:"task_id"`
	JobID      string `json:"job_id"`
	Output     string `json:"output"`
	IsComplete bool   `json:"is_complete"`
}

// ApprovalStatusPayload reports an approval request status transition.
type ApprovalStatusPayload struct {
	ApprovalID string `json:"approval_id"`
	OldStatus  string `json:"old_status"`
	NewStatus  string `json:"new_status"`
}

// NewApprovalPayload announces a freshly created approval request.
type NewApprovalPayload struct {
	ApprovalID  string `json:"approval_id"`
	JobID       string `json:"job_id,omitempty"`
	Title       string `json:"title"`
	RequestedBy string `json:"requested_by"`
}

// NewJobStatus builds a JobStatusChanged event.
func NewJobStatus(jobID, oldStatus, newStatus string) Event {
	return Event{
		Type:      JobStatusChanged,
		JobID:     jobID,
		Data:      JobStatusPayload{JobID: jobID, OldStatus: oldStatus, NewStatus: newStatus},
		Timestamp: time.Now().UTC(),
	}
}

// NewTaskStatus builds a TaskStatusChanged event.
func NewTaskStatus(taskID, jobID, oldStatus, newStatus string) Event {
	return Event{
		Type:      TaskStatusChanged,
		JobID:     jobID,
		Data:      TaskStatusPayload{TaskID: taskID, JobID: jobID, OldStatus: oldStatus, NewStatus: newStatus},
		Timestamp: time.Now().UTC(),
	}
}

// NewTaskOutput builds a TaskOutputUpdate event.
func NewTaskOutput(taskID, jobID, output string, complete bool) Event {
	return Event{
		Type:      TaskOutputUpdate,
		JobID:     jobID,
		Data:      TaskOutputPayload{TaskID: taskID, JobID: jobID, Output: output, IsComplete: complete},
		Timestamp: time.Now().UTC(),
	}
}

// NewApprovalStatus builds an ApprovalStatusChanged event.
func NewApprovalStatus(approvalID, oldStatus, newStatus string) Event {
	return Event{
		Type:       ApprovalStatusChanged,
		ApprovalID: approvalID,
		Data:       ApprovalStatusPayload{ApprovalID: approvalID, OldStatus: oldStatus, NewStatus: newStatus},
		Timestamp:  time.Now().UTC(),
	}
}

// NewApproval builds a NewApprovalRequest event.
func NewApproval(approvalID, jobID, title, requestedBy string) Event {
	return Event{
		Type:       NewApprovalRequest,
		ApprovalID: approvalID,
		JobID:      jobID,
		Data:       NewApprovalPayload{ApprovalID: approvalID, JobID: jobID, Title: title, RequestedBy: requestedBy},
		Timestamp:  time.Now().UTC(),
	}
}

// NewHeartbeat builds a synthetic keepalive event.
func NewHeartbeat() Event {
	return Event{Type: Heartbeat, Timestamp: time.Now().UTC()}
}

// Bus is a simple pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	bufferSize  int
}

// NewBus creates an event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		bufferSize:  bufferSize,
	}
}

// Publish sends an event to all subscribers.
// Non-blocking: drops events for slow subscribers.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			// Slow subscribers drop events rather than block the bus.
		}
	}
}

// Subscribe returns a channel of events. Call Unsubscribe with the returned id when done.
func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
