package events

import (
	"strings"
	"testing"
	"time"
)

func TestPublishAndSubscribe(t *testing.T) {
	bus := NewBus(16)
	ch := bus.Subscribe("test-1")

	bus.Publish(NewJobStatus("job-1", "pending", "running"))

	select {
	case evt := <-ch:
		if evt.Type != JobStatusChanged {
			t.Fatalf("expected JobStatusChanged, got %s", evt.Type)
		}
		if evt.JobID != "job-1" {
			t.Fatalf("expected job-1, got %s", evt.JobID)
		}
		if evt.Timestamp.IsZero() {
			t.Fatal("timestamp should be set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	bus.Unsubscribe("test-1")
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus(16)
	ch1 := bus.Subscribe("s1")
	ch2 := bus.Subscribe("s2")

	bus.Publish(NewTaskStatus("task-1", "job-1", "pending", "running"))

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Type != TaskStatusChanged {
				t.Fatalf("wrong type: %s", evt.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}

	if bus.SubscriberCount() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", bus.SubscriberCount())
	}

	bus.Unsubscribe("s1")
	bus.Unsubscribe("s2")

	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(1) // tiny buffer
	_ = bus.Subscribe("slow")

	// Publish more events than the buffer can hold; must not block.
	for i := 0; i < 100; i++ {
		bus.Publish(NewTaskOutput("task-1", "job-1", "chunk", false))
	}
}

func TestJobStreamFiltersByJobID(t *testing.T) {
	bus := NewBus(16)
	stream := NewJobStream(bus, "job-a", time.Hour)
	defer stream.Close()

	bus.Publish(NewJobStatus("job-b", "pending", "running"))
	bus.Publish(NewApproval("apr-1", "job-a", "title", "user-1"))
	bus.Publish(NewTaskStatus("task-1", "job-a", "pending", "running"))

	select {
	case evt := <-stream.C:
		if evt.Type != TaskStatusChanged || evt.JobID != "job-a" {
			t.Fatalf("unexpected event passed the filter: %s job=%s", evt.Type, evt.JobID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for filtered event")
	}

	select {
	case evt := <-stream.C:
		t.Fatalf("expected no further events, got %s", evt.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestApprovalStreamPassesApprovalEvents(t *testing.T) {
	bus := NewBus(16)
	stream := NewApprovalStream(bus, time.Hour)
	defer stream.Close()

	bus.Publish(NewJobStatus("job-1", "pending", "running"))
	bus.Publish(NewApprovalStatus("apr-1", "pending", "approved"))

	select {
	case evt := <-stream.C:
		if evt.Type != ApprovalStatusChanged {
			t.Fatalf("expected ApprovalStatusChanged, got %s", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestStreamHeartbeat(t *testing.T) {
	bus := NewBus(16)
	stream := NewJobStream(bus, "job-1", 20*time.Millisecond)
	defer stream.Close()

	select {
	case evt := <-stream.C:
		if evt.Type != Heartbeat {
			t.Fatalf("expected heartbeat, got %s", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no heartbeat delivered")
	}
}

func TestWriteSSEFraming(t *testing.T) {
	var sb strings.Builder
	evt := NewJobStatus("job-1", "running", "completed")
	if err := WriteSSE(&sb, evt); err != nil {
		t.Fatalf("write: %v", err)
	}

	out := sb.String()
	if !strings.HasPrefix(out, "event: job_status_changed\ndata: ") {
		t.Fatalf("bad framing: %q", out)
	}
	if !strings.HasSuffix(out, "\n\n") {
		t.Fatalf("missing terminator: %q", out)
	}
	if !strings.Contains(out, `"new_status":"completed"`) {
		t.Fatalf("payload missing: %q", out)
	}
}
