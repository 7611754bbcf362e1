package approval

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/opsplane/internal/controlplane/events"
	"github.com/marcus-qen/opsplane/internal/controlplane/storage"
)

func newTestEngine(t *testing.T) (*Engine, *events.Bus) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "approval.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	bus := events.NewBus(64)
	return NewEngine(store, bus, nil, zap.NewNop()), bus
}

func createPending(t *testing.T, e *Engine, required int) *Request {
	t.Helper()
	req, err := e.Create(Request{
		Title:             "deploy to production",
		Triggers:          []string{TriggerProductionEnvironment},
		RequiredApprovers: required,
		RequestedBy:       "operator-1",
		JobID:             "job-1",
	}, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return req
}

func TestDecideNOfM(t *testing.T) {
	e, _ := newTestEngine(t)
	req := createPending(t, e, 2)

	var approvedJob string
	e.OnApproved(func(jobID string) { approvedJob = jobID })

	first, err := e.Decide(req.ID, "alice", DecisionApproved, "lgtm")
	if err != nil {
		t.Fatalf("first decide: %v", err)
	}
	if first.Status != StatusPending || first.CurrentApprovals != 1 {
		t.Errorf("after one approval: %+v", first)
	}
	if approvedJob != "" {
		t.Errorf("approved hook fired early")
	}

	second, err := e.Decide(req.ID, "bob", DecisionApproved, "")
	if err != nil {
		t.Fatalf("second decide: %v", err)
	}
	if second.Status != StatusApproved || second.CompletedAt == nil {
		t.Errorf("after two approvals: %+v", second)
	}
	if approvedJob != "job-1" {
		t.Errorf("approved hook not fired for job-1: %q", approvedJob)
	}

	records, err := e.Records(req.ID)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("records = %d, want 2", len(records))
	}
}

func TestDecideRejectionIsImmediate(t *testing.T) {
	e, _ := newTestEngine(t)
	req := createPending(t, e, 3)

	got, err := e.Decide(req.ID, "alice", DecisionRejected, "too risky")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if got.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", got.Status)
	}

	// Terminal request takes no further records.
	if _, err := e.Decide(req.ID, "bob", DecisionApproved, ""); !errors.Is(err, ErrNotPending) {
		t.Errorf("decide on terminal: err = %v, want ErrNotPending", err)
	}
	records, _ := e.Records(req.ID)
	if len(records) != 1 {
		t.Errorf("records after terminal decide = %d, want 1", len(records))
	}
}

func TestDecideSameApproverTwice(t *testing.T) {
	e, _ := newTestEngine(t)
	req := createPending(t, e, 2)

	if _, err := e.Decide(req.ID, "alice", DecisionApproved, ""); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := e.Decide(req.ID, "alice", DecisionApproved, ""); !errors.Is(err, ErrAlreadyDecided) {
		t.Errorf("duplicate approver: err = %v, want ErrAlreadyDecided", err)
	}
}

func TestDecideExpiredMarksTimeout(t *testing.T) {
	e, _ := newTestEngine(t)

	past := time.Now().UTC().Add(-time.Minute)
	req, err := e.Create(Request{
		Title:       "stale request",
		RequestedBy: "operator-1",
		ExpiresAt:   &past,
	}, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := e.Decide(req.ID, "alice", DecisionApproved, ""); !errors.Is(err, ErrExpired) {
		t.Fatalf("decide expired: err = %v, want ErrExpired", err)
	}

	got, err := e.Get(req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusTimeout {
		t.Errorf("status = %s, want timeout", got.Status)
	}
}

func TestCancelOnlyFromPending(t *testing.T) {
	e, _ := newTestEngine(t)
	req := createPending(t, e, 1)

	got, err := e.Cancel(req.ID, "operator-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	if _, err := e.Cancel(req.ID, "operator-1"); !errors.Is(err, ErrNotPending) {
		t.Errorf("cancel terminal: err = %v, want ErrNotPending", err)
	}
	if _, err := e.Cancel("missing", "operator-1"); !storage.IsNotFound(err) {
		t.Errorf("cancel missing: err = %v, want not found", err)
	}
}

func TestDecidePublishesAfterCommit(t *testing.T) {
	e, bus := newTestEngine(t)
	req := createPending(t, e, 1)

	ch := bus.Subscribe("test")
	defer bus.Unsubscribe("test")

	if _, err := e.Decide(req.ID, "alice", DecisionApproved, ""); err != nil {
		t.Fatalf("decide: %v", err)
	}

	select {
	case evt := <-ch:
		if evt.Type != events.ApprovalStatusChanged {
			t.Errorf("event type = %s", evt.Type)
		}
		payload, ok := evt.Data.(events.ApprovalStatusPayload)
		if !ok {
			t.Fatalf("payload type %T", evt.Data)
		}
		if payload.NewStatus != StatusApproved {
			t.Errorf("new status = %s", payload.NewStatus)
		}
		// The event arrives only once the row is already persisted.
		got, err := e.Get(req.ID)
		if err != nil || got.Status != StatusApproved {
			t.Errorf("persisted status = %+v err=%v", got, err)
		}
	case <-time.After(time.Second):
		t.Fatalf("no status event published")
	}
}

func TestSweepExpired(t *testing.T) {
	e, bus := newTestEngine(t)

	past := time.Now().UTC().Add(-time.Minute)
	req, err := e.Create(Request{Title: "old", RequestedBy: "op", ExpiresAt: &past}, 0)
	if err != nil {
		t.Fatal(err)
	}
	createPending(t, e, 1) // no expiry, stays pending

	ch := bus.Subscribe("sweep")
	defer bus.Unsubscribe("sweep")

	e.SweepExpired()

	got, _ := e.Get(req.ID)
	if got.Status != StatusTimeout {
		t.Errorf("status = %s, want timeout", got.Status)
	}
	stats, err := e.Statistics()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 1 || stats.Timeout != 1 || stats.Total != 2 {
		t.Errorf("stats = %+v", stats)
	}

	select {
	case evt := <-ch:
		if evt.Type != events.ApprovalStatusChanged {
			t.Errorf("event type = %s", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("no timeout event")
	}
}
