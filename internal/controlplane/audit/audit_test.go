package audit

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/opsplane/internal/controlplane/storage"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	log, err := NewLog(db, zap.NewNop())
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	return log
}

func TestRecordAndQuery(t *testing.T) {
	l := newTestLog(t)

	l.Record("job.submit", "alice", "job", "job-1", map[string]any{"kind": "command"})
	l.Record("job.cancel", "bob", "job", "job-1", nil)
	l.Record("approval.decide", "carol", "approval_request", "req-1", map[string]any{"decision": "approved"})

	all, err := l.Query(Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("entries = %d, want 3", len(all))
	}

	byResource, _ := l.Query(Filter{ResourceType: "job", ResourceID: "job-1"})
	if len(byResource) != 2 {
		t.Errorf("job entries = %d, want 2", len(byResource))
	}
	byActor, _ := l.Query(Filter{Actor: "carol"})
	if len(byActor) != 1 || byActor[0].Action != "approval.decide" {
		t.Errorf("actor entries = %+v", byActor)
	}

	detail, ok := byActor[0].Detail.(map[string]any)
	if !ok || detail["decision"] != "approved" {
		t.Errorf("detail = %#v", byActor[0].Detail)
	}
}

func TestQuerySinceAndLimit(t *testing.T) {
	l := newTestLog(t)

	l.Record("a", "op", "", "", nil)
	l.Record("b", "op", "", "", nil)

	recent, err := l.Query(Filter{Since: time.Now().UTC().Add(-time.Minute), Limit: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recent) != 1 {
		t.Errorf("entries = %d, want 1", len(recent))
	}
	future, _ := l.Query(Filter{Since: time.Now().UTC().Add(time.Minute)})
	if len(future) != 0 {
		t.Errorf("future entries = %d, want 0", len(future))
	}
}

func TestRecordUnserializableDetailIsSwallowed(t *testing.T) {
	l := newTestLog(t)

	// Channels have no JSON encoding; the entry still lands without detail.
	l.Record("job.submit", "op", "job", "job-1", make(chan int))

	got, err := l.Query(Filter{Action: "job.submit"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].Detail != nil {
		t.Errorf("entries = %+v", got)
	}
}
