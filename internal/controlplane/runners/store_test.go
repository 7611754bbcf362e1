package runners

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/opsplane/internal/controlplane/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "runners.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func register(t *testing.T, s *Store, name string, caps []string, max int) *Runner {
	t.Helper()
	r, err := s.Register(Registration{
		Name:              name,
		Capabilities:      caps,
		MaxConcurrentJobs: max,
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return r
}

func TestRegisterIsIdempotentUpsert(t *testing.T) {
	s := newTestStore(t)

	first := register(t, s, "r1", []string{"node"}, 2)
	second := register(t, s, "r1", []string{"node", "docker"}, 4)

	if first.ID != second.ID {
		t.Errorf("re-registration created a new runner: %s vs %s", first.ID, second.ID)
	}
	if second.MaxConcurrentJobs != 4 || len(second.Capabilities) != 2 {
		t.Errorf("re-registration did not overwrite: %+v", second)
	}
	if second.Status != StatusActive {
		t.Errorf("status = %s, want active", second.Status)
	}

	all, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("runner count = %d, want 1", len(all))
	}
}

func TestHeartbeatUpdatesStatusAndLoad(t *testing.T) {
	s := newTestStore(t)
	register(t, s, "r1", []string{"node"}, 4)

	r, err := s.RecordHeartbeat(Heartbeat{Name: "r1", Status: StatusMaintenance, CurrentJobs: 2})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if r.Status != StatusMaintenance || r.CurrentJobs != 2 {
		t.Errorf("heartbeat not applied: %+v", r)
	}
	if r.LastHeartbeat == nil {
		t.Errorf("last_heartbeat not refreshed")
	}

	if _, err := s.RecordHeartbeat(Heartbeat{Name: "ghost"}); !storage.IsNotFound(err) {
		t.Errorf("heartbeat for unknown runner: err = %v, want not found", err)
	}
	if _, err := s.RecordHeartbeat(Heartbeat{Name: "r1", Status: "sleeping"}); err == nil {
		t.Errorf("invalid status accepted")
	}
}

func TestLoadCounters(t *testing.T) {
	s := newTestStore(t)
	register(t, s, "r1", []string{"node"}, 2)

	if err := s.IncrementLoad("r1"); err != nil {
		t.Fatalf("increment 1: %v", err)
	}
	if err := s.IncrementLoad("r1"); err != nil {
		t.Fatalf("increment 2: %v", err)
	}
	if err := s.IncrementLoad("r1"); err == nil {
		t.Errorf("increment beyond max succeeded")
	}

	if err := s.DecrementLoad("r1"); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	r, err := s.GetByName("r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.CurrentJobs != 1 {
		t.Errorf("current_jobs = %d, want 1", r.CurrentJobs)
	}

	// Decrement at zero is a no-op, never negative.
	if err := s.DecrementLoad("r1"); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if err := s.DecrementLoad("r1"); err != nil {
		t.Fatalf("decrement at zero: %v", err)
	}
	r, _ = s.GetByName("r1")
	if r.CurrentJobs != 0 {
		t.Errorf("current_jobs = %d, want 0", r.CurrentJobs)
	}
}

func TestMarkStaleOffline(t *testing.T) {
	s := newTestStore(t)
	register(t, s, "r1", []string{"node"}, 2)

	// Fresh heartbeat: not flipped.
	n, err := s.MarkStaleOffline(30 * time.Second)
	if err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	if n != 0 {
		t.Errorf("flipped %d fresh runners", n)
	}

	// With a zero interval the just-written heartbeat is already stale.
	time.Sleep(5 * time.Millisecond)
	n, err = s.MarkStaleOffline(time.Millisecond)
	if err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	if n != 1 {
		t.Errorf("flipped %d runners, want 1", n)
	}
	r, _ := s.GetByName("r1")
	if r.Status != StatusOffline {
		t.Errorf("status = %s, want offline", r.Status)
	}
}
