package jobs

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/opsplane/internal/controlplane/storage"
)

func newTestTemplateStore(t *testing.T) *TemplateStore {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "templates.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewTemplateStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestTemplateRender(t *testing.T) {
	tpl := Template{
		Kind:    KindCommand,
		Name:    "restart-service",
		Command: "systemctl restart {{service}} && sleep {{delay}}",
		Parameters: []ParameterSpec{
			{Name: "service", Required: true},
			{Name: "delay", Default: "5"},
		},
		HostIDs: []string{"h1"},
	}

	req, err := tpl.Render(map[string]string{"service": "nginx"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if req.Command != "systemctl restart nginx && sleep 5" {
		t.Errorf("command = %q", req.Command)
	}

	if _, err := tpl.Render(nil); !IsValidation(err) {
		t.Errorf("missing required param: err = %v", err)
	}
}

func TestTemplateCreateValidatesSchedule(t *testing.T) {
	s := newTestTemplateStore(t)

	if _, err := s.Create(Template{
		Name: "bad", Kind: KindCommand, Command: "x", Schedule: "not a cron",
	}); !IsValidation(err) {
		t.Errorf("bad schedule: err = %v", err)
	}

	tpl, err := s.Create(Template{
		Name: "nightly", Kind: KindCommand, Command: "backup", Schedule: "0 2 * * *", Enabled: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tpl.NextRunAt == nil || !tpl.NextRunAt.After(time.Now().UTC().Add(-time.Minute)) {
		t.Errorf("next_run_at = %v", tpl.NextRunAt)
	}
}

func TestTemplateDueAndAdvance(t *testing.T) {
	s := newTestTemplateStore(t)

	tpl, err := s.Create(Template{
		Name: "hourly", Kind: KindCommand, Command: "sync", Schedule: "0 * * * *", Enabled: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	due, err := s.Due(time.Now().UTC())
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("future template already due")
	}

	due, err = s.Due(tpl.NextRunAt.Add(time.Second))
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due = %d, want 1", len(due))
	}

	next := tpl.NextRunAt.Add(time.Hour)
	won, err := s.Advance(tpl.ID, *tpl.NextRunAt, next)
	if err != nil || !won {
		t.Fatalf("advance: won=%v err=%v", won, err)
	}
	// A second claimant loses the guarded update.
	won, err = s.Advance(tpl.ID, *tpl.NextRunAt, next)
	if err != nil || won {
		t.Errorf("double advance: won=%v err=%v", won, err)
	}
}

func TestTemplateUpdateAndDelete(t *testing.T) {
	s := newTestTemplateStore(t)

	tpl, err := s.Create(Template{Name: "t1", Kind: KindCommand, Command: "a", Enabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := s.Update(tpl.ID, Template{Command: "b", Enabled: false})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Command != "b" || updated.Enabled {
		t.Errorf("updated = %+v", updated)
	}

	if err := s.Delete(tpl.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(tpl.ID); !storage.IsNotFound(err) {
		t.Errorf("get deleted: err = %v", err)
	}
	if err := s.Delete(tpl.ID); !storage.IsNotFound(err) {
		t.Errorf("delete missing: err = %v", err)
	}
}
