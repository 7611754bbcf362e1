package jobs

import (
	"path/filepath"
	"testing"

	"github.com/marcus-qen/opsplane/internal/controlplane/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "jobs.db"))
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

func seedJob(t *testing.T, s *Store, hosts int) (*Job, []Task) {
	t.Helper()
	targets := make([]Host, hosts)
	for i := range targets {
		targets[i] = Host{ID: string(rune('a' + i)), Environment: "staging", GroupID: "g1"}
	}
	job, tasks, err := s.CreateJobWithTasks(&Job{
		Kind:            KindCommand,
		Command:         "uptime",
		ConcurrentLimit: 2,
		RetryTimes:      1,
		CreatedBy:       "op",
	}, targets)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job, tasks
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	job, tasks := seedJob(t, s, 3)

	got, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != JobPending || got.TotalTasks != 3 {
		t.Errorf("job = %+v", got)
	}
	if len(tasks) != 3 {
		t.Fatalf("tasks = %d, want 3", len(tasks))
	}
	for _, task := range tasks {
		if task.Status != TaskPending || task.MaxRetries != 1 {
			t.Errorf("task = %+v", task)
		}
	}
}

func TestIdempotencyKeyLookup(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.CreateJobWithTasks(&Job{
		Kind: KindCommand, Command: "uptime", IdempotencyKey: "key-1",
	}, []Host{{ID: "h1"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetJobByIdempotencyKey("key-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.IdempotencyKey != "key-1" {
		t.Errorf("key = %q", got.IdempotencyKey)
	}

	// A second insert with the same key hits the unique index.
	if _, _, err := s.CreateJobWithTasks(&Job{
		Kind: KindCommand, Command: "uptime", IdempotencyKey: "key-1",
	}, []Host{{ID: "h1"}}); err == nil {
		t.Errorf("duplicate key accepted")
	}
}

func TestCompleteTaskIsGuarded(t *testing.T) {
	s := newTestStore(t)
	_, tasks := seedJob(t, s, 1)
	id := tasks[0].ID

	if _, err := s.MarkTaskRunning(id); err != nil {
		t.Fatal(err)
	}
	code := 0
	applied, err := s.CompleteTask(id, TaskOutcome{Status: TaskSucceeded, ExitCode: &code})
	if err != nil || !applied {
		t.Fatalf("complete: applied=%v err=%v", applied, err)
	}

	// A duplicate terminal report changes nothing.
	applied, err = s.CompleteTask(id, TaskOutcome{Status: TaskFailed})
	if err != nil || applied {
		t.Errorf("duplicate complete: applied=%v err=%v", applied, err)
	}
	got, _ := s.GetTask(id)
	if got.Status != TaskSucceeded {
		t.Errorf("status = %s, want succeeded", got.Status)
	}
}

func TestFinalizeJobStatusRule(t *testing.T) {
	cases := []struct {
		name     string
		statuses []string
		want     string
	}{
		{"all succeeded", []string{TaskSucceeded, TaskSucceeded}, JobCompleted},
		{"partial", []string{TaskSucceeded, TaskFailed}, JobPartiallySucceeded},
		{"all failed", []string{TaskFailed, TaskTimeout}, JobFailed},
		{"all cancelled", []string{TaskCancelled, TaskCancelled}, JobCancelled},
		{"cancelled and failed", []string{TaskCancelled, TaskFailed}, JobFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore(t)
			job, tasks := seedJob(t, s, len(tc.statuses))
			for i, status := range tc.statuses {
				if status != TaskCancelled {
					if _, err := s.MarkTaskRunning(tasks[i].ID); err != nil {
						t.Fatal(err)
					}
				}
				if _, err := s.CompleteTask(tasks[i].ID, TaskOutcome{Status: status}); err != nil {
					t.Fatal(err)
				}
			}

			got, done, err := s.FinalizeJob(job.ID)
			if err != nil {
				t.Fatalf("finalize: %v", err)
			}
			if !done {
				t.Fatalf("not finalized")
			}
			if got.Status != tc.want {
				t.Errorf("status = %s, want %s", got.Status, tc.want)
			}
			if got.CompletedAt == nil {
				t.Errorf("completed_at not set")
			}
		})
	}
}

func TestFinalizeJobWaitsForOpenTasks(t *testing.T) {
	s := newTestStore(t)
	job, tasks := seedJob(t, s, 2)

	if _, err := s.MarkTaskRunning(tasks[0].ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CompleteTask(tasks[0].ID, TaskOutcome{Status: TaskSucceeded}); err != nil {
		t.Fatal(err)
	}

	got, done, err := s.FinalizeJob(job.ID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if done {
		t.Fatalf("finalized with a pending task")
	}
	if got.SucceededTasks != 1 {
		t.Errorf("counters = %+v", got)
	}
}

func TestCancelJob(t *testing.T) {
	s := newTestStore(t)
	job, tasks := seedJob(t, s, 3)
	if _, err := s.MarkJobRunning(job.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkTaskRunning(tasks[0].ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CompleteTask(tasks[0].ID, TaskOutcome{Status: TaskSucceeded}); err != nil {
		t.Fatal(err)
	}

	got, oldStatus, err := s.CancelJob(job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if oldStatus != JobRunning || got.Status != JobCancelled {
		t.Errorf("old=%s new=%s", oldStatus, got.Status)
	}
	// The finished task keeps its result; the open ones flip.
	if got.SucceededTasks != 1 || got.CancelledTasks != 2 {
		t.Errorf("counters = %+v", got)
	}

	if _, _, err := s.CancelJob(job.ID); !IsValidation(err) {
		t.Errorf("cancel terminal: err = %v, want validation", err)
	}
}

func TestRequeueTaskForRetry(t *testing.T) {
	s := newTestStore(t)
	_, tasks := seedJob(t, s, 1)
	id := tasks[0].ID

	if _, err := s.MarkTaskRunning(id); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CompleteTask(id, TaskOutcome{Status: TaskFailed, FailureReason: "command-failed"}); err != nil {
		t.Fatal(err)
	}

	ok, err := s.RequeueTaskForRetry(id)
	if err != nil || !ok {
		t.Fatalf("requeue: ok=%v err=%v", ok, err)
	}
	got, _ := s.GetTask(id)
	if got.Status != TaskPending || got.RetryCount != 1 || got.FailureReason != "" {
		t.Errorf("task = %+v", got)
	}

	// Budget of one retry is now spent.
	if _, err := s.MarkTaskRunning(id); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CompleteTask(id, TaskOutcome{Status: TaskFailed}); err != nil {
		t.Fatal(err)
	}
	ok, err = s.RequeueTaskForRetry(id)
	if err != nil || ok {
		t.Errorf("requeue past budget: ok=%v err=%v", ok, err)
	}
}

func TestResetForRetryFailedOnly(t *testing.T) {
	s := newTestStore(t)
	job, tasks := seedJob(t, s, 2)
	for i, status := range []string{TaskSucceeded, TaskFailed} {
		if _, err := s.MarkTaskRunning(tasks[i].ID); err != nil {
			t.Fatal(err)
		}
		if _, err := s.CompleteTask(tasks[i].ID, TaskOutcome{Status: status}); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := s.FinalizeJob(job.ID); err != nil {
		t.Fatal(err)
	}

	got, err := s.ResetForRetry(job.ID, RetrySelection{FailedOnly: true})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got.Status != JobPending {
		t.Errorf("status = %s", got.Status)
	}

	pending, _ := s.PendingTasks(job.ID)
	if len(pending) != 1 || pending[0].ID != tasks[1].ID {
		t.Errorf("pending = %+v", pending)
	}
}

func TestResetForRetryRejectsCompleted(t *testing.T) {
	s := newTestStore(t)
	job, tasks := seedJob(t, s, 1)
	if _, err := s.MarkTaskRunning(tasks[0].ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CompleteTask(tasks[0].ID, TaskOutcome{Status: TaskSucceeded}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.FinalizeJob(job.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := s.ResetForRetry(job.ID, RetrySelection{All: true}); !IsValidation(err) {
		t.Errorf("retry completed job: err = %v, want validation", err)
	}
}

func TestListJobsScope(t *testing.T) {
	s := newTestStore(t)
	_, _ = seedJob(t, s, 1) // group g1, created by op

	all, err := s.ListJobs(Scope{Global: true}, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("global list = %d", len(all))
	}

	owned, _ := s.ListJobs(Scope{ActorID: "op"}, "", 0)
	if len(owned) != 1 {
		t.Errorf("creator sees %d", len(owned))
	}
	grouped, _ := s.ListJobs(Scope{ActorID: "other", Groups: []string{"g1"}}, "", 0)
	if len(grouped) != 1 {
		t.Errorf("group scope sees %d", len(grouped))
	}
	denied, _ := s.ListJobs(Scope{ActorID: "other", Groups: []string{"g2"}}, "", 0)
	if len(denied) != 0 {
		t.Errorf("foreign scope sees %d", len(denied))
	}
}
