package jobs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marcus-qen/opsplane/internal/controlplane/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Store persists jobs and tasks.
type Store struct {
	db *storage.DB
}

// NewStore creates the jobs and tasks tables when missing.
func NewStore(db *storage.DB) (*Store, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS jobs (
		id                  TEXT PRIMARY KEY,
		idempotency_key     TEXT UNIQUE,
		kind                TEXT NOT NULL,
		name                TEXT NOT NULL DEFAULT '',
		command             TEXT NOT NULL DEFAULT '',
		script              TEXT NOT NULL DEFAULT '',
		script_path         TEXT NOT NULL DEFAULT '',
		build_spec          TEXT,
		host_ids            TEXT NOT NULL DEFAULT '[]',
		group_ids           TEXT NOT NULL DEFAULT '[]',
		target_groups       TEXT NOT NULL DEFAULT '[]',
		target_environments TEXT NOT NULL DEFAULT '[]',
		concurrent_limit    INTEGER NOT NULL DEFAULT 1,
		timeout_secs        INTEGER NOT NULL DEFAULT 0,
		retry_times         INTEGER NOT NULL DEFAULT 0,
		execute_as          TEXT NOT NULL DEFAULT '',
		tags                TEXT NOT NULL DEFAULT '[]',
		status              TEXT NOT NULL DEFAULT 'pending',
		total_tasks         INTEGER NOT NULL DEFAULT 0,
		succeeded_tasks     INTEGER NOT NULL DEFAULT 0,
		failed_tasks        INTEGER NOT NULL DEFAULT 0,
		timeout_tasks       INTEGER NOT NULL DEFAULT 0,
		cancelled_tasks     INTEGER NOT NULL DEFAULT 0,
		requires_approval   INTEGER NOT NULL DEFAULT 0,
		risk_triggers       TEXT NOT NULL DEFAULT '[]',
		created_by          TEXT NOT NULL DEFAULT '',
		created_at          TEXT NOT NULL,
		started_at          TEXT,
		completed_at        TEXT
	)`); err != nil {
		return nil, fmt.Errorf("create jobs table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS tasks (
		id              TEXT PRIMARY KEY,
		job_id          TEXT NOT NULL,
		host_id         TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'pending',
		exit_code       INTEGER,
		retry_count     INTEGER NOT NULL DEFAULT 0,
		max_retries     INTEGER NOT NULL DEFAULT 0,
		failure_reason  TEXT NOT NULL DEFAULT '',
		failure_message TEXT NOT NULL DEFAULT '',
		output_summary  TEXT NOT NULL DEFAULT '',
		output_detail   TEXT NOT NULL DEFAULT '',
		runner_name     TEXT NOT NULL DEFAULT '',
		started_at      TEXT,
		completed_at    TEXT,
		duration_secs   REAL NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL,
		FOREIGN KEY(job_id) REFERENCES jobs(id) ON DELETE CASCADE
	)`); err != nil {
		return nil, fmt.Errorf("create tasks table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_tasks_job ON tasks(job_id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(job_id, status)`)

	return &Store{db: db}, nil
}

// CreateJobWithTasks inserts the job row and one pending task per target in
// a single transaction.
func (s *Store) CreateJobWithTasks(job *Job, targets []Host) (*Job, []Task, error) {
	now := time.Now().UTC()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = JobPending
	job.TotalTasks = len(targets)
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	groups := make([]string, 0, len(targets))
	envs := make([]string, 0, len(targets))
	seenGroup := map[string]bool{}
	seenEnv := map[string]bool{}
	for _, h := range targets {
		if h.GroupID != "" && !seenGroup[h.GroupID] {
			seenGroup[h.GroupID] = true
			groups = append(groups, h.GroupID)
		}
		if h.Environment != "" && !seenEnv[h.Environment] {
			seenEnv[h.Environment] = true
			envs = append(envs, h.Environment)
		}
	}

	var buildSpec sql.NullString
	if job.Build != nil {
		raw, err := json.Marshal(job.Build)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal build spec: %w", err)
		}
		buildSpec = sql.NullString{String: string(raw), Valid: true}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var idemKey sql.NullString
	if job.IdempotencyKey != "" {
		idemKey = sql.NullString{String: job.IdempotencyKey, Valid: true}
	}

	requires := 0
	if job.RequiresApproval {
		requires = 1
	}

	_, err = tx.Exec(`INSERT INTO jobs (id, idempotency_key, kind, name, command, script, script_path,
		build_spec, host_ids, group_ids, target_groups, target_environments, concurrent_limit,
		timeout_secs, retry_times, execute_as, tags, status, total_tasks, requires_approval,
		risk_triggers, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, idemKey, job.Kind, job.Name, job.Command, job.Script, job.ScriptPath,
		buildSpec, jsonList(job.HostIDs), jsonList(job.GroupIDs), jsonList(groups), jsonList(envs),
		job.ConcurrentLimit, job.TimeoutSecs, job.RetryTimes, job.ExecuteAs, jsonList(job.Tags),
		job.Status, job.TotalTasks, requires, jsonList(job.RiskTriggers),
		job.CreatedBy, job.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("insert job: %w", err)
	}

	tasks := make([]Task, 0, len(targets))
	for _, h := range targets {
		task := Task{
			ID:         uuid.NewString(),
			JobID:      job.ID,
			HostID:     h.ID,
			Status:     TaskPending,
			MaxRetries: job.RetryTimes,
			CreatedAt:  now,
		}
		_, err = tx.Exec(`INSERT INTO tasks (id, job_id, host_id, status, max_retries, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			task.ID, task.JobID, task.HostID, task.Status, task.MaxRetries,
			task.CreatedAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("insert task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return job, tasks, nil
}

// GetJob returns one job.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(selectJob+` WHERE id = ?`, id)
	return scanJob(row)
}

// GetJobByIdempotencyKey returns the job previously submitted with the key.
func (s *Store) GetJobByIdempotencyKey(key string) (*Job, error) {
	row := s.db.QueryRow(selectJob+` WHERE idempotency_key = ?`, key)
	return scanJob(row)
}

// ListJobs returns jobs visible to the scope, newest first.
func (s *Store) ListJobs(scope Scope, status string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	stmt := selectJob
	args := []any{}
	if status != "" {
		stmt += ` WHERE status = ?`
		args = append(args, status)
	}
	stmt += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			continue
		}
		if !s.visible(job, scope) {
			continue
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// VisibleTo reports whether the scope may observe the job: the caller is
// the creator, or at least one target lies within its allowed groups or
// environments.
func (s *Store) VisibleTo(job *Job, scope Scope) bool {
	return s.visible(job, scope)
}

func (s *Store) visible(job *Job, scope Scope) bool {
	if scope.Global {
		return true
	}
	if scope.ActorID != "" && job.CreatedBy == scope.ActorID {
		return true
	}

	groups, envs := job.targetScopes()
	for _, g := range groups {
		for _, allowed := range scope.Groups {
			if g == allowed {
				return true
			}
		}
	}
	for _, e := range envs {
		for _, allowed := range scope.Environments {
			if e == allowed {
				return true
			}
		}
	}
	return false
}

// ListTasks returns every task of one job, oldest first.
func (s *Store) ListTasks(jobID string) ([]Task, error) {
	rows, err := s.db.Query(selectTask+` WHERE job_id = ? ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			continue
		}
		out = append(out, *task)
	}
	return out, rows.Err()
}

// GetTask returns one task.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(selectTask+` WHERE id = ?`, id)
	return scanTask(row)
}

// PendingTasks returns the job's tasks still awaiting a run.
func (s *Store) PendingTasks(jobID string) ([]Task, error) {
	rows, err := s.db.Query(selectTask+` WHERE job_id = ? AND status = ? ORDER BY created_at ASC, id ASC`,
		jobID, TaskPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			continue
		}
		out = append(out, *task)
	}
	return out, rows.Err()
}

// MarkJobRunning moves a pending job to running. The guard makes the
// transition idempotent under re-drives.
func (s *Store) MarkJobRunning(id string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		JobRunning, now, id, JobPending)
	if err != nil {
		return false, fmt.Errorf("mark job running: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// MarkTaskRunning moves a pending task to running.
func (s *Store) MarkTaskRunning(id string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		TaskRunning, now, id, TaskPending)
	if err != nil {
		return false, fmt.Errorf("mark task running: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// TaskOutcome is the terminal result applied to a task.
type TaskOutcome struct {
	Status         string
	ExitCode       *int
	FailureReason  string
	FailureMessage string
	OutputSummary  string
	OutputDetail   string
	RunnerName     string
	DurationSecs   float64
}

// CompleteTask applies a terminal outcome to a running or pending task.
// Returns false when the task already reached a terminal state (duplicate
// completion is suppressed, never overwritten).
func (s *Store) CompleteTask(id string, outcome TaskOutcome) (bool, error) {
	if !TerminalTaskStatus(outcome.Status) {
		return false, fmt.Errorf("status %q is not terminal", outcome.Status)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE tasks
		SET status = ?, exit_code = ?, failure_reason = ?, failure_message = ?,
		    output_summary = ?, output_detail = ?, runner_name = CASE WHEN ? = '' THEN runner_name ELSE ? END,
		    duration_secs = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		outcome.Status, storage.NullableInt(outcome.ExitCode), outcome.FailureReason, outcome.FailureMessage,
		outcome.OutputSummary, outcome.OutputDetail, outcome.RunnerName, outcome.RunnerName,
		outcome.DurationSecs, now,
		id, TaskPending, TaskRunning,
	)
	if err != nil {
		return false, fmt.Errorf("complete task: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// SetTaskRunner records the runner a build task was dispatched to.
func (s *Store) SetTaskRunner(id, runnerName string) error {
	_, err := s.db.Exec(`UPDATE tasks SET runner_name = ? WHERE id = ?`, runnerName, id)
	return err
}

// RequeueTaskForRetry re-enters a failed or timed-out task as pending with
// the retry counted and the error fields cleared. Returns false when the
// task has no retry budget left or is not in a retryable state.
func (s *Store) RequeueTaskForRetry(id string) (bool, error) {
	res, err := s.db.Exec(`UPDATE tasks
		SET status = ?, retry_count = retry_count + 1, exit_code = NULL,
		    failure_reason = '', failure_message = '', started_at = NULL, completed_at = NULL,
		    duration_secs = 0
		WHERE id = ? AND status IN (?, ?) AND retry_count < max_retries`,
		TaskPending, id, TaskFailed, TaskTimeout,
	)
	if err != nil {
		return false, fmt.Errorf("requeue task: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// FinalizeJob recomputes the counters from tasks and, when no task remains
// pending or running, applies the terminal status rule. Returns the job
// when it reached a terminal state in this call.
func (s *Store) FinalizeJob(id string) (*Job, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRow(selectJob+` WHERE id = ?`+s.db.ForUpdate(), id)
	job, err := scanJob(row)
	if err != nil {
		return nil, false, err
	}
	if TerminalJobStatus(job.Status) {
		return job, false, nil
	}

	counts := map[string]int{}
	rows, err := tx.Query(`SELECT status, COUNT(*) FROM tasks WHERE job_id = ? GROUP BY status`, id)
	if err != nil {
		return nil, false, err
	}
	total := 0
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			continue
		}
		counts[status] = n
		total += n
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	job.SucceededTasks = counts[TaskSucceeded]
	job.FailedTasks = counts[TaskFailed]
	job.TimeoutTasks = counts[TaskTimeout]
	job.CancelledTasks = counts[TaskCancelled]

	open := counts[TaskPending] + counts[TaskRunning]
	if open > 0 {
		if _, err := tx.Exec(`UPDATE jobs SET succeeded_tasks = ?, failed_tasks = ?, timeout_tasks = ?, cancelled_tasks = ?
			WHERE id = ?`,
			job.SucceededTasks, job.FailedTasks, job.TimeoutTasks, job.CancelledTasks, id); err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		return job, false, nil
	}

	final := JobFailed
	switch {
	case total > 0 && job.SucceededTasks == total:
		final = JobCompleted
	case job.SucceededTasks > 0 && job.SucceededTasks < total:
		final = JobPartiallySucceeded
	case total > 0 && job.CancelledTasks == total:
		final = JobCancelled
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(`UPDATE jobs
		SET status = ?, succeeded_tasks = ?, failed_tasks = ?, timeout_tasks = ?, cancelled_tasks = ?, completed_at = ?
		WHERE id = ?`,
		final, job.SucceededTasks, job.FailedTasks, job.TimeoutTasks, job.CancelledTasks,
		now.Format(time.RFC3339Nano), id); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	job.Status = final
	job.CompletedAt = &now
	return job, true, nil
}

// CancelJob locks the job row, rejects terminal starting states, and moves
// the job plus every non-terminal task to cancelled.
func (s *Store) CancelJob(id string) (*Job, string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRow(selectJob+` WHERE id = ?`+s.db.ForUpdate(), id)
	job, err := scanJob(row)
	if err != nil {
		return nil, "", err
	}
	oldStatus := job.Status
	if TerminalJobStatus(oldStatus) {
		return nil, "", &ValidationError{Msg: fmt.Sprintf("job is already %s", oldStatus)}
	}

	now := time.Now().UTC()
	nowS := now.Format(time.RFC3339Nano)

	if _, err := tx.Exec(`UPDATE tasks SET status = ?, completed_at = ?
		WHERE job_id = ? AND status IN (?, ?)`,
		TaskCancelled, nowS, id, TaskPending, TaskRunning); err != nil {
		return nil, "", fmt.Errorf("cancel tasks: %w", err)
	}

	counts := map[string]int{}
	rows, err := tx.Query(`SELECT status, COUNT(*) FROM tasks WHERE job_id = ? GROUP BY status`, id)
	if err != nil {
		return nil, "", err
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err == nil {
			counts[status] = n
		}
	}
	_ = rows.Close()

	if _, err := tx.Exec(`UPDATE jobs
		SET status = ?, succeeded_tasks = ?, failed_tasks = ?, timeout_tasks = ?, cancelled_tasks = ?, completed_at = ?
		WHERE id = ?`,
		JobCancelled, counts[TaskSucceeded], counts[TaskFailed], counts[TaskTimeout], counts[TaskCancelled],
		nowS, id); err != nil {
		return nil, "", fmt.Errorf("cancel job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, "", err
	}

	job.Status = JobCancelled
	job.SucceededTasks = counts[TaskSucceeded]
	job.FailedTasks = counts[TaskFailed]
	job.TimeoutTasks = counts[TaskTimeout]
	job.CancelledTasks = counts[TaskCancelled]
	job.CompletedAt = &now
	return job, oldStatus, nil
}

// ResetForRetry moves a terminal job back to pending and re-enters the
// selected tasks with cleared error fields. Completed jobs are not
// retryable.
func (s *Store) ResetForRetry(id string, sel RetrySelection) (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRow(selectJob+` WHERE id = ?`+s.db.ForUpdate(), id)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case JobFailed, JobPartiallySucceeded, JobCancelled:
	default:
		return nil, &ValidationError{Msg: fmt.Sprintf("job in status %s is not retryable", job.Status)}
	}

	reset := `UPDATE tasks SET status = ?, retry_count = 0, exit_code = NULL,
		failure_reason = '', failure_message = '', output_summary = '', output_detail = '',
		started_at = NULL, completed_at = NULL, duration_secs = 0
		WHERE job_id = ?`
	args := []any{TaskPending, id}

	switch {
	case len(sel.TaskIDs) > 0:
		placeholders := strings.Repeat("?,", len(sel.TaskIDs))
		reset += ` AND id IN (` + placeholders[:len(placeholders)-1] + `)`
		for _, tid := range sel.TaskIDs {
			args = append(args, tid)
		}
	case sel.FailedOnly:
		reset += ` AND status IN (?, ?)`
		args = append(args, TaskFailed, TaskTimeout)
	default:
		// all tasks
	}

	res, err := tx.Exec(reset, args...)
	if err != nil {
		return nil, fmt.Errorf("reset tasks: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &ValidationError{Msg: "no tasks matched the retry selection"}
	}

	if _, err := tx.Exec(`UPDATE jobs SET status = ?, started_at = NULL, completed_at = NULL WHERE id = ?`,
		JobPending, id); err != nil {
		return nil, fmt.Errorf("reset job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetJob(id)
}

// Statistics aggregates jobs and tasks visible to the scope.
func (s *Store) Statistics(scope Scope) (*Statistics, error) {
	jobsList, err := s.ListJobs(scope, "", maxListLimit)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		JobsByStatus:   map[string]int{},
		TasksByStatus:  map[string]int{},
		FailureReasons: map[string]int{},
	}

	var (
		durationSum   float64
		durationCount int
	)
	for i := range jobsList {
		job := &jobsList[i]
		stats.TotalJobs++
		stats.JobsByStatus[job.Status]++

		tasks, err := s.ListTasks(job.ID)
		if err != nil {
			return nil, err
		}
		for _, task := range tasks {
			stats.TotalTasks++
			stats.TasksByStatus[task.Status]++
			if task.FailureReason != "" {
				stats.FailureReasons[task.FailureReason]++
			}
			if task.DurationSecs > 0 {
				durationSum += task.DurationSecs
				durationCount++
			}
		}
	}

	if stats.TotalTasks > 0 {
		stats.SuccessRate = float64(stats.TasksByStatus[TaskSucceeded]) / float64(stats.TotalTasks)
	}
	if durationCount > 0 {
		stats.AvgDurationSecs = durationSum / float64(durationCount)
	}
	return stats, nil
}

// RunningTaskCount returns the number of tasks currently running.
func (s *Store) RunningTaskCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE status = ?`, TaskRunning).Scan(&n)
	return n, err
}

const selectJob = `SELECT id, idempotency_key, kind, name, command, script, script_path, build_spec,
	host_ids, group_ids, target_groups, target_environments, concurrent_limit, timeout_secs,
	retry_times, execute_as, tags, status, total_tasks, succeeded_tasks, failed_tasks,
	timeout_tasks, cancelled_tasks, requires_approval, risk_triggers, created_by, created_at,
	started_at, completed_at FROM jobs`

const selectTask = `SELECT id, job_id, host_id, status, exit_code, retry_count, max_retries,
	failure_reason, failure_message, output_summary, output_detail, runner_name,
	started_at, completed_at, duration_secs, created_at FROM tasks`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*Job, error) {
	var (
		job                               Job
		idemKey, buildSpec                sql.NullString
		hostIDs, groupIDs, tGroups, tEnvs string
		tags, triggers                    string
		requires                          int
		createdAt                         string
		startedAt, completedAt            sql.NullString
	)

	if err := sc.Scan(
		&job.ID,
		&idemKey,
		&job.Kind,
		&job.Name,
		&job.Command,
		&job.Script,
		&job.ScriptPath,
		&buildSpec,
		&hostIDs,
		&groupIDs,
		&tGroups,
		&tEnvs,
		&job.ConcurrentLimit,
		&job.TimeoutSecs,
		&job.RetryTimes,
		&job.ExecuteAs,
		&tags,
		&job.Status,
		&job.TotalTasks,
		&job.SucceededTasks,
		&job.FailedTasks,
		&job.TimeoutTasks,
		&job.CancelledTasks,
		&requires,
		&triggers,
		&job.CreatedBy,
		&createdAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	if idemKey.Valid {
		job.IdempotencyKey = idemKey.String
	}
	if buildSpec.Valid && buildSpec.String != "" {
		var spec BuildSpec
		if err := json.Unmarshal([]byte(buildSpec.String), &spec); err == nil {
			job.Build = &spec
		}
	}
	job.HostIDs = parseList(hostIDs)
	job.GroupIDs = parseList(groupIDs)
	job.Tags = parseList(tags)
	job.RiskTriggers = parseList(triggers)
	job.RequiresApproval = requires == 1
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	job.StartedAt = storage.ParseTime(startedAt)
	job.CompletedAt = storage.ParseTime(completedAt)

	job.targetGroups = parseList(tGroups)
	job.targetEnvironments = parseList(tEnvs)
	return &job, nil
}

func scanTask(sc scanner) (*Task, error) {
	var (
		task                   Task
		exitCode               sql.NullInt64
		startedAt, completedAt sql.NullString
		createdAt              string
	)

	if err := sc.Scan(
		&task.ID,
		&task.JobID,
		&task.HostID,
		&task.Status,
		&exitCode,
		&task.RetryCount,
		&task.MaxRetries,
		&task.FailureReason,
		&task.FailureMessage,
		&task.OutputSummary,
		&task.OutputDetail,
		&task.RunnerName,
		&startedAt,
		&completedAt,
		&task.DurationSecs,
		&createdAt,
	); err != nil {
		return nil, err
	}

	if exitCode.Valid {
		v := int(exitCode.Int64)
		task.ExitCode = &v
	}
	task.StartedAt = storage.ParseTime(startedAt)
	task.CompletedAt = storage.ParseTime(completedAt)
	task.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &task, nil
}

func jsonList(items []string) string {
	if items == nil {
		items = []string{}
	}
	data, _ := json.Marshal(items)
	return string(data)
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil || len(out) == 0 {
		return nil
	}
	return out
}
