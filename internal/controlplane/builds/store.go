package builds

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marcus-qen/opsplane/internal/controlplane/output"
	"github.com/marcus-qen/opsplane/internal/controlplane/storage"
)

// ErrDuplicateArtifact marks an insert that collides on the unique
// (version, artifact_type) pair.
var ErrDuplicateArtifact = errors.New("artifact version already published for this type")

// Store persists builds, their steps, artifacts and download history.
type Store struct {
	db *storage.DB
}

// NewStore creates the build tables when missing.
func NewStore(db *storage.DB) (*Store, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS build_jobs (
		id             TEXT PRIMARY KEY,
		job_id         TEXT NOT NULL,
		task_id        TEXT NOT NULL,
		project_name   TEXT NOT NULL DEFAULT '',
		repository_url TEXT NOT NULL DEFAULT '',
		branch         TEXT NOT NULL DEFAULT '',
		commit_sha     TEXT NOT NULL DEFAULT '',
		build_type     TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'pending',
		runner_name    TEXT NOT NULL DEFAULT '',
		error          TEXT NOT NULL DEFAULT '',
		error_category TEXT NOT NULL DEFAULT '',
		retry_of       TEXT NOT NULL DEFAULT '',
		created_at     TEXT NOT NULL,
		started_at     TEXT,
		completed_at   TEXT
	)`); err != nil {
		return nil, fmt.Errorf("create build_jobs table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS build_steps (
		id           TEXT PRIMARY KEY,
		build_id     TEXT NOT NULL,
		step_id      TEXT NOT NULL,
		name         TEXT NOT NULL DEFAULT '',
		step_type    TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'pending',
		exit_code    INTEGER,
		log          TEXT NOT NULL DEFAULT '',
		log_offset   INTEGER NOT NULL DEFAULT 0,
		log_complete INTEGER NOT NULL DEFAULT 0,
		started_at   TEXT,
		completed_at TEXT,
		UNIQUE(build_id, step_id),
		FOREIGN KEY(build_id) REFERENCES build_jobs(id) ON DELETE CASCADE
	)`); err != nil {
		return nil, fmt.Errorf("create build_steps table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS build_artifacts (
		id             TEXT PRIMARY KEY,
		build_id       TEXT NOT NULL,
		name           TEXT NOT NULL,
		path           TEXT NOT NULL DEFAULT '',
		artifact_type  TEXT NOT NULL,
		size           INTEGER NOT NULL DEFAULT 0,
		sha256         TEXT NOT NULL DEFAULT '',
		version        TEXT NOT NULL DEFAULT '',
		metadata       TEXT NOT NULL DEFAULT '{}',
		is_public      INTEGER NOT NULL DEFAULT 0,
		download_count INTEGER NOT NULL DEFAULT 0,
		created_at     TEXT NOT NULL,
		FOREIGN KEY(build_id) REFERENCES build_jobs(id) ON DELETE CASCADE
	)`); err != nil {
		return nil, fmt.Errorf("create build_artifacts table: %w", err)
	}
	_, _ = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_artifact_version
		ON build_artifacts(version, artifact_type) WHERE version != ''`)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS artifact_downloads (
		id            TEXT PRIMARY KEY,
		artifact_id   TEXT NOT NULL,
		actor         TEXT NOT NULL DEFAULT '',
		downloaded_at TEXT NOT NULL,
		FOREIGN KEY(artifact_id) REFERENCES build_artifacts(id) ON DELETE CASCADE
	)`); err != nil {
		return nil, fmt.Errorf("create artifact_downloads table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_builds_task ON build_jobs(task_id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_builds_status ON build_jobs(status)`)

	return &Store{db: db}, nil
}

// Create inserts a new build record at dispatch time.
func (s *Store) Create(b Build) (*Build, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Status == "" {
		b.Status = StatusPending
	}
	b.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(`INSERT INTO build_jobs (id, job_id, task_id, project_name, repository_url,
		branch, commit_sha, build_type, status, runner_name, retry_of, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.JobID, b.TaskID, b.ProjectName, b.RepositoryURL,
		b.Branch, b.Commit, b.BuildType, b.Status, b.RunnerName, b.RetryOf,
		b.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert build: %w", err)
	}
	return &b, nil
}

// Get returns one build.
func (s *Store) Get(id string) (*Build, error) {
	row := s.db.QueryRow(selectBuild+` WHERE id = ?`, id)
	return scanBuild(row)
}

// LatestByTask returns the most recent build record for a task. Retries
// produce one record each.
func (s *Store) LatestByTask(taskID string) (*Build, error) {
	row := s.db.QueryRow(selectBuild+` WHERE task_id = ? ORDER BY created_at DESC LIMIT 1`, taskID)
	return scanBuild(row)
}

// List returns builds newest first, optionally filtered by status.
func (s *Store) List(status string, limit int) ([]Build, error) {
	if limit <= 0 {
		limit = 50
	}
	stmt := selectBuild
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

	out := make([]Build, 0, limit)
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			continue
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// UpdateStatus applies a runner-reported status and returns the previous
// one. Terminal states never regress: a report against an already-terminal
// build returns the stored status with applied=false.
func (s *Store) UpdateStatus(id, status, errMsg, errCategory string) (prev string, applied bool, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRow(`SELECT status FROM build_jobs WHERE id = ?`+s.db.ForUpdate(), id)
	if err := row.Scan(&prev); err != nil {
		return "", false, err
	}
	if Terminal(prev) {
		return prev, false, tx.Commit()
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	set := `status = ?, error = ?, error_category = ?`
	args := []any{status, errMsg, errCategory}
	if prev == StatusPending || prev == StatusReceived {
		if status == StatusRunning || status == StatusPreparing {
			set += `, started_at = ?`
			args = append(args, now)
		}
	}
	if Terminal(status) {
		set += `, completed_at = ?`
		args = append(args, now)
	}
	args = append(args, id)

	if _, err := tx.Exec(`UPDATE build_jobs SET `+set+` WHERE id = ?`, args...); err != nil {
		return "", false, fmt.Errorf("update build status: %w", err)
	}
	return prev, true, tx.Commit()
}

// UpsertStep inserts or updates the persisted view of one step.
func (s *Store) UpsertStep(buildID, stepID, name, stepType, status string, exitCode *int, startedAt, completedAt *time.Time) error {
	res, err := s.db.Exec(`UPDATE build_steps
		SET status = ?, exit_code = ?, started_at = COALESCE(?, started_at), completed_at = ?
		WHERE build_id = ? AND step_id = ?`,
		status, storage.NullableInt(exitCode), storage.NullableTime(startedAt), storage.NullableTime(completedAt),
		buildID, stepID,
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = s.db.Exec(`INSERT INTO build_steps (id, build_id, step_id, name, step_type, status,
		exit_code, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), buildID, stepID, name, stepType, status,
		storage.NullableInt(exitCode), storage.NullableTime(startedAt), storage.NullableTime(completedAt),
	)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// Steps returns the persisted steps of a build in insertion order.
func (s *Store) Steps(buildID string) ([]Step, error) {
	rows, err := s.db.Query(`SELECT id, build_id, step_id, name, step_type, status, exit_code,
		log, log_complete, started_at, completed_at
		FROM build_steps WHERE build_id = ? ORDER BY rowid ASC`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Step, 0)
	for rows.Next() {
		var (
			step                   Step
			exitCode               sql.NullInt64
			complete               int
			startedAt, completedAt sql.NullString
		)
		if err := rows.Scan(&step.ID, &step.BuildID, &step.StepID, &step.Name, &step.StepType,
			&step.Status, &exitCode, &step.Log, &complete, &startedAt, &completedAt); err != nil {
			continue
		}
		if exitCode.Valid {
			v := int(exitCode.Int64)
			step.ExitCode = &v
		}
		step.LogComplete = complete == 1
		step.StartedAt = storage.ParseTime(startedAt)
		step.CompletedAt = storage.ParseTime(completedAt)
		out = append(out, step)
	}
	return out, rows.Err()
}

// AppendStepLog appends one raw chunk at its offset, storing the redacted
// text. Offsets count the runner's raw bytes, so the applied high-water
// mark lives in its own column: redaction may change the stored length.
// Chunks already covered drop silently; a chunk past the mark leaves a gap
// and is rejected so the runner's resend fills it in order.
func (s *Store) AppendStepLog(buildID, stepID, chunk string, offset int64, final bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var have int64
	row := tx.QueryRow(`SELECT log_offset FROM build_steps WHERE build_id = ? AND step_id = ?`+s.db.ForUpdate(),
		buildID, stepID)
	if err := row.Scan(&have); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		// Log arrived before the first status update named the step.
		if _, err := tx.Exec(`INSERT INTO build_steps (id, build_id, step_id, status)
			VALUES (?, ?, ?, ?)`,
			uuid.NewString(), buildID, stepID, StatusRunning); err != nil {
			return fmt.Errorf("insert step for log: %w", err)
		}
		have = 0
	}

	switch {
	case offset+int64(len(chunk)) <= have:
		// Entirely behind the mark; resend of an applied chunk.
		return tx.Commit()
	case offset > have:
		return fmt.Errorf("log gap for step %s: have %d bytes, chunk at offset %d", stepID, have, offset)
	case offset < have:
		chunk = chunk[have-offset:]
	}

	complete := 0
	if final {
		complete = 1
	}
	if _, err := tx.Exec(`UPDATE build_steps SET log = log || ?, log_offset = ?, log_complete = ?
		WHERE build_id = ? AND step_id = ?`,
		output.Redact(chunk), have+int64(len(chunk)), complete, buildID, stepID); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return tx.Commit()
}

// AddArtifact records one produced artifact. Colliding on the unique
// (version, artifact_type) pair returns ErrDuplicateArtifact.
func (s *Store) AddArtifact(a Artifact) (*Artifact, error) {
	a.ID = uuid.NewString()
	a.CreatedAt = time.Now().UTC()
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	meta, _ := json.Marshal(a.Metadata)
	public := 0
	if a.IsPublic {
		public = 1
	}

	_, err := s.db.Exec(`INSERT INTO build_artifacts (id, build_id, name, path, artifact_type,
		size, sha256, version, metadata, is_public, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.BuildID, a.Name, a.Path, a.ArtifactType,
		a.Size, a.SHA256, a.Version, string(meta), public,
		a.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if a.Version != "" && isUniqueViolation(err) {
			return nil, ErrDuplicateArtifact
		}
		return nil, fmt.Errorf("insert artifact: %w", err)
	}
	return &a, nil
}

// GetArtifact returns one artifact.
func (s *Store) GetArtifact(id string) (*Artifact, error) {
	row := s.db.QueryRow(selectArtifact+` WHERE id = ?`, id)
	return scanArtifact(row)
}

// Artifacts returns the artifacts of one build.
func (s *Store) Artifacts(buildID string) ([]Artifact, error) {
	rows, err := s.db.Query(selectArtifact+` WHERE build_id = ? ORDER BY created_at ASC`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Artifact, 0)
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			continue
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// RecordDownload bumps the artifact's counter and keeps a per-download row.
func (s *Store) RecordDownload(artifactID, actor string) (*Artifact, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`UPDATE build_artifacts SET download_count = download_count + 1 WHERE id = ?`,
		artifactID)
	if err != nil {
		return nil, fmt.Errorf("bump download count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, sql.ErrNoRows
	}

	if _, err := tx.Exec(`INSERT INTO artifact_downloads (id, artifact_id, actor, downloaded_at)
		VALUES (?, ?, ?, ?)`,
		uuid.NewString(), artifactID, actor, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("record download: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetArtifact(artifactID)
}

// Statistics aggregates builds by status and type.
func (s *Store) Statistics() (*Statistics, error) {
	stats := &Statistics{ByStatus: map[string]int{}, ByBuildType: map[string]int{}}

	rows, err := s.db.Query(`SELECT status, build_type, COUNT(*) FROM build_jobs GROUP BY status, build_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status, buildType string
			n                 int
		)
		if err := rows.Scan(&status, &buildType, &n); err != nil {
			continue
		}
		stats.Total += n
		stats.ByStatus[status] += n
		stats.ByBuildType[buildType] += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM build_artifacts`).Scan(&stats.Artifacts); err != nil {
		return nil, err
	}
	return stats, nil
}

const selectBuild = `SELECT id, job_id, task_id, project_name, repository_url, branch, commit_sha,
	build_type, status, runner_name, error, error_category, retry_of, created_at, started_at,
	completed_at FROM build_jobs`

const selectArtifact = `SELECT id, build_id, name, path, artifact_type, size, sha256, version,
	metadata, is_public, download_count, created_at FROM build_artifacts`

type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(sc scanner) (*Build, error) {
	var (
		b                      Build
		createdAt              string
		startedAt, completedAt sql.NullString
	)
	if err := sc.Scan(
		&b.ID,
		&b.JobID,
		&b.TaskID,
		&b.ProjectName,
		&b.RepositoryURL,
		&b.Branch,
		&b.Commit,
		&b.BuildType,
		&b.Status,
		&b.RunnerName,
		&b.Error,
		&b.ErrorCategory,
		&b.RetryOf,
		&createdAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	b.StartedAt = storage.ParseTime(startedAt)
	b.CompletedAt = storage.ParseTime(completedAt)
	return &b, nil
}

func scanArtifact(sc scanner) (*Artifact, error) {
	var (
		a         Artifact
		meta      string
		public    int
		createdAt string
	)
	if err := sc.Scan(
		&a.ID,
		&a.BuildID,
		&a.Name,
		&a.Path,
		&a.ArtifactType,
		&a.Size,
		&a.SHA256,
		&a.Version,
		&meta,
		&public,
		&a.DownloadCount,
		&createdAt,
	); err != nil {
		return nil, err
	}
	a.Metadata = map[string]any{}
	if meta != "" {
		_ = json.Unmarshal([]byte(meta), &a.Metadata)
	}
	a.IsPublic = public == 1
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &a, nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
