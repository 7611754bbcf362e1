package runners

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marcus-qen/opsplane/internal/controlplane/storage"
)

// Store persists the runner table.
type Store struct {
	db *storage.DB
}

// NewStore creates the runners table when missing.
func NewStore(db *storage.DB) (*Store, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS runners (
		id                  TEXT PRIMARY KEY,
		name                TEXT NOT NULL UNIQUE,
		capabilities        TEXT NOT NULL DEFAULT '[]',
		docker_supported    INTEGER NOT NULL DEFAULT 0,
		max_concurrent_jobs INTEGER NOT NULL DEFAULT 1,
		current_jobs        INTEGER NOT NULL DEFAULT 0,
		status              TEXT NOT NULL DEFAULT 'active',
		outbound_allowlist  TEXT NOT NULL DEFAULT '[]',
		os                  TEXT NOT NULL DEFAULT '',
		arch                TEXT NOT NULL DEFAULT '',
		version             TEXT NOT NULL DEFAULT '',
		hostname            TEXT NOT NULL DEFAULT '',
		ips                 TEXT NOT NULL DEFAULT '[]',
		last_error          TEXT NOT NULL DEFAULT '',
		last_heartbeat      TEXT,
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create runners table: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_runners_status ON runners(status)`)

	return &Store{db: db}, nil
}

// Register upserts a runner by name. Registration always resets status to
// active and refreshes the heartbeat.
func (s *Store) Register(reg Registration) (*Runner, error) {
	name := strings.TrimSpace(reg.Name)
	if name == "" {
		return nil, fmt.Errorf("runner name required")
	}
	if reg.MaxConcurrentJobs <= 0 {
		reg.MaxConcurrentJobs = 1
	}

	now := time.Now().UTC()
	nowS := now.Format(time.RFC3339Nano)
	caps := jsonList(reg.Capabilities)
	allow := jsonList(reg.OutboundAllowlist)
	ips := jsonList(reg.IPs)
	docker := 0
	if reg.DockerSupported {
		docker = 1
	}

	existing, err := s.GetByName(name)
	switch {
	case err == nil:
		_, err = s.db.Exec(`UPDATE runners
			SET capabilities = ?, docker_supported = ?, max_concurrent_jobs = ?, status = ?,
			    outbound_allowlist = ?, os = ?, arch = ?, version = ?, hostname = ?, ips = ?,
			    last_error = '', last_heartbeat = ?, updated_at = ?
			WHERE name = ?`,
			caps, docker, reg.MaxConcurrentJobs, StatusActive,
			allow, reg.OS, reg.Arch, reg.Version, reg.Hostname, ips,
			nowS, nowS, name,
		)
		if err != nil {
			return nil, fmt.Errorf("update runner: %w", err)
		}
		return s.Get(existing.ID)

	case storage.IsNotFound(err):
		id := uuid.NewString()
		_, err = s.db.Exec(`INSERT INTO runners (id, name, capabilities, docker_supported, max_concurrent_jobs,
			current_jobs, status, outbound_allowlist, os, arch, version, hostname, ips, last_error,
			last_heartbeat, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?)`,
			id, name, caps, docker, reg.MaxConcurrentJobs,
			StatusActive, allow, reg.OS, reg.Arch, reg.Version, reg.Hostname, ips,
			nowS, nowS, nowS,
		)
		if err != nil {
			return nil, fmt.Errorf("insert runner: %w", err)
		}
		return s.Get(id)

	default:
		return nil, err
	}
}

// RecordHeartbeat applies a heartbeat to an existing runner.
func (s *Store) RecordHeartbeat(hb Heartbeat) (*Runner, error) {
	name := strings.TrimSpace(hb.Name)
	if name == "" {
		return nil, fmt.Errorf("runner name required")
	}

	status := hb.Status
	switch status {
	case StatusActive, StatusMaintenance, StatusDisabled, StatusOffline:
	case "":
		status = StatusActive
	default:
		return nil, fmt.Errorf("invalid runner status %q", status)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE runners
		SET status = ?, current_jobs = ?, last_error = ?, last_heartbeat = ?, updated_at = ?
		WHERE name = ?`,
		status, hb.CurrentJobs, hb.LastError, now, now, name,
	)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil, sql.ErrNoRows
	}
	return s.GetByName(name)
}

// Get returns one runner by id.
func (s *Store) Get(id string) (*Runner, error) {
	row := s.db.QueryRow(selectRunner+` WHERE id = ?`, id)
	return scanRunner(row)
}

// GetByName returns one runner by its unique name.
func (s *Store) GetByName(name string) (*Runner, error) {
	row := s.db.QueryRow(selectRunner+` WHERE name = ?`, name)
	return scanRunner(row)
}

// List returns all runners ordered by name.
func (s *Store) List() ([]Runner, error) {
	rows, err := s.db.Query(selectRunner + ` ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Runner, 0)
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			continue
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ListActive returns runners in active status.
func (s *Store) ListActive() ([]Runner, error) {
	rows, err := s.db.Query(selectRunner+` WHERE status = ? ORDER BY name ASC`, StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Runner, 0)
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			continue
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// IncrementLoad bumps current_jobs after a successful dispatch. The guard
// keeps the counter within the configured maximum.
func (s *Store) IncrementLoad(name string) error {
	res, err := s.db.Exec(`UPDATE runners
		SET current_jobs = current_jobs + 1, updated_at = ?
		WHERE name = ? AND current_jobs < max_concurrent_jobs`,
		time.Now().UTC().Format(time.RFC3339Nano), name,
	)
	if err != nil {
		return fmt.Errorf("increment load: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("runner %s at capacity or missing", name)
	}
	return nil
}

// DecrementLoad drops current_jobs on the first terminal status for a task.
// Callers must check the previous persisted task status before calling so a
// duplicate terminal message never decrements twice.
func (s *Store) DecrementLoad(name string) error {
	_, err := s.db.Exec(`UPDATE runners
		SET current_jobs = current_jobs - 1, updated_at = ?
		WHERE name = ? AND current_jobs > 0`,
		time.Now().UTC().Format(time.RFC3339Nano), name,
	)
	if err != nil {
		return fmt.Errorf("decrement load: %w", err)
	}
	return nil
}

// MarkStaleOffline flips runners whose heartbeat is older than the stale
// threshold to offline. Returns how many were flipped.
func (s *Store) MarkStaleOffline(heartbeatInterval time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-3 * heartbeatInterval).Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE runners
		SET status = ?, updated_at = ?
		WHERE status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
		StatusOffline, time.Now().UTC().Format(time.RFC3339Nano), StatusActive, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Count returns the number of registered runners.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM runners`).Scan(&n)
	return n, err
}

const selectRunner = `SELECT id, name, capabilities, docker_supported, max_concurrent_jobs,
	current_jobs, status, outbound_allowlist, os, arch, version, hostname, ips, last_error,
	last_heartbeat, created_at, updated_at FROM runners`

type scanner interface {
	Scan(dest ...any) error
}

func scanRunner(sc scanner) (*Runner, error) {
	var (
		r                    Runner
		caps, allow, ips     string
		docker               int
		lastHeartbeat        sql.NullString
		createdAt, updatedAt string
	)

	if err := sc.Scan(
		&r.ID,
		&r.Name,
		&caps,
		&docker,
		&r.MaxConcurrentJobs,
		&r.CurrentJobs,
		&r.Status,
		&allow,
		&r.OS,
		&r.Arch,
		&r.Version,
		&r.Hostname,
		&ips,
		&r.LastError,
		&lastHeartbeat,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	r.DockerSupported = docker == 1
	r.Capabilities = parseList(caps)
	r.OutboundAllowlist = parseList(allow)
	r.IPs = parseList(ips)
	r.LastHeartbeat = storage.ParseTime(lastHeartbeat)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &r, nil
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
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
