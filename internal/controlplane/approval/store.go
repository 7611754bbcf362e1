package approval

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marcus-qen/opsplane/internal/controlplane/storage"
)

// Store persists approval requests, records and groups.
type Store struct {
	db *storage.DB
}

// NewStore creates the approval tables when missing.
func NewStore(db *storage.DB) (*Store, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS approval_requests (
		id                 TEXT PRIMARY KEY,
		title              TEXT NOT NULL,
		description        TEXT NOT NULL DEFAULT '',
		triggers           TEXT NOT NULL DEFAULT '[]',
		required_approvers INTEGER NOT NULL DEFAULT 1,
		current_approvals  INTEGER NOT NULL DEFAULT 0,
		group_id           TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL DEFAULT 'pending',
		expires_at         TEXT,
		requested_by       TEXT NOT NULL,
		job_id             TEXT NOT NULL DEFAULT '',
		created_at         TEXT NOT NULL,
		completed_at       TEXT
	)`); err != nil {
		return nil, fmt.Errorf("create approval_requests table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS approval_records (
		id         TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		approver   TEXT NOT NULL,
		decision   TEXT NOT NULL,
		comment    TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE (request_id, approver)
	)`); err != nil {
		return nil, fmt.Errorf("create approval_records table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS approval_groups (
		id                 TEXT PRIMARY KEY,
		name               TEXT NOT NULL UNIQUE,
		members            TEXT NOT NULL DEFAULT '[]',
		required_approvers INTEGER NOT NULL DEFAULT 1,
		created_at         TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create approval_groups table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_approval_requests_status ON approval_requests(status)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_approval_requests_job ON approval_requests(job_id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_approval_records_request ON approval_records(request_id)`)

	return &Store{db: db}, nil
}

// CreateRequest persists a new pending request.
func (s *Store) CreateRequest(req Request) (*Request, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("title is required")
	}
	if strings.TrimSpace(req.RequestedBy) == "" {
		return nil, fmt.Errorf("requested_by is required")
	}
	if req.RequiredApprovers <= 0 {
		req.RequiredApprovers = 1
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Status = StatusPending
	req.CurrentApprovals = 0
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	triggers, _ := json.Marshal(req.Triggers)
	_, err := s.db.Exec(`INSERT INTO approval_requests
		(id, title, description, triggers, required_approvers, current_approvals, group_id, status,
		 expires_at, requested_by, job_id, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, NULL)`,
		req.ID, req.Title, req.Description, string(triggers), req.RequiredApprovers,
		req.GroupID, req.Status, storage.NullableTime(req.ExpiresAt),
		req.RequestedBy, req.JobID, req.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert approval request: %w", err)
	}

	out := req
	return &out, nil
}

// Get returns one request.
func (s *Store) Get(id string) (*Request, error) {
	row := s.db.QueryRow(selectRequest+` WHERE id = ?`, id)
	return scanRequest(row)
}

// GetByJob returns the most recent request linked to a job.
func (s *Store) GetByJob(jobID string) (*Request, error) {
	row := s.db.QueryRow(selectRequest+` WHERE job_id = ? ORDER BY created_at DESC LIMIT 1`, jobID)
	return scanRequest(row)
}

// List returns requests, optionally filtered by status, newest first.
func (s *Store) List(status string, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 100
	}

	stmt := selectRequest
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

	out := make([]Request, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			continue
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// Records returns the decisions on one request, oldest first.
func (s *Store) Records(requestID string) ([]Record, error) {
	rows, err := s.db.Query(`SELECT id, request_id, approver, decision, comment, created_at
		FROM approval_records WHERE request_id = ? ORDER BY created_at ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var (
			rec       Record
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.Approver, &rec.Decision, &rec.Comment, &createdAt); err != nil {
			continue
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DecideResult reports the outcome of a decision transaction.
type DecideResult struct {
	Request   *Request
	OldStatus string
}

// Decide applies one approver's decision inside a single transaction with
// the request row locked:
//
//  1. terminal request -> ErrNotPending
//  2. expired request  -> mark timeout, commit, ErrExpired
//  3. duplicate (request, approver) -> ErrAlreadyDecided
//  4. insert record; rejected forces rejected, otherwise count towards
//     required_approvers and approve at the threshold
func (s *Store) Decide(requestID, approver, decision, comment string) (*DecideResult, error) {
	switch decision {
	case DecisionApproved, DecisionRejected:
	default:
		return nil, fmt.Errorf("invalid decision %q", decision)
	}
	if strings.TrimSpace(approver) == "" {
		return nil, fmt.Errorf("approver is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRow(selectRequest+` WHERE id = ?`+s.db.ForUpdate(), requestID)
	req, err := scanRequest(row)
	if err != nil {
		return nil, err
	}
	oldStatus := req.Status

	if req.Terminal() {
		return nil, ErrNotPending
	}

	now := time.Now().UTC()
	if req.ExpiresAt != nil && req.ExpiresAt.Before(now) {
		if _, err := tx.Exec(`UPDATE approval_requests SET status = ?, completed_at = ? WHERE id = ?`,
			StatusTimeout, now.Format(time.RFC3339Nano), req.ID); err != nil {
			return nil, fmt.Errorf("mark timeout: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, ErrExpired
	}

	var existing int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM approval_records WHERE request_id = ? AND approver = ?`,
		req.ID, approver).Scan(&existing); err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, ErrAlreadyDecided
	}

	if _, err := tx.Exec(`INSERT INTO approval_records (id, request_id, approver, decision, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), req.ID, approver, decision, comment, now.Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("insert approval record: %w", err)
	}

	switch decision {
	case DecisionRejected:
		req.Status = StatusRejected
		req.CompletedAt = &now
		if _, err := tx.Exec(`UPDATE approval_requests SET status = ?, completed_at = ? WHERE id = ?`,
			StatusRejected, now.Format(time.RFC3339Nano), req.ID); err != nil {
			return nil, fmt.Errorf("mark rejected: %w", err)
		}

	case DecisionApproved:
		req.CurrentApprovals++
		if req.CurrentApprovals >= req.RequiredApprovers {
			req.Status = StatusApproved
			req.CompletedAt = &now
			if _, err := tx.Exec(`UPDATE approval_requests
				SET current_approvals = ?, status = ?, completed_at = ? WHERE id = ?`,
				req.CurrentApprovals, StatusApproved, now.Format(time.RFC3339Nano), req.ID); err != nil {
				return nil, fmt.Errorf("mark approved: %w", err)
			}
		} else {
			if _, err := tx.Exec(`UPDATE approval_requests SET current_approvals = ? WHERE id = ?`,
				req.CurrentApprovals, req.ID); err != nil {
				return nil, fmt.Errorf("count approval: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &DecideResult{Request: req, OldStatus: oldStatus}, nil
}

// Cancel moves a pending request to cancelled. The guard rejects every
// other starting state.
func (s *Store) Cancel(id string) (*Request, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`UPDATE approval_requests SET status = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		StatusCancelled, now.Format(time.RFC3339Nano), id, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("cancel request: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		if _, err := s.Get(id); err != nil {
			return nil, err
		}
		return nil, ErrNotPending
	}
	return s.Get(id)
}

// SweepExpired marks every pending request past its deadline as timeout.
// Returns the expired request ids so the caller can publish transitions.
func (s *Store) SweepExpired() ([]string, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	rows, err := s.db.Query(`SELECT id FROM approval_requests
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ?`, StatusPending, now)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	expired := ids[:0]
	for _, id := range ids {
		res, err := s.db.Exec(`UPDATE approval_requests SET status = ?, completed_at = ?
			WHERE id = ? AND status = ?`, StatusTimeout, now, id, StatusPending)
		if err != nil {
			return expired, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

// Statistics returns per-status totals.
func (s *Store) Statistics() (*Statistics, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM approval_requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &Statistics{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			continue
		}
		stats.Total += n
		switch status {
		case StatusPending:
			stats.Pending = n
		case StatusApproved:
			stats.Approved = n
		case StatusRejected:
			stats.Rejected = n
		case StatusCancelled:
			stats.Cancelled = n
		case StatusTimeout:
			stats.Timeout = n
		}
	}
	return stats, rows.Err()
}

// PendingCount returns the number of pending requests.
func (s *Store) PendingCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM approval_requests WHERE status = ?`, StatusPending).Scan(&n)
	return n, err
}

// CreateGroup persists an approver group.
func (s *Store) CreateGroup(g Group) (*Group, error) {
	if strings.TrimSpace(g.Name) == "" {
		return nil, fmt.Errorf("group name is required")
	}
	if g.RequiredApprovers <= 0 {
		g.RequiredApprovers = 1
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}

	members, _ := json.Marshal(g.Members)
	_, err := s.db.Exec(`INSERT INTO approval_groups (id, name, members, required_approvers, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		g.ID, g.Name, string(members), g.RequiredApprovers, g.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert approval group: %w", err)
	}

	out := g
	return &out, nil
}

// GetGroup returns one group by id.
func (s *Store) GetGroup(id string) (*Group, error) {
	var (
		g         Group
		members   string
		createdAt string
	)
	err := s.db.QueryRow(`SELECT id, name, members, required_approvers, created_at
		FROM approval_groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &members, &g.RequiredApprovers, &createdAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(members), &g.Members)
	g.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &g, nil
}

const selectRequest = `SELECT id, title, description, triggers, required_approvers, current_approvals,
	group_id, status, expires_at, requested_by, job_id, created_at, completed_at FROM approval_requests`

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(sc scanner) (*Request, error) {
	var (
		req                    Request
		triggers               string
		expiresAt, completedAt sql.NullString
		createdAt              string
	)

	if err := sc.Scan(
		&req.ID,
		&req.Title,
		&req.Description,
		&triggers,
		&req.RequiredApprovers,
		&req.CurrentApprovals,
		&req.GroupID,
		&req.Status,
		&expiresAt,
		&req.RequestedBy,
		&req.JobID,
		&createdAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(triggers), &req.Triggers)
	req.ExpiresAt = storage.ParseTime(expiresAt)
	req.CompletedAt = storage.ParseTime(completedAt)
	req.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &req, nil
}
