// Package audit keeps an append-only record of control plane actions: job
// submissions, cancellations, retries, approval decisions, template and
// runner changes. Recording never fails the calling operation.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/opsplane/internal/controlplane/storage"
)

// Entry is one audit log row.
type Entry struct {
	ID           string    `json:"id"`
	Action       string    `json:"action"`
	Actor        string    `json:"actor,omitempty"`
	ResourceType string    `json:"resource_type,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Detail       any       `json:"detail,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Filter narrows a query. Zero values match everything.
type Filter struct {
	Action       string
	Actor        string
	ResourceType string
	ResourceID   string
	Since        time.Time
	Limit        int
}

// Log is the durable audit log.
type Log struct {
	db     *storage.DB
	logger *zap.Logger
}

// NewLog creates the audit_logs table when missing.
func NewLog(db *storage.DB, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_logs (
		id            TEXT PRIMARY KEY,
		action        TEXT NOT NULL,
		actor         TEXT NOT NULL DEFAULT '',
		resource_type TEXT NOT NULL DEFAULT '',
		resource_id   TEXT NOT NULL DEFAULT '',
		detail        TEXT,
		created_at    TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create audit_logs table: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_logs(resource_type, resource_id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_logs(created_at)`)

	return &Log{db: db, logger: logger}, nil
}

// Record appends one entry. Persistence failures are logged and swallowed:
// auditing never blocks or fails the recorded action.
func (l *Log) Record(action, actor, resourceType, resourceID string, detail any) {
	var detailJSON sql.NullString
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err != nil {
			l.logger.Warn("audit detail not serializable",
				zap.String("action", action),
				zap.Error(err),
			)
		} else {
			detailJSON = sql.NullString{String: string(raw), Valid: true}
		}
	}

	_, err := l.db.Exec(`INSERT INTO audit_logs (id, action, actor, resource_type, resource_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), action, actor, resourceType, resourceID, detailJSON,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		l.logger.Error("audit record failed",
			zap.String("action", action),
			zap.String("resource_id", resourceID),
			zap.Error(err),
		)
	}
}

// Query returns matching entries, newest first.
func (l *Log) Query(f Filter) ([]Entry, error) {
	stmt := `SELECT id, action, actor, resource_type, resource_id, detail, created_at FROM audit_logs`
	var (
		conds []string
		args  []any
	)
	if f.Action != "" {
		conds = append(conds, `action = ?`)
		args = append(args, f.Action)
	}
	if f.Actor != "" {
		conds = append(conds, `actor = ?`)
		args = append(args, f.Actor)
	}
	if f.ResourceType != "" {
		conds = append(conds, `resource_type = ?`)
		args = append(args, f.ResourceType)
	}
	if f.ResourceID != "" {
		conds = append(conds, `resource_id = ?`)
		args = append(args, f.ResourceID)
	}
	if !f.Since.IsZero() {
		conds = append(conds, `created_at >= ?`)
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	for i, c := range conds {
		if i == 0 {
			stmt += ` WHERE ` + c
		} else {
			stmt += ` AND ` + c
		}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	stmt += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.Query(stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			entry     Entry
			detail    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.Actor, &entry.ResourceType,
			&entry.ResourceID, &detail, &createdAt); err != nil {
			continue
		}
		if detail.Valid && detail.String != "" {
			var v any
			if err := json.Unmarshal([]byte(detail.String), &v); err == nil {
				entry.Detail = v
			}
		}
		entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, entry)
	}
	return out, rows.Err()
}
