package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/marcus-qen/opsplane/internal/controlplane/storage"
)

// ParameterSpec declares one substitutable template parameter.
type ParameterSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Default     string `json:"default,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Template is a reusable job definition with {{name}} placeholders and an
// optional cron schedule.
type Template struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Kind            string          `json:"kind"`
	Command         string          `json:"command,omitempty"`
	Script          string          `json:"script,omitempty"`
	HostIDs         []string        `json:"host_ids,omitempty"`
	GroupIDs        []string        `json:"group_ids,omitempty"`
	ConcurrentLimit int             `json:"concurrent_limit,omitempty"`
	TimeoutSecs     int             `json:"timeout_secs,omitempty"`
	RetryTimes      int             `json:"retry_times,omitempty"`
	Parameters      []ParameterSpec `json:"parameters,omitempty"`
	Schedule        string          `json:"schedule,omitempty"`
	Enabled         bool            `json:"enabled"`
	CreatedBy       string          `json:"created_by"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	NextRunAt       *time.Time      `json:"next_run_at,omitempty"`
}

// TemplateStore persists job templates.
type TemplateStore struct {
	db *storage.DB
}

// NewTemplateStore creates the job_templates table when missing.
func NewTemplateStore(db *storage.DB) (*TemplateStore, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS job_templates (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL UNIQUE,
		description      TEXT NOT NULL DEFAULT '',
		kind             TEXT NOT NULL,
		command          TEXT NOT NULL DEFAULT '',
		script           TEXT NOT NULL DEFAULT '',
		host_ids         TEXT NOT NULL DEFAULT '[]',
		group_ids        TEXT NOT NULL DEFAULT '[]',
		concurrent_limit INTEGER NOT NULL DEFAULT 1,
		timeout_secs     INTEGER NOT NULL DEFAULT 0,
		retry_times      INTEGER NOT NULL DEFAULT 0,
		parameters       TEXT NOT NULL DEFAULT '[]',
		schedule         TEXT NOT NULL DEFAULT '',
		enabled          INTEGER NOT NULL DEFAULT 1,
		created_by       TEXT NOT NULL DEFAULT '',
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL,
		next_run_at      TEXT
	)`); err != nil {
		return nil, fmt.Errorf("create job_templates table: %w", err)
	}
	return &TemplateStore{db: db}, nil
}

// Create validates the schedule, seeds next_run_at, and inserts.
func (s *TemplateStore) Create(tpl Template) (*Template, error) {
	if tpl.Name == "" {
		return nil, &ValidationError{Msg: "template name is required"}
	}
	switch tpl.Kind {
	case KindCommand, KindScript:
	default:
		return nil, &ValidationError{Msg: fmt.Sprintf("templates support command and script kinds, not %q", tpl.Kind)}
	}

	now := time.Now().UTC()
	tpl.ID = uuid.NewString()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now

	if tpl.Schedule != "" {
		sched, err := cron.ParseStandard(tpl.Schedule)
		if err != nil {
			return nil, &ValidationError{Msg: fmt.Sprintf("invalid schedule: %v", err)}
		}
		next := sched.Next(now)
		tpl.NextRunAt = &next
	}

	params, err := json.Marshal(orEmptyParams(tpl.Parameters))
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}

	enabled := 0
	if tpl.Enabled {
		enabled = 1
	}

	_, err = s.db.Exec(`INSERT INTO job_templates (id, name, description, kind, command, script,
		host_ids, group_ids, concurrent_limit, timeout_secs, retry_times, parameters, schedule,
		enabled, created_by, created_at, updated_at, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tpl.ID, tpl.Name, tpl.Description, tpl.Kind, tpl.Command, tpl.Script,
		jsonList(tpl.HostIDs), jsonList(tpl.GroupIDs), tpl.ConcurrentLimit, tpl.TimeoutSecs,
		tpl.RetryTimes, string(params), tpl.Schedule, enabled, tpl.CreatedBy,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), storage.NullableTime(tpl.NextRunAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert template: %w", err)
	}
	return &tpl, nil
}

// Get returns one template.
func (s *TemplateStore) Get(id string) (*Template, error) {
	row := s.db.QueryRow(selectTemplate+` WHERE id = ?`, id)
	return scanTemplate(row)
}

// GetByName returns one template by its unique name.
func (s *TemplateStore) GetByName(name string) (*Template, error) {
	row := s.db.QueryRow(selectTemplate+` WHERE name = ?`, name)
	return scanTemplate(row)
}

// List returns all templates, newest first.
func (s *TemplateStore) List() ([]Template, error) {
	rows, err := s.db.Query(selectTemplate + ` ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Template, 0)
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			continue
		}
		out = append(out, *tpl)
	}
	return out, rows.Err()
}

// Update replaces the mutable fields and recomputes next_run_at.
func (s *TemplateStore) Update(id string, tpl Template) (*Template, error) {
	now := time.Now().UTC()
	var nextRun *time.Time
	if tpl.Schedule != "" {
		sched, err := cron.ParseStandard(tpl.Schedule)
		if err != nil {
			return nil, &ValidationError{Msg: fmt.Sprintf("invalid schedule: %v", err)}
		}
		next := sched.Next(now)
		nextRun = &next
	}

	params, err := json.Marshal(orEmptyParams(tpl.Parameters))
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}
	enabled := 0
	if tpl.Enabled {
		enabled = 1
	}

	res, err := s.db.Exec(`UPDATE job_templates
		SET description = ?, command = ?, script = ?, host_ids = ?, group_ids = ?,
		    concurrent_limit = ?, timeout_secs = ?, retry_times = ?, parameters = ?,
		    schedule = ?, enabled = ?, updated_at = ?, next_run_at = ?
		WHERE id = ?`,
		tpl.Description, tpl.Command, tpl.Script, jsonList(tpl.HostIDs), jsonList(tpl.GroupIDs),
		tpl.ConcurrentLimit, tpl.TimeoutSecs, tpl.RetryTimes, string(params),
		tpl.Schedule, enabled, now.Format(time.RFC3339Nano), storage.NullableTime(nextRun),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("update template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, sql.ErrNoRows
	}
	return s.Get(id)
}

// Delete removes one template.
func (s *TemplateStore) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM job_templates WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Due returns enabled scheduled templates whose next run is at or before
// now.
func (s *TemplateStore) Due(now time.Time) ([]Template, error) {
	rows, err := s.db.Query(selectTemplate+` WHERE enabled = 1 AND schedule != ''
		AND next_run_at IS NOT NULL AND next_run_at <= ?`,
		now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Template, 0)
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			continue
		}
		out = append(out, *tpl)
	}
	return out, rows.Err()
}

// Advance moves a template's next run past now. Guarded on the previous
// value so concurrent schedulers fire a due template once.
func (s *TemplateStore) Advance(id string, prev, next time.Time) (bool, error) {
	res, err := s.db.Exec(`UPDATE job_templates SET next_run_at = ? WHERE id = ? AND next_run_at = ?`,
		next.UTC().Format(time.RFC3339Nano), id, prev.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Render substitutes {{name}} placeholders and produces a submission.
// Missing required parameters reject; unknown placeholders stay verbatim.
func (t *Template) Render(params map[string]string) (SubmitRequest, error) {
	values := make(map[string]string, len(t.Parameters))
	for _, p := range t.Parameters {
		v, ok := params[p.Name]
		if !ok || v == "" {
			if p.Required && p.Default == "" {
				return SubmitRequest{}, &ValidationError{Msg: fmt.Sprintf("parameter %q is required", p.Name)}
			}
			v = p.Default
		}
		values[p.Name] = v
	}

	substitute := func(s string) string {
		for name, v := range values {
			s = strings.ReplaceAll(s, "{{"+name+"}}", v)
		}
		return s
	}

	return SubmitRequest{
		Kind:            t.Kind,
		Name:            t.Name,
		Command:         substitute(t.Command),
		Script:          substitute(t.Script),
		HostIDs:         t.HostIDs,
		GroupIDs:        t.GroupIDs,
		ConcurrentLimit: t.ConcurrentLimit,
		TimeoutSecs:     t.TimeoutSecs,
		RetryTimes:      t.RetryTimes,
		Tags:            []string{"template:" + t.Name},
	}, nil
}

// SubmitFromTemplate renders the template with the given parameters and
// submits the resulting job.
func (e *Engine) SubmitFromTemplate(ctx context.Context, tpl *Template, params map[string]string, actor string) (*Job, error) {
	req, err := tpl.Render(params)
	if err != nil {
		return nil, err
	}
	return e.Submit(ctx, req, actor)
}

const selectTemplate = `SELECT id, name, description, kind, command, script, host_ids, group_ids,
	concurrent_limit, timeout_secs, retry_times, parameters, schedule, enabled, created_by,
	created_at, updated_at, next_run_at FROM job_templates`

func scanTemplate(sc scanner) (*Template, error) {
	var (
		tpl                  Template
		hostIDs, groupIDs    string
		params               string
		enabled              int
		createdAt, updatedAt string
		nextRun              sql.NullString
	)

	if err := sc.Scan(
		&tpl.ID,
		&tpl.Name,
		&tpl.Description,
		&tpl.Kind,
		&tpl.Command,
		&tpl.Script,
		&hostIDs,
		&groupIDs,
		&tpl.ConcurrentLimit,
		&tpl.TimeoutSecs,
		&tpl.RetryTimes,
		&params,
		&tpl.Schedule,
		&enabled,
		&tpl.CreatedBy,
		&createdAt,
		&updatedAt,
		&nextRun,
	); err != nil {
		return nil, err
	}

	tpl.HostIDs = parseList(hostIDs)
	tpl.GroupIDs = parseList(groupIDs)
	_ = json.Unmarshal([]byte(params), &tpl.Parameters)
	tpl.Enabled = enabled == 1
	tpl.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	tpl.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	tpl.NextRunAt = storage.ParseTime(nextRun)
	return &tpl, nil
}

func orEmptyParams(params []ParameterSpec) []ParameterSpec {
	if params == nil {
		return []ParameterSpec{}
	}
	return params
}
