package approval

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/opsplane/internal/controlplane/events"
	"github.com/marcus-qen/opsplane/internal/controlplane/storage"
)

// Auditor records approval lifecycle actions. Audit failures never
// propagate.
type Auditor interface {
	Record(action, actor, resourceType, resourceID string, detail any)
}

// Engine drives the request lifecycle and publishes events strictly after
// the backing transaction committed.
type Engine struct {
	store  *Store
	bus    *events.Bus
	audit  Auditor
	logger *zap.Logger

	onApproved func(jobID string)
}

// NewEngine creates the approval engine.
func NewEngine(store *Store, bus *events.Bus, audit Auditor, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, bus: bus, audit: audit, logger: logger}
}

// OnApproved installs the hook invoked when a job-linked request reaches
// approved. The job engine uses it to re-drive gated jobs.
func (e *Engine) OnApproved(fn func(jobID string)) {
	e.onApproved = fn
}

// Create persists a pending request and announces it.
func (e *Engine) Create(req Request, timeout time.Duration) (*Request, error) {
	if timeout > 0 && req.ExpiresAt == nil {
		expires := time.Now().UTC().Add(timeout)
		req.ExpiresAt = &expires
	}

	if req.GroupID != "" {
		group, err := e.store.GetGroup(req.GroupID)
		if err != nil {
			return nil, err
		}
		if req.RequiredApprovers <= 0 {
			req.RequiredApprovers = group.RequiredApprovers
		}
	}

	created, err := e.store.CreateRequest(req)
	if err != nil {
		return nil, err
	}

	e.bus.Publish(events.NewApproval(created.ID, created.JobID, created.Title, created.RequestedBy))
	if e.audit != nil {
		e.audit.Record("approval.create", created.RequestedBy, "approval_request", created.ID, map[string]any{
			"triggers":           created.Triggers,
			"required_approvers": created.RequiredApprovers,
			"job_id":             created.JobID,
		})
	}

	e.logger.Info("approval request created",
		zap.String("request_id", created.ID),
		zap.String("job_id", created.JobID),
		zap.Strings("triggers", created.Triggers),
	)
	return created, nil
}

// Decide records one approver's decision, publishes the status transition
// after commit, and fires the approved hook when the request clears.
func (e *Engine) Decide(requestID, approver, decision, comment string) (*Request, error) {
	res, err := e.store.Decide(requestID, approver, decision, comment)
	if err != nil {
		// The expiry path committed a real transition before erroring.
		if errors.Is(err, ErrExpired) {
			e.bus.Publish(events.NewApprovalStatus(requestID, StatusPending, StatusTimeout))
		}
		return nil, err
	}

	req := res.Request
	if req.Status != res.OldStatus {
		e.bus.Publish(events.NewApprovalStatus(req.ID, res.OldStatus, req.Status))
	}
	if e.audit != nil {
		e.audit.Record("approval.decide", approver, "approval_request", req.ID, map[string]any{
			"decision": decision,
			"status":   req.Status,
		})
	}

	if req.Status == StatusApproved && req.JobID != "" && e.onApproved != nil {
		e.onApproved(req.JobID)
	}

	return req, nil
}

// Cancel withdraws a pending request.
func (e *Engine) Cancel(requestID, actor string) (*Request, error) {
	req, err := e.store.Cancel(requestID)
	if err != nil {
		return nil, err
	}

	e.bus.Publish(events.NewApprovalStatus(req.ID, StatusPending, StatusCancelled))
	if e.audit != nil {
		e.audit.Record("approval.cancel", actor, "approval_request", req.ID, nil)
	}
	return req, nil
}

// SweepExpired times out overdue pending requests and publishes one
// transition per request. Meant to run on a ticker.
func (e *Engine) SweepExpired() {
	ids, err := e.store.SweepExpired()
	if err != nil {
		e.logger.Error("expiry sweep failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		e.bus.Publish(events.NewApprovalStatus(id, StatusPending, StatusTimeout))
	}
	if len(ids) > 0 {
		e.logger.Info("expired approval requests", zap.Int("count", len(ids)))
	}
}

// Get returns one request.
func (e *Engine) Get(id string) (*Request, error) { return e.store.Get(id) }

// List returns requests filtered by status.
func (e *Engine) List(status string, limit int) ([]Request, error) {
	return e.store.List(status, limit)
}

// Records returns the decisions on one request.
func (e *Engine) Records(requestID string) ([]Record, error) { return e.store.Records(requestID) }

// Statistics returns per-status totals.
func (e *Engine) Statistics() (*Statistics, error) { return e.store.Statistics() }

// HasApproved reports whether a job has a linked approved request.
func (e *Engine) HasApproved(jobID string) (bool, error) {
	req, err := e.store.GetByJob(jobID)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return req.Status == StatusApproved, nil
}

// PendingFor reports whether a job has a linked request that is still open.
func (e *Engine) PendingFor(jobID string) (bool, error) {
	req, err := e.store.GetByJob(jobID)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return req.Status == StatusPending, nil
}
