// Package approval gates risky jobs behind N-of-M human approval. The risk
// evaluator decides whether a job needs a request; the engine owns the
// request lifecycle and its decisions.
package approval

import (
	"errors"
	"time"
)

// Request status values. approved, rejected, cancelled and timeout are
// terminal and immutable.
const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
	StatusTimeout   = "timeout"
)

// Decision values on a record.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Errors surfaced by Decide and Cancel.
var (
	ErrNotPending     = errors.New("approval request is not pending")
	ErrExpired        = errors.New("approval request expired")
	ErrAlreadyDecided = errors.New("approver already decided this request")
)

// Request is one approval interlock instance.
type Request struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Description       string     `json:"description,omitempty"`
	Triggers          []string   `json:"triggers"`
	RequiredApprovers int        `json:"required_approvers"`
	CurrentApprovals  int        `json:"current_approvals"`
	GroupID           string     `json:"group_id,omitempty"`
	Status            string     `json:"status"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	RequestedBy       string     `json:"requested_by"`
	JobID             string     `json:"job_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the request can no longer change.
func (r *Request) Terminal() bool {
	switch r.Status {
	case StatusApproved, StatusRejected, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// Record is one approver's decision on a request. (RequestID, Approver) is
// unique.
type Record struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	Approver  string    `json:"approver"`
	Decision  string    `json:"decision"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Group names a set of approvers a request can be bound to.
type Group struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Members           []string  `json:"members"`
	RequiredApprovers int       `json:"required_approvers"`
	CreatedAt         time.Time `json:"created_at"`
}

// Statistics summarises requests per status.
type Statistics struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Cancelled int `json:"cancelled"`
	Timeout   int `json:"timeout"`
}
