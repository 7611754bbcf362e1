package sshexec

import (
	"errors"
	"net"
	"strings"
)

// FailureReason is the closed classification recorded on failed tasks.
type FailureReason string

const (
	ReasonNetworkError      FailureReason = "network-error"
	ReasonAuthFailed        FailureReason = "auth-failed"
	ReasonConnectionTimeout FailureReason = "connection-timeout"
	ReasonHandshakeTimeout  FailureReason = "handshake-timeout"
	ReasonCommandTimeout    FailureReason = "command-timeout"
	ReasonCommandFailed     FailureReason = "command-failed"
	ReasonUnknown           FailureReason = "unknown"
)

// Error pairs a transport error with its failure reason.
type Error struct {
	Reason FailureReason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf extracts the failure reason from an error chain, defaulting to
// unknown.
func ReasonOf(err error) FailureReason {
	var se *Error
	if errors.As(err, &se) {
		return se.Reason
	}
	return ReasonUnknown
}

// classifyHandshake distinguishes a slow handshake from an auth refusal and
// from host-key rejection (which surfaces as auth-failed so a pinning
// mismatch is never mistaken for a network blip).
func classifyHandshake(err error) FailureReason {
	if isTimeout(err) {
		return ReasonHandshakeTimeout
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "host key mismatch"),
		strings.Contains(msg, "unknown host"):
		return ReasonAuthFailed
	default:
		return ReasonNetworkError
	}
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
