// Package sshexec runs one command or uploaded script per task on a remote
// host over SSH. Failures are classified into the closed failure-reason set
// the task state machine records.
package sshexec

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// ExitCodeTimeout is reported when the overall deadline tears the
// connection down.
const ExitCodeTimeout = 124

// HostKeyMode selects how the remote host key is verified.
type HostKeyMode string

const (
	// HostKeyStrict rejects hosts whose key fingerprint is not pinned in
	// the known-hosts map.
	HostKeyStrict HostKeyMode = "strict"
	// HostKeyAccept trusts whatever key the host presents.
	HostKeyAccept HostKeyMode = "accept"
	// HostKeyDisabled skips verification entirely. Dev only.
	HostKeyDisabled HostKeyMode = "disabled"
)

// Credentials authenticate the SSH session. Password and private key are
// alternatives; when both are set the key is tried first.
type Credentials struct {
	Username   string `json:"username" yaml:"username"`
	Password   string `json:"password,omitempty" yaml:"password"`
	PrivateKey string `json:"private_key,omitempty" yaml:"private_key"`
	Passphrase string `json:"passphrase,omitempty" yaml:"passphrase"`
}

// Target describes one remote host.
type Target struct {
	Address     string            `json:"address"`
	Port        int               `json:"port"`
	Credentials Credentials       `json:"credentials"`
	HostKeyMode HostKeyMode       `json:"host_key_mode,omitempty"`
	KnownHosts  map[string]string `json:"known_hosts,omitempty"` // host pattern -> SHA-256 fingerprint
}

// Request is the unit of work: exactly one of Command or Script.
type Request struct {
	Command          string
	Script           string
	Timeout          time.Duration
	HandshakeTimeout time.Duration
}

// Result captures the completed execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// ProgressFunc receives coalesced stdout chunks as they arrive. It is
// called exactly once with final=true at the very end, success or not.
type ProgressFunc func(chunk string, final bool)

const (
	defaultHandshakeTimeout = 10 * time.Second
	progressFlushInterval   = 500 * time.Millisecond
)

// Runner abstracts the executor so the job engine can be driven by a stub
// in tests.
type Runner interface {
	Run(ctx context.Context, target Target, req Request, progress ProgressFunc) (*Result, error)
}

// Executor is the production SSH runner.
type Executor struct {
	logger *zap.Logger
}

// NewExecutor creates an executor.
func NewExecutor(logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{logger: logger}
}

// Run connects to the target and executes the request. The returned error,
// when non-nil, is always an *Error carrying a failure reason; a non-zero
// exit or a timeout is reported in the Result with a nil error from the
// transport's point of view but wrapped as command-failed / command-timeout
// for the caller's classification.
func (e *Executor) Run(ctx context.Context, target Target, req Request, progress ProgressFunc) (*Result, error) {
	start := time.Now()

	reporter := newProgressReporter(progress)
	defer reporter.finish()

	client, err := e.connect(ctx, target, req.HandshakeTimeout)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, &Error{Reason: ReasonUnknown, Err: fmt.Errorf("new session: %w", err)}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &teeWriter{buf: &stdout, reporter: reporter}
	session.Stderr = &stderr

	cmd, err := buildCommand(req)
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case err = <-done:
	case <-runCtx.Done():
		// Tear the transport down so the remote command stops receiving
		// our session; Run returns once the connection is gone.
		_ = client.Close()
		<-done

		res := &Result{
			ExitCode: ExitCodeTimeout,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
			TimedOut: true,
		}
		if ctx.Err() != nil && runCtx.Err() == ctx.Err() {
			return res, &Error{Reason: ReasonUnknown, Err: ctx.Err()}
		}
		return res, &Error{Reason: ReasonCommandTimeout, Err: fmt.Errorf("command exceeded %s", req.Timeout)}
	}

	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, &Error{Reason: ReasonCommandFailed, Err: fmt.Errorf("exit status %d", res.ExitCode)}
		}
		return res, &Error{Reason: ReasonUnknown, Err: err}
	}

	return res, nil
}

// connect dials TCP, performs the handshake and authenticates, mapping each
// phase onto its failure reason.
func (e *Executor) connect(ctx context.Context, target Target, handshakeTimeout time.Duration) (*ssh.Client, error) {
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}

	auth, err := authMethods(target.Credentials)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            target.Credentials.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback(target),
		Timeout:         handshakeTimeout,
	}

	addr := target.Address
	if !strings.Contains(addr, ":") {
		port := target.Port
		if port == 0 {
			port = 22
		}
		addr = fmt.Sprintf("%s:%d", addr, port)
	}

	dialer := &net.Dialer{Timeout: handshakeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if isTimeout(err) {
			return nil, &Error{Reason: ReasonConnectionTimeout, Err: fmt.Errorf("dial %s: %w", addr, err)}
		}
		return nil, &Error{Reason: ReasonNetworkError, Err: fmt.Errorf("dial %s: %w", addr, err)}
	}

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, &Error{Reason: classifyHandshake(err), Err: fmt.Errorf("handshake %s: %w", addr, err)}
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

func authMethods(creds Credentials) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if creds.PrivateKey != "" {
		var (
			signer ssh.Signer
			err    error
		)
		if creds.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(creds.PrivateKey), []byte(creds.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(creds.PrivateKey))
		}
		if err != nil {
			return nil, &Error{Reason: ReasonAuthFailed, Err: fmt.Errorf("parse private key: %w", err)}
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		methods = append(methods, ssh.Password(creds.Password))
	}

	if len(methods) == 0 {
		return nil, &Error{Reason: ReasonAuthFailed, Err: fmt.Errorf("no credentials for user %q", creds.Username)}
	}
	return methods, nil
}

func hostKeyCallback(target Target) ssh.HostKeyCallback {
	switch target.HostKeyMode {
	case HostKeyStrict:
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			want, ok := lookupKnownHost(target.KnownHosts, hostname, target.Address)
			if !ok {
				return fmt.Errorf("unknown host %s", hostname)
			}
			got := Fingerprint(key)
			if !strings.EqualFold(got, want) {
				return fmt.Errorf("host key mismatch for %s: %s", hostname, got)
			}
			return nil
		}
	case HostKeyDisabled, HostKeyAccept, "":
		// accept is trust-on-first-use without pinning, which on a
		// per-task connection degenerates to accepting anything.
		return ssh.InsecureIgnoreHostKey()
	default:
		return ssh.InsecureIgnoreHostKey()
	}
}

func lookupKnownHost(known map[string]string, hostname, address string) (string, bool) {
	if len(known) == 0 {
		return "", false
	}
	host := hostname
	if h, _, err := net.SplitHostPort(hostname); err == nil {
		host = h
	}
	for _, candidate := range []string{hostname, host, address} {
		if fp, ok := known[candidate]; ok {
			return fp, true
		}
	}
	return "", false
}

// Fingerprint returns the SHA-256 fingerprint of a public key in the
// OpenSSH "SHA256:<base64>" form.
func Fingerprint(key ssh.PublicKey) string {
	sum := sha256.Sum256(key.Marshal())
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// buildCommand renders the remote command line. Scripts are shipped inline
// as base64 to a unique path under /tmp, executed with sh, and removed
// afterwards regardless of the outcome.
func buildCommand(req Request) (string, error) {
	switch {
	case req.Command != "" && req.Script != "":
		return "", &Error{Reason: ReasonUnknown, Err: fmt.Errorf("both command and script set")}
	case req.Command != "":
		return req.Command, nil
	case req.Script != "":
		path := fmt.Sprintf("/tmp/opsplane_%s.sh", uuid.NewString())
		encoded := base64.StdEncoding.EncodeToString([]byte(req.Script))
		return fmt.Sprintf(
			"echo %s | base64 -d > %s && chmod +x %s && sh %s; rc=$?; rm -f %s; exit $rc",
			encoded, path, path, path, path,
		), nil
	default:
		return "", &Error{Reason: ReasonUnknown, Err: fmt.Errorf("empty request")}
	}
}

// teeWriter copies session stdout into the capture buffer and feeds the
// progress reporter.
type teeWriter struct {
	buf      *bytes.Buffer
	reporter *progressReporter
}

func (t *teeWriter) Write(p []byte) (int, error) {
	n, err := t.buf.Write(p)
	t.reporter.add(p[:n])
	return n, err
}

// progressReporter coalesces chunks so a chatty command does not translate
// into one callback per write. The final flush always fires with final=true.
type progressReporter struct {
	fn ProgressFunc

	mu       sync.Mutex
	pending  bytes.Buffer
	lastSent time.Time
	finished bool
}

func newProgressReporter(fn ProgressFunc) *progressReporter {
	return &progressReporter{fn: fn}
}

func (p *progressReporter) add(chunk []byte) {
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.pending.Write(chunk)
	if time.Since(p.lastSent) >= progressFlushInterval {
		p.flushLocked(false)
	}
}

func (p *progressReporter) finish() {
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	p.flushLocked(true)
}

func (p *progressReporter) flushLocked(final bool) {
	chunk := p.pending.String()
	p.pending.Reset()
	p.lastSent = time.Now()
	p.fn(chunk, final)
}
