package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/opsplane/internal/controlplane/approval"
	"github.com/marcus-qen/opsplane/internal/controlplane/concurrency"
	"github.com/marcus-qen/opsplane/internal/controlplane/events"
	"github.com/marcus-qen/opsplane/internal/controlplane/output"
	"github.com/marcus-qen/opsplane/internal/controlplane/sshexec"
	"github.com/marcus-qen/opsplane/internal/controlplane/storage"
	"github.com/marcus-qen/opsplane/internal/telemetry"
)

// Per-job fan-out never exceeds this many concurrent SSH sessions even when
// the submitted concurrent limit is higher.
const maxFanout = 10

// BuildDispatcher hands build tasks to a runner. The builds package
// implements it.
type BuildDispatcher interface {
	// Dispatch publishes the task to a runner and returns the chosen
	// runner's name.
	Dispatch(ctx context.Context, job *Job, task *Task) (string, error)
	// CancelTask signals the runner executing the task, best effort.
	CancelTask(ctx context.Context, job *Job, task *Task) error
}

// Auditor records job lifecycle actions. Failures never propagate.
type Auditor interface {
	Record(action, actor, resourceType, resourceID string, detail any)
}

// Observer receives lifecycle counts. The metrics package implements it.
type Observer interface {
	JobSubmitted(kind string)
	TaskFinished(status string)
}

// Engine owns the job state machine: submission, approval gating, SSH
// fan-out, build hand-off, cancellation and retries.
type Engine struct {
	store      *Store
	directory  HostDirectory
	runner     sshexec.Runner
	dispatcher BuildDispatcher
	approvals  *approval.Engine
	evaluator  *approval.Evaluator
	controller *concurrency.Controller
	bus        *events.Bus
	audit      Auditor
	observer   Observer
	logger     *zap.Logger

	approvalTimeout time.Duration
}

// EngineConfig carries the engine's collaborators. Dispatcher, approvals,
// audit and observer are optional.
type EngineConfig struct {
	Store           *Store
	Directory       HostDirectory
	Runner          sshexec.Runner
	Dispatcher      BuildDispatcher
	Approvals       *approval.Engine
	Evaluator       *approval.Evaluator
	Controller      *concurrency.Controller
	Bus             *events.Bus
	Audit           Auditor
	Observer        Observer
	Logger          *zap.Logger
	ApprovalTimeout time.Duration
}

// NewEngine creates the job engine and, when approvals are wired, installs
// the hook that re-drives gated jobs once their request clears.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:           cfg.Store,
		directory:       cfg.Directory,
		runner:          cfg.Runner,
		dispatcher:      cfg.Dispatcher,
		approvals:       cfg.Approvals,
		evaluator:       cfg.Evaluator,
		controller:      cfg.Controller,
		bus:             cfg.Bus,
		audit:           cfg.Audit,
		observer:        cfg.Observer,
		logger:          logger,
		approvalTimeout: cfg.ApprovalTimeout,
	}
	if e.approvals != nil {
		e.approvals.OnApproved(e.ResumeApproved)
	}
	return e
}

// SetDispatcher wires the build dispatcher after construction. The builds
// package depends on the engine, so the dispatcher arrives late.
func (e *Engine) SetDispatcher(d BuildDispatcher) { e.dispatcher = d }

// SubmitRequest is the caller's job submission.
type SubmitRequest struct {
	Kind            string     `json:"kind"`
	Name            string     `json:"name,omitempty"`
	Command         string     `json:"command,omitempty"`
	Script          string     `json:"script,omitempty"`
	Build           *BuildSpec `json:"build,omitempty"`
	HostIDs         []string   `json:"host_ids,omitempty"`
	GroupIDs        []string   `json:"group_ids,omitempty"`
	ConcurrentLimit int        `json:"concurrent_limit,omitempty"`
	TimeoutSecs     int        `json:"timeout_secs,omitempty"`
	RetryTimes      int        `json:"retry_times,omitempty"`
	ExecuteAs       string     `json:"execute_as,omitempty"`
	Tags            []string   `json:"tags,omitempty"`
	IdempotencyKey  string     `json:"idempotency_key,omitempty"`
}

func (r *SubmitRequest) validate() error {
	switch r.Kind {
	case KindCommand:
		if strings.TrimSpace(r.Command) == "" {
			return &ValidationError{Msg: "command is required for command jobs"}
		}
	case KindScript:
		if strings.TrimSpace(r.Script) == "" {
			return &ValidationError{Msg: "script is required for script jobs"}
		}
	case KindBuild:
		if r.Build == nil || len(r.Build.Steps) == 0 {
			return &ValidationError{Msg: "build jobs require a build spec with at least one step"}
		}
		if r.Build.BuildType == "" {
			return &ValidationError{Msg: "build_type is required"}
		}
	default:
		return &ValidationError{Msg: fmt.Sprintf("unknown job kind %q", r.Kind)}
	}

	if r.Kind != KindBuild && len(r.HostIDs) == 0 && len(r.GroupIDs) == 0 {
		return &ValidationError{Msg: "at least one host or group target is required"}
	}
	if r.ConcurrentLimit < 0 || r.TimeoutSecs < 0 || r.RetryTimes < 0 {
		return &ValidationError{Msg: "limits must not be negative"}
	}
	return nil
}

// Submit validates, resolves targets, runs the risk evaluation, persists
// the job with its tasks, and either starts execution or parks it behind an
// approval request. A repeated idempotency key returns the original job.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest, actor string) (*Job, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := e.store.GetJobByIdempotencyKey(req.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !storage.IsNotFound(err) {
			return nil, err
		}
	}

	var targets []Host
	if req.Kind == KindBuild {
		// Build jobs run on a runner, not on inventory hosts. One task
		// tracks the whole dispatch.
		targets = []Host{{}}
	} else {
		resolved, err := e.directory.ResolveTargets(ctx, req.HostIDs, req.GroupIDs)
		if err != nil {
			return nil, fmt.Errorf("resolve targets: %w", err)
		}
		if len(resolved) == 0 {
			return nil, &ValidationError{Msg: "targeting resolved to no active hosts"}
		}
		targets = resolved
	}

	job := &Job{
		IdempotencyKey:  req.IdempotencyKey,
		Kind:            req.Kind,
		Name:            req.Name,
		Command:         req.Command,
		Script:          req.Script,
		Build:           req.Build,
		HostIDs:         req.HostIDs,
		GroupIDs:        req.GroupIDs,
		ConcurrentLimit: req.ConcurrentLimit,
		TimeoutSecs:     req.TimeoutSecs,
		RetryTimes:      req.RetryTimes,
		ExecuteAs:       req.ExecuteAs,
		Tags:            req.Tags,
		CreatedBy:       actor,
	}
	if job.ConcurrentLimit <= 0 {
		job.ConcurrentLimit = 1
	}

	if e.evaluator != nil && req.Kind != KindBuild {
		command := req.Command
		if command == "" {
			command = req.Script
		}
		required, triggers := e.evaluator.Evaluate(command, toTargetHosts(targets))
		job.RequiresApproval = required
		job.RiskTriggers = triggers
	}

	job, _, err := e.store.CreateJobWithTasks(job, targets)
	if err != nil {
		// A concurrent submit with the same key wins the unique index.
		if req.IdempotencyKey != "" {
			if existing, lookupErr := e.store.GetJobByIdempotencyKey(req.IdempotencyKey); lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	if e.audit != nil {
		e.audit.Record("job.submit", actor, "job", job.ID, map[string]any{
			"kind":              job.Kind,
			"total_tasks":       job.TotalTasks,
			"requires_approval": job.RequiresApproval,
		})
	}
	if e.observer != nil {
		e.observer.JobSubmitted(job.Kind)
	}

	if job.RequiresApproval {
		if e.approvals == nil {
			return nil, fmt.Errorf("job requires approval but no approval engine is configured")
		}
		title := job.Name
		if title == "" {
			title = job.Command
		}
		if _, err := e.approvals.Create(approval.Request{
			Title:       title,
			Triggers:    job.RiskTriggers,
			RequestedBy: actor,
			JobID:       job.ID,
		}, e.approvalTimeout); err != nil {
			return nil, fmt.Errorf("create approval request: %w", err)
		}
		e.logger.Info("job gated on approval",
			zap.String("job_id", job.ID),
			zap.Strings("triggers", job.RiskTriggers),
		)
		return job, nil
	}

	go e.Execute(context.Background(), job.ID)
	return job, nil
}

// ResumeApproved re-drives a job whose linked approval request cleared.
func (e *Engine) ResumeApproved(jobID string) {
	go e.Execute(context.Background(), jobID)
}

// Execute runs every pending task of the job. Approval-gated jobs only
// proceed once their request is approved. Safe to call repeatedly.
func (e *Engine) Execute(ctx context.Context, jobID string) {
	job, err := e.store.GetJob(jobID)
	if err != nil {
		e.logger.Error("execute: load job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if TerminalJobStatus(job.Status) {
		return
	}

	if job.RequiresApproval && e.approvals != nil {
		approved, err := e.approvals.HasApproved(jobID)
		if err != nil {
			e.logger.Error("execute: approval check", zap.String("job_id", jobID), zap.Error(err))
			return
		}
		if !approved {
			return
		}
	}

	ctx, span := telemetry.StartJobSpan(ctx, job.ID, job.Kind)
	defer span.End()

	if started, err := e.store.MarkJobRunning(jobID); err != nil {
		e.logger.Error("execute: mark running", zap.String("job_id", jobID), zap.Error(err))
		return
	} else if started {
		e.bus.Publish(events.NewJobStatus(jobID, JobPending, JobRunning))
	}

	tasks, err := e.store.PendingTasks(jobID)
	if err != nil {
		e.logger.Error("execute: list tasks", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if len(tasks) == 0 {
		e.finalize(jobID)
		return
	}

	if job.Kind == KindBuild {
		e.dispatchBuild(ctx, job, tasks)
		return
	}

	limit := job.ConcurrentLimit
	if limit > maxFanout {
		limit = maxFanout
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i := range tasks {
		task := tasks[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			e.runTask(ctx, job, task)
		}()
	}
	wg.Wait()

	e.finalize(jobID)
}

func (e *Engine) dispatchBuild(ctx context.Context, job *Job, tasks []Task) {
	if e.dispatcher == nil {
		for i := range tasks {
			e.completeTask(job, &tasks[i], TaskOutcome{
				Status:         TaskFailed,
				FailureReason:  string(sshexec.ReasonUnknown),
				FailureMessage: "no build dispatcher configured",
			})
		}
		e.finalize(job.ID)
		return
	}

	for i := range tasks {
		task := &tasks[i]
		runnerName, err := e.dispatcher.Dispatch(ctx, job, task)
		if err != nil {
			e.completeTask(job, task, TaskOutcome{
				Status:         TaskFailed,
				FailureReason:  string(sshexec.ReasonNetworkError),
				FailureMessage: err.Error(),
			})
			continue
		}
		_ = e.store.SetTaskRunner(task.ID, runnerName)
		e.logger.Info("build task dispatched",
			zap.String("job_id", job.ID),
			zap.String("task_id", task.ID),
			zap.String("runner", runnerName),
		)
	}
	// Dispatched tasks finish through the status reconciler; this only
	// closes the job when every dispatch failed outright.
	e.FinalizeIfDone(job.ID)
}

// runTask executes one SSH task, retrying failed and timed-out attempts up
// to the task's budget. The concurrency permit is held across retries.
func (e *Engine) runTask(ctx context.Context, job *Job, task Task) {
	host, err := e.resolveHost(ctx, task.HostID)
	if err != nil {
		e.completeTask(job, &task, TaskOutcome{
			Status:         TaskFailed,
			FailureReason:  string(sshexec.ReasonUnknown),
			FailureMessage: err.Error(),
		})
		return
	}

	var permit *concurrency.Permit
	if e.controller != nil {
		permit, err = e.controller.Acquire(ctx, host.GroupID, host.Environment)
		if err != nil {
			e.completeTask(job, &task, TaskOutcome{
				Status:         TaskFailed,
				FailureReason:  string(sshexec.ReasonUnknown),
				FailureMessage: fmt.Sprintf("concurrency limit: %v", err),
			})
			return
		}
		defer permit.Release()
	}

	retries := 0
	for {
		started, err := e.store.MarkTaskRunning(task.ID)
		if err != nil {
			e.logger.Error("mark task running", zap.String("task_id", task.ID), zap.Error(err))
			return
		}
		if !started {
			// Cancelled between queueing and start.
			return
		}
		e.bus.Publish(events.NewTaskStatus(task.ID, job.ID, TaskPending, TaskRunning))

		attemptCtx, span := telemetry.StartTaskSpan(ctx, task.ID, task.HostID)
		outcome := e.runAttempt(attemptCtx, job, &task, host)
		code := 0
		if outcome.ExitCode != nil {
			code = *outcome.ExitCode
		}
		telemetry.EndTaskSpan(span, outcome.Status, code, retries)
		if !e.completeTask(job, &task, outcome) {
			return
		}
		if outcome.Status == TaskSucceeded || outcome.Status == TaskCancelled {
			return
		}

		requeued, err := e.store.RequeueTaskForRetry(task.ID)
		if err != nil || !requeued {
			return
		}
		retries++
		e.bus.Publish(events.NewTaskStatus(task.ID, job.ID, outcome.Status, TaskPending))
		e.logger.Info("retrying task",
			zap.String("task_id", task.ID),
			zap.String("host_id", task.HostID),
		)
	}
}

func (e *Engine) runAttempt(ctx context.Context, job *Job, task *Task, host *Host) TaskOutcome {
	target := sshexec.Target{
		Address:     host.Address,
		Port:        host.Port,
		Credentials: host.Credentials,
		HostKeyMode: host.HostKeyMode,
		KnownHosts:  host.KnownHosts,
	}
	req := sshexec.Request{
		Command: job.Command,
		Script:  job.Script,
	}
	if job.TimeoutSecs > 0 {
		req.Timeout = time.Duration(job.TimeoutSecs) * time.Second
	}

	progress := func(chunk string, final bool) {
		if chunk == "" && !final {
			return
		}
		e.bus.Publish(events.NewTaskOutput(task.ID, job.ID, output.Redact(chunk), final))
	}

	res, err := e.runner.Run(ctx, target, req, progress)

	var outcome TaskOutcome
	if res != nil {
		summary, detail := output.Archive(combineOutput(res.Stdout, res.Stderr))
		outcome.OutputSummary = summary
		outcome.OutputDetail = detail
		outcome.DurationSecs = res.Duration.Seconds()
		code := res.ExitCode
		outcome.ExitCode = &code
	}

	if err == nil {
		outcome.Status = TaskSucceeded
		zero := 0
		if outcome.ExitCode == nil {
			outcome.ExitCode = &zero
		}
		return outcome
	}

	reason := sshexec.ReasonOf(err)
	outcome.FailureReason = string(reason)
	outcome.FailureMessage = output.Redact(err.Error())
	if reason == sshexec.ReasonCommandTimeout {
		outcome.Status = TaskTimeout
	} else {
		outcome.Status = TaskFailed
	}
	return outcome
}

// completeTask applies a terminal outcome and publishes the transition.
// Returns false when the task already reached a terminal state.
func (e *Engine) completeTask(job *Job, task *Task, outcome TaskOutcome) bool {
	applied, err := e.store.CompleteTask(task.ID, outcome)
	if err != nil {
		e.logger.Error("complete task", zap.String("task_id", task.ID), zap.Error(err))
		return false
	}
	if !applied {
		return false
	}
	e.bus.Publish(events.NewTaskStatus(task.ID, job.ID, TaskRunning, outcome.Status))
	if e.observer != nil {
		e.observer.TaskFinished(outcome.Status)
	}
	return true
}

func (e *Engine) resolveHost(ctx context.Context, hostID string) (*Host, error) {
	hosts, err := e.directory.ResolveTargets(ctx, []string{hostID}, nil)
	if err != nil {
		return nil, fmt.Errorf("resolve host %s: %w", hostID, err)
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("host %s is gone or inactive", hostID)
	}
	return &hosts[0], nil
}

// Cancel moves the job and its open tasks to cancelled. Build tasks already
// on a runner receive a best-effort cancellation signal.
func (e *Engine) Cancel(ctx context.Context, jobID, actor string) (*Job, error) {
	tasksBefore, _ := e.store.ListTasks(jobID)

	job, oldStatus, err := e.store.CancelJob(jobID)
	if err != nil {
		return nil, err
	}

	e.bus.Publish(events.NewJobStatus(jobID, oldStatus, JobCancelled))
	for _, task := range tasksBefore {
		if !TerminalTaskStatus(task.Status) {
			e.bus.Publish(events.NewTaskStatus(task.ID, jobID, task.Status, TaskCancelled))
		}
	}

	if job.Kind == KindBuild && e.dispatcher != nil {
		for i := range tasksBefore {
			task := tasksBefore[i]
			if task.RunnerName == "" || TerminalTaskStatus(task.Status) {
				continue
			}
			if err := e.dispatcher.CancelTask(ctx, job, &task); err != nil {
				e.logger.Warn("cancel signal failed",
					zap.String("task_id", task.ID),
					zap.String("runner", task.RunnerName),
					zap.Error(err),
				)
			}
		}
	}

	if e.audit != nil {
		e.audit.Record("job.cancel", actor, "job", jobID, map[string]any{"from": oldStatus})
	}
	return job, nil
}

// Retry re-enters the selected tasks of a finished job and restarts
// execution.
func (e *Engine) Retry(ctx context.Context, jobID string, sel RetrySelection, actor string) (*Job, error) {
	before, err := e.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	job, err := e.store.ResetForRetry(jobID, sel)
	if err != nil {
		return nil, err
	}

	e.bus.Publish(events.NewJobStatus(jobID, before.Status, JobPending))
	if e.audit != nil {
		e.audit.Record("job.retry", actor, "job", jobID, map[string]any{
			"failed_only": sel.FailedOnly,
			"task_ids":    sel.TaskIDs,
		})
	}

	go e.Execute(context.Background(), jobID)
	return job, nil
}

// FinalizeIfDone recomputes the job's counters and closes it when no task
// remains open. The build reconciler calls it after every terminal status.
func (e *Engine) FinalizeIfDone(jobID string) {
	e.finalize(jobID)
}

func (e *Engine) finalize(jobID string) {
	before, err := e.store.GetJob(jobID)
	if err != nil {
		e.logger.Error("finalize: load job", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	job, done, err := e.store.FinalizeJob(jobID)
	if err != nil {
		e.logger.Error("finalize job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if !done {
		return
	}

	e.bus.Publish(events.NewJobStatus(jobID, before.Status, job.Status))
	e.logger.Info("job finished",
		zap.String("job_id", jobID),
		zap.String("status", job.Status),
		zap.Int("succeeded", job.SucceededTasks),
		zap.Int("failed", job.FailedTasks),
		zap.Int("timeout", job.TimeoutTasks),
		zap.Int("cancelled", job.CancelledTasks),
	)
}

// CompleteBuildTask applies a runner-reported terminal outcome to a build
// task. Duplicate terminal reports return false and change nothing.
func (e *Engine) CompleteBuildTask(taskID string, outcome TaskOutcome) (bool, error) {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return false, err
	}
	job, err := e.store.GetJob(task.JobID)
	if err != nil {
		return false, err
	}
	applied := e.completeTask(job, task, outcome)
	if applied {
		e.finalize(job.ID)
	}
	return applied, nil
}

// MarkBuildTaskRunning flips a dispatched build task to running when the
// runner first reports progress.
func (e *Engine) MarkBuildTaskRunning(taskID string) error {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return err
	}
	started, err := e.store.MarkTaskRunning(taskID)
	if err != nil {
		return err
	}
	if started {
		e.bus.Publish(events.NewTaskStatus(taskID, task.JobID, TaskPending, TaskRunning))
	}
	return nil
}

// Store exposes the backing store for read paths.
func (e *Engine) Store() *Store { return e.store }

func toTargetHosts(hosts []Host) []approval.TargetHost {
	out := make([]approval.TargetHost, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, approval.TargetHost{
			Environment:   h.Environment,
			GroupID:       h.GroupID,
			GroupCritical: h.GroupCritical,
		})
	}
	return out
}

func combineOutput(stdout, stderr string) string {
	if stderr == "" {
		return stdout
	}
	if stdout == "" {
		return stderr
	}
	return stdout + "\n" + stderr
}
