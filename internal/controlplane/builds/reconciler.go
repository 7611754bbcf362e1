package builds

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/marcus-qen/opsplane/internal/controlplane/broker"
	"github.com/marcus-qen/opsplane/internal/controlplane/jobs"
	"github.com/marcus-qen/opsplane/internal/controlplane/runners"
	"github.com/marcus-qen/opsplane/internal/controlplane/sshexec"
)

// Reconciler folds runner replies back into durable state: build and step
// status, logs, artifacts, the task outcome and the runner's load counter.
type Reconciler struct {
	store       *Store
	runnerStore *runners.Store
	engine      *jobs.Engine
	logger      *zap.Logger
}

// NewReconciler creates the reconciler.
func NewReconciler(store *Store, runnerStore *runners.Store, engine *jobs.Engine, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, runnerStore: runnerStore, engine: engine, logger: logger}
}

// HandleStatus applies one status reply. The broker acks only after this
// returns nil, so every effect lands before the message is gone. Duplicate
// terminal reports are suppressed by the persisted previous status: the
// runner's load decrements exactly once per finished build.
func (r *Reconciler) HandleStatus(msg broker.BuildStatusMessage) error {
	build, err := r.store.LatestByTask(msg.TaskID)
	if err != nil {
		return fmt.Errorf("load build for task %s: %w", msg.TaskID, err)
	}

	prev, applied, err := r.store.UpdateStatus(build.ID, msg.Status, msg.Error, msg.ErrorCategory)
	if err != nil {
		return fmt.Errorf("update build %s: %w", build.ID, err)
	}

	if msg.StepStatus != nil {
		step := msg.StepStatus
		if err := r.store.UpsertStep(build.ID, step.StepID, "", "", step.Status,
			step.ExitCode, &step.StartedAt, step.CompletedAt); err != nil {
			return err
		}
		if step.Artifact != nil {
			if _, err := r.store.AddArtifact(Artifact{
				BuildID:      build.ID,
				Name:         step.Artifact.Name,
				Path:         step.Artifact.Path,
				ArtifactType: step.Artifact.ArtifactType,
				Size:         step.Artifact.Size,
				SHA256:       step.Artifact.SHA256,
				Version:      step.Artifact.Version,
				Metadata:     step.Artifact.Metadata,
				IsPublic:     step.Artifact.IsPublic,
			}); err != nil && err != ErrDuplicateArtifact {
				return err
			}
		}
	}

	if !applied {
		// Late or duplicate report against a terminal build.
		r.logger.Debug("stale status report",
			zap.String("build_id", build.ID),
			zap.String("status", msg.Status),
			zap.String("previous", prev),
		)
		return nil
	}

	switch msg.Status {
	case broker.BuildStatusReceived, broker.BuildStatusPreparing, broker.BuildStatusRunning:
		if err := r.engine.MarkBuildTaskRunning(msg.TaskID); err != nil {
			return fmt.Errorf("mark task running: %w", err)
		}
		return nil
	}

	if !Terminal(msg.Status) {
		return nil
	}

	// First terminal transition: settle the task and free the runner slot.
	if _, err := r.engine.CompleteBuildTask(msg.TaskID, taskOutcome(msg)); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if build.RunnerName != "" {
		if err := r.runnerStore.DecrementLoad(build.RunnerName); err != nil {
			r.logger.Warn("decrement runner load",
				zap.String("runner", build.RunnerName),
				zap.Error(err),
			)
		}
	}

	r.logger.Info("build finished",
		zap.String("build_id", build.ID),
		zap.String("task_id", msg.TaskID),
		zap.String("status", msg.Status),
		zap.String("runner", build.RunnerName),
	)
	return nil
}

// HandleLog appends one log chunk to its step.
func (r *Reconciler) HandleLog(msg broker.BuildLogMessage) error {
	build, err := r.store.LatestByTask(msg.TaskID)
	if err != nil {
		return fmt.Errorf("load build for task %s: %w", msg.TaskID, err)
	}
	return r.store.AppendStepLog(build.ID, msg.StepID, msg.Content, msg.Offset, msg.IsFinal)
}

func taskOutcome(msg broker.BuildStatusMessage) jobs.TaskOutcome {
	outcome := jobs.TaskOutcome{
		RunnerName:     msg.RunnerName,
		FailureMessage: msg.Error,
	}
	if msg.StepStatus != nil && msg.StepStatus.ExitCode != nil {
		outcome.ExitCode = msg.StepStatus.ExitCode
	}

	switch msg.Status {
	case broker.BuildStatusSucceeded:
		outcome.Status = jobs.TaskSucceeded
		outcome.FailureMessage = ""
	case broker.BuildStatusTimeout:
		outcome.Status = jobs.TaskTimeout
		outcome.FailureReason = string(sshexec.ReasonCommandTimeout)
	case broker.BuildStatusCancelled:
		outcome.Status = jobs.TaskCancelled
	default:
		outcome.Status = jobs.TaskFailed
		outcome.FailureReason = string(sshexec.ReasonCommandFailed)
		if msg.ErrorCategory != "" {
			outcome.FailureReason = msg.ErrorCategory
		}
	}
	return outcome
}
