package builds

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/opsplane/internal/controlplane/broker"
	"github.com/marcus-qen/opsplane/internal/controlplane/jobs"
	"github.com/marcus-qen/opsplane/internal/controlplane/runners"
	"github.com/marcus-qen/opsplane/internal/telemetry"
)

// Publisher is the broker surface the dispatcher needs. *broker.Gateway
// implements it.
type Publisher interface {
	PublishBuildTask(msg broker.BuildTaskMessage, runnerName string) error
	SignalRunner(runnerName string, payload any) error
}

// Dispatcher picks a runner for each build task and publishes the dispatch.
// It satisfies the job engine's hand-off interface.
type Dispatcher struct {
	store       *Store
	scheduler   *runners.Scheduler
	runnerStore *runners.Store
	publisher   Publisher
	logger      *zap.Logger
}

// NewDispatcher creates the dispatcher.
func NewDispatcher(store *Store, scheduler *runners.Scheduler, runnerStore *runners.Store, publisher Publisher, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:       store,
		scheduler:   scheduler,
		runnerStore: runnerStore,
		publisher:   publisher,
		logger:      logger,
	}
}

// Dispatch schedules the task onto a runner, publishes the build message,
// and records the build. The runner's load rises only after the publish
// confirmed; a failed publish leaves it untouched.
func (d *Dispatcher) Dispatch(ctx context.Context, job *jobs.Job, task *jobs.Task) (string, error) {
	spec := job.Build
	if spec == nil {
		return "", fmt.Errorf("job %s has no build spec", job.ID)
	}

	runner, err := d.scheduler.Pick(spec.BuildType, nil)
	if err != nil {
		return "", err
	}

	_, span := telemetry.StartDispatchSpan(ctx, task.ID, spec.BuildType, runner.Name)
	defer span.End()

	msg := broker.BuildTaskMessage{
		TaskID: task.ID,
		JobID:  job.ID,
		Project: broker.ProjectInfo{
			Name:          spec.ProjectName,
			RepositoryURL: spec.RepositoryURL,
			Branch:        spec.Branch,
			Commit:        spec.Commit,
			TriggeredBy:   job.CreatedBy,
		},
		Build: broker.BuildParameters{
			BuildType:  spec.BuildType,
			EnvVars:    spec.EnvVars,
			Parameters: spec.Parameters,
		},
		Steps:         toWireSteps(spec.Steps),
		PublishTarget: spec.PublishTarget,
	}

	if err := d.publisher.PublishBuildTask(msg, runner.Name); err != nil {
		return "", err
	}
	if err := d.runnerStore.IncrementLoad(runner.Name); err != nil {
		d.logger.Warn("increment runner load", zap.String("runner", runner.Name), zap.Error(err))
	}

	build := Build{
		JobID:         job.ID,
		TaskID:        task.ID,
		ProjectName:   spec.ProjectName,
		RepositoryURL: spec.RepositoryURL,
		Branch:        spec.Branch,
		Commit:        spec.Commit,
		BuildType:     spec.BuildType,
		RunnerName:    runner.Name,
	}
	// A re-dispatch of the same task chains to the previous record.
	if prev, err := d.store.LatestByTask(task.ID); err == nil {
		build.RetryOf = prev.ID
	}
	if _, err := d.store.Create(build); err != nil {
		d.logger.Error("record build", zap.String("task_id", task.ID), zap.Error(err))
	}

	return runner.Name, nil
}

// cancelSignal is the payload published on the runner's direct queue to
// stop a build in flight.
type cancelSignal struct {
	Action string `json:"action"`
	TaskID string `json:"task_id"`
	JobID  string `json:"job_id"`
}

// CancelTask signals the runner executing the task, best effort.
func (d *Dispatcher) CancelTask(_ context.Context, job *jobs.Job, task *jobs.Task) error {
	if task.RunnerName == "" {
		return fmt.Errorf("task %s has no runner", task.ID)
	}
	return d.publisher.SignalRunner(task.RunnerName, cancelSignal{
		Action: "cancel",
		TaskID: task.ID,
		JobID:  job.ID,
	})
}

func toWireSteps(steps []jobs.BuildStepSpec) []broker.BuildStep {
	out := make([]broker.BuildStep, 0, len(steps))
	for _, s := range steps {
		out = append(out, broker.BuildStep{
			ID:                uuid.NewString(),
			Name:              s.Name,
			StepType:          s.StepType,
			Command:           s.Command,
			Script:            s.Script,
			WorkingDir:        s.WorkingDir,
			TimeoutSecs:       s.TimeoutSecs,
			ContinueOnFailure: s.ContinueOnFailure,
			ProducesArtifact:  s.ProducesArtifact,
			DockerImage:       s.DockerImage,
		})
	}
	return out
}
