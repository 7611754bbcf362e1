// Package jobs is the execution core: job and task persistence, the state
// machine, SSH fan-out, build hand-off, cancellation, retries and
// statistics.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/marcus-qen/opsplane/internal/controlplane/sshexec"
)

// Job kinds.
const (
	KindCommand = "command"
	KindScript  = "script"
	KindBuild   = "build"
)

// Job status values.
const (
	JobPending            = "pending"
	JobRunning            = "running"
	JobCompleted          = "completed"
	JobFailed             = "failed"
	JobCancelled          = "cancelled"
	JobPartiallySucceeded = "partially-succeeded"
)

// Task status values.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
	TaskTimeout   = "timeout"
	TaskCancelled = "cancelled"
)

// TerminalJobStatus reports whether a job status is final.
func TerminalJobStatus(status string) bool {
	switch status {
	case JobCompleted, JobFailed, JobCancelled, JobPartiallySucceeded:
		return true
	default:
		return false
	}
}

// TerminalTaskStatus reports whether a task status is final.
func TerminalTaskStatus(status string) bool {
	switch status {
	case TaskSucceeded, TaskFailed, TaskTimeout, TaskCancelled:
		return true
	default:
		return false
	}
}

// BuildSpec is the build payload carried by build-kind jobs.
type BuildSpec struct {
	ProjectName   string            `json:"project_name"`
	RepositoryURL string            `json:"repository_url"`
	Branch        string            `json:"branch"`
	Commit        string            `json:"commit,omitempty"`
	BuildType     string            `json:"build_type"`
	EnvVars       map[string]string `json:"env_vars,omitempty"`
	Parameters    map[string]string `json:"parameters,omitempty"`
	Steps         []BuildStepSpec   `json:"steps"`
	PublishTarget string            `json:"publish_target,omitempty"`
}

// BuildStepSpec is one ordered step of a build spec.
type BuildStepSpec struct {
	Name              string `json:"name"`
	StepType          string `json:"step_type"`
	Command           string `json:"command,omitempty"`
	Script            string `json:"script,omitempty"`
	WorkingDir        string `json:"working_dir,omitempty"`
	TimeoutSecs       int    `json:"timeout_secs,omitempty"`
	ContinueOnFailure bool   `json:"continue_on_failure,omitempty"`
	ProducesArtifact  bool   `json:"produces_artifact,omitempty"`
	DockerImage       string `json:"docker_image,omitempty"`
}

// Job is one submitted unit of user intent.
type Job struct {
	ID              string     `json:"id"`
	IdempotencyKey  string     `json:"idempotency_key,omitempty"`
	Kind            string     `json:"kind"`
	Name            string     `json:"name,omitempty"`
	Command         string     `json:"command,omitempty"`
	Script          string     `json:"script,omitempty"`
	ScriptPath      string     `json:"script_path,omitempty"`
	Build           *BuildSpec `json:"build,omitempty"`
	HostIDs         []string   `json:"host_ids,omitempty"`
	GroupIDs        []string   `json:"group_ids,omitempty"`
	ConcurrentLimit int        `json:"concurrent_limit"`
	TimeoutSecs     int        `json:"timeout_secs"`
	RetryTimes      int        `json:"retry_times"`
	ExecuteAs       string     `json:"execute_as,omitempty"`
	Tags            []string   `json:"tags,omitempty"`
	Status          string     `json:"status"`

	TotalTasks     int `json:"total_tasks"`
	SucceededTasks int `json:"succeeded_tasks"`
	FailedTasks    int `json:"failed_tasks"`
	TimeoutTasks   int `json:"timeout_tasks"`
	CancelledTasks int `json:"cancelled_tasks"`

	RequiresApproval bool     `json:"requires_approval"`
	RiskTriggers     []string `json:"risk_triggers,omitempty"`

	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Group and environment snapshot of the resolved targets, captured at
	// submit so visibility checks need no re-resolution.
	targetGroups       []string
	targetEnvironments []string
}

func (j *Job) targetScopes() (groups, environments []string) {
	return j.targetGroups, j.targetEnvironments
}

// Task is one (job, host) execution unit.
type Task struct {
	ID             string     `json:"id"`
	JobID          string     `json:"job_id"`
	HostID         string     `json:"host_id"`
	Status         string     `json:"status"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	FailureMessage string     `json:"failure_message,omitempty"`
	OutputSummary  string     `json:"output_summary,omitempty"`
	OutputDetail   string     `json:"output_detail,omitempty"`
	RunnerName     string     `json:"runner_name,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	DurationSecs   float64    `json:"duration_secs,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Host is the target view the engine consumes. Hosts are owned elsewhere;
// only active ones are eligible targets. The yaml tags let inventories load
// from configuration.
type Host struct {
	ID            string              `json:"id" yaml:"id"`
	Address       string              `json:"address" yaml:"address"`
	Port          int                 `json:"port" yaml:"port"`
	Environment   string              `json:"environment" yaml:"environment"`
	GroupID       string              `json:"group_id,omitempty" yaml:"group_id"`
	GroupCritical bool                `json:"group_critical,omitempty" yaml:"group_critical"`
	Status        string              `json:"status" yaml:"status"`
	Credentials   sshexec.Credentials `json:"credentials" yaml:"credentials"`
	HostKeyMode   sshexec.HostKeyMode `json:"host_key_mode,omitempty" yaml:"host_key_mode"`
	KnownHosts    map[string]string   `json:"known_hosts,omitempty" yaml:"known_hosts"`
}

// HostDirectory resolves submit-time targeting to concrete active hosts.
type HostDirectory interface {
	// ResolveTargets expands host ids plus group ids into the active
	// hosts they denote, deduplicated.
	ResolveTargets(ctx context.Context, hostIDs, groupIDs []string) ([]Host, error)
}

// Scope bounds what a caller may observe. The zero value grants nothing;
// Global grants everything.
type Scope struct {
	ActorID      string
	Global       bool
	Groups       []string
	Environments []string
}

// allows reports whether the scope covers a host's group or environment.
func (s Scope) allows(groupID, environment string) bool {
	if s.Global {
		return true
	}
	for _, g := range s.Groups {
		if g == groupID {
			return true
		}
	}
	for _, e := range s.Environments {
		if e == environment {
			return true
		}
	}
	return false
}

// Statistics summarises jobs and their tasks.
type Statistics struct {
	TotalJobs       int            `json:"total_jobs"`
	JobsByStatus    map[string]int `json:"jobs_by_status"`
	TotalTasks      int            `json:"total_tasks"`
	TasksByStatus   map[string]int `json:"tasks_by_status"`
	SuccessRate     float64        `json:"success_rate"`
	AvgDurationSecs float64        `json:"avg_duration_secs"`
	FailureReasons  map[string]int `json:"failure_reasons"`
}

// RetrySelection names which tasks of a finished job to re-run.
type RetrySelection struct {
	All        bool     `json:"all,omitempty"`
	FailedOnly bool     `json:"failed_only,omitempty"`
	TaskIDs    []string `json:"task_ids,omitempty"`
}

// ValidationError marks rejections of caller input or illegal transitions.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// IsValidation reports whether err is a validation rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
