// Package broker carries build dispatches to runner agents over a topic
// exchange and consumes the status and log replies. Routing keys are the
// ABI between the control plane and runners: `build.<type>[.<runner>]` out,
// `build.status.<job>.<task>` and `build.log.<job>.<task>.<step>` back.
package broker

import "time"

// Build status values reported by runners.
const (
	BuildStatusReceived  = "received"
	BuildStatusPreparing = "preparing"
	BuildStatusRunning   = "running"
	BuildStatusSucceeded = "succeeded"
	BuildStatusFailed    = "failed"
	BuildStatusTimeout   = "timeout"
	BuildStatusCancelled = "cancelled"
)

// Well-known step types. Any other value is treated as a custom step the
// runner interprets on its own.
const (
	StepTypeCommand = "command"
	StepTypeScript  = "script"
	StepTypeInstall = "install"
	StepTypeBuild   = "build"
	StepTypeTest    = "test"
	StepTypePackage = "package"
	StepTypePublish = "publish"
)

// Log levels on build log messages.
const (
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// ProjectInfo identifies the repository a build works on.
type ProjectInfo struct {
	Name          string `json:"name"`
	RepositoryURL string `json:"repository_url"`
	Branch        string `json:"branch"`
	Commit        string `json:"commit"`
	TriggeredBy   string `json:"triggered_by"`
}

// BuildParameters carries the dispatch key and the free-form inputs.
type BuildParameters struct {
	BuildType  string            `json:"build_type"`
	EnvVars    map[string]string `json:"env_vars"`
	Parameters map[string]string `json:"parameters"`
}

// BuildStep is one ordered step of a build as shipped to the runner.
type BuildStep struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	StepType          string `json:"step_type"`
	Command           string `json:"command,omitempty"`
	Script            string `json:"script,omitempty"`
	WorkingDir        string `json:"working_dir,omitempty"`
	TimeoutSecs       int    `json:"timeout_secs,omitempty"`
	ContinueOnFailure bool   `json:"continue_on_failure"`
	ProducesArtifact  bool   `json:"produces_artifact"`
	DockerImage       string `json:"docker_image,omitempty"`
}

// BuildTaskMessage is the dispatch payload published on
// `build.<type>.<runner>`.
type BuildTaskMessage struct {
	TaskID        string          `json:"task_id"`
	JobID         string          `json:"job_id"`
	Project       ProjectInfo     `json:"project"`
	Build         BuildParameters `json:"build"`
	Steps         []BuildStep     `json:"steps"`
	PublishTarget string          `json:"publish_target,omitempty"`
}

// BuildArtifact describes one produced artifact inside a step status.
type BuildArtifact struct {
	Path         string         `json:"path"`
	Name         string         `json:"name"`
	ArtifactType string         `json:"artifact_type"`
	Size         int64          `json:"size"`
	SHA256       string         `json:"sha256"`
	Version      string         `json:"version,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	IsPublic     bool           `json:"is_public"`
}

// StepStatusUpdate is the per-step progress embedded in a status message.
type StepStatusUpdate struct {
	StepID      string         `json:"step_id"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	ExitCode    *int           `json:"exit_code,omitempty"`
	Artifact    *BuildArtifact `json:"artifact,omitempty"`
}

// BuildStatusMessage is the reply consumed from `build.status.<job>.<task>`.
type BuildStatusMessage struct {
	TaskID        string            `json:"task_id"`
	JobID         string            `json:"job_id"`
	RunnerName    string            `json:"runner_name"`
	Status        string            `json:"status"`
	StepStatus    *StepStatusUpdate `json:"step_status,omitempty"`
	Error         string            `json:"error,omitempty"`
	ErrorCategory string            `json:"error_category,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// BuildLogMessage is the reply consumed from
// `build.log.<job>.<task>.<step>`. Large logs arrive chunked; reassembly is
// by ordered offset append with the final chunk flagged.
type BuildLogMessage struct {
	TaskID     string    `json:"task_id"`
	JobID      string    `json:"job_id"`
	StepID     string    `json:"step_id"`
	RunnerName string    `json:"runner_name"`
	Level      string    `json:"level"`
	Content    string    `json:"content"`
	Offset     int64     `json:"offset"`
	IsFinal    bool      `json:"is_final"`
	Timestamp  time.Time `json:"timestamp"`
}

// TerminalBuildStatus reports whether a status value ends the task.
func TerminalBuildStatus(status string) bool {
	switch status {
	case BuildStatusSucceeded, BuildStatusFailed, BuildStatusTimeout, BuildStatusCancelled:
		return true
	default:
		return false
	}
}
