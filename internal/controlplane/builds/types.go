// Package builds tracks dispatched build tasks: the per-runner hand-off,
// the status and log replies, produced artifacts and their downloads.
package builds

import "time"

// Build statuses mirror the runner-reported lifecycle.
const (
	StatusPending   = "pending"
	StatusReceived  = "received"
	StatusPreparing = "preparing"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
)

// Terminal reports whether a build status is final.
func Terminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// Build is one dispatched build task.
type Build struct {
	ID            string     `json:"id"`
	JobID         string     `json:"job_id"`
	TaskID        string     `json:"task_id"`
	ProjectName   string     `json:"project_name"`
	RepositoryURL string     `json:"repository_url,omitempty"`
	Branch        string     `json:"branch,omitempty"`
	Commit        string     `json:"commit,omitempty"`
	BuildType     string     `json:"build_type"`
	Status        string     `json:"status"`
	RunnerName    string     `json:"runner_name,omitempty"`
	Error         string     `json:"error,omitempty"`
	ErrorCategory string     `json:"error_category,omitempty"`
	RetryOf       string     `json:"retry_of,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Step is the persisted view of one build step.
type Step struct {
	ID          string     `json:"id"`
	BuildID     string     `json:"build_id"`
	StepID      string     `json:"step_id"`
	Name        string     `json:"name"`
	StepType    string     `json:"step_type"`
	Status      string     `json:"status"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Log         string     `json:"log,omitempty"`
	LogComplete bool       `json:"log_complete"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Artifact is one produced build artifact. The (version, artifact_type)
// pair is unique across builds. Metadata carries the runner's free-form
// descriptors (image tags, target triples); IsPublic gates whether the
// artifact is served without an authenticated download.
type Artifact struct {
	ID            string         `json:"id"`
	BuildID       string         `json:"build_id"`
	Name          string         `json:"name"`
	Path          string         `json:"path"`
	ArtifactType  string         `json:"artifact_type"`
	Size          int64          `json:"size"`
	SHA256        string         `json:"sha256"`
	Version       string         `json:"version,omitempty"`
	Metadata      map[string]any `json:"metadata"`
	IsPublic      bool           `json:"is_public"`
	DownloadCount int            `json:"download_count"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Statistics summarises builds by status and type.
type Statistics struct {
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	ByBuildType map[string]int `json:"by_build_type"`
	Artifacts   int            `json:"artifacts"`
}
