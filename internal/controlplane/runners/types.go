// Package runners tracks the pool of external runner agents: registration,
// heartbeats, load counters, and the scheduler that picks a runner for a
// build type.
package runners

import "time"

// Runner status values.
const (
	StatusActive      = "active"
	StatusMaintenance = "maintenance"
	StatusDisabled    = "disabled"
	StatusOffline     = "offline"
)

// Runner is one registered runner agent. Name is unique; registration
// under an existing name overwrites capabilities, limits and allow-lists.
type Runner struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Capabilities      []string   `json:"capabilities"`
	DockerSupported   bool       `json:"docker_supported"`
	MaxConcurrentJobs int        `json:"max_concurrent_jobs"`
	CurrentJobs       int        `json:"current_jobs"`
	Status            string     `json:"status"`
	OutboundAllowlist []string   `json:"outbound_allowlist,omitempty"`
	OS                string     `json:"os,omitempty"`
	Arch              string     `json:"arch,omitempty"`
	Version           string     `json:"version,omitempty"`
	Hostname          string     `json:"hostname,omitempty"`
	IPs               []string   `json:"ips,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	LastHeartbeat     *time.Time `json:"last_heartbeat,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// SystemInfo is the resource snapshot a runner reports with each heartbeat.
type SystemInfo struct {
	CPUUsagePercent    float64 `json:"cpu_usage_percent"`
	MemoryUsagePercent float64 `json:"memory_usage_percent"`
	DiskUsagePercent   float64 `json:"disk_usage_percent"`
	AvailableMemoryMB  int64   `json:"available_memory_mb"`
	AvailableDiskGB    int64   `json:"available_disk_gb"`
}

// Registration is the HTTP register request body.
type Registration struct {
	Name              string    `json:"name"`
	Capabilities      []string  `json:"capabilities"`
	DockerSupported   bool      `json:"docker_supported"`
	MaxConcurrentJobs int       `json:"max_concurrent_jobs"`
	OutboundAllowlist []string  `json:"outbound_allowlist,omitempty"`
	OS                string    `json:"os,omitempty"`
	Arch              string    `json:"arch,omitempty"`
	Version           string    `json:"version,omitempty"`
	Hostname          string    `json:"hostname,omitempty"`
	IPs               []string  `json:"ip,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Heartbeat is the HTTP heartbeat request body.
type Heartbeat struct {
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	CurrentJobs int        `json:"current_jobs"`
	LastError   string     `json:"last_error,omitempty"`
	System      SystemInfo `json:"system"`
	Timestamp   time.Time  `json:"timestamp"`
}

// QueueBinding tells a freshly registered runner where to consume.
type QueueBinding struct {
	Exchange          string `json:"exchange"`
	RoutingKeyPattern string `json:"routing_key_pattern"`
	QueueName         string `json:"queue_name"`
}

// CanRun reports whether the runner's capability set covers the build type
// and every extra filter.
func (r *Runner) CanRun(buildType string, filters []string) bool {
	caps := make(map[string]struct{}, len(r.Capabilities))
	for _, c := range r.Capabilities {
		caps[c] = struct{}{}
	}
	if _, ok := caps[buildType]; !ok {
		return false
	}
	for _, f := range filters {
		if _, ok := caps[f]; !ok {
			return false
		}
	}
	return true
}

// Stale reports whether the last heartbeat is older than three intervals.
func (r *Runner) Stale(now time.Time, heartbeatInterval time.Duration) bool {
	if r.LastHeartbeat == nil {
		return true
	}
	return now.Sub(*r.LastHeartbeat) > 3*heartbeatInterval
}
