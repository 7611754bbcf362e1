package runners

import (
	"errors"
	"sort"
	"time"
)

// ErrNoRunnerAvailable is returned when no registered runner can take the
// build.
var ErrNoRunnerAvailable = errors.New("no runner available")

// DefaultHeartbeatInterval is handed to runners at registration and drives
// the stale threshold (3 intervals).
const DefaultHeartbeatInterval = 30 * time.Second

// Scheduler picks one eligible runner per dispatch.
type Scheduler struct {
	store             *Store
	heartbeatInterval time.Duration
}

// NewScheduler creates a scheduler over the registry.
func NewScheduler(store *Store, heartbeatInterval time.Duration) *Scheduler {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &Scheduler{store: store, heartbeatInterval: heartbeatInterval}
}

// Pick selects the runner for a build type. Eligibility: active, capability
// set covers the build type and every filter, under its concurrency limit,
// heartbeat fresh. Ties break by lowest current_jobs, then lowest load
// ratio, then most recent heartbeat, then smallest name, so the choice is
// deterministic. The caller increments the load counter after a successful
// publish; the scheduler itself takes nothing.
func (s *Scheduler) Pick(buildType string, filters []string) (*Runner, error) {
	candidates, err := s.store.ListActive()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	eligible := candidates[:0]
	for _, r := range candidates {
		if !r.CanRun(buildType, filters) {
			continue
		}
		if r.CurrentJobs >= r.MaxConcurrentJobs {
			continue
		}
		if r.Stale(now, s.heartbeatInterval) {
			continue
		}
		eligible = append(eligible, r)
	}
	if len(eligible) == 0 {
		return nil, ErrNoRunnerAvailable
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.CurrentJobs != b.CurrentJobs {
			return a.CurrentJobs < b.CurrentJobs
		}
		ra := float64(a.CurrentJobs) / float64(a.MaxConcurrentJobs)
		rb := float64(b.CurrentJobs) / float64(b.MaxConcurrentJobs)
		if ra != rb {
			return ra < rb
		}
		at, bt := heartbeatTime(a), heartbeatTime(b)
		if !at.Equal(bt) {
			return at.After(bt)
		}
		return a.Name < b.Name
	})

	chosen := eligible[0]
	return &chosen, nil
}

func heartbeatTime(r Runner) time.Time {
	if r.LastHeartbeat == nil {
		return time.Time{}
	}
	return *r.LastHeartbeat
}
