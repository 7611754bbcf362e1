package server

import (
	"sync"
	"time"
)

// rateLimiter is a per-actor sliding window. Entries for idle actors are
// pruned lazily on their next request.
type rateLimiter struct {
	perMinute int
	now       func() time.Time

	mu      sync.Mutex
	windows map[string][]time.Time
}

func newRateLimiter(perMinute int) *rateLimiter {
	return &rateLimiter{
		perMinute: perMinute,
		now:       time.Now,
		windows:   make(map[string][]time.Time),
	}
}

func (l *rateLimiter) allow(actor string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-time.Minute)

	window := l.windows[actor]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.perMinute {
		l.windows[actor] = kept
		return false
	}
	l.windows[actor] = append(kept, now)
	return true
}
