package relay

import (
	"sync"
	"time"
)

// publishLimiter is a sliding-window rate limit per registered identity.
// Trickle ICE produces short candidate bursts, so the window must be
// generous; the limit exists to stop a runaway client from flooding a
// channel.
type publishLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
}

func newPublishLimiter(limit int, interval time.Duration) *publishLimiter {
	return &publishLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *publishLimiter) Allow(identity string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[identity]
	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[identity] = fresh
		return false
	}

	fresh = append(fresh, now)
	rl.history[identity] = fresh
	return true
}

func (rl *publishLimiter) Forget(identity string) {
	rl.mu.Lock()
	delete(rl.history, identity)
	rl.mu.Unlock()
}
