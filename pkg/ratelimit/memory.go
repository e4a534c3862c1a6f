package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter implements the sliding window in-process for development
// and tests. Semantics match RedisLimiter.
type MemoryLimiter struct {
	mu     sync.Mutex
	events map[string][]time.Time
	policy Policy
	now    func() time.Time
}

// NewMemoryLimiter creates an in-memory limiter.
func NewMemoryLimiter(policy Policy) *MemoryLimiter {
	return &MemoryLimiter{
		events: make(map[string][]time.Time),
		policy: policy.normalized(),
		now:    time.Now,
	}
}

// NewMemoryLimiterAt creates a limiter with an injectable clock for tests.
func NewMemoryLimiterAt(policy Policy, now func() time.Time) *MemoryLimiter {
	l := NewMemoryLimiter(policy)
	l.now = now
	return l
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(ctx context.Context, projectID, userID string) (*Decision, error) {
	key := limiterKey(projectID, userID)
	now := l.now()
	windowStart := now.Add(-l.policy.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	// Trim events that slid out of the window
	events := l.events[key]
	live := events[:0]
	for _, ts := range events {
		if ts.After(windowStart) {
			live = append(live, ts)
		}
	}

	if len(live) >= l.policy.Limit {
		l.events[key] = live
		return &Decision{
			OK:        false,
			Limit:     l.policy.Limit,
			Remaining: 0,
			ResetAt:   live[0].Add(l.policy.Window),
		}, nil
	}

	live = append(live, now)
	l.events[key] = live
	return &Decision{
		OK:        true,
		Limit:     l.policy.Limit,
		Remaining: l.policy.Limit - len(live),
		ResetAt:   now.Add(l.policy.Window),
	}, nil
}
