// Package ratelimit bounds grant issuance per (project, user) with a
// sliding window. The policy is deliberately coarse: a handful of mints per
// window, because cache hits never consume budget.
package ratelimit

import (
	"context"
	"time"
)

// Default issuance policy: at most 5 grants per rolling 2 hours.
const (
	DefaultLimit  = 5
	DefaultWindow = 2 * time.Hour
)

// Decision is the outcome of a limiter check.
type Decision struct {
	OK        bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter enforces the issuance budget. A returned error means the backend
// is unavailable; callers fail open on it. A successful deny (OK=false,
// err=nil) is authoritative and must be honored.
type Limiter interface {
	Allow(ctx context.Context, projectID, userID string) (*Decision, error)
}

// Policy parameterizes a limiter.
type Policy struct {
	Limit  int
	Window time.Duration
}

// DefaultPolicy returns the issuance policy.
func DefaultPolicy() Policy {
	return Policy{Limit: DefaultLimit, Window: DefaultWindow}
}

func (p Policy) normalized() Policy {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Window <= 0 {
		p.Window = DefaultWindow
	}
	return p
}

func limiterKey(projectID, userID string) string {
	return "ratelimit:" + projectID + ":" + userID
}
