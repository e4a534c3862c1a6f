package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds granter-specific Prometheus metrics. Fields are created in
// main from the service metrics collector; a nil Metrics disables recording.
type Metrics struct {
	GrantsIssued    *prometheus.CounterVec // labels: outcome
	GrantCacheHits  *prometheus.CounterVec // labels: result (hit|miss|error)
	RateLimitDenied *prometheus.CounterVec // labels: project
	LimiterFailOpen *prometheus.CounterVec // labels: reason
}
