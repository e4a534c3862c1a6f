package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds gateway-specific Prometheus metrics. Fields are created in
// main from the service metrics collector; a nil Metrics disables recording.
type Metrics struct {
	ConnectionsActive *prometheus.GaugeVec     // labels: project
	ChannelsActive    *prometheus.GaugeVec     // labels: project
	MessagesPublished *prometheus.CounterVec   // labels: project
	FanoutDeliveries  *prometheus.CounterVec   // labels: project
	BroadcastLatency  *prometheus.HistogramVec // labels: project; seconds from ingress to broadcast end
	EgressOverflows   *prometheus.CounterVec   // labels: project
	ProtocolErrors    *prometheus.CounterVec   // labels: kind
	AcksSent          *prometheus.CounterVec   // labels: path, outcome
}
