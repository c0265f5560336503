package domain

import "time"

// HealthStatus summarises a readiness probe.
type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "ok"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusError    HealthStatus = "error"
)

// DependencyHealth is the result of probing one backing service.
type DependencyHealth struct {
	Status    HealthStatus
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

// ReadinessReport aggregates dependency probes for /readyz.
type ReadinessReport struct {
	Status       HealthStatus
	Dependencies map[string]DependencyHealth
	GeneratedAt  time.Time
}

// Ready reports whether traffic should be routed to this instance.
func (r ReadinessReport) Ready() bool {
	return r.Status == HealthStatusOK
}
