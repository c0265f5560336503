package handlers

import (
	"context"
	"net/http"
	"time"

	domain "github.com/ticketbooth/api/internal/domain"
)

// ReadinessProbe reports the state of backing services.
type ReadinessProbe interface {
	Probe(ctx context.Context) domain.ReadinessReport
}

// BuildInfo identifies the running binary on /healthz.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
}

// HealthHandlers serves liveness and readiness endpoints.
type HealthHandlers struct {
	probe     ReadinessProbe
	build     BuildInfo
	startedAt time.Time
	now       func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithReadinessProbe sets the probe consulted by /readyz. Without one /readyz mirrors /healthz.
func WithReadinessProbe(probe ReadinessProbe) HealthOption {
	return func(h *HealthHandlers) {
		h.probe = probe
	}
}

// WithHealthBuildInfo sets the version metadata reported on /healthz.
func WithHealthBuildInfo(info BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthClock injects a clock for tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.now = clock
		}
	}
}

// NewHealthHandlers constructs HealthHandlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.startedAt = h.now()
	return h
}

type healthPayload struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	CommitSHA   string `json:"commitSha,omitempty"`
	Environment string `json:"environment,omitempty"`
	Uptime      string `json:"uptime"`
	Timestamp   string `json:"timestamp"`
}

type dependencyPayload struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

type readinessPayload struct {
	Status       string                       `json:"status"`
	Dependencies map[string]dependencyPayload `json:"dependencies,omitempty"`
	Timestamp    string                       `json:"timestamp"`
}

// Healthz reports liveness. It never touches dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	writeJSONResponse(w, http.StatusOK, healthPayload{
		Status:      string(domain.HealthStatusOK),
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.startedAt).Round(time.Second).String(),
		Timestamp:   now.UTC().Format(time.RFC3339),
	})
}

// Readyz probes dependencies and answers 503 unless all of them are healthy.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.probe == nil {
		h.Healthz(w, r)
		return
	}
	report := h.probe.Probe(r.Context())
	deps := make(map[string]dependencyPayload, len(report.Dependencies))
	for name, dep := range report.Dependencies {
		deps[name] = dependencyPayload{
			Status:    string(dep.Status),
			Detail:    dep.Detail,
			LatencyMS: dep.Latency.Milliseconds(),
		}
	}
	status := http.StatusOK
	if !report.Ready() {
		status = http.StatusServiceUnavailable
	}
	generated := report.GeneratedAt
	if generated.IsZero() {
		generated = h.now()
	}
	writeJSONResponse(w, status, readinessPayload{
		Status:       string(report.Status),
		Dependencies: deps,
		Timestamp:    generated.UTC().Format(time.RFC3339),
	})
}
