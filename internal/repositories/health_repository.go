package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/ticketbooth/api/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// DependencyCheck probes one backing service during readiness checks.
type DependencyCheck struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

// ProbeOption customises a DependencyProbe.
type ProbeOption func(*DependencyProbe)

// WithProbeTimeout overrides the timeout used by checks that do not set their own.
func WithProbeTimeout(timeout time.Duration) ProbeOption {
	return func(p *DependencyProbe) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithProbeClock injects a clock, mainly for tests.
func WithProbeClock(clock func() time.Time) ProbeOption {
	return func(p *DependencyProbe) {
		if clock != nil {
			p.now = clock
		}
	}
}

// DependencyProbe runs every registered check concurrently and folds the results into a report.
type DependencyProbe struct {
	checks  []DependencyCheck
	timeout time.Duration
	now     func() time.Time
}

// NewDependencyProbe validates checks up front so Probe never has to.
func NewDependencyProbe(checks []DependencyCheck, opts ...ProbeOption) (*DependencyProbe, error) {
	if len(checks) == 0 {
		return nil, errors.New("dependency probe: at least one check is required")
	}
	seen := make(map[string]struct{}, len(checks))
	for _, check := range checks {
		name := strings.TrimSpace(check.Name)
		if name == "" {
			return nil, errors.New("dependency probe: check name is required")
		}
		if check.Check == nil {
			return nil, fmt.Errorf("dependency probe: check %s has no function", name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("dependency probe: duplicate check %s", name)
		}
		seen[name] = struct{}{}
	}

	probe := &DependencyProbe{
		checks:  append([]DependencyCheck(nil), checks...),
		timeout: defaultProbeTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(probe)
		}
	}
	return probe, nil
}

// Probe runs all checks. A check returning an error marks the report degraded; a timeout or
// cancellation marks it as error.
func (p *DependencyProbe) Probe(ctx context.Context) domain.ReadinessReport {
	results := make(map[string]domain.DependencyHealth, len(p.checks))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, check := range p.checks {
		wg.Add(1)
		go func(check DependencyCheck) {
			defer wg.Done()
			result := p.run(ctx, check)
			mu.Lock()
			results[strings.TrimSpace(check.Name)] = result
			mu.Unlock()
		}(check)
	}
	wg.Wait()

	status := domain.HealthStatusOK
	for _, result := range results {
		switch result.Status {
		case domain.HealthStatusError:
			status = domain.HealthStatusError
		case domain.HealthStatusDegraded:
			if status == domain.HealthStatusOK {
				status = domain.HealthStatusDegraded
			}
		}
	}
	return domain.ReadinessReport{
		Status:       status,
		Dependencies: results,
		GeneratedAt:  p.now().UTC(),
	}
}

func (p *DependencyProbe) run(ctx context.Context, check DependencyCheck) domain.DependencyHealth {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = p.timeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := p.now()
	err := check.Check(checkCtx)
	end := p.now()
	if err == nil && checkCtx.Err() != nil {
		err = checkCtx.Err()
	}

	result := domain.DependencyHealth{
		Status:    domain.HealthStatusOK,
		Detail:    "ok",
		Latency:   end.Sub(start),
		CheckedAt: end.UTC(),
	}
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		result.Status = domain.HealthStatusError
		result.Detail = "timeout"
	case errors.Is(err, context.Canceled):
		result.Status = domain.HealthStatusError
		result.Detail = "cancelled"
	default:
		result.Status = domain.HealthStatusDegraded
		result.Detail = err.Error()
	}
	return result
}
