package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/koppeltag/api/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// Probe is one named dependency check run for readiness.
type Probe struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

// ProbeOption customises NewProbeHealthRepository.
type ProbeOption func(*probeHealthRepository)

// WithProbeTimeout sets the timeout for probes that omit their own.
func WithProbeTimeout(timeout time.Duration) ProbeOption {
	return func(r *probeHealthRepository) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithProbeClock overrides the clock.
func WithProbeClock(now func() time.Time) ProbeOption {
	return func(r *probeHealthRepository) {
		if now != nil {
			r.now = now
		}
	}
}

type probeHealthRepository struct {
	probes  []Probe
	timeout time.Duration
	now     func() time.Time
}

var _ HealthRepository = (*probeHealthRepository)(nil)

// NewProbeHealthRepository runs probes concurrently on every Collect.
func NewProbeHealthRepository(probes []Probe, opts ...ProbeOption) (HealthRepository, error) {
	if len(probes) == 0 {
		return nil, errors.New("health repository: at least one probe is required")
	}
	for _, p := range probes {
		if strings.TrimSpace(p.Name) == "" {
			return nil, errors.New("health repository: probe name is required")
		}
		if p.Check == nil {
			return nil, fmt.Errorf("health repository: probe %s has no check", p.Name)
		}
	}
	repo := &probeHealthRepository{
		probes:  append([]Probe(nil), probes...),
		timeout: defaultProbeTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

func (r *probeHealthRepository) Collect(ctx context.Context) (domain.HealthReport, error) {
	results := make(map[string]domain.HealthCheck, len(r.probes))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, probe := range r.probes {
		wg.Add(1)
		go func(probe Probe) {
			defer wg.Done()
			result := r.run(ctx, probe)
			mu.Lock()
			results[probe.Name] = result
			mu.Unlock()
		}(probe)
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
	return domain.HealthReport{Status: status, Checks: results, GeneratedAt: r.now()}, nil
}

func (r *probeHealthRepository) run(ctx context.Context, probe Probe) domain.HealthCheck {
	timeout := probe.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	err := probe.Check(checkCtx)
	end := r.now()

	result := domain.HealthCheck{Status: domain.HealthStatusOK, Detail: "ok", Latency: end.Sub(start), CheckedAt: end}
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
