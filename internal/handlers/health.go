package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/koppeltag/api/internal/domain"
	"github.com/koppeltag/api/internal/platform/httpx"
)

// HealthReporter produces readiness reports.
type HealthReporter interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// HealthHandlers serves /healthz and /readyz.
type HealthHandlers struct {
	reporter HealthReporter
	build    BuildInfo
	now      func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthReporter sets the readiness probe source.
func WithHealthReporter(reporter HealthReporter) HealthOption {
	return func(h *HealthHandlers) {
		h.reporter = reporter
	}
}

// WithHealthBuildInfo sets the build metadata echoed by /healthz.
func WithHealthBuildInfo(info BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthClock overrides the clock.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHealthHandlers constructs the health endpoints.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.now()
	}
	return h
}

// Healthz reports liveness without touching dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()
	payload := map[string]any{
		"status":    domain.HealthStatusOK,
		"uptime":    now.Sub(h.build.StartedAt).Round(time.Second).String(),
		"timestamp": formatTime(now),
	}
	if h.build.Version != "" {
		payload["version"] = h.build.Version
	}
	if h.build.CommitSHA != "" {
		payload["commitSha"] = h.build.CommitSHA
	}
	if h.build.Environment != "" {
		payload["environment"] = h.build.Environment
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

// Readyz probes dependencies and answers 503 unless every check is healthy.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reporter == nil {
		httpx.WriteJSON(w, http.StatusOK, readinessPayload{Status: string(domain.HealthStatusOK), GeneratedAt: formatTime(h.now())})
		return
	}
	report, err := h.reporter.Collect(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("health_unavailable", err.Error(), http.StatusServiceUnavailable))
		return
	}

	payload := readinessPayload{
		Status:      string(report.Status),
		GeneratedAt: formatTime(report.GeneratedAt),
		Checks:      make(map[string]checkPayload, len(report.Checks)),
	}
	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := report.Checks[name]
		payload.Checks[name] = checkPayload{
			Status:    string(check.Status),
			Detail:    check.Detail,
			LatencyMS: check.Latency.Milliseconds(),
			CheckedAt: formatTime(check.CheckedAt),
		}
		if check.Status != domain.HealthStatusOK && check.Detail != "" {
			payload.Details = append(payload.Details, name+": "+check.Detail)
		}
	}

	status := http.StatusOK
	if report.Status != domain.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, payload)
}

type readinessPayload struct {
	Status      string                  `json:"status"`
	GeneratedAt string                  `json:"generatedAt,omitempty"`
	Checks      map[string]checkPayload `json:"checks,omitempty"`
	Details     []string                `json:"details,omitempty"`
}

type checkPayload struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
	CheckedAt string `json:"checkedAt,omitempty"`
}
