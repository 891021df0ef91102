package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

type CheckResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

type DetailedHealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version,omitempty"`
	Checks  map[string]CheckResult `json:"checks"`
}

// Checker probes one dependency
type Checker func(ctx context.Context) error

type HealthHandler struct {
	version string
	checks  map[string]Checker
	timeout time.Duration
}

func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version: version,
		checks:  make(map[string]Checker),
		timeout: 3 * time.Second,
	}
}

// WithCheck registers a named dependency probe
func (h *HealthHandler) WithCheck(name string, check Checker) *HealthHandler {
	h.checks[name] = check
	return h
}

func (h *HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, HealthResponse{Status: "ok", Version: h.version}, http.StatusOK)
}

func (h *HealthHandler) HandleDetailed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := DetailedHealthResponse{
		Status:  "ok",
		Version: h.version,
		Checks:  make(map[string]CheckResult, len(names)),
	}
	for _, name := range names {
		start := time.Now()
		result := CheckResult{Status: "ok"}
		if err := h.checks[name](ctx); err != nil {
			result.Status = "unhealthy"
			result.Error = err.Error()
			resp.Status = "degraded"
		}
		result.LatencyMs = time.Since(start).Milliseconds()
		resp.Checks[name] = result
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, resp, status)
}
