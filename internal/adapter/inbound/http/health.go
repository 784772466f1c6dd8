package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/hatago/hatago/internal/domain/upstream"
	"github.com/hatago/hatago/internal/service"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"` // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`
	Uptime  string            `json:"uptime"`
	Version string            `json:"version,omitempty"`
}

// HealthChecker reports hub liveness: whether every configured upstream is
// reachable and how long the process has been running.
type HealthChecker struct {
	hub     *service.Hub
	version string
}

// NewHealthChecker creates a HealthChecker bound to hub.
func NewHealthChecker(hub *service.Hub, version string) *HealthChecker {
	return &HealthChecker{hub: hub, version: version}
}

// Check performs health checks on every configured upstream.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	snaps := h.hub.Snapshots()
	for _, s := range snaps {
		switch s.State {
		case upstream.StateActive, upstream.StateManual:
			checks[s.ID] = "ok"
		case upstream.StateActivating, upstream.StateStopping:
			checks[s.ID] = string(s.State)
		default:
			checks[s.ID] = fmt.Sprintf("%s: %s", s.State, s.LastError)
			healthy = false
		}
	}
	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Uptime:  h.hub.Uptime().String(),
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
