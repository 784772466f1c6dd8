package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hatago/hatago/internal/domain/eventbus"
	"github.com/hatago/hatago/internal/domain/naming"
	"github.com/hatago/hatago/internal/domain/upstream"
	"github.com/hatago/hatago/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHealthTestHub(t *testing.T) *service.Hub {
	t.Helper()
	h := service.New(service.Config{
		Name:              "hatago-test",
		Naming:            naming.NewRouter(naming.StrategyNamespace, naming.DefaultSeparator),
		Events:            &eventbus.Bus{},
		Logger:            discardLogger(),
		MaxConnectRetries: 1,
	})
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestHealthChecker_Healthy_NoUpstreams(t *testing.T) {
	hub := newHealthTestHub(t)
	hc := NewHealthChecker(hub, "test-version")

	health := hc.Check()

	if health.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", health.Status)
	}
	if health.Version != "test-version" {
		t.Errorf("Version = %q, want test-version", health.Version)
	}
	if health.Checks["goroutines"] == "" {
		t.Error("expected a goroutines check to be present")
	}
}

func TestHealthChecker_Unhealthy_UpstreamError(t *testing.T) {
	hub := newHealthTestHub(t)

	err := hub.AddServer(context.Background(), upstream.Spec{
		ID:      "broken",
		Type:    upstream.TransportStdio,
		Command: "/nonexistent-hatago-upstream-binary",
	})
	if err == nil {
		t.Fatal("expected AddServer to fail connecting to a nonexistent binary")
	}

	hc := NewHealthChecker(hub, "")
	health := hc.Check()

	if health.Status != "unhealthy" {
		t.Errorf("Status = %q, want unhealthy (upstream failed to connect)", health.Status)
	}
	if health.Checks["broken"] == "ok" {
		t.Errorf("broken upstream check = %q, want a failure reason", health.Checks["broken"])
	}
}

func TestHealthChecker_Handler_HTTP(t *testing.T) {
	hub := newHealthTestHub(t)
	hc := NewHealthChecker(hub, "1.0.0")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	hc.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusOK)
	}

	contentType := rec.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", contentType)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp.Status != "healthy" {
		t.Errorf("Response status = %q, want healthy", resp.Status)
	}
	if resp.Version != "1.0.0" {
		t.Errorf("Response version = %q, want 1.0.0", resp.Version)
	}
}

func TestHealthChecker_Handler_Unhealthy503(t *testing.T) {
	hub := newHealthTestHub(t)
	_ = hub.AddServer(context.Background(), upstream.Spec{
		ID:      "broken",
		Type:    upstream.TransportStdio,
		Command: "/nonexistent-hatago-upstream-binary",
	})

	hc := NewHealthChecker(hub, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	hc.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Status code = %d, want %d (503 Service Unavailable)", rec.Code, http.StatusServiceUnavailable)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp.Status != "unhealthy" {
		t.Errorf("Response status = %q, want unhealthy", resp.Status)
	}
}

func TestHealthChecker_GoroutineCount(t *testing.T) {
	hub := newHealthTestHub(t)
	hc := NewHealthChecker(hub, "")
	health := hc.Check()

	if health.Checks["goroutines"] == "" {
		t.Error("goroutines check should be present")
	}
	if health.Checks["goroutines"] == "0" {
		t.Error("goroutines count should be > 0")
	}
}
