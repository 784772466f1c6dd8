package http

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hatago/hatago/internal/domain/eventbus"
	"github.com/hatago/hatago/internal/domain/naming"
	"github.com/hatago/hatago/internal/service"
)

func newRoutingTestHub(t *testing.T) *service.Hub {
	t.Helper()
	h := service.New(service.Config{
		Name:   "hatago-test",
		Naming: naming.NewRouter(naming.StrategyNamespace, naming.DefaultSeparator),
		Events: &eventbus.Bus{},
	})
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// newTestTransport creates an HTTPTransport with a real, empty hub for routing tests.
func newTestTransport(t *testing.T) *HTTPTransport {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHTTPTransport(newRoutingTestHub(t), WithAddr(":0"), WithLogger(logger))
}

// startTestServer builds the same mux Start() builds and serves it via
// httptest.NewServer, without actually binding transport's own listener.
func startTestServer(t *testing.T, transport *HTTPTransport) (baseURL string, cleanup func()) {
	t.Helper()

	handler := mcpHandler(transport.hub)
	handler = RequestIDMiddleware(transport.logger)(handler)
	handler = DNSRebindingProtection(transport.allowedOrigins)(handler)

	mux := http.NewServeMux()
	mux.Handle("/health", NewHealthChecker(transport.hub, transport.version).Handler())
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.Handle("/mcp", handler)
	mux.Handle("/mcp/", handler)
	mux.Handle("/", handler)

	server := httptest.NewServer(mux)
	return server.URL, server.Close
}

func TestRouting_MCPRoute(t *testing.T) {
	transport := newTestTransport(t)
	baseURL, cleanup := startTestServer(t, transport)
	defer cleanup()

	resp, err := http.Get(baseURL + "/mcp")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	// GET is a recognized verb (handleGet); without a session header it
	// rejects with 400, not a method-routing failure.
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("GET /mcp status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestRouting_MCPRouteTrailingSlash(t *testing.T) {
	transport := newTestTransport(t)
	baseURL, cleanup := startTestServer(t, transport)
	defer cleanup()

	resp, err := http.Get(baseURL + "/mcp/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("GET /mcp/ status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestRouting_HealthRoute(t *testing.T) {
	transport := newTestTransport(t)
	baseURL, cleanup := startTestServer(t, transport)
	defer cleanup()

	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestRouting_CatchAllReachesMCPHandler(t *testing.T) {
	transport := newTestTransport(t)
	baseURL, cleanup := startTestServer(t, transport)
	defer cleanup()

	resp, err := http.Get(baseURL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("GET / status = %d, want %d (root falls through to the MCP handler)", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestTransport_StartAndShutdown(t *testing.T) {
	// Integration test: verify the real Start() method builds the mux and
	// shuts down cleanly on context cancellation.
	logger := slog.Default()
	hub := newRoutingTestHub(t)

	transport := NewHTTPTransport(hub,
		WithAddr("127.0.0.1:0"),
		WithLogger(logger),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- transport.Start(ctx)
	}()

	// Give the server a moment to start.
	time.Sleep(100 * time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return within 5 seconds after cancel")
	}
}
