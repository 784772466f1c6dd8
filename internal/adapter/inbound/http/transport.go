// Package http provides the HTTP transport adapter for the hub.
package http

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hatago/hatago/internal/domain/upstream"
	"github.com/hatago/hatago/internal/port/inbound"
	"github.com/hatago/hatago/internal/service"
)

// metricsPollInterval is how often pollMetrics refreshes the gauges that
// have no natural per-request hook (active sessions, upstreams by state).
const metricsPollInterval = 10 * time.Second

// metricsEnableEnv, when set to "1", turns on the /metrics endpoint.
// Prometheus scraping is opt-in: most single-operator hub deployments
// have nothing polling it and the collector registration cost is wasted.
const metricsEnableEnv = "HATAGO_METRICS"

// HTTPTransport is the inbound adapter that exposes hub over HTTP,
// implementing the MCP Streamable HTTP transport.
type HTTPTransport struct {
	hub            *service.Hub
	server         *http.Server
	addr           string
	allowedOrigins []string
	certFile       string
	keyFile        string
	logger         *slog.Logger
	version        string
}

// Option is a functional option for configuring HTTPTransport.
type Option func(*HTTPTransport)

// WithAddr sets the listen address for the HTTP server.
// Default is "127.0.0.1:8080" (localhost only).
func WithAddr(addr string) Option {
	return func(t *HTTPTransport) {
		t.addr = addr
	}
}

// WithTLS enables TLS with the provided certificate and key files.
// If not set, the server runs without TLS (plain HTTP).
func WithTLS(certFile, keyFile string) Option {
	return func(t *HTTPTransport) {
		t.certFile = certFile
		t.keyFile = keyFile
	}
}

// WithAllowedOrigins sets the allowed origins for DNS rebinding protection.
// If empty, all requests with an Origin header are blocked (local-only mode).
func WithAllowedOrigins(origins []string) Option {
	return func(t *HTTPTransport) {
		t.allowedOrigins = origins
	}
}

// WithLogger sets the logger for the HTTP transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// WithVersion sets the version string reported by the /health endpoint.
func WithVersion(version string) Option {
	return func(t *HTTPTransport) {
		t.version = version
	}
}

// NewHTTPTransport creates an HTTP transport adapter wrapping hub.
func NewHTTPTransport(hub *service.Hub, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		hub:            hub,
		addr:           "127.0.0.1:8080",
		allowedOrigins: []string{},
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Start begins accepting HTTP connections and dispatching MCP messages to
// the hub. It blocks until the context is cancelled or the server errors.
func (t *HTTPTransport) Start(ctx context.Context) error {
	handler := mcpHandler(t.hub)
	handler = RequestIDMiddleware(t.logger)(handler)
	handler = DNSRebindingProtection(t.allowedOrigins)(handler)

	mux := http.NewServeMux()
	mux.Handle("/health", NewHealthChecker(t.hub, t.version).Handler())
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if os.Getenv(metricsEnableEnv) == "1" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics := NewMetrics(reg)
		handler = MetricsMiddleware(metrics)(handler)
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		go t.pollMetrics(ctx, metrics)
	}

	mux.Handle("/mcp", handler)
	mux.Handle("/mcp/", handler)
	mux.Handle("/", handler)

	t.server = &http.Server{
		Addr:    t.addr,
		Handler: mux,
	}

	if t.certFile != "" && t.keyFile != "" {
		t.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	errCh := make(chan error, 1)

	go func() {
		var err error
		if t.certFile != "" && t.keyFile != "" {
			t.logger.Info("starting HTTPS server", "addr", t.addr)
			err = t.server.ListenAndServeTLS(t.certFile, t.keyFile)
		} else {
			t.logger.Info("starting HTTP server", "addr", t.addr)
			err = t.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// pollMetrics periodically refreshes gauges that reflect hub state rather
// than per-request events, until ctx is cancelled.
func (t *HTTPTransport) pollMetrics(ctx context.Context, metrics *Metrics) {
	ticker := time.NewTicker(metricsPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ActiveSessions.Set(float64(t.hub.Sessions().Count()))

			counts := map[upstream.State]int{}
			for _, s := range t.hub.Snapshots() {
				counts[s.State]++
			}
			for _, state := range []upstream.State{
				upstream.StateInactive, upstream.StateActivating, upstream.StateActive,
				upstream.StateStopping, upstream.StateError, upstream.StateManual,
			} {
				metrics.UpstreamsByState.WithLabelValues(string(state)).Set(float64(counts[state]))
			}
		}
	}
}

// shutdown performs graceful shutdown of the HTTP server.
func (t *HTTPTransport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.hub.Broker().CloseAll()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}

	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *HTTPTransport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}

// Compile-time check that HTTPTransport implements the hub's Lifecycle port.
var _ inbound.Lifecycle = (*HTTPTransport)(nil)
