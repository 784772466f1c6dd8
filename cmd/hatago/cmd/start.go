package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	inboundhttp "github.com/hatago/hatago/internal/adapter/inbound/http"
	"github.com/hatago/hatago/internal/adapter/inbound/stdio"
	"github.com/hatago/hatago/internal/config"
	"github.com/hatago/hatago/internal/domain/eventbus"
	"github.com/hatago/hatago/internal/domain/naming"
	"github.com/hatago/hatago/internal/domain/upstream"
	"github.com/hatago/hatago/internal/service"
	"github.com/hatago/hatago/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the hub",
	Long: `Start the hub, connect every configured upstream, and serve downstream
MCP clients.

By default the hub serves HTTP (Streamable HTTP + SSE) on the configured
listener. Pass --stdio to instead serve a single stdio-framed MCP peer on
this process's stdin/stdout, for use as a client-launched subprocess.

Examples:
  # Start with config file settings
  hatago start

  # Start in stdio mode (for an MCP client that spawns its own subprocess)
  hatago start --stdio

  # Start with a specific config file
  hatago --config /path/to/hatago.yaml start`,
	RunE: runStart,
}

var stdioMode bool
var devMode bool

func init() {
	startCmd.Flags().BoolVar(&stdioMode, "stdio", false, "Serve one stdio-framed MCP peer instead of HTTP")
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (verbose logging)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
		cfg.Server.LogLevel = "debug"
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()

	var providers *telemetry.Providers
	if os.Getenv("HATAGO_TRACING") == "1" {
		providers, err = telemetry.Init(ctx, os.Stderr)
		if err != nil {
			logger.Warn("telemetry disabled: failed to start exporters", "error", err)
		}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	sessionTimeout, err := time.ParseDuration(cfg.SessionTimeout)
	if err != nil {
		sessionTimeout = time.Hour
		logger.Warn("invalid session_timeout, using default", "value", cfg.SessionTimeout, "default", "1h")
	}

	hub := service.New(service.Config{
		Name:          "hatago",
		Version:       Version,
		Naming:        naming.NewRouter(cfg.Naming.NamingStrategy(), cfg.Naming.Separator),
		SessionTTL:    sessionTimeout,
		Tags:          cfg.Tags,
		Events:        &eventbus.Bus{},
		Logger:        logger,
	})
	defer func() { _ = hub.Close() }()

	specs := make([]upstream.Spec, 0, len(cfg.Upstreams))
	for _, u := range cfg.Upstreams {
		specs = append(specs, u.ToSpec())
	}
	hub.StartAll(ctx, specs)

	connected := 0
	for _, snap := range hub.Snapshots() {
		if snap.State == upstream.StateActive {
			connected++
		}
	}
	logger.Info("hub starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"upstreams", len(specs),
		"connected", connected,
	)

	if stdioMode {
		transport := stdio.NewStdioTransport(hub, os.Stdin, os.Stdout, logger)
		logger.Info("transport mode: stdio")
		return transport.Start(ctx)
	}

	opts := []inboundhttp.Option{
		inboundhttp.WithAddr(cfg.Server.HTTPAddr),
		inboundhttp.WithLogger(logger),
		inboundhttp.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		inboundhttp.WithVersion(Version),
	}
	if cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != "" {
		opts = append(opts, inboundhttp.WithTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile))
	}

	transport := inboundhttp.NewHTTPTransport(hub, opts...)
	logger.Info("transport mode: HTTP", "addr", cfg.Server.HTTPAddr)
	if err := transport.Start(ctx); err != nil {
		return err
	}

	logger.Info("hatago stopped")
	return nil
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
