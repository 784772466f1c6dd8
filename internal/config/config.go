// Package config provides configuration types for the hub.
//
// Configuration is a single YAML (or environment-variable-overridden) file
// describing the downstream listener and the set of upstream MCP servers to
// aggregate. There is no policy, auth, audit, or HTTP gateway configuration:
// this hub relays MCP traffic and exposes connection/tool state, nothing
// more.
package config

import (
	"time"

	"github.com/hatago/hatago/internal/domain/naming"
	"github.com/hatago/hatago/internal/domain/upstream"
)

// HubConfig is the top-level configuration for the hub.
type HubConfig struct {
	// Server configures the downstream HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Naming configures how tool/resource/prompt names from multiple
	// upstreams are combined into one downstream namespace.
	Naming NamingConfig `yaml:"naming" mapstructure:"naming"`

	// Upstreams lists the MCP servers this hub aggregates.
	Upstreams []UpstreamConfig `yaml:"upstreams" mapstructure:"upstreams" validate:"omitempty,dive"`

	// Tags, if non-empty, restricts the hub to upstreams whose tags
	// intersect this set. Empty means every configured upstream is
	// eligible to connect.
	Tags []string `yaml:"tags" mapstructure:"tags"`

	// SessionTimeout is how long an idle downstream session survives
	// before eviction (e.g. "1h").
	SessionTimeout string `yaml:"session_timeout" mapstructure:"session_timeout" validate:"omitempty"`

	// DevMode enables verbose (debug-level) logging.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the downstream HTTP listener.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g. "127.0.0.1:8080").
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string `yaml:"tls_cert_file" mapstructure:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file" mapstructure:"tls_key_file"`

	// AllowedOrigins lists Origin header values accepted for DNS rebinding
	// protection. Empty means every request carrying an Origin header is
	// rejected (local-only mode).
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`

	// MetricsEnabled turns on the /metrics Prometheus endpoint.
	MetricsEnabled bool `yaml:"metrics_enabled" mapstructure:"metrics_enabled"`
}

// NamingConfig configures the combined tool/resource/prompt namespace.
type NamingConfig struct {
	// Strategy is "namespace" (prefix every name with its upstream id) or
	// "prefix" (same prefixing, reserved for a future bare-name strategy).
	// Defaults to "namespace".
	Strategy string `yaml:"strategy" mapstructure:"strategy" validate:"omitempty,oneof=namespace prefix"`

	// Separator joins the upstream id to the original name. Defaults to "_".
	Separator string `yaml:"separator" mapstructure:"separator"`
}

// UpstreamConfig configures one upstream MCP server. Exactly one of
// (Command) or (URL) must be set, matching Type.
type UpstreamConfig struct {
	// ID uniquely identifies the upstream and becomes its namespace prefix.
	ID string `yaml:"id" mapstructure:"id" validate:"required"`

	// Type selects the transport: "stdio", "sse", or "streamable-http".
	Type string `yaml:"type" mapstructure:"type" validate:"required,oneof=stdio sse streamable-http"`

	// Command/Args/Env/Cwd apply to the stdio transport.
	Command string            `yaml:"command" mapstructure:"command"`
	Args    []string          `yaml:"args" mapstructure:"args"`
	Env     map[string]string `yaml:"env" mapstructure:"env"`
	Cwd     string            `yaml:"cwd" mapstructure:"cwd"`

	// URL/Headers apply to the sse and streamable-http transports.
	URL     string            `yaml:"url" mapstructure:"url" validate:"omitempty,url"`
	Headers map[string]string `yaml:"headers" mapstructure:"headers"`

	// ConnectTimeout bounds a single connection attempt (e.g. "10s").
	ConnectTimeout string `yaml:"connect_timeout" mapstructure:"connect_timeout" validate:"omitempty"`
	// RequestTimeout bounds an individual outbound JSON-RPC call (e.g. "30s").
	RequestTimeout string `yaml:"request_timeout" mapstructure:"request_timeout" validate:"omitempty"`

	// Reconnect and ReconnectDelay are passed through to the upstream
	// Spec; the hub does not act on them and does not reconnect after a
	// disconnect.
	Reconnect      bool   `yaml:"reconnect" mapstructure:"reconnect"`
	ReconnectDelay string `yaml:"reconnect_delay" mapstructure:"reconnect_delay" validate:"omitempty"`

	// Tags are opaque operator-facing labels surfaced via the internal
	// status tools; the hub never interprets them beyond Tags filtering.
	Tags []string `yaml:"tags" mapstructure:"tags"`
}

// ToSpec converts a validated UpstreamConfig to its domain Spec. Duration
// fields that fail to parse are silently left at zero (DefaultTimeouts
// fills them); Validate rejects malformed durations before this runs.
func (u UpstreamConfig) ToSpec() upstream.Spec {
	spec := upstream.Spec{
		ID:        u.ID,
		Type:      upstream.TransportKind(u.Type),
		Command:   u.Command,
		Args:      u.Args,
		Env:       u.Env,
		Cwd:       u.Cwd,
		URL:       u.URL,
		Headers:   u.Headers,
		Reconnect: u.Reconnect,
		Tags:      u.Tags,
	}
	if d, err := time.ParseDuration(u.ConnectTimeout); err == nil {
		spec.Timeouts.ConnectMs = int(d.Milliseconds())
	}
	if d, err := time.ParseDuration(u.RequestTimeout); err == nil {
		spec.Timeouts.RequestMs = int(d.Milliseconds())
	}
	if d, err := time.ParseDuration(u.ReconnectDelay); err == nil {
		spec.ReconnectDelay = d
	}
	return spec
}

// NamingStrategy maps the config's string strategy to the naming package's
// typed constant, defaulting to StrategyNamespace.
func (c NamingConfig) NamingStrategy() naming.Strategy {
	switch c.Strategy {
	case "prefix":
		return naming.Strategy("prefix")
	default:
		return naming.StrategyNamespace
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *HubConfig) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.DevMode {
		c.Server.LogLevel = "debug"
	}
	if c.Naming.Strategy == "" {
		c.Naming.Strategy = "namespace"
	}
	if c.Naming.Separator == "" {
		c.Naming.Separator = naming.DefaultSeparator
	}
	if c.SessionTimeout == "" {
		c.SessionTimeout = "1h"
	}
	for i := range c.Upstreams {
		if c.Upstreams[i].ConnectTimeout == "" {
			c.Upstreams[i].ConnectTimeout = "10s"
		}
		if c.Upstreams[i].RequestTimeout == "" {
			c.Upstreams[i].RequestTimeout = "30s"
		}
	}
}
