package config

import "testing"

func validHubConfig() HubConfig {
	cfg := HubConfig{
		Server: ServerConfig{HTTPAddr: "127.0.0.1:8080", LogLevel: "info"},
		Naming: NamingConfig{Strategy: "namespace", Separator: "_"},
		Upstreams: []UpstreamConfig{
			{ID: "fs", Type: "stdio", Command: "mcp-server-filesystem", ConnectTimeout: "10s", RequestTimeout: "30s"},
			{ID: "remote", Type: "streamable-http", URL: "https://example.com/mcp", ConnectTimeout: "10s", RequestTimeout: "30s"},
		},
		SessionTimeout: "1h",
	}
	return cfg
}

func TestHubConfig_Validate_Valid(t *testing.T) {
	t.Parallel()

	cfg := validHubConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestHubConfig_Validate_BadHTTPAddr(t *testing.T) {
	t.Parallel()

	cfg := validHubConfig()
	cfg.Server.HTTPAddr = "not-a-host-port"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for malformed http_addr")
	}
}

func TestHubConfig_Validate_BadLogLevel(t *testing.T) {
	t.Parallel()

	cfg := validHubConfig()
	cfg.Server.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for invalid log_level")
	}
}

func TestHubConfig_Validate_MissingUpstreamID(t *testing.T) {
	t.Parallel()

	cfg := validHubConfig()
	cfg.Upstreams[0].ID = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for missing upstream id")
	}
}

func TestHubConfig_Validate_BadUpstreamType(t *testing.T) {
	t.Parallel()

	cfg := validHubConfig()
	cfg.Upstreams[0].Type = "websocket"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for unsupported upstream type")
	}
}

func TestHubConfig_Validate_BadUpstreamURL(t *testing.T) {
	t.Parallel()

	cfg := validHubConfig()
	cfg.Upstreams[1].URL = "not a url"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for malformed upstream url")
	}
}

func TestValidateUpstreamTransports_StdioRequiresCommand(t *testing.T) {
	t.Parallel()

	cfg := HubConfig{Upstreams: []UpstreamConfig{{ID: "fs", Type: "stdio"}}}
	if err := cfg.validateUpstreamTransports(); err == nil {
		t.Fatal("validateUpstreamTransports() = nil, want error for stdio upstream without command")
	}
}

func TestValidateUpstreamTransports_SSERequiresURL(t *testing.T) {
	t.Parallel()

	cfg := HubConfig{Upstreams: []UpstreamConfig{{ID: "remote", Type: "sse"}}}
	if err := cfg.validateUpstreamTransports(); err == nil {
		t.Fatal("validateUpstreamTransports() = nil, want error for sse upstream without url")
	}
}

func TestValidateUpstreamTransports_StreamableHTTPRequiresURL(t *testing.T) {
	t.Parallel()

	cfg := HubConfig{Upstreams: []UpstreamConfig{{ID: "remote", Type: "streamable-http"}}}
	if err := cfg.validateUpstreamTransports(); err == nil {
		t.Fatal("validateUpstreamTransports() = nil, want error for streamable-http upstream without url")
	}
}

func TestValidateUniqueIDs_Duplicate(t *testing.T) {
	t.Parallel()

	cfg := HubConfig{Upstreams: []UpstreamConfig{
		{ID: "fs", Type: "stdio", Command: "a"},
		{ID: "fs", Type: "stdio", Command: "b"},
	}}
	if err := cfg.validateUniqueIDs(); err == nil {
		t.Fatal("validateUniqueIDs() = nil, want error for duplicate ids")
	}
}

func TestValidateUniqueIDs_Unique(t *testing.T) {
	t.Parallel()

	cfg := HubConfig{Upstreams: []UpstreamConfig{
		{ID: "fs", Type: "stdio", Command: "a"},
		{ID: "db", Type: "stdio", Command: "b"},
	}}
	if err := cfg.validateUniqueIDs(); err != nil {
		t.Fatalf("validateUniqueIDs() = %v, want nil", err)
	}
}

func TestValidateDurations_BadSessionTimeout(t *testing.T) {
	t.Parallel()

	cfg := HubConfig{SessionTimeout: "forever"}
	if err := cfg.validateDurations(); err == nil {
		t.Fatal("validateDurations() = nil, want error for malformed session_timeout")
	}
}

func TestValidateDurations_BadUpstreamDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  HubConfig
	}{
		{"connect_timeout", HubConfig{Upstreams: []UpstreamConfig{{ID: "fs", ConnectTimeout: "soon"}}}},
		{"request_timeout", HubConfig{Upstreams: []UpstreamConfig{{ID: "fs", RequestTimeout: "soon"}}}},
		{"reconnect_delay", HubConfig{Upstreams: []UpstreamConfig{{ID: "fs", ReconnectDelay: "soon"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.cfg.validateDurations(); err == nil {
				t.Fatalf("validateDurations() = nil, want error for malformed %s", tt.name)
			}
		})
	}
}

func TestValidateDurations_EmptyIsOK(t *testing.T) {
	t.Parallel()

	cfg := HubConfig{Upstreams: []UpstreamConfig{{ID: "fs"}}}
	if err := cfg.validateDurations(); err != nil {
		t.Fatalf("validateDurations() = %v, want nil for unset durations", err)
	}
}
