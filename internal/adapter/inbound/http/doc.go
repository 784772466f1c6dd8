// Package http implements inbound HTTP transport for the hub, following the
// MCP Streamable HTTP specification (2025-06-18). It lets remote clients
// connect over HTTP/HTTPS instead of stdio.
//
// # Usage
//
// Create and start an HTTP transport:
//
//	transport := http.NewHTTPTransport(hub,
//	    http.WithAddr(":8080"),
//	    http.WithTLS("cert.pem", "key.pem"),
//	    http.WithAllowedOrigins([]string{"https://example.com"}),
//	    http.WithLogger(logger),
//	)
//	err := transport.Start(ctx)
//
// # Endpoints
//
//	POST /mcp    - Send a JSON-RPC request, receive a JSON-RPC response
//	GET /mcp     - Open an SSE stream for server-initiated messages
//	DELETE /mcp  - Terminate a session and close its SSE connections
//	OPTIONS /mcp - CORS preflight handling
//	GET /health  - Liveness and per-upstream connection status
//	GET /metrics - Prometheus metrics, gated by HATAGO_METRICS=1
//
// # Request Headers
//
//	Mcp-Session-Id: <session-id>     - Session identifier for stateful requests
//	Content-Type: application/json   - Required for POST requests
//
// # Response Headers
//
//	MCP-Protocol-Version: 2025-06-18 - MCP protocol version
//	Mcp-Session-Id: <session-id>     - Session identifier echoed or minted
//	Content-Type: application/json   - JSON-RPC response format
//
// # Security
//
//   - TLS 1.2 minimum when HTTPS is enabled via WithTLS
//   - DNS rebinding protection: Origin header validated against WithAllowedOrigins
//   - 1 MB request body cap
//
// # Server-Sent Events (SSE)
//
// GET requests open an SSE stream for server-initiated messages (routed
// progress notifications, tools/list_changed broadcasts). The stream:
//
//   - Requires the Mcp-Session-Id header
//   - Sends "data: <json>\n\n" formatted events
//   - Sends a ": keepalive\n\n" comment every 25s to hold the connection open
//   - Disconnects cleanly on context cancellation or session termination
package http
