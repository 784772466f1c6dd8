// Package outbound defines the outbound port interfaces the hub uses to
// reach upstream MCP servers.
package outbound

import "context"

// InboundFunc receives one decoded frame (a JSON-RPC request, notification,
// or response) read from a Transport, in the order it arrived on the wire.
type InboundFunc func(frame []byte)

// Transport is the outbound port for one physical connection to an
// upstream: a subprocess's pipes, an SSE stream, or a Streamable HTTP
// session. It is intentionally narrower than the byte-pipe abstraction a
// naive implementation would expose — Start takes the inbound callback so
// the transport owns its own read loop, and Send is safe to call
// concurrently with itself and with the transport's internal reads.
type Transport interface {
	// Start establishes the connection and begins delivering inbound
	// frames to onFrame from a transport-owned goroutine. Start returns
	// once the connection is established (or fails); onFrame continues to
	// be called until the transport is closed or the connection drops.
	Start(ctx context.Context, onFrame InboundFunc) error

	// Send writes one JSON-RPC frame to the upstream. Safe for concurrent
	// use alongside other Send calls.
	Send(ctx context.Context, frame []byte) error

	// Wait blocks until the connection terminates, returning the reason.
	// What it returns after Close depends on the transport: the HTTP
	// transports return nil, while the stdio transport returns the child's
	// exit status (typically the kill signal Close sends).
	Wait() error

	// Close tears the connection down and unblocks Wait.
	Close() error
}
