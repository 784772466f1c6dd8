// Package stdio provides the stdio transport adapter for the hub.
package stdio

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hatago/hatago/internal/port/inbound"
	"github.com/hatago/hatago/internal/service"
	"github.com/hatago/hatago/internal/stdioframe"
)

// partialLineTimeout bounds how long a line missing its trailing newline is
// kept around before the buffered input is discarded with a warning.
const partialLineTimeout = 60 * time.Second

// StdioTransport is the inbound adapter that connects the hub to a single
// stdin/stdout peer, framed as newline-delimited JSON-RPC. Every frame on
// this transport shares one downstream session, since stdio carries exactly
// one client connection for the process's lifetime.
type StdioTransport struct {
	hub    *service.Hub
	stdin  io.Reader
	stdout io.Writer
	logger *slog.Logger

	writeMu sync.Mutex
}

// NewStdioTransport creates a stdio transport adapter wrapping hub, reading
// frames from stdin and writing them to stdout. A nil logger falls back to
// slog.Default(); stdin and stdout are used as given.
func NewStdioTransport(hub *service.Hub, stdin io.Reader, stdout io.Writer, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{hub: hub, stdin: stdin, stdout: stdout, logger: logger}
}

// Start reads newline-delimited JSON-RPC frames from stdin, dispatches each
// through the hub, and writes any response frame back to stdout. It blocks
// until ctx is cancelled or stdin is closed.
func (t *StdioTransport) Start(ctx context.Context) error {
	sessionID := t.hub.Sessions().GetOrCreate("").ID

	pushed, unsubscribe := t.hub.Broker().Subscribe(sessionID)
	defer unsubscribe()
	go t.pushLoop(ctx, pushed)

	return stdioframe.ReadLines(ctx, t.stdin, partialLineTimeout, t.logger, func(line []byte) error {
		response := t.hub.Handle(ctx, sessionID, line)
		if response == nil {
			return nil
		}
		return t.writeFrame(response)
	})
}

// pushLoop delivers server-initiated frames (routed progress notifications,
// tools/list_changed broadcasts) from the broker to stdout, until ctx is
// cancelled or the subscription is closed.
func (t *StdioTransport) pushLoop(ctx context.Context, pushed <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-pushed:
			if !ok {
				return
			}
			if err := t.writeFrame(frame); err != nil {
				return
			}
		}
	}
}

// writeFrame writes one newline-terminated JSON-RPC frame to stdout,
// serialized so concurrent hub callbacks never interleave on the wire.
func (t *StdioTransport) writeFrame(frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.stdout.Write(frame); err != nil {
		return err
	}
	_, err := t.stdout.Write([]byte("\n"))
	return err
}

// Close is a no-op that always returns nil: the session created by Start is
// not destroyed here, and stdin/stdout are not closed.
func (t *StdioTransport) Close() error {
	return nil
}

// Compile-time check that StdioTransport implements the hub's Lifecycle port.
var _ inbound.Lifecycle = (*StdioTransport)(nil)
