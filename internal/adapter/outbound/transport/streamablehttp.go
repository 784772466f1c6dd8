package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hatago/hatago/internal/port/outbound"
)

const (
	streamableScannerInitialBuf = 256 * 1024
	streamableScannerMaxBuf     = 8 * 1024 * 1024
	streamableMaxResponseBody   = 10 * 1024 * 1024
)

// StreamableHTTP is the transport for an upstream speaking MCP's
// Streamable HTTP transport: each outbound frame is one POST to endpoint,
// whose response is either a single `application/json` body or a
// `text/event-stream` carrying one or more frames. Generalized from an
// io.Pipe-based HTTP client into the onFrame-callback Transport port. It
// never opens the optional server-initiated GET stream, so frames reach
// onFrame only as responses to a Send.
type StreamableHTTP struct {
	endpoint string
	client   *http.Client
	headers  map[string]string

	mu        sync.Mutex
	sessionID string
	onFrame   outbound.InboundFunc
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// StreamableHTTPOption configures a StreamableHTTP transport.
type StreamableHTTPOption func(*StreamableHTTP)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(c *http.Client) StreamableHTTPOption {
	return func(s *StreamableHTTP) { s.client = c }
}

// WithHeader sets a static header sent on every request (e.g. auth for the
// upstream itself, distinct from any downstream auth concern).
func WithHeader(key, value string) StreamableHTTPOption {
	return func(s *StreamableHTTP) {
		if s.headers == nil {
			s.headers = make(map[string]string)
		}
		s.headers[key] = value
	}
}

// NewStreamableHTTP returns a transport posting to endpoint.
func NewStreamableHTTP(endpoint string, opts ...StreamableHTTPOption) *StreamableHTTP {
	s := &StreamableHTTP{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ outbound.Transport = (*StreamableHTTP)(nil)

// Start records the frame callback and the connection's lifetime context.
// Streamable HTTP has no persistent connection to establish up front; the
// first POST (sent via Send) is what actually contacts the upstream.
func (s *StreamableHTTP) Start(ctx context.Context, onFrame outbound.InboundFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onFrame != nil {
		return wrap(KindUnreachable, errors.New("already started"))
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.onFrame = onFrame
	return nil
}

// Send POSTs frame to the endpoint and dispatches whatever the response
// contains (a single JSON frame, or a sequence of SSE-framed messages) to
// onFrame before returning.
func (s *StreamableHTTP) Send(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return wrap(KindClosed, errors.New("transport closed"))
	}
	sessionID := s.sessionID
	onFrame := s.onFrame
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(frame))
	if err != nil {
		return wrap(KindUnreachable, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return wrap(KindUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		s.mu.Lock()
		s.sessionID = sid
		s.mu.Unlock()
	}

	if resp.StatusCode == http.StatusAccepted {
		// A notification or response-less request; nothing to dispatch.
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return wrap(KindUnreachable, fmt.Errorf("http status %d: %s", resp.StatusCode, string(body)))
	}

	contentType := resp.Header.Get("Content-Type")
	if isEventStream(contentType) {
		return s.consumeEventStream(resp.Body, onFrame)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, streamableMaxResponseBody))
	if err != nil {
		return wrap(KindFraming, fmt.Errorf("read response: %w", err))
	}
	if len(bytes.TrimSpace(body)) > 0 && onFrame != nil {
		onFrame(body)
	}
	return nil
}

func isEventStream(contentType string) bool {
	return len(contentType) >= 17 && contentType[:17] == "text/event-stream"
}

// consumeEventStream reads an SSE body, dispatching each `data:` payload as
// one frame. A Streamable HTTP response may carry multiple frames (e.g. a
// tool call's progress notifications followed by its final response) over
// one POST's SSE body.
func (s *StreamableHTTP) consumeEventStream(body io.Reader, onFrame outbound.InboundFunc) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, streamableScannerInitialBuf), streamableScannerMaxBuf)

	var data bytes.Buffer
	flush := func() {
		if data.Len() == 0 {
			return
		}
		line := make([]byte, data.Len())
		copy(line, data.Bytes())
		if onFrame != nil {
			onFrame(line)
		}
		data.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case len(line) >= 6 && line[:5] == "data:":
			chunk := line[5:]
			if len(chunk) > 0 && chunk[0] == ' ' {
				chunk = chunk[1:]
			}
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(chunk)
		default:
			// Other SSE fields (event:, id:, retry:, comments) carry no
			// JSON-RPC payload for this transport; ignore them.
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return wrap(KindFraming, err)
	}
	return nil
}

// Wait blocks until the transport is closed. Streamable HTTP has no
// persistent connection to wait on between requests.
func (s *StreamableHTTP) Wait() error {
	<-s.done
	return nil
}

// Close marks the transport closed; in-flight Send calls complete, future
// ones fail with KindClosed.
func (s *StreamableHTTP) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	close(s.done)
	return nil
}
