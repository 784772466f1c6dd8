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
	"net/url"
	"sync"
	"time"

	"github.com/hatago/hatago/internal/port/outbound"
)

// SSE is the transport for an upstream speaking the legacy HTTP+SSE MCP
// transport: a long-lived GET delivers `message` events carrying JSON-RPC
// frames, and the stream's first `endpoint` event announces where
// outbound frames must be POSTed. Its POST-sending half follows the same
// pattern as StreamableHTTP.Send, narrowed to the always-202/empty-body
// case this transport's POST endpoint returns.
type SSE struct {
	streamURL string
	client    *http.Client
	headers   map[string]string

	mu         sync.Mutex
	endpoint   string
	endpointCh chan struct{}
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// SSEOption configures an SSE transport.
type SSEOption func(*SSE)

// WithSSEHeader sets a static header on both the GET stream and outbound
// POSTs.
func WithSSEHeader(key, value string) SSEOption {
	return func(s *SSE) {
		if s.headers == nil {
			s.headers = make(map[string]string)
		}
		s.headers[key] = value
	}
}

// NewSSE returns a transport whose event stream is streamURL.
func NewSSE(streamURL string, opts ...SSEOption) *SSE {
	s := &SSE{
		streamURL: streamURL,
		client: &http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12}},
		},
		endpointCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ outbound.Transport = (*SSE)(nil)

// Start opens the GET stream and begins dispatching `message` events to
// onFrame. It returns once the stream's `endpoint` event has arrived (or
// the attempt fails), mirroring the "race(connect, timer)" shape the
// connector drives every transport through.
func (s *SSE) Start(ctx context.Context, onFrame outbound.InboundFunc) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.streamURL, nil)
	if err != nil {
		return wrap(KindUnreachable, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return wrap(KindUnreachable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return wrap(KindUnreachable, fmt.Errorf("http status %d", resp.StatusCode))
	}

	go s.readLoop(resp.Body, onFrame)

	select {
	case <-s.endpointCh:
		return nil
	case <-s.ctx.Done():
		return wrap(KindTimeout, s.ctx.Err())
	}
}

func (s *SSE) readLoop(body io.ReadCloser, onFrame outbound.InboundFunc) {
	defer close(s.done)
	defer func() { _ = body.Close() }()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var event string
	var data bytes.Buffer
	dispatch := func() {
		if data.Len() == 0 {
			return
		}
		payload := data.String()
		data.Reset()
		switch event {
		case "", "message":
			if onFrame != nil {
				onFrame([]byte(payload))
			}
		case "endpoint":
			s.setEndpoint(payload)
		}
		event = ""
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			dispatch()
		case len(line) >= 6 && line[:5] == "data:":
			chunk := line[5:]
			if len(chunk) > 0 && chunk[0] == ' ' {
				chunk = chunk[1:]
			}
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(chunk)
		case len(line) >= 6 && line[:6] == "event:":
			event = line[6:]
			if len(event) > 0 && event[0] == ' ' {
				event = event[1:]
			}
		default:
			// id:, retry:, and comment lines carry no JSON-RPC payload.
		}
	}
}

func (s *SSE) setEndpoint(raw string) {
	resolved := raw
	if base, err := url.Parse(s.streamURL); err == nil {
		if rel, err := url.Parse(raw); err == nil {
			resolved = base.ResolveReference(rel).String()
		}
	}

	s.mu.Lock()
	first := s.endpoint == ""
	s.endpoint = resolved
	s.mu.Unlock()

	if first {
		close(s.endpointCh)
	}
}

// Send POSTs frame to the endpoint announced by the stream's `endpoint`
// event. The SSE transport's POST responses carry no body; any reply
// arrives later as a `message` event on the GET stream.
func (s *SSE) Send(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	endpoint := s.endpoint
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return wrap(KindClosed, errors.New("transport closed"))
	}
	if endpoint == "" {
		return wrap(KindUnreachable, errors.New("endpoint not yet announced"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(frame))
	if err != nil {
		return wrap(KindUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return wrap(KindUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return wrap(KindUnreachable, fmt.Errorf("http status %d", resp.StatusCode))
	}
	return nil
}

// Wait blocks until the GET stream ends.
func (s *SSE) Wait() error {
	<-s.done
	return nil
}

// Close tears down the GET stream and marks the transport unusable for
// further sends.
func (s *SSE) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
	return nil
}
