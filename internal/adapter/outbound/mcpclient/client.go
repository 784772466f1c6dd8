// Package mcpclient wraps an outbound.Transport with MCP session
// semantics: handshake, request/response correlation, per-request
// timeouts, notification forwarding, and capability discovery. A single
// demultiplexing reader per upstream feeds a monotonic-id pending-caller
// map, so any number of calls can be in flight concurrently against one
// transport.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/hatago/hatago/internal/domain/registry"
	"github.com/hatago/hatago/internal/port/outbound"
)

// DefaultRequestTimeout is used when a call supplies none and the
// upstream config sets no per-request timeout.
const DefaultRequestTimeout = 30 * time.Second

// discoveryMethods are called, in order, immediately after handshake.
var discoveryMethods = []string{"tools/list", "resources/list", "resources/templates/list", "prompts/list"}

// ClientInfo identifies the hub to upstreams during initialize.
type ClientInfo struct {
	Name    string
	Version string
}

// ServerInfo is what the upstream reported during initialize.
type ServerInfo struct {
	Name            string
	Version         string
	ProtocolVersion string
	Capabilities    map[string]json.RawMessage
}

// NotificationFunc receives an inbound notification (a message with no
// id) from the upstream identified by upstreamID.
type NotificationFunc func(upstreamID string, method string, params json.RawMessage)

// TimeoutError is returned by Request/CallTool when no response arrives
// within the configured deadline. The request's id remains reserved: a
// response that arrives later is matched and discarded.
type TimeoutError struct {
	Method string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("mcpclient: timeout waiting for %s", e.Method) }

// UnsupportedMethodError is returned when CapabilityRegistry already knows
// the upstream doesn't support a method, short-circuiting the round trip.
type UnsupportedMethodError struct {
	Method string
}

func (e *UnsupportedMethodError) Error() string {
	return fmt.Sprintf("mcpclient: method %s not supported by upstream", e.Method)
}

type pendingCall struct {
	resultCh chan callResult
}

type callResult struct {
	result json.RawMessage
	rpcErr *jsonrpc.Error
}

// Client wraps one outbound.Transport with MCP request/response semantics
// for a single upstream.
type Client struct {
	UpstreamID string

	transport outbound.Transport
	caps      *registry.CapabilityRegistry
	onNotify  NotificationFunc
	logger    *slog.Logger

	requestTimeout time.Duration

	nextID int64

	mu      sync.Mutex
	pending map[int64]*pendingCall

	Server ServerInfo
}

// Config configures a Client.
type Config struct {
	UpstreamID     string
	Transport      outbound.Transport
	Capabilities   *registry.CapabilityRegistry
	OnNotification NotificationFunc
	Logger         *slog.Logger
	RequestTimeout time.Duration
}

// New returns a Client bound to cfg.Transport. Start must be called before
// any request is sent.
func New(cfg Config) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		UpstreamID:     cfg.UpstreamID,
		transport:      cfg.Transport,
		caps:           cfg.Capabilities,
		onNotify:       cfg.OnNotification,
		logger:         logger,
		requestTimeout: timeout,
		pending:        make(map[int64]*pendingCall),
	}
}

// Start begins the transport's read loop, demultiplexing inbound frames
// into response delivery or notification forwarding, then performs the
// MCP handshake and capability discovery.
func (c *Client) Start(ctx context.Context, clientInfo ClientInfo) error {
	if err := c.transport.Start(ctx, c.onFrame); err != nil {
		return err
	}
	if err := c.handshake(ctx, clientInfo); err != nil {
		return err
	}
	c.discover(ctx)
	return nil
}

// onFrame is the transport's single reader, invoked from the transport's
// own goroutine. It never blocks on a caller: responses are delivered to
// buffered per-request channels, notifications are dispatched inline.
func (c *Client) onFrame(frame []byte) {
	msg, err := jsonrpc.DecodeMessage(frame)
	if err != nil {
		c.logger.Warn("mcpclient: dropping unparseable frame", "upstream", c.UpstreamID, "error", err)
		return
	}

	switch m := msg.(type) {
	case *jsonrpc.Response:
		c.deliverResponse(m)
	case *jsonrpc.Request:
		if m.IsCall() {
			// The hub never receives upstream-initiated requests in this
			// design; log and ignore rather than silently drop.
			c.logger.Warn("mcpclient: ignoring unexpected upstream-initiated request", "upstream", c.UpstreamID, "method", m.Method)
			return
		}
		if c.onNotify != nil {
			c.onNotify(c.UpstreamID, m.Method, m.Params)
		}
	}
}

func (c *Client) deliverResponse(resp *jsonrpc.Response) {
	raw := resp.ID.Raw()
	key, ok := idKey(raw)
	if !ok {
		c.logger.Warn("mcpclient: response with unusable id, dropping", "upstream", c.UpstreamID)
		return
	}

	c.mu.Lock()
	call, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("mcpclient: unmatched response, dropping", "upstream", c.UpstreamID, "id", key)
		return
	}

	call.resultCh <- callResult{result: resp.Result, rpcErr: resp.Error}
}

func idKey(raw any) (int64, bool) {
	switch v := raw.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}

// request sends method/params and blocks until a matching response
// arrives, ctx is done, or timeout elapses, whichever first.
func (c *Client) request(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if c.caps != nil {
		if s := c.caps.MethodSupport(c.UpstreamID, method); s == registry.Unsupported {
			return nil, &UnsupportedMethodError{Method: method}
		}
	}

	if timeout <= 0 {
		timeout = c.requestTimeout
	}

	id := atomic.AddInt64(&c.nextID, 1)
	rpcID, err := jsonrpc.MakeID(float64(id))
	if err != nil {
		return nil, fmt.Errorf("mcpclient: make id: %w", err)
	}

	call := &pendingCall{resultCh: make(chan callResult, 1)}
	c.mu.Lock()
	c.pending[id] = call
	c.mu.Unlock()

	req := &jsonrpc.Request{ID: rpcID, Method: method, Params: params}
	frame, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("mcpclient: encode request: %w", err)
	}

	if err := c.transport.Send(ctx, frame); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-call.resultCh:
		if res.rpcErr != nil {
			return nil, fmt.Errorf("mcpclient: %s: upstream error %d: %s", method, res.rpcErr.Code, res.rpcErr.Message)
		}
		return res.result, nil
	case <-timer.C:
		// The id stays reserved in pending; if the upstream replies after
		// this point, deliverResponse matches it and hands the result to
		// resultCh's buffer, where nobody reads it, so it is discarded.
		return nil, &TimeoutError{Method: method}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// notify sends method/params with no id; fire-and-forget.
func (c *Client) notify(ctx context.Context, method string, params json.RawMessage) error {
	req := &jsonrpc.Request{Method: method, Params: params}
	frame, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		return fmt.Errorf("mcpclient: encode notification: %w", err)
	}
	return c.transport.Send(ctx, frame)
}

type initializeParams struct {
	ProtocolVersion string                     `json:"protocolVersion"`
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string                     `json:"protocolVersion"`
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

// protocolVersion is the MCP wire version the hub negotiates with every
// upstream.
const protocolVersion = "2025-06-18"

func (c *Client) handshake(ctx context.Context, clientInfo ClientInfo) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities: map[string]json.RawMessage{
			"tools":     json.RawMessage("{}"),
			"resources": json.RawMessage("{}"),
			"prompts":   json.RawMessage("{}"),
		},
	}
	params.ClientInfo.Name = clientInfo.Name
	params.ClientInfo.Version = clientInfo.Version

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("mcpclient: marshal initialize params: %w", err)
	}

	result, err := c.request(ctx, "initialize", raw, 0)
	if err != nil {
		return fmt.Errorf("mcpclient: initialize: %w", err)
	}

	var ir initializeResult
	if err := json.Unmarshal(result, &ir); err != nil {
		return fmt.Errorf("mcpclient: parse initialize result: %w", err)
	}

	c.Server = ServerInfo{
		Name:            ir.ServerInfo.Name,
		Version:         ir.ServerInfo.Version,
		ProtocolVersion: ir.ProtocolVersion,
		Capabilities:    ir.Capabilities,
	}

	return c.notify(ctx, "notifications/initialized", nil)
}

// discover calls each discovery method once; capability absence is
// recorded as Unsupported so future calls short-circuit.
func (c *Client) discover(ctx context.Context) {
	if c.caps == nil {
		return
	}
	for _, method := range discoveryMethods {
		if !c.declaredCapabilityFor(method) {
			c.caps.SetMethodSupport(c.UpstreamID, method, registry.Unsupported)
			continue
		}
		if _, err := c.request(ctx, method, nil, 0); err != nil {
			c.logger.Warn("mcpclient: discovery call failed", "upstream", c.UpstreamID, "method", method, "error", err)
			c.caps.SetMethodSupport(c.UpstreamID, method, registry.Unsupported)
			continue
		}
		c.caps.SetMethodSupport(c.UpstreamID, method, registry.Supported)
	}
}

func (c *Client) declaredCapabilityFor(method string) bool {
	group := capabilityGroup(method)
	if group == "" {
		return true
	}
	_, ok := c.Server.Capabilities[group]
	return ok
}

func capabilityGroup(method string) string {
	switch method {
	case "tools/list":
		return "tools"
	case "resources/list", "resources/templates/list":
		return "resources"
	case "prompts/list":
		return "prompts"
	default:
		return ""
	}
}

// CallToolOptions configures a tools/call request.
type CallToolOptions struct {
	Timeout       time.Duration
	ProgressToken any
}

// CallTool sends tools/call for name with args. If opts.ProgressToken is
// set, it is attached under params._meta.progressToken so the upstream's
// subsequent notifications/progress carrying this token can be routed
// back to the originating session.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage, opts CallToolOptions) (json.RawMessage, error) {
	payload := map[string]any{"name": name}
	if len(args) > 0 {
		payload["arguments"] = args
	}
	if opts.ProgressToken != nil {
		payload["_meta"] = map[string]any{"progressToken": opts.ProgressToken}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: marshal tools/call params: %w", err)
	}

	return c.request(ctx, "tools/call", raw, opts.Timeout)
}

// Request exposes the generic request path for methods with no dedicated
// helper (resources/read, prompts/get, ping, and so on).
func (c *Client) Request(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	return c.request(ctx, method, params, timeout)
}

// Notify exposes the generic fire-and-forget path (notifications/cancelled
// and similar).
func (c *Client) Notify(ctx context.Context, method string, params json.RawMessage) error {
	return c.notify(ctx, method, params)
}

// Close tears down the underlying transport. Any calls still awaiting a
// response receive an error.
func (c *Client) Close() error {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	for _, call := range pending {
		call.resultCh <- callResult{rpcErr: &jsonrpc.Error{Code: -32000, Message: "transport closed"}}
	}

	return c.transport.Close()
}
