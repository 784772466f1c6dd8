// Package dispatch implements the hub's single JSON-RPC entry point: it
// decodes one inbound frame, routes it by method to the matching
// handler, and encodes whatever that handler returns back into a
// JSON-RPC response (or no response, for notifications). Resolution and
// forwarding for each method are expressed directly against the
// registries, session manager, and progress broker so no handler needs a
// back-reference to the hub that owns them.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hatago/hatago/internal/adapter/outbound/mcpclient"
	"github.com/hatago/hatago/internal/adapter/outbound/transport"
	"github.com/hatago/hatago/internal/domain/broker"
	"github.com/hatago/hatago/internal/domain/eventbus"
	"github.com/hatago/hatago/internal/domain/hatagoerr"
	"github.com/hatago/hatago/internal/domain/naming"
	"github.com/hatago/hatago/internal/domain/registry"
	"github.com/hatago/hatago/internal/domain/session"
	"github.com/hatago/hatago/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const protocolVersion = "2025-06-18"

// Upstream is the narrow surface a dispatcher needs from a connected
// upstream client to forward a downstream call. *mcpclient.Client
// satisfies this directly; so does any in-process stand-in (the internal
// tool/resource handler registered under the synthetic "_internal"
// upstream id).
type Upstream interface {
	CallTool(ctx context.Context, name string, args json.RawMessage, opts mcpclient.CallToolOptions) (json.RawMessage, error)
	Request(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error)
}

// UpstreamProvider looks up a connected upstream by id.
type UpstreamProvider interface {
	Get(upstreamID string) (Upstream, bool)
}

// ServerInfo identifies the hub itself during initialize.
type ServerInfo struct {
	Name    string
	Version string
}

// Config wires a Dispatcher to the registries and services it routes
// between.
type Config struct {
	ServerInfo        ServerInfo
	Tools             *registry.Registry
	Resources         *registry.Registry
	ResourceTemplates *registry.Registry
	Prompts           *registry.Registry
	Capabilities      *registry.CapabilityRegistry
	Sessions       *session.Manager
	Broker         *broker.Broker
	Upstreams      UpstreamProvider
	Events         *eventbus.Bus
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Dispatcher implements inbound.Dispatcher: one Handle call per inbound
// JSON-RPC frame.
type Dispatcher struct {
	serverInfo        ServerInfo
	tools             *registry.Registry
	resources         *registry.Registry
	resourceTemplates *registry.Registry
	prompts           *registry.Registry
	caps              *registry.CapabilityRegistry
	sessions       *session.Manager
	broker         *broker.Broker
	upstreams      UpstreamProvider
	events         *eventbus.Bus
	requestTimeout time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New returns a Dispatcher wired per cfg.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		serverInfo:        cfg.ServerInfo,
		tools:             cfg.Tools,
		resources:         cfg.Resources,
		resourceTemplates: cfg.ResourceTemplates,
		prompts:           cfg.Prompts,
		caps:           cfg.Capabilities,
		sessions:       cfg.Sessions,
		broker:         cfg.Broker,
		upstreams:      cfg.Upstreams,
		events:         cfg.Events,
		requestTimeout: timeout,
		logger:         logger,
		cancels:        make(map[string]context.CancelFunc),
	}
}

// rpcRequest is the shape of one inbound frame, decoded manually (rather
// than through the upstream-facing jsonrpc package) so the dispatcher can
// freely build response/error envelopes carrying a "data" object, which
// downstream clients expect for diagnostic detail.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Handle decodes frame, dispatches it by method, and returns the encoded
// response bytes, or nil if frame was a notification that produces none.
func (d *Dispatcher) Handle(ctx context.Context, sessionID string, frame []byte) []byte {
	var req rpcRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		return encodeError(nil, hatagoerr.CodeParseError, "parse error", nil)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "dispatch.Handle", trace.WithAttributes(attribute.String("rpc.method", req.Method)))
	defer span.End()
	start := time.Now()

	isNotification := len(req.ID) == 0 || string(req.ID) == "null"

	result, rpcErr := d.route(ctx, sessionID, req)
	if rpcErr != nil {
		span.SetStatus(codes.Error, rpcErr.Message)
	}
	d.recordDispatch(ctx, req.Method, rpcErr, start)

	if isNotification {
		return nil
	}
	if rpcErr != nil {
		return encodeError(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return encodeError(req.ID, hatagoerr.CodeInternal, "internal error", dataObject(err.Error()))
	}
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: raw}
	out, err := json.Marshal(resp)
	if err != nil {
		return encodeError(req.ID, hatagoerr.CodeInternal, "internal error", dataObject(err.Error()))
	}
	return out
}

func (d *Dispatcher) recordDispatch(ctx context.Context, method string, rpcErr *rpcError, start time.Time) {
	status := "ok"
	if rpcErr != nil {
		status = "error"
	}
	telemetry.DispatchDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		otelmetric.WithAttributes(attribute.String("rpc.method", method), attribute.String("status", status)),
	)
}

func (d *Dispatcher) route(ctx context.Context, sessionID string, req rpcRequest) (any, *rpcError) {
	switch req.Method {
	case "initialize":
		return d.handleInitialize(sessionID, req.Params)
	case "notifications/initialized", "initialized":
		return nil, nil
	case "notifications/cancelled":
		d.handleCancelled(sessionID, req.Params)
		return nil, nil
	case "tools/list":
		return d.handleToolsList(), nil
	case "tools/call":
		return d.handleToolsCall(ctx, sessionID, req.ID, req.Params)
	case "resources/list":
		return d.handleRegistryList(d.resources, "resources"), nil
	case "resources/templates/list":
		return d.handleRegistryList(d.resourceTemplates, "resourceTemplates"), nil
	case "resources/read":
		return d.handleResourcesRead(ctx, req.Params)
	case "prompts/list":
		return d.handleRegistryList(d.prompts, "prompts"), nil
	case "prompts/get":
		return d.handleForward(ctx, d.prompts, req.Params, "name")
	case "ping":
		return map[string]any{}, nil
	case "sampling/createMessage":
		return nil, &rpcError{Code: hatagoerr.CodeMethodNotFound, Message: "sampling/createMessage is not supported"}
	default:
		if len(req.ID) == 0 {
			d.logger.Debug("dropping unknown notification", "method", req.Method)
			return nil, nil
		}
		return nil, &rpcError{Code: hatagoerr.CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}
}

type initializeParams struct {
	ProtocolVersion string                     `json:"protocolVersion"`
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

func (d *Dispatcher) handleInitialize(sessionID string, params json.RawMessage) (any, *rpcError) {
	var p initializeParams
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}

	if d.sessions != nil {
		d.sessions.GetOrCreate(sessionID)
		caps := make(map[string]bool, len(p.Capabilities))
		for name := range p.Capabilities {
			caps[name] = true
		}
		d.sessions.SetClientCapabilities(sessionID, caps)
	}
	if d.caps != nil {
		caps := make(map[string]bool, len(p.Capabilities))
		for name := range p.Capabilities {
			caps[name] = true
		}
		d.caps.SetClientCapabilities(sessionID, caps)
	}

	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"resources": map[string]any{"listChanged": true, "subscribe": false},
			"prompts":   map[string]any{"listChanged": true},
		},
		"serverInfo": map[string]any{
			"name":    d.serverInfo.Name,
			"version": d.serverInfo.Version,
		},
	}, nil
}

type cancelParams struct {
	RequestID json.RawMessage `json:"requestId"`
}

func (d *Dispatcher) handleCancelled(sessionID string, params json.RawMessage) {
	var p cancelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	key := cancelKey(sessionID, p.RequestID)
	d.mu.Lock()
	cancel, ok := d.cancels[key]
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

func cancelKey(sessionID string, requestID json.RawMessage) string {
	return sessionID + ":" + string(requestID)
}

func (d *Dispatcher) handleToolsList() any {
	return map[string]any{"tools": renderEntries(d.tools)}
}

// handleRegistryList renders reg's entries under key, the JSON-RPC result
// field each list method's result uses ("resources", "resourceTemplates",
// or "prompts").
func (d *Dispatcher) handleRegistryList(reg *registry.Registry, key string) any {
	return map[string]any{key: renderEntries(reg)}
}

// renderEntries builds the public-facing descriptor list for reg, sorted
// by public name, with each descriptor's embedded identifying field
// overridden to the public (qualified) name so downstream clients never
// see an upstream's original identifier.
func renderEntries(reg *registry.Registry) []json.RawMessage {
	if reg == nil {
		return []json.RawMessage{}
	}
	entries := reg.All()
	sort.Slice(entries, func(i, j int) bool { return entries[i].PublicName < entries[j].PublicName })

	out := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		rendered, err := renderDescriptor(e)
		if err != nil {
			continue
		}
		out = append(out, rendered)
	}
	return out
}

func renderDescriptor(e registry.Entry) (json.RawMessage, error) {
	var m map[string]any
	if err := json.Unmarshal(e.Descriptor, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = make(map[string]any)
	}
	switch {
	case m["uriTemplate"] != nil:
		m["uriTemplate"] = e.PublicName
	case m["uri"] != nil:
		m["uri"] = e.PublicName
	default:
		m["name"] = e.PublicName
	}
	return json.Marshal(m)
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      struct {
		ProgressToken any `json:"progressToken,omitempty"`
	} `json:"_meta,omitempty"`
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, sessionID string, id json.RawMessage, params json.RawMessage) (any, *rpcError) {
	var p toolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &rpcError{Code: hatagoerr.CodeInvalidParams, Message: "invalid params"}
	}

	entry, ok := d.tools.Get(p.Name)
	if !ok {
		return nil, &rpcError{Code: hatagoerr.CodeInvalidParams, Message: fmt.Sprintf("unknown tool: %s", p.Name)}
	}

	upstream, ok := d.upstreams.Get(entry.UpstreamID)
	if !ok {
		return nil, &rpcError{Code: hatagoerr.CodeTransport, Message: fmt.Sprintf("upstream %s not connected", entry.UpstreamID)}
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if id != nil {
		callCtx, cancel = context.WithCancel(ctx)
		key := cancelKey(sessionID, id)
		d.mu.Lock()
		d.cancels[key] = cancel
		d.mu.Unlock()
		defer func() {
			d.mu.Lock()
			delete(d.cancels, key)
			d.mu.Unlock()
			cancel()
		}()
	}

	if p.Meta.ProgressToken != nil && d.broker != nil {
		d.broker.RegisterRoute(p.Meta.ProgressToken, sessionID, entry.UpstreamID)
		defer d.broker.UnregisterRoute(p.Meta.ProgressToken)
	}

	result, err := upstream.CallTool(callCtx, entry.OriginalName, p.Arguments, mcpclient.CallToolOptions{
		Timeout:       d.requestTimeout,
		ProgressToken: p.Meta.ProgressToken,
	})
	if err != nil {
		if d.events != nil {
			d.events.Emit("tool:error", hatagoerr.New(hatagoerr.Transport, "%v", err).WithServer(entry.UpstreamID, entry.PublicName).ToEventPayload())
		}
		return nil, translateUpstreamError(err)
	}

	if d.events != nil {
		d.events.Emit("tool:called", map[string]string{"serverId": entry.UpstreamID, "publicName": entry.PublicName})
	}

	var out any
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, &rpcError{Code: hatagoerr.CodeInternal, Message: "internal error", Data: dataObject(err.Error())}
	}
	return out, nil
}

func (d *Dispatcher) handleResourcesRead(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &rpcError{Code: hatagoerr.CodeInvalidParams, Message: "invalid params"}
	}

	upstreamID, path, ok := naming.ParseResourceURI(p.URI)
	if !ok {
		return nil, &rpcError{Code: hatagoerr.CodeInvalidParams, Message: fmt.Sprintf("malformed resource uri: %s", p.URI)}
	}

	upstream, ok := d.upstreams.Get(upstreamID)
	if !ok {
		return nil, &rpcError{Code: hatagoerr.CodeInvalidParams, Message: fmt.Sprintf("unknown resource: %s", p.URI)}
	}

	var rewritten map[string]json.RawMessage
	if err := json.Unmarshal(params, &rewritten); err != nil {
		return nil, &rpcError{Code: hatagoerr.CodeInvalidParams, Message: "invalid params"}
	}
	uriJSON, _ := json.Marshal(path)
	rewritten["uri"] = uriJSON
	rewrittenParams, err := json.Marshal(rewritten)
	if err != nil {
		return nil, &rpcError{Code: hatagoerr.CodeInternal, Message: "internal error"}
	}

	result, err := upstream.Request(ctx, "resources/read", rewrittenParams, d.requestTimeout)
	if err != nil {
		return nil, translateUpstreamError(err)
	}
	var out any
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, &rpcError{Code: hatagoerr.CodeInternal, Message: "internal error"}
	}
	return out, nil
}

// handleForward resolves publicNameField in params against reg and
// forwards the request unchanged (with the name field rewritten to the
// upstream's original identifier) to the owning upstream. Used for
// prompts/get, whose resolution is identical to tools/call's but without
// progress-token plumbing.
func (d *Dispatcher) handleForward(ctx context.Context, reg *registry.Registry, params json.RawMessage, publicNameField string) (any, *rpcError) {
	var p map[string]json.RawMessage
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &rpcError{Code: hatagoerr.CodeInvalidParams, Message: "invalid params"}
	}
	var publicName string
	if raw, ok := p[publicNameField]; ok {
		_ = json.Unmarshal(raw, &publicName)
	}

	entry, ok := reg.Get(publicName)
	if !ok {
		return nil, &rpcError{Code: hatagoerr.CodeInvalidParams, Message: fmt.Sprintf("unknown %s: %s", publicNameField, publicName)}
	}

	upstream, ok := d.upstreams.Get(entry.UpstreamID)
	if !ok {
		return nil, &rpcError{Code: hatagoerr.CodeTransport, Message: fmt.Sprintf("upstream %s not connected", entry.UpstreamID)}
	}

	rewritten := make(map[string]json.RawMessage, len(p))
	for k, v := range p {
		rewritten[k] = v
	}
	nameJSON, _ := json.Marshal(entry.OriginalName)
	rewritten[publicNameField] = nameJSON
	rewrittenParams, err := json.Marshal(rewritten)
	if err != nil {
		return nil, &rpcError{Code: hatagoerr.CodeInternal, Message: "internal error"}
	}

	result, err := upstream.Request(ctx, "prompts/get", rewrittenParams, d.requestTimeout)
	if err != nil {
		return nil, translateUpstreamError(err)
	}
	var out any
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, &rpcError{Code: hatagoerr.CodeInternal, Message: "internal error"}
	}
	return out, nil
}

// translateUpstreamError renders an error coming back from an upstream
// call as a JSON-RPC error, preserving a *hatagoerr.Error's kind-specific
// code and sanitized data where the error is already one; anything else
// becomes an internal error without a leaked message.
func translateUpstreamError(err error) *rpcError {
	var herr *hatagoerr.Error
	if errors.As(err, &herr) {
		payload := herr.ToEventPayload()
		data, _ := json.Marshal(payload)
		return &rpcError{Code: herr.Code(), Message: herr.Message, Data: data}
	}

	var timeoutErr *mcpclient.TimeoutError
	if errors.As(err, &timeoutErr) {
		return &rpcError{Code: hatagoerr.CodeTimeout, Message: err.Error(), Data: dataObject(err.Error())}
	}

	var unsupportedErr *mcpclient.UnsupportedMethodError
	if errors.As(err, &unsupportedErr) {
		return &rpcError{Code: hatagoerr.CodeUnsupported, Message: err.Error(), Data: dataObject(err.Error())}
	}

	var transportErr *transport.Error
	if errors.As(err, &transportErr) {
		return &rpcError{Code: hatagoerr.CodeTransport, Message: err.Error(), Data: dataObject(err.Error())}
	}

	return &rpcError{Code: hatagoerr.CodeInternal, Message: "internal error", Data: dataObject(err.Error())}
}

func dataObject(message string) json.RawMessage {
	raw, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return nil
	}
	return raw
}

func encodeError(id json.RawMessage, code int, message string, data json.RawMessage) []byte {
	resp := rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: message, Data: data},
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","error":{"code":%d,"message":"internal error"}}`, hatagoerr.CodeInternal))
	}
	return out
}
