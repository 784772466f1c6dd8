// Package service wires together the domain layer (state machine,
// registries, naming, sessions, broker, dispatch) into the Hub: the
// single object that owns every upstream connection and implements the
// inbound ports (Dispatcher, Lifecycle) the downstream adapters drive.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hatago/hatago/internal/adapter/outbound/connector"
	"github.com/hatago/hatago/internal/adapter/outbound/mcpclient"
	"github.com/hatago/hatago/internal/adapter/outbound/transport"
	"github.com/hatago/hatago/internal/domain/broker"
	"github.com/hatago/hatago/internal/domain/dispatch"
	"github.com/hatago/hatago/internal/domain/eventbus"
	"github.com/hatago/hatago/internal/domain/hatagoerr"
	"github.com/hatago/hatago/internal/domain/naming"
	"github.com/hatago/hatago/internal/domain/registry"
	"github.com/hatago/hatago/internal/domain/session"
	"github.com/hatago/hatago/internal/domain/upstream"
	"github.com/hatago/hatago/internal/port/outbound"
)

// defaultMaxConnectRetries bounds the connector's retry loop for a single
// addServer call when Config.MaxConnectRetries is left zero.
const defaultMaxConnectRetries = 10

// Config wires a Hub to its identity and cross-cutting parameters.
type Config struct {
	Name    string
	Version string

	Naming *naming.Router

	RequestTimeout    time.Duration
	MaxConnectRetries int
	SessionTTL        time.Duration

	// Tags, if non-empty, restricts AddServer/StartAll to specs whose
	// Tags intersect this set. Empty means every spec is eligible.
	Tags []string

	Events *eventbus.Bus
	Logger *slog.Logger
}

// upstreamEntry is the Hub's live record of one configured upstream.
type upstreamEntry struct {
	mu        sync.Mutex
	record    *upstream.Upstream
	client    *mcpclient.Client
	transport outbound.Transport
}

// Hub owns every configured upstream, the shared registries/session/
// broker state, and the dispatcher that answers every downstream
// request. It implements inbound.Dispatcher and inbound.Lifecycle, and
// dispatch.UpstreamProvider for the dispatcher it owns.
type Hub struct {
	name    string
	version string
	naming  *naming.Router

	requestTimeout time.Duration
	maxRetries     int

	tags []string

	tools             *registry.Registry
	resources         *registry.Registry
	resourceTemplates *registry.Registry
	prompts           *registry.Registry
	caps              *registry.CapabilityRegistry
	sessions  *session.Manager
	broker    *broker.Broker
	events    *eventbus.Bus
	logger    *slog.Logger

	dispatcher *dispatch.Dispatcher

	// transportFactory builds the outbound.Transport for a spec. It
	// defaults to transportFor; tests in this package substitute a fake
	// transport without spawning a real subprocess or HTTP connection.
	transportFactory func(spec upstream.Spec) (outbound.Transport, error)

	// internalUpstreams resolves the synthetic upstream ids the built-in
	// tools register under ("_internal", "hatago") to an in-process
	// dispatch.Upstream, checked by Get before the real upstreams map.
	internalUpstreams map[string]dispatch.Upstream

	startedAt time.Time

	mu        sync.RWMutex
	upstreams map[string]*upstreamEntry
	closed    bool
}

// New returns a Hub wired per cfg, with empty registries and no
// upstreams connected. Call Start to bring up any configured upstreams.
func New(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := cfg.Events
	if events == nil {
		events = &eventbus.Bus{}
	}
	router := cfg.Naming
	if router == nil {
		router = naming.NewRouter(naming.StrategyNamespace, naming.DefaultSeparator)
	}
	maxRetries := cfg.MaxConnectRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxConnectRetries
	}

	h := &Hub{
		name:           cfg.Name,
		version:        cfg.Version,
		naming:         router,
		requestTimeout: cfg.RequestTimeout,
		maxRetries:     maxRetries,
		tags:           cfg.Tags,
		tools:             registry.New(),
		resources:         registry.New(),
		resourceTemplates: registry.New(),
		prompts:           registry.New(),
		caps:           registry.NewCapabilityRegistry(),
		sessions:       session.NewManager(session.Config{TTL: cfg.SessionTTL}, events),
		broker:         broker.New(),
		events:         events,
		logger:         logger,
		upstreams:      make(map[string]*upstreamEntry),
		startedAt:      time.Now().UTC(),
	}
	h.transportFactory = h.transportFor
	h.internalUpstreams = map[string]dispatch.Upstream{}
	registerInternalTools(h)

	h.dispatcher = dispatch.New(dispatch.Config{
		ServerInfo:        dispatch.ServerInfo{Name: cfg.Name, Version: cfg.Version},
		Tools:             h.tools,
		Resources:         h.resources,
		ResourceTemplates: h.resourceTemplates,
		Prompts:           h.prompts,
		Capabilities:   h.caps,
		Sessions:       h.sessions,
		Broker:         h.broker,
		Upstreams:      h,
		Events:         h.events,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})

	return h
}

// Handle implements inbound.Dispatcher by delegating to the Hub's
// dispatcher.
func (h *Hub) Handle(ctx context.Context, sessionID string, frame []byte) []byte {
	return h.dispatcher.Handle(ctx, sessionID, frame)
}

// Get implements dispatch.UpstreamProvider: it checks the synthetic
// internal upstreams first, then returns the connected client for
// upstreamID if one is currently ACTIVE.
func (h *Hub) Get(upstreamID string) (dispatch.Upstream, bool) {
	if u, ok := h.internalUpstreams[upstreamID]; ok {
		return u, true
	}

	h.mu.RLock()
	entry, ok := h.upstreams[upstreamID]
	h.mu.RUnlock()
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	client := entry.client
	entry.mu.Unlock()
	if client == nil {
		return nil, false
	}
	return client, true
}

// Start implements inbound.Lifecycle and is a no-op that returns nil;
// upstreams are brought up individually via AddServer or in bulk via
// StartAll.
func (h *Hub) Start(ctx context.Context) error {
	return nil
}

// Close implements inbound.Lifecycle: it tears down every upstream,
// stops the session sweep, and releases every broker subscriber. Safe to
// call more than once.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	ids := make([]string, 0, len(h.upstreams))
	for id := range h.upstreams {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		if err := h.RemoveServer(id); err != nil {
			h.logger.Warn("error removing upstream during shutdown", "upstream", id, "error", err)
		}
	}

	h.broker.CloseAll()
	h.sessions.Close()
	return nil
}

// On subscribes fn to event, returning a token Off can later remove.
func (h *Hub) On(event string, fn eventbus.Handler) eventbus.Subscription {
	return h.events.On(event, fn)
}

// Off removes a subscription previously returned by On.
func (h *Hub) Off(sub eventbus.Subscription) {
	h.events.Off(sub)
}

// tagsMatch reports whether specTags intersects h.tags. An empty h.tags
// means every spec is eligible.
func (h *Hub) tagsMatch(specTags []string) bool {
	if len(h.tags) == 0 {
		return true
	}
	want := make(map[string]struct{}, len(h.tags))
	for _, t := range h.tags {
		want[t] = struct{}{}
	}
	for _, t := range specTags {
		if _, ok := want[t]; ok {
			return true
		}
	}
	return false
}

// StartAll calls AddServer for every spec whose tags match the Hub's tag
// filter, logging (not failing) on individual connect failures so one
// bad upstream doesn't block the rest from starting.
func (h *Hub) StartAll(ctx context.Context, specs []upstream.Spec) {
	var wg sync.WaitGroup
	for _, spec := range specs {
		if !h.tagsMatch(spec.Tags) {
			h.logger.Info("skipping upstream excluded by tag filter", "upstream", spec.ID, "tags", spec.Tags)
			continue
		}
		wg.Add(1)
		go func(spec upstream.Spec) {
			defer wg.Done()
			if err := h.AddServer(ctx, spec); err != nil {
				h.logger.Error("failed to add upstream", "upstream", spec.ID, "error", err)
			}
		}(spec)
	}
	wg.Wait()
}

// AddServer validates spec, drives its state machine from INACTIVE
// through ACTIVATING to ACTIVE (or ERROR), connects via the connector's
// retry loop, runs discovery, and registers its tools/resources/prompts under
// qualified public names. On success it emits "server:connected" and
// broadcasts "notifications/tools/list_changed" (and the resource/
// prompt equivalents) to every live downstream session.
func (h *Hub) AddServer(ctx context.Context, spec upstream.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	if _, exists := h.upstreams[spec.ID]; exists {
		h.mu.Unlock()
		return fmt.Errorf("hub: upstream %s already exists", spec.ID)
	}
	entry := &upstreamEntry{record: &upstream.Upstream{Spec: spec, AddedAt: time.Now().UTC()}}
	entry.record.Machine = upstream.NewMachine(spec.ID, h.emitTransition)
	h.upstreams[spec.ID] = entry
	h.mu.Unlock()

	if err := entry.record.Machine.Transition(upstream.StateActivating, "addServer"); err != nil {
		return err
	}

	connected, err := connector.Connect(ctx, spec.ID, h.maxRetries, spec.ConnectTimeout(), h.logger, func(attemptCtx context.Context) (connectResult, error) {
		return h.connectOne(attemptCtx, spec)
	})
	if err != nil {
		entry.record.LastError = err.Error()
		_ = entry.record.Machine.Transition(upstream.StateError, err.Error())
		herr := hatagoerr.Wrap(hatagoerr.Transport, err, "failed to connect upstream %s", spec.ID).WithServer(spec.ID, "")
		h.events.Emit("server:error", herr.ToEventPayload())
		return herr
	}

	entry.mu.Lock()
	entry.client = connected.client
	entry.transport = connected.transport
	entry.mu.Unlock()

	if err := entry.record.Machine.Transition(upstream.StateActive, "connected"); err != nil {
		_ = connected.client.Close()
		return err
	}
	entry.record.ConnectedAt = time.Now().UTC()
	entry.record.LastError = ""

	h.discoverAndRegister(ctx, spec.ID, connected.client)

	h.events.Emit("server:connected", map[string]string{"serverId": spec.ID})
	h.broadcastListChanged()

	return nil
}

// connectResult bundles what one connect attempt produces: the started
// client plus the transport it wraps. The transport is kept on the
// upstream entry, but RemoveServer does not close it directly: it calls
// mcpclient.Client.Close, which closes the transport itself.
type connectResult struct {
	client    *mcpclient.Client
	transport outbound.Transport
}

// connectOne builds the transport for spec.Type, starts an mcpclient
// around it (handshake + discovery), and returns both. On any failure it
// closes whatever was opened before returning the error.
func (h *Hub) connectOne(ctx context.Context, spec upstream.Spec) (connectResult, error) {
	tr, err := h.transportFactory(spec)
	if err != nil {
		return connectResult{}, err
	}

	client := mcpclient.New(mcpclient.Config{
		UpstreamID:     spec.ID,
		Transport:      tr,
		Capabilities:   h.caps,
		OnNotification: h.onUpstreamNotification,
		Logger:         h.logger,
		RequestTimeout: spec.RequestTimeout(),
	})

	if err := client.Start(ctx, mcpclient.ClientInfo{Name: h.name, Version: h.version}); err != nil {
		_ = tr.Close()
		return connectResult{}, err
	}

	return connectResult{client: client, transport: tr}, nil
}

// transportFor builds the transport matching spec's TransportKind.
func (h *Hub) transportFor(spec upstream.Spec) (outbound.Transport, error) {
	switch spec.Type {
	case upstream.TransportStdio:
		env := make([]string, 0, len(spec.Env))
		for k, v := range spec.Env {
			env = append(env, k+"="+v)
		}
		return transport.NewStdio(spec.Command, spec.Args, env, spec.Cwd, h.logger), nil
	case upstream.TransportSSE:
		opts := make([]transport.SSEOption, 0, len(spec.Headers))
		for k, v := range spec.Headers {
			opts = append(opts, transport.WithSSEHeader(k, v))
		}
		return transport.NewSSE(spec.URL, opts...), nil
	case upstream.TransportStreamableHTTP:
		opts := make([]transport.StreamableHTTPOption, 0, len(spec.Headers))
		for k, v := range spec.Headers {
			opts = append(opts, transport.WithHeader(k, v))
		}
		return transport.NewStreamableHTTP(spec.URL, opts...), nil
	default:
		return nil, fmt.Errorf("hub: unknown transport kind %q", spec.Type)
	}
}

// onUpstreamNotification handles an upstream-originated notification.
// notifications/progress is routed to its owning session via the broker.
// Everything else is broadcast to every session that declared the
// matching client capability (e.g. "tools" for notifications/tools/
// list_changed) and also triggers a re-discovery of upstreamID in the
// background, so the hub's own registries and its downstream list_changed
// notifications stay in sync with what the upstream just reported.
func (h *Hub) onUpstreamNotification(upstreamID, method string, params json.RawMessage) {
	if h.broker.RouteUpstreamNotification(upstreamID, method, params) {
		return
	}

	category := notificationCategory(method)
	frame, err := buildNotificationFrame(method, params)
	if err != nil {
		h.logger.Debug("dropping unencodable upstream notification", "upstream", upstreamID, "method", method, "error", err)
	} else {
		h.broker.BroadcastFiltered(frame, func(sessionID string) bool {
			return h.caps.HasClientCapability(sessionID, category)
		})
	}

	go h.rediscoverUpstream(upstreamID)
}

// notificationCategory extracts the client capability category a
// "notifications/<category>/..." method belongs to, e.g. "tools" for
// notifications/tools/list_changed.
func notificationCategory(method string) string {
	rest := strings.TrimPrefix(method, "notifications/")
	if i := strings.Index(rest, "/"); i >= 0 {
		return rest[:i]
	}
	return rest
}

// buildNotificationFrame encodes a JSON-RPC notification frame for
// method. params may be nil, a json.RawMessage, or any marshalable value
// (a registry.RevisionHash for the hub's own list_changed notifications).
func buildNotificationFrame(method string, params any) ([]byte, error) {
	msg := map[string]any{"jsonrpc": "2.0", "method": method}
	if params != nil {
		msg["params"] = params
	}
	return json.Marshal(msg)
}

// rediscoverUpstream re-runs discovery for upstreamID and broadcasts the
// hub's own list_changed notifications once it completes. Runs on its own
// goroutine: onUpstreamNotification (its only caller) executes inline on
// the upstream client's frame-reading goroutine, and discovery issues
// blocking requests to that same client, so running it synchronously
// would deadlock the client waiting on its own reader.
func (h *Hub) rediscoverUpstream(upstreamID string) {
	h.mu.RLock()
	entry, ok := h.upstreams[upstreamID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	client := entry.client
	entry.mu.Unlock()
	if client == nil {
		return
	}

	h.discoverAndRegister(context.Background(), upstreamID, client)
	h.broadcastListChanged()
}

// emitTransition fans a state machine transition out to the
// "transition", "transition:<id>", and "state:<to>" events.
func (h *Hub) emitTransition(ev upstream.TransitionEvent) {
	h.events.Emit("transition", ev)
	h.events.Emit("transition:"+ev.UpstreamID, ev)
	h.events.Emit("state:"+string(ev.To), ev)
}

// listItem holds the one field discovery needs out of a raw tools/
// resources/resource-templates/prompts list entry: its name (tools/
// prompts), uri (resources), or uriTemplate (resource templates).
type listItem struct {
	Name        string `json:"name"`
	URI         string `json:"uri"`
	URITemplate string `json:"uriTemplate"`
}

// listEntryKind selects which field of a listItem identifies the
// upstream's original, upstream-local name for an entry, and how that
// original is turned into a public identifier.
type listEntryKind int

const (
	entryByName listEntryKind = iota
	entryByURI
	entryByURITemplate
)

// discoverAndRegister lists each capability client declared support for
// and registers the results under qualified public names. Discovery
// failures are logged, not fatal: an upstream that supports tools but
// not resources still registers its tools.
func (h *Hub) discoverAndRegister(ctx context.Context, upstreamID string, client *mcpclient.Client) {
	count := h.registerList(ctx, upstreamID, client, "tools/list", "tools", h.tools, entryByName)
	resCount := h.registerList(ctx, upstreamID, client, "resources/list", "resources", h.resources, entryByURI)
	promptCount := h.registerList(ctx, upstreamID, client, "prompts/list", "prompts", h.prompts, entryByName)
	h.registerList(ctx, upstreamID, client, "resources/templates/list", "resourceTemplates", h.resourceTemplates, entryByURITemplate)

	h.mu.RLock()
	entry, ok := h.upstreams[upstreamID]
	h.mu.RUnlock()
	if ok {
		entry.mu.Lock()
		entry.record.ToolCount = count
		entry.record.ResourceCount = resCount
		entry.record.PromptCount = promptCount
		entry.mu.Unlock()
	}
}

func (h *Hub) registerList(ctx context.Context, upstreamID string, client *mcpclient.Client, method, key string, reg *registry.Registry, kind listEntryKind) int {
	if h.caps.MethodSupport(upstreamID, method) == registry.Unsupported {
		return 0
	}

	result, err := client.Request(ctx, method, nil, h.requestTimeout)
	if err != nil {
		h.logger.Warn("discovery list failed", "upstream", upstreamID, "method", method, "error", err)
		return 0
	}

	var payload map[string][]rawListEntry
	if err := json.Unmarshal(result, &payload); err != nil {
		h.logger.Warn("discovery list unparseable", "upstream", upstreamID, "method", method, "error", err)
		return 0
	}

	items := payload[key]
	entries := make([]registry.Entry, 0, len(items))
	for _, item := range items {
		var meta listItem
		if err := json.Unmarshal(item.Raw, &meta); err != nil {
			continue
		}
		var publicName string
		var original string
		switch kind {
		case entryByURI:
			original = meta.URI
			publicName = h.naming.PublicResourceURI(upstreamID, original)
		case entryByURITemplate:
			original = meta.URITemplate
			publicName = h.naming.PublicResourceURI(upstreamID, original)
		default:
			original = meta.Name
			publicName = h.naming.PublicToolName(upstreamID, original)
		}
		entries = append(entries, registry.Entry{
			PublicName:   publicName,
			OriginalName: original,
			UpstreamID:   upstreamID,
			Descriptor:   item.Raw,
		})
	}

	if err := reg.RegisterAll(upstreamID, entries); err != nil {
		h.logger.Warn("registering discovered entries failed", "upstream", upstreamID, "method", method, "error", err)
		return 0
	}
	return len(entries)
}

// rawListEntry captures one list item as raw JSON so its full descriptor
// can be stored verbatim in the registry alongside the parsed name/uri
// used to build its public identifier.
type rawListEntry struct {
	Raw []byte
}

func (r *rawListEntry) UnmarshalJSON(data []byte) error {
	r.Raw = append([]byte(nil), data...)
	return nil
}

// broadcastListChanged notifies every live downstream session that the
// tool/resource/prompt lists may have changed, after an AddServer,
// RemoveServer, or upstream-triggered re-discovery mutates the
// registries. Each notification carries the owning registry's current
// {revision, hash} so a client can tell whether it is already current
// without re-fetching the list.
func (h *Hub) broadcastListChanged() {
	for _, lc := range []struct {
		method string
		reg    *registry.Registry
	}{
		{"notifications/tools/list_changed", h.tools},
		{"notifications/resources/list_changed", h.resources},
		{"notifications/prompts/list_changed", h.prompts},
	} {
		frame, err := buildNotificationFrame(lc.method, lc.reg.Snapshot())
		if err != nil {
			continue
		}
		h.broker.Broadcast(frame)
	}
}

// RemoveServer drives upstreamID's state machine through STOPPING back
// to INACTIVE: it closes the transport, drops its registry entries and
// capability records, tears down any progress routes that referenced it,
// and emits "server:disconnected".
func (h *Hub) RemoveServer(upstreamID string) error {
	h.mu.Lock()
	entry, ok := h.upstreams[upstreamID]
	if ok {
		delete(h.upstreams, upstreamID)
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("hub: upstream %s not found", upstreamID)
	}

	if err := entry.record.Machine.Transition(upstream.StateStopping, "removeServer"); err != nil {
		return err
	}

	entry.mu.Lock()
	client := entry.client
	entry.client = nil
	entry.mu.Unlock()

	if client != nil {
		if err := client.Close(); err != nil {
			h.logger.Warn("error closing upstream client", "upstream", upstreamID, "error", err)
		}
	}

	h.tools.RemoveAll(upstreamID)
	h.resources.RemoveAll(upstreamID)
	h.resourceTemplates.RemoveAll(upstreamID)
	h.prompts.RemoveAll(upstreamID)
	h.caps.ClearUpstream(upstreamID)
	h.broker.RemoveRoutesForUpstream(upstreamID)

	if err := entry.record.Machine.Transition(upstream.StateInactive, "removed"); err != nil {
		return err
	}

	h.events.Emit("server:disconnected", map[string]string{"serverId": upstreamID})
	h.broadcastListChanged()
	return nil
}

// Snapshot returns a read-only view of upstreamID's current state.
func (h *Hub) Snapshot(upstreamID string) (upstream.Snapshot, bool) {
	h.mu.RLock()
	entry, ok := h.upstreams[upstreamID]
	h.mu.RUnlock()
	if !ok {
		return upstream.Snapshot{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.record.Snapshot(), true
}

// Snapshots returns a read-only view of every configured upstream.
func (h *Hub) Snapshots() []upstream.Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]upstream.Snapshot, 0, len(h.upstreams))
	for _, entry := range h.upstreams {
		entry.mu.Lock()
		out = append(out, entry.record.Snapshot())
		entry.mu.Unlock()
	}
	return out
}

// SpecFor returns the configuration spec of a currently configured
// upstream, used by hatago_reload to diff a desired configuration against
// what is already running.
func (h *Hub) SpecFor(upstreamID string) (upstream.Spec, bool) {
	h.mu.RLock()
	entry, ok := h.upstreams[upstreamID]
	h.mu.RUnlock()
	if !ok {
		return upstream.Spec{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.record.Spec, true
}

// ConfiguredIDs returns the ids of every currently configured upstream
// (excluding the synthetic internal ones, which never appear in
// h.upstreams).
func (h *Hub) ConfiguredIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.upstreams))
	for id := range h.upstreams {
		ids = append(ids, id)
	}
	return ids
}

// Uptime reports how long the Hub has been running.
func (h *Hub) Uptime() time.Duration {
	return time.Since(h.startedAt)
}

// ToolsetInfo reports the combined tool registry's revision/hash/count,
// the shape hatago_status exposes.
func (h *Hub) ToolsetInfo() registry.RevisionHash {
	return h.tools.Snapshot()
}

// Broker exposes the Hub's progress broker so a downstream adapter can
// Subscribe a session to its live notification stream.
func (h *Hub) Broker() *broker.Broker { return h.broker }

// Sessions exposes the Hub's session manager so a downstream adapter can
// look up or terminate a session directly.
func (h *Hub) Sessions() *session.Manager { return h.sessions }

// Capabilities exposes the Hub's capability registry so a downstream
// adapter can clear a session's declared client capabilities when that
// session is torn down.
func (h *Hub) Capabilities() *registry.CapabilityRegistry { return h.caps }
