package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hatago/hatago/internal/adapter/outbound/mcpclient"
	"github.com/hatago/hatago/internal/domain/registry"
	"github.com/hatago/hatago/internal/domain/upstream"
)

// internalUpstreamID and resourceUpstreamID are the synthetic upstream ids
// the hub's own tools and servers resource are registered under. Kept
// distinct because the resource's public URI is the literal
// "hatago://servers", not a naming-strategy-qualified form.
const (
	internalUpstreamID  = "_internal"
	resourceUpstreamID  = "hatago"
	statusToolName      = "hatago_status"
	listServersToolName = "hatago_list_servers"
	reloadToolName      = "hatago_reload"
	serversResourcePath = "servers"
)

// registerInternalTools registers hatago_status/hatago_list_servers/
// hatago_reload into h.tools and the hatago://servers resource into
// h.resources, and wires both synthetic upstream ids to an internalHandler
// so the dispatcher's ordinary tools/call and resources/read paths reach
// them with no special-casing beyond upstream id resolution.
func registerInternalTools(h *Hub) {
	handler := &internalHandler{hub: h}
	h.internalUpstreams[internalUpstreamID] = handler
	h.internalUpstreams[resourceUpstreamID] = handler

	toolEntries := []registry.Entry{
		{
			PublicName:   h.naming.PublicToolName(internalUpstreamID, statusToolName),
			OriginalName: statusToolName,
			UpstreamID:   internalUpstreamID,
			Descriptor: mustMarshal(map[string]any{
				"name":        statusToolName,
				"description": "Reports the hub's version, toolset revision/hash/count, configured servers, and uptime.",
				"inputSchema": map[string]any{"type": "object", "properties": map[string]any{}},
			}),
		},
		{
			PublicName:   h.naming.PublicToolName(internalUpstreamID, listServersToolName),
			OriginalName: listServersToolName,
			UpstreamID:   internalUpstreamID,
			Descriptor: mustMarshal(map[string]any{
				"name":        listServersToolName,
				"description": "Lists every configured upstream server with its connection status and discovered tool/resource/prompt counts.",
				"inputSchema": map[string]any{"type": "object", "properties": map[string]any{}},
			}),
		},
		{
			PublicName:   h.naming.PublicToolName(internalUpstreamID, reloadToolName),
			OriginalName: reloadToolName,
			UpstreamID:   internalUpstreamID,
			Descriptor: mustMarshal(map[string]any{
				"name":        reloadToolName,
				"description": "Applies an already-validated server configuration, diffing it against what is currently running and adding/removing/restarting servers as needed.",
				"inputSchema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"servers": map[string]any{"type": "array"},
					},
					"required": []string{"servers"},
				},
			}),
		},
	}
	if err := h.tools.RegisterAll(internalUpstreamID, toolEntries); err != nil {
		h.logger.Error("failed to register internal tools", "error", err)
	}

	resourceEntry := registry.Entry{
		PublicName:   h.naming.PublicResourceURI(resourceUpstreamID, serversResourcePath),
		OriginalName: serversResourcePath,
		UpstreamID:   resourceUpstreamID,
		Descriptor: mustMarshal(map[string]any{
			"uri":         h.naming.PublicResourceURI(resourceUpstreamID, serversResourcePath),
			"name":        "servers",
			"description": "Current status of every configured upstream server.",
			"mimeType":    "application/json",
		}),
	}
	if err := h.resources.RegisterAll(resourceUpstreamID, []registry.Entry{resourceEntry}); err != nil {
		h.logger.Error("failed to register internal resource", "error", err)
	}
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("internal tools: marshal descriptor: %v", err))
	}
	return raw
}

// internalHandler implements dispatch.Upstream for the hub's own synthetic
// upstreams: it answers tools/call for the three hub-provided tools and
// resources/read for hatago://servers.
type internalHandler struct {
	hub *Hub
}

func (h *internalHandler) CallTool(ctx context.Context, name string, args json.RawMessage, opts mcpclient.CallToolOptions) (json.RawMessage, error) {
	switch name {
	case statusToolName:
		return h.status()
	case listServersToolName:
		return h.listServers()
	case reloadToolName:
		return h.reload(ctx, args)
	default:
		return nil, &mcpclient.UnsupportedMethodError{Method: name}
	}
}

func (h *internalHandler) Request(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if method != "resources/read" {
		return nil, &mcpclient.UnsupportedMethodError{Method: method}
	}

	var p struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("internal tools: invalid resources/read params: %w", err)
	}
	if p.URI != serversResourcePath {
		return nil, fmt.Errorf("internal tools: unknown resource %q", p.URI)
	}

	return h.serversResource()
}

type serverStatus struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	ToolCount int    `json:"toolCount"`
}

func (h *internalHandler) status() (json.RawMessage, error) {
	snaps := h.hub.Snapshots()
	servers := make([]serverStatus, 0, len(snaps))
	for _, s := range snaps {
		servers = append(servers, serverStatus{ID: s.ID, Status: string(s.State), ToolCount: s.ToolCount})
	}

	info := h.hub.ToolsetInfo()
	result := map[string]any{
		"hub_version": h.hub.version,
		"toolset": map[string]any{
			"revision": info.Revision,
			"hash":     info.Hash,
			"count":    h.hub.tools.Count(),
		},
		"servers":   servers,
		"uptimeSec": int(h.hub.Uptime().Seconds()),
	}
	return mustMarshal(result), nil
}

type serverSummary struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	Status        string     `json:"status"`
	ToolCount     int        `json:"toolCount"`
	ResourceCount int        `json:"resourceCount"`
	PromptCount   int        `json:"promptCount"`
	Tags          []string   `json:"tags,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	ConnectedAt   *time.Time `json:"connectedAt,omitempty"`
	AddedAt       time.Time  `json:"addedAt"`
}

func (h *internalHandler) listServers() (json.RawMessage, error) {
	snaps := h.hub.Snapshots()
	out := make([]serverSummary, 0, len(snaps))
	for _, s := range snaps {
		summary := serverSummary{
			ID:            s.ID,
			Type:          string(s.Type),
			Status:        string(s.State),
			ToolCount:     s.ToolCount,
			ResourceCount: s.ResourceCount,
			PromptCount:   s.PromptCount,
			Tags:          s.Tags,
			LastError:     s.LastError,
			AddedAt:       s.AddedAt,
		}
		if !s.ConnectedAt.IsZero() {
			ct := s.ConnectedAt
			summary.ConnectedAt = &ct
		}
		out = append(out, summary)
	}
	return mustMarshal(out), nil
}

type serverResourceEntry struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Tools     int    `json:"tools"`
	Resources int    `json:"resources"`
	Prompts   int    `json:"prompts"`
}

func (h *internalHandler) serversResource() (json.RawMessage, error) {
	snaps := h.hub.Snapshots()
	entries := make([]serverResourceEntry, 0, len(snaps))
	for _, s := range snaps {
		entries = append(entries, serverResourceEntry{
			ID:        s.ID,
			Status:    string(s.State),
			Tools:     s.ToolCount,
			Resources: s.ResourceCount,
			Prompts:   s.PromptCount,
		})
	}
	result := map[string]any{"total": len(entries), "servers": entries}
	return mustMarshal(result), nil
}

// reloadServerSpec is the wire shape of one server entry in hatago_reload's
// "servers" argument, decoded independently of upstream.Spec since the
// external config loader's JSON shape is a stable public contract and
// upstream.Spec carries no json tags of its own.
type reloadServerSpec struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Tags    []string          `json:"tags,omitempty"`
}

func (s reloadServerSpec) toSpec() upstream.Spec {
	return upstream.Spec{
		ID:      s.ID,
		Type:    upstream.TransportKind(s.Type),
		Command: s.Command,
		Args:    s.Args,
		Env:     s.Env,
		Cwd:     s.Cwd,
		URL:     s.URL,
		Headers: s.Headers,
		Tags:    s.Tags,
	}
}

type reloadArgs struct {
	Servers []reloadServerSpec `json:"servers"`
}

// reloadDiff is returned by hatago_reload: the ids added, removed, or
// changed (removed then re-added) to move from the running configuration
// to the requested one.
type reloadDiff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

func (h *internalHandler) reload(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var req reloadArgs
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("hatago_reload: invalid arguments: %w", err)
	}

	desired := make(map[string]upstream.Spec, len(req.Servers))
	for _, s := range req.Servers {
		spec := s.toSpec()
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("hatago_reload: invalid server %q: %w", spec.ID, err)
		}
		desired[spec.ID] = spec
	}

	diff := reloadDiff{}
	for id, spec := range desired {
		existing, ok := h.hub.SpecFor(id)
		switch {
		case !ok:
			diff.Added = append(diff.Added, id)
		case !specsEqual(existing, spec):
			diff.Changed = append(diff.Changed, id)
		}
	}
	for _, id := range h.hub.ConfiguredIDs() {
		if _, ok := desired[id]; !ok {
			diff.Removed = append(diff.Removed, id)
		}
	}

	for _, id := range diff.Removed {
		if err := h.hub.RemoveServer(id); err != nil {
			h.hub.logger.Warn("hatago_reload: failed to remove server", "upstream", id, "error", err)
		}
	}
	for _, id := range diff.Changed {
		if err := h.hub.RemoveServer(id); err != nil {
			h.hub.logger.Warn("hatago_reload: failed to remove changed server", "upstream", id, "error", err)
		}
		if err := h.hub.AddServer(ctx, desired[id]); err != nil {
			h.hub.logger.Warn("hatago_reload: failed to re-add changed server", "upstream", id, "error", err)
		}
	}
	for _, id := range diff.Added {
		if err := h.hub.AddServer(ctx, desired[id]); err != nil {
			h.hub.logger.Warn("hatago_reload: failed to add server", "upstream", id, "error", err)
		}
	}

	return mustMarshal(diff), nil
}

// specsEqual compares the fields that determine how a server connects,
// normalized through JSON marshaling so map key order never causes a
// spurious mismatch.
func specsEqual(a, b upstream.Spec) bool {
	type comparable struct {
		Type    upstream.TransportKind
		Command string
		Args    []string
		Env     map[string]string
		Cwd     string
		URL     string
		Headers map[string]string
		Tags    []string
	}
	ja, _ := json.Marshal(comparable{a.Type, a.Command, a.Args, a.Env, a.Cwd, a.URL, a.Headers, a.Tags})
	jb, _ := json.Marshal(comparable{b.Type, b.Command, b.Args, b.Env, b.Cwd, b.URL, b.Headers, b.Tags})
	return string(ja) == string(jb)
}
