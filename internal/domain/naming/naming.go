// Package naming implements the router's qualified-name construction and
// parsing rules.
package naming

import (
	"fmt"
	"strings"
)

// Strategy selects how a tool/prompt's public name is derived from its
// upstream id and original name.
type Strategy string

const (
	// StrategyNone leaves the public name identical to the original.
	StrategyNone Strategy = "none"
	// StrategyNamespace and StrategyPrefix both produce
	// "<upstreamId><separator><original>"; they are kept as distinct
	// strategy names for config-file compatibility but behave identically.
	StrategyNamespace Strategy = "namespace"
	StrategyPrefix    Strategy = "prefix"
)

// DefaultSeparator is used when a Router is not configured with one.
const DefaultSeparator = "_"

// Router builds and parses public names/URIs for tools, resources, and
// prompts exposed by the hub.
type Router struct {
	Strategy  Strategy
	Separator string
}

// NewRouter returns a Router with the given strategy and separator. An
// empty separator falls back to DefaultSeparator.
func NewRouter(strategy Strategy, separator string) *Router {
	if separator == "" {
		separator = DefaultSeparator
	}
	return &Router{Strategy: strategy, Separator: separator}
}

// PublicToolName returns the public name for a tool/prompt originating at
// upstreamID with the given original name.
func (r *Router) PublicToolName(upstreamID, original string) string {
	if r.Strategy == StrategyNone {
		return original
	}
	return upstreamID + r.Separator + original
}

// PublicResourceURI returns the public URI for a resource, independent of
// strategy: "<upstreamId>://<originalPath>".
func (r *Router) PublicResourceURI(upstreamID, originalPath string) string {
	return fmt.Sprintf("%s://%s", upstreamID, originalPath)
}

// UnknownUpstreamError reports a slash- or separator-qualified name whose
// upstream the caller doesn't recognize. Parse never returns it; callers
// that check the parsed UpstreamID construct it themselves.
type UnknownUpstreamError struct {
	UpstreamID string
}

func (e *UnknownUpstreamError) Error() string {
	return fmt.Sprintf("unknown upstream: %s", e.UpstreamID)
}

// Parsed is the result of parsing an inbound public tool/prompt name.
type Parsed struct {
	// UpstreamID is empty if the name carried no qualifier (rule 3).
	UpstreamID string
	Name       string
}

// Parse applies the three parse rules to an inbound
// public name. It does not validate that UpstreamID exists; callers that
// need UnknownUpstream semantics should check the returned UpstreamID
// against their own registry and construct an UnknownUpstreamError
// themselves, since Parse has no registry to consult.
func (r *Router) Parse(publicName string) Parsed {
	if idx := strings.Index(publicName, "/"); idx >= 0 {
		return Parsed{UpstreamID: publicName[:idx], Name: publicName[idx+1:]}
	}
	if idx := strings.Index(publicName, r.Separator); idx >= 0 {
		return Parsed{UpstreamID: publicName[:idx], Name: publicName[idx+len(r.Separator):]}
	}
	return Parsed{Name: publicName}
}

// ParseResourceURI splits a public resource URI "<upstreamId>://<path>"
// back into its components. Returns ok=false if the URI has no "://".
func ParseResourceURI(uri string) (upstreamID, path string, ok bool) {
	idx := strings.Index(uri, "://")
	if idx < 0 {
		return "", "", false
	}
	return uri[:idx], uri[idx+3:], true
}
