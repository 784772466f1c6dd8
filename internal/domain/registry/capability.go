package registry

import "sync"

// Support describes whether an upstream is known to support a given
// JSON-RPC method.
type Support int

const (
	Unknown Support = iota
	Supported
	Unsupported
)

// CapabilityRegistry tracks, per upstream, which methods are known to be
// supported or unsupported, plus each session's declared client
// capabilities. Used to short-circuit calls the hub already knows will
// fail.
type CapabilityRegistry struct {
	mu           sync.RWMutex
	methods      map[string]map[string]Support // upstreamID -> method -> support
	capabilities map[string]map[string]bool    // sessionID -> capability name -> present
}

// NewCapabilityRegistry returns an empty CapabilityRegistry.
func NewCapabilityRegistry() *CapabilityRegistry {
	return &CapabilityRegistry{
		methods:      make(map[string]map[string]Support),
		capabilities: make(map[string]map[string]bool),
	}
}

// SetMethodSupport records whether upstreamID supports method.
func (c *CapabilityRegistry) SetMethodSupport(upstreamID, method string, s Support) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.methods[upstreamID]
	if !ok {
		m = make(map[string]Support)
		c.methods[upstreamID] = m
	}
	m[method] = s
}

// MethodSupport returns what is known about upstreamID's support for
// method; Unknown if nothing has been recorded.
func (c *CapabilityRegistry) MethodSupport(upstreamID, method string) Support {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.methods[upstreamID]
	if !ok {
		return Unknown
	}
	return m[method]
}

// ClearUpstream drops all recorded method support for upstreamID, used
// when the upstream is removed or reconnects.
func (c *CapabilityRegistry) ClearUpstream(upstreamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.methods, upstreamID)
}

// SetClientCapabilities records the capabilities a downstream session
// declared during initialize.
func (c *CapabilityRegistry) SetClientCapabilities(sessionID string, caps map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capabilities[sessionID] = caps
}

// HasClientCapability reports whether sessionID declared the named
// capability.
func (c *CapabilityRegistry) HasClientCapability(sessionID, capability string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities[sessionID][capability]
}

// ClearSession drops sessionID's recorded capabilities.
func (c *CapabilityRegistry) ClearSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.capabilities, sessionID)
}
