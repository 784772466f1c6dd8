// Package session implements downstream session lifecycle, TTL-based
// expiry, and the capabilities a client declared at initialize time.
package session

import "time"

// Session tracks a downstream client's context across tool calls.
type Session struct {
	// ID is the session identifier, a UUIDv4 when minted by the hub or
	// whatever the caller supplied via Mcp-Session-Id.
	ID string

	// ClientCapabilities holds the capability object the client declared
	// during initialize (opaque to the hub beyond presence checks).
	ClientCapabilities map[string]bool

	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastAccess time.Time
}

// IsExpired reports whether the session has exceeded its TTL.
func (s *Session) IsExpired() bool {
	return time.Now().UTC().After(s.ExpiresAt)
}

// Refresh updates LastAccess and extends ExpiresAt by ttl.
func (s *Session) Refresh(ttl time.Duration) {
	now := time.Now().UTC()
	s.LastAccess = now
	s.ExpiresAt = now.Add(ttl)
}
