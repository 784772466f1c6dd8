package upstream

import "time"

// Upstream is the Hub's live record of a configured upstream: its
// immutable Spec plus the runtime state the hub and its connection state
// machine maintain. The Hub owns the only copy of this struct; it is
// never persisted across restarts.
type Upstream struct {
	Spec Spec

	Machine *Machine

	// LastError is the most recent connection/discovery error, cleared on
	// a successful ACTIVATING->ACTIVE transition.
	LastError string

	// ToolCount, ResourceCount, PromptCount are populated by discovery
	// once the upstream reaches ACTIVE.
	ToolCount     int
	ResourceCount int
	PromptCount   int

	ConnectedAt time.Time
	AddedAt     time.Time
}

// Snapshot is a read-only view of an Upstream, safe to hand to callers
// outside the Hub (internal tools, admin surfaces) without exposing the
// Machine's mutex.
type Snapshot struct {
	ID            string
	Type          TransportKind
	State         State
	LastError     string
	ToolCount     int
	ResourceCount int
	PromptCount   int
	Tags          []string
	ConnectedAt   time.Time
	AddedAt       time.Time
}

// Snapshot captures the current, consistent state of u.
func (u *Upstream) Snapshot() Snapshot {
	return Snapshot{
		ID:            u.Spec.ID,
		Type:          u.Spec.Type,
		State:         u.Machine.Current(),
		LastError:     u.LastError,
		ToolCount:     u.ToolCount,
		ResourceCount: u.ResourceCount,
		PromptCount:   u.PromptCount,
		Tags:          append([]string(nil), u.Spec.Tags...),
		ConnectedAt:   u.ConnectedAt,
		AddedAt:       u.AddedAt,
	}
}
