package session

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/hatago/hatago/internal/domain/eventbus"
)

// DefaultTTL is the session timeout applied when Config.TTL is zero
// (default 3600s).
const DefaultTTL = 3600 * time.Second

// sweepInterval is how often the background reaper scans for expired
// sessions (every 60s).
const sweepInterval = 60 * time.Second

// shardCount bounds how many independent locks guard the session map.
// Operations on distinct session ids proceed in parallel;
// sharding the lock by a hash of the session id gets most of that
// parallelism without one mutex per session.
const shardCount = 64

// Config configures a Manager.
type Config struct {
	// TTL is the session expiration duration. Zero selects DefaultTTL.
	TTL time.Duration
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// Manager owns the hub's downstream sessions: creation, refresh, explicit
// destruction, and a background TTL sweep.
type Manager struct {
	ttl    time.Duration
	shards [shardCount]*shard
	events *eventbus.Bus

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewManager returns a Manager and starts its background sweep goroutine.
// Call Close to stop the sweep and release resources.
func NewManager(cfg Config, events *eventbus.Bus) *Manager {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if events == nil {
		events = &eventbus.Bus{}
	}
	m := &Manager{
		ttl:    ttl,
		events: events,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	go m.sweepLoop()
	return m
}

func (m *Manager) shardFor(id string) *shard {
	return m.shards[xxhash.Sum64String(id)%shardCount]
}

// GetOrCreate returns the session for id, creating one if id is empty, a new
// UUIDv4 session is minted; otherwise an existing session with that id is
// refreshed, or a fresh one is created bound to the supplied id.
func (m *Manager) GetOrCreate(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}

	sh := m.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if s, ok := sh.sessions[id]; ok && !s.IsExpired() {
		s.Refresh(m.ttl)
		return s
	}

	now := time.Now().UTC()
	s := &Session{
		ID:                 id,
		ClientCapabilities: make(map[string]bool),
		CreatedAt:          now,
		ExpiresAt:          now.Add(m.ttl),
		LastAccess:         now,
	}
	sh.sessions[id] = s
	return s
}

// Get returns an existing, non-expired session, or (nil, false).
func (m *Manager) Get(id string) (*Session, bool) {
	sh := m.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[id]
	if !ok || s.IsExpired() {
		return nil, false
	}
	return s, true
}

// SetClientCapabilities records the capabilities a session declared at
// initialize. The per-session shard lock serializes concurrent writers.
func (m *Manager) SetClientCapabilities(id string, caps map[string]bool) {
	sh := m.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if s, ok := sh.sessions[id]; ok {
		s.ClientCapabilities = caps
	}
}

// Destroy removes a session. The caller is responsible for also tearing
// down any ProgressRoutes that referenced it; the broker, not the
// session manager, owns that cleanup.
func (m *Manager) Destroy(id string) {
	sh := m.shardFor(id)
	sh.mu.Lock()
	delete(sh.sessions, id)
	sh.mu.Unlock()
}

// Count returns the number of live (non-expired) sessions.
func (m *Manager) Count() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for _, s := range sh.sessions {
			if !s.IsExpired() {
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

func (m *Manager) sweepLoop() {
	defer close(m.doneCh)
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	for _, sh := range m.shards {
		var expired []string
		sh.mu.Lock()
		for id, s := range sh.sessions {
			if s.IsExpired() {
				expired = append(expired, id)
				delete(sh.sessions, id)
			}
		}
		sh.mu.Unlock()
		for _, id := range expired {
			m.events.Emit("session:expired", id)
		}
	}
}

// Close stops the background sweep and waits for it to exit.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}
