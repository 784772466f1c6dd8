// Package broker tracks which downstream session (and upstream) owns a
// progress token, and fans inbound frames out to a session's live
// SSE/streamable subscribers.
package broker

import (
	"encoding/json"
	"fmt"
	"sync"
)

// subscriberBuffer bounds how many frames a subscriber can fall behind by
// before it is dropped.
const subscriberBuffer = 100

// ProgressRoute is one progressToken's correlation to the session and
// upstream that originated the tools/call carrying it.
type ProgressRoute struct {
	SessionID  string
	UpstreamID string
}

type subscriber struct {
	ch chan []byte
}

// Broker owns every session's live subscriber channels and the live
// progress-token routing table.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscriber // sessionID -> subscribers
	routes      map[string]ProgressRoute // progressToken (as string key) -> route
}

// New returns an empty Broker.
func New() *Broker {
	return &Broker{
		subscribers: make(map[string][]*subscriber),
		routes:      make(map[string]ProgressRoute),
	}
}

// Subscribe registers a new subscriber for sessionID and returns the
// channel to read frames from plus an unsubscribe func. The channel is
// closed either by an explicit Unsubscribe or by the broker itself when
// the subscriber falls behind (its channel send would block).
func (b *Broker) Subscribe(sessionID string) (<-chan []byte, func()) {
	sub := &subscriber{ch: make(chan []byte, subscriberBuffer)}

	b.mu.Lock()
	b.subscribers[sessionID] = append(b.subscribers[sessionID], sub)
	b.mu.Unlock()

	once := sync.Once{}
	unsubscribe := func() {
		once.Do(func() { b.remove(sessionID, sub) })
	}
	return sub.ch, unsubscribe
}

func (b *Broker) remove(sessionID string, target *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[sessionID]
	for i, s := range subs {
		if s == target {
			b.subscribers[sessionID] = append(subs[:i], subs[i+1:]...)
			close(s.ch)
			break
		}
	}
	if len(b.subscribers[sessionID]) == 0 {
		delete(b.subscribers, sessionID)
	}
}

// Publish delivers frame to every live subscriber of sessionID. A
// subscriber whose buffer is full is dropped rather than blocking the
// publisher.
func (b *Broker) Publish(sessionID string, frame []byte) {
	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subscribers[sessionID]...)
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- frame:
		default:
			b.remove(sessionID, s)
		}
	}
}

// TerminateSession closes every subscriber channel for sessionID and
// drops its routes.
func (b *Broker) TerminateSession(sessionID string) bool {
	b.mu.Lock()
	subs, ok := b.subscribers[sessionID]
	delete(b.subscribers, sessionID)
	for token, r := range b.routes {
		if r.SessionID == sessionID {
			delete(b.routes, token)
		}
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	for _, s := range subs {
		close(s.ch)
	}
	return true
}

// Broadcast delivers frame to every live subscriber across every session,
// used for hub-wide notifications such as tools/list_changed that every
// connected downstream client should observe regardless of which session
// it belongs to.
func (b *Broker) Broadcast(frame []byte) {
	b.BroadcastFiltered(frame, nil)
}

// BroadcastFiltered delivers frame to every live subscriber whose session
// keep accepts. A nil keep behaves like Broadcast (everyone). Used to gate
// upstream-originated notifications to sessions that declared the matching
// client capability during initialize.
func (b *Broker) BroadcastFiltered(frame []byte, keep func(sessionID string) bool) {
	b.mu.RLock()
	sessionIDs := make([]string, 0, len(b.subscribers))
	for id := range b.subscribers {
		if keep == nil || keep(id) {
			sessionIDs = append(sessionIDs, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range sessionIDs {
		b.Publish(id, frame)
	}
}

// CloseAll closes every subscriber across every session, for hub
// shutdown.
func (b *Broker) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subscribers {
		for _, s := range subs {
			close(s.ch)
		}
	}
	b.subscribers = make(map[string][]*subscriber)
	b.routes = make(map[string]ProgressRoute)
}

// RegisterRoute records that progressToken belongs to sessionID's call
// against upstreamID. Created when a downstream tools/call carries
// _meta.progressToken.
func (b *Broker) RegisterRoute(progressToken any, sessionID, upstreamID string) {
	key := tokenKey(progressToken)
	if key == "" {
		return
	}
	b.mu.Lock()
	b.routes[key] = ProgressRoute{SessionID: sessionID, UpstreamID: upstreamID}
	b.mu.Unlock()
}

// UnregisterRoute drops progressToken's route, called when the owning
// call completes.
func (b *Broker) UnregisterRoute(progressToken any) {
	key := tokenKey(progressToken)
	if key == "" {
		return
	}
	b.mu.Lock()
	delete(b.routes, key)
	b.mu.Unlock()
}

// RemoveRoutesForUpstream drops every route pointing at upstreamID,
// called when that upstream is removed so stale progress tokens don't
// linger after its connection is gone.
func (b *Broker) RemoveRoutesForUpstream(upstreamID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for token, r := range b.routes {
		if r.UpstreamID == upstreamID {
			delete(b.routes, token)
		}
	}
}

// ResolveRoute returns the route registered for progressToken, if any.
func (b *Broker) ResolveRoute(progressToken any) (ProgressRoute, bool) {
	key := tokenKey(progressToken)
	if key == "" {
		return ProgressRoute{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.routes[key]
	return r, ok
}

func tokenKey(token any) string {
	switch v := token.(type) {
	case nil:
		return ""
	case string:
		return "s:" + v
	case float64:
		return fmt.Sprintf("n:%v", v)
	case int, int64:
		return fmt.Sprintf("n:%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return "j:" + string(b)
	}
}

// RouteUpstreamNotification inspects an upstream notification and, if it
// is a notifications/progress carrying a token this broker knows about,
// forwards it to the owning session as a framed JSON-RPC notification.
// Returns true if the notification was routed.
func (b *Broker) RouteUpstreamNotification(upstreamID, method string, params json.RawMessage) bool {
	if method != "notifications/progress" {
		return false
	}

	var p struct {
		ProgressToken any `json:"progressToken"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return false
	}

	route, ok := b.ResolveRoute(p.ProgressToken)
	if !ok || route.UpstreamID != upstreamID {
		return false
	}

	frame, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  json.RawMessage(params),
	})
	if err != nil {
		return false
	}

	b.Publish(route.SessionID, frame)
	return true
}
