package session

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/hatago/hatago/internal/domain/eventbus"
)

func TestGetOrCreateMintsUUIDWhenIDEmpty(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := NewManager(Config{TTL: time.Minute}, nil)
	defer m.Close()

	s1 := m.GetOrCreate("")
	s2 := m.GetOrCreate("")
	if s1.ID == "" || s2.ID == "" {
		t.Fatal("expected non-empty minted ids")
	}
	if s1.ID == s2.ID {
		t.Error("expected distinct minted ids")
	}
}

func TestGetOrCreateRefreshesExisting(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := NewManager(Config{TTL: time.Minute}, nil)
	defer m.Close()

	s1 := m.GetOrCreate("fixed-id")
	original := s1.ExpiresAt
	time.Sleep(5 * time.Millisecond)
	s2 := m.GetOrCreate("fixed-id")

	if s1.ID != s2.ID {
		t.Fatalf("expected same session, got %s vs %s", s1.ID, s2.ID)
	}
	if !s2.ExpiresAt.After(original) {
		t.Error("expected ExpiresAt to be extended on refresh")
	}
}

func TestGetReturnsFalseForUnknownOrExpired(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := NewManager(Config{TTL: time.Millisecond}, nil)
	defer m.Close()

	if _, ok := m.Get("nope"); ok {
		t.Error("expected ok=false for unknown session")
	}

	m.GetOrCreate("short-lived")
	time.Sleep(5 * time.Millisecond)
	if _, ok := m.Get("short-lived"); ok {
		t.Error("expected ok=false for expired session")
	}
}

func TestDestroyRemovesSession(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := NewManager(Config{TTL: time.Minute}, nil)
	defer m.Close()

	m.GetOrCreate("to-remove")
	m.Destroy("to-remove")
	if _, ok := m.Get("to-remove"); ok {
		t.Error("expected session to be gone after Destroy")
	}
}

func TestSetClientCapabilities(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := NewManager(Config{TTL: time.Minute}, nil)
	defer m.Close()

	m.GetOrCreate("caps-session")
	m.SetClientCapabilities("caps-session", map[string]bool{"sampling": true})

	s, ok := m.Get("caps-session")
	if !ok {
		t.Fatal("expected session to exist")
	}
	if !s.ClientCapabilities["sampling"] {
		t.Error("expected sampling capability to be set")
	}
}

func TestCloseStopsSweepGoroutineCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := NewManager(Config{TTL: time.Minute}, &eventbus.Bus{})
	m.Close()
}
