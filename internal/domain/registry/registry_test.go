package registry

import (
	"errors"
	"testing"
)

func entry(pub, orig, up, desc string) Entry {
	return Entry{PublicName: pub, OriginalName: orig, UpstreamID: up, Descriptor: Descriptor(desc)}
}

func TestRegisterAllAtomicOnCollision(t *testing.T) {
	r := New()
	if err := r.RegisterAll("a", []Entry{entry("foo", "foo", "a", `{}`)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rev := r.Revision()

	err := r.RegisterAll("b", []Entry{entry("foo", "foo", "b", `{}`)})
	var dup *DuplicatePublicError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicatePublicError, got %v", err)
	}
	if dup.Name != "foo" {
		t.Errorf("got name %q", dup.Name)
	}
	if r.Revision() != rev {
		t.Errorf("revision changed on rejected batch: %d -> %d", rev, r.Revision())
	}
	if r.Count() != 1 {
		t.Errorf("expected registry unchanged, count=%d", r.Count())
	}
}

func TestRegisterAllRejectsIntraBatchCollision(t *testing.T) {
	r := New()
	err := r.RegisterAll("a", []Entry{entry("foo", "foo", "a", `{}`), entry("foo", "bar", "a", `{}`)})
	var dup *DuplicatePublicError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicatePublicError, got %v", err)
	}
	if r.Count() != 0 {
		t.Errorf("expected nothing inserted, count=%d", r.Count())
	}
}

func TestRegisterAllReplacesSameUpstream(t *testing.T) {
	r := New()
	_ = r.RegisterAll("a", []Entry{entry("foo", "foo", "a", `{}`)})
	if err := r.RegisterAll("a", []Entry{entry("bar", "bar", "a", `{}`)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := r.Get("foo"); ok {
		t.Error("expected old entry foo to be gone after re-registration")
	}
	if _, ok := r.Get("bar"); !ok {
		t.Error("expected new entry bar to be present")
	}
}

func TestRemoveAllIsAtomicAndBumpsRevisionOnce(t *testing.T) {
	r := New()
	_ = r.RegisterAll("a", []Entry{entry("foo", "foo", "a", `{}`), entry("baz", "baz", "a", `{}`)})
	rev := r.Revision()
	r.RemoveAll("a")
	if r.Count() != 0 {
		t.Errorf("expected all entries removed, count=%d", r.Count())
	}
	if r.Revision() != rev+1 {
		t.Errorf("expected revision to increment by exactly 1, got %d -> %d", rev, r.Revision())
	}
}

func TestRemoveAllNoopWhenEmpty(t *testing.T) {
	r := New()
	rev := r.Revision()
	r.RemoveAll("nonexistent")
	if r.Revision() != rev {
		t.Errorf("expected no-op, revision changed %d -> %d", rev, r.Revision())
	}
}

func TestHashIndependentOfInsertionOrder(t *testing.T) {
	r1 := New()
	_ = r1.RegisterAll("a", []Entry{entry("foo", "foo", "a", `{"x":1}`), entry("bar", "bar", "a", `{"y":2}`)})

	r2 := New()
	_ = r2.RegisterAll("a", []Entry{entry("bar", "bar", "a", `{"y":2}`), entry("foo", "foo", "a", `{"x":1}`)})

	if r1.Hash() != r2.Hash() {
		t.Errorf("hash depends on insertion order: %s != %s", r1.Hash(), r2.Hash())
	}
}

func TestHashChangesWithContent(t *testing.T) {
	r := New()
	_ = r.RegisterAll("a", []Entry{entry("foo", "foo", "a", `{"x":1}`)})
	h1 := r.Hash()
	_ = r.RegisterAll("a", []Entry{entry("foo", "foo", "a", `{"x":2}`)})
	h2 := r.Hash()
	if h1 == h2 {
		t.Error("expected hash to change when descriptor content changes")
	}
}
