package session

import (
	"context"
	"log/slog"
	"testing"
)

func newTestRegistry() (*Registry, map[string]*fakeUplink) {
	links := make(map[string]*fakeUplink)
	var n int
	cfg := RegistryConfig{
		NewLink: func(logger *slog.Logger) Uplink {
			link := newFakeUplink()
			links[string(rune('a'+n))] = link
			n++
			return link
		},
		Resolver: &fakeResolver{tokens: map[string]string{"NSE|TCS-EQ": "22"}},
	}
	return NewRegistry(cfg), links
}

func TestRegistry_FindOrCreate(t *testing.T) {
	r, _ := newTestRegistry()

	s1 := r.FindOrCreate("FZ12004", "cred-1")
	s2 := r.FindOrCreate("FZ12004", "cred-1")
	if s1 != s2 {
		t.Error("same credential must map to the same session")
	}

	s3 := r.FindOrCreate("FZ99999", "cred-2")
	if s3 == s1 {
		t.Error("distinct credentials must get distinct sessions")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestRegistry_Get(t *testing.T) {
	r, _ := newTestRegistry()

	if _, ok := r.Get("cred-1"); ok {
		t.Error("Get before create should miss")
	}
	r.FindOrCreate("FZ12004", "cred-1")
	if _, ok := r.Get("cred-1"); !ok {
		t.Error("Get after create should hit")
	}
}

func TestRegistry_Evict(t *testing.T) {
	r, links := newTestRegistry()
	ctx := context.Background()

	s := r.FindOrCreate("FZ12004", "cred-1")
	s.Connect(ctx)

	r.Evict(ctx, "cred-1")
	if r.Len() != 0 {
		t.Errorf("Len after evict = %d, want 0", r.Len())
	}
	if !links["a"].closed {
		t.Error("evict must close the session's link")
	}

	// Evicting an unknown credential is a no-op.
	r.Evict(ctx, "cred-404")
}

func TestRegistry_CloseAll(t *testing.T) {
	r, links := newTestRegistry()
	ctx := context.Background()

	r.FindOrCreate("FZ12004", "cred-1").Connect(ctx)
	r.FindOrCreate("FZ99999", "cred-2").Connect(ctx)

	r.CloseAll(ctx)
	if r.Len() != 0 {
		t.Errorf("Len after CloseAll = %d, want 0", r.Len())
	}
	for name, link := range links {
		if !link.closed {
			t.Errorf("link %s not closed", name)
		}
	}
}
