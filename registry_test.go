package schwartz

import (
	"context"
	"testing"
)

func nopHandler(_ context.Context, _ *Job) error { return nil }

func TestRegistryPreservesOrder(t *testing.T) {
	r := newAbilityRegistry()
	for _, name := range []string{"c", "a", "b"} {
		r.register(name, NewAbility(name, nopHandler))
	}

	names := r.names()
	want := []string{"c", "a", "b"}
	if len(names) != len(want) {
		t.Fatalf("names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names() = %v, want %v", names, want)
		}
	}

	// Re-registering replaces the descriptor without duplicating the name.
	r.register("a", NewAbility("a", nopHandler))
	if got := len(r.names()); got != 3 {
		t.Errorf("names() after re-register has %d entries, want 3", got)
	}
}

func TestRegistryReset(t *testing.T) {
	r := newAbilityRegistry()
	r.register("x", NewAbility("x", nopHandler))
	r.reset()
	if _, ok := r.get("x"); ok {
		t.Error("get() after reset found a descriptor")
	}
	if got := r.names(); len(got) != 0 {
		t.Errorf("names() after reset = %v, want empty", got)
	}
}

func TestAbilityHandlesExtraNames(t *testing.T) {
	a := NewAbility("thumbnail", nopHandler, WithHandles("thumbnail_v2", "thumbnail_legacy"))
	handles := a.Handles()
	want := []string{"thumbnail", "thumbnail_v2", "thumbnail_legacy"}
	if len(handles) != len(want) {
		t.Fatalf("Handles() = %v, want %v", handles, want)
	}
	for i := range want {
		if handles[i] != want[i] {
			t.Fatalf("Handles() = %v, want %v", handles, want)
		}
	}
}

func TestAbilityDefaults(t *testing.T) {
	a := NewAbility("plain", nopHandler)
	if got := a.MaxRetries(nil); got != 0 {
		t.Errorf("MaxRetries() = %d, want 0", got)
	}
	if got := a.RetryDelay(3); got != 0 {
		t.Errorf("RetryDelay(3) = %v, want 0", got)
	}
	if a.GrabFor() <= 0 {
		t.Errorf("GrabFor() = %v, want positive default", a.GrabFor())
	}
	if got := a.KeepExitStatusFor(); got != 0 {
		t.Errorf("KeepExitStatusFor() = %v, want 0", got)
	}
}

func TestAbilityMaxRetriesFunc(t *testing.T) {
	a := NewAbility("variable", nopHandler,
		WithMaxRetries(1),
		WithMaxRetriesFunc(func(j *Job) int {
			if j != nil && j.Priority > 5 {
				return 10
			}
			return 2
		}),
	)
	if got := a.MaxRetries(&Job{Priority: 9}); got != 10 {
		t.Errorf("MaxRetries(high priority) = %d, want 10", got)
	}
	if got := a.MaxRetries(&Job{}); got != 2 {
		t.Errorf("MaxRetries(default) = %d, want 2", got)
	}
}
