package agentregistry

import (
	"path/filepath"
	"testing"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	r, err := Open(filepath.Join(dir, "channel"), filepath.Join(dir, "agents"))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestSoftDeleteClearsFocusAndBlocksResolve(t *testing.T) {
	r := newTestRegistry(t)

	if _, err := r.CreateAgent("jack", ""); err != nil {
		t.Fatal(err)
	}
	if err := r.SetFocus("telegram:123", "jack"); err != nil {
		t.Fatal(err)
	}
	if got := r.ResolveFocus("telegram:123"); got != "jack" {
		t.Fatalf("expected focus jack, got %s", got)
	}

	if err := r.SoftDelete("jack"); err != nil {
		t.Fatal(err)
	}

	if got := r.ResolveFocus("telegram:123"); got != DefaultAgentID {
		t.Fatalf("invariant 6 violated: resolveFocus returned %q after soft delete", got)
	}

	if err := r.SetFocus("telegram:123", "jack"); err != ErrNotActive {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestRecreateAfterSoftDeleteAllowsFocusAgain(t *testing.T) {
	r := newTestRegistry(t)

	if _, err := r.CreateAgent("jack", ""); err != nil {
		t.Fatal(err)
	}
	if err := r.SoftDelete("jack"); err != nil {
		t.Fatal(err)
	}
	if err := r.SetFocus("telegram:123", "jack"); err != ErrNotActive {
		t.Fatalf("expected agent_not_active before recreate, got %v", err)
	}

	if _, err := r.CreateAgent("jack", ""); err != nil {
		t.Fatalf("recreate failed: %v", err)
	}
	if err := r.SetFocus("telegram:123", "jack"); err != nil {
		t.Fatalf("expected focus to succeed after recreate, got %v", err)
	}
}

func TestCannotDeleteDefault(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.SoftDelete(DefaultAgentID); err != ErrCannotDelete {
		t.Fatalf("expected ErrCannotDelete, got %v", err)
	}
}

func TestReservedIDsRejected(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []string{"default", "all", "system"} {
		if _, err := r.CreateAgent(id, ""); err != ErrReserved {
			t.Fatalf("expected ErrReserved for %q, got %v", id, err)
		}
	}
}
