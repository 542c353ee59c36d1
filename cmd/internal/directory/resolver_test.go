package directory

import (
	"context"
	"testing"
)

func TestDisplayNameScopesToTenant(t *testing.T) {
	t.Parallel()

	r := NewMemoryResolver()
	r.Put(User{ID: "alice", TenantID: "t1", DisplayName: "Alice Liddell"})
	ctx := context.Background()

	name, ok, err := r.DisplayName(ctx, "t1", "alice")
	if err != nil {
		t.Fatalf("DisplayName: %v", err)
	}
	if !ok || name != "Alice Liddell" {
		t.Fatalf("got (%q, %v), want (Alice Liddell, true)", name, ok)
	}

	// Same user id under a different tenant is a miss.
	if _, ok, _ := r.DisplayName(ctx, "t2", "alice"); ok {
		t.Fatalf("cross-tenant lookup resolved")
	}
	if _, ok, _ := r.DisplayName(ctx, "t1", "bob"); ok {
		t.Fatalf("unknown user resolved")
	}
}

func TestDisplayNameBlankNameIsAMiss(t *testing.T) {
	t.Parallel()

	r := NewMemoryResolver()
	r.Put(User{ID: "ghost", TenantID: "t1", DisplayName: "  "})

	if _, ok, _ := r.DisplayName(context.Background(), "t1", "ghost"); ok {
		t.Fatalf("blank display name resolved")
	}
}
