// Package directory resolves user ids to display profiles. The search
// projector uses it to denormalize sender names into search documents.
package directory

import (
	"context"
	"strings"
	"sync"
)

// User is one directory profile.
type User struct {
	ID          string
	TenantID    string
	DisplayName string
}

// Resolver looks up the display name for a user. A miss is not an error:
// implementations return ok=false and callers fall back to the raw id.
type Resolver interface {
	DisplayName(ctx context.Context, tenantID, userID string) (name string, ok bool, err error)
}

// MemoryResolver is a process-local Resolver for tests and dev mode.
type MemoryResolver struct {
	mu    sync.RWMutex
	users map[string]User // tenant id + "/" + user id
}

// NewMemoryResolver constructs an empty in-memory Resolver.
func NewMemoryResolver() *MemoryResolver {
	return &MemoryResolver{users: make(map[string]User)}
}

// Put registers or replaces a profile.
func (r *MemoryResolver) Put(u User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[key(u.TenantID, u.ID)] = u
}

// DisplayName implements Resolver.
func (r *MemoryResolver) DisplayName(ctx context.Context, tenantID, userID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[key(tenantID, userID)]
	if !ok || strings.TrimSpace(u.DisplayName) == "" {
		return "", false, nil
	}
	return u.DisplayName, true, nil
}

func key(tenantID, userID string) string {
	return tenantID + "/" + userID
}
