// Package lock grants exclusive, time-bounded ownership of logical resources
// (a participant or an aggregate account) through the shared key-value store,
// so only one in-flight mutation touches a resource at a time.
package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"pamm-core/pkg/cache"

	"github.com/google/uuid"
)

// Resource granularities used across the engine.
const (
	ResourceParticipant = "participant"
	ResourceAggregate   = "aggregate"
)

// ErrBusy means another holder owns the resource. Callers must treat it as a
// retryable conflict and never proceed without a handle.
var ErrBusy = errors.New("lock: resource busy")

// Handle is a lease proving exclusive access. It is never persisted.
type Handle struct {
	ResourceType string
	ResourceID   string
	Token        string
	ExpiresAt    time.Time
}

// Manager acquires and releases leases against the shared store.
type Manager struct {
	store cache.Store
	log   *slog.Logger
}

func NewManager(store cache.Store, logger *slog.Logger) *Manager {
	return &Manager{store: store, log: logger}
}

// Acquire attempts an atomic test-and-set for the resource key. It never
// blocks: a held lock yields ErrBusy immediately. The TTL bounds worst-case
// leakage from a crashed holder.
func (m *Manager) Acquire(ctx context.Context, resourceType, resourceID string, ttl time.Duration) (*Handle, error) {
	token := uuid.NewString()
	key := cache.LockKey(resourceType, resourceID)

	ok, err := m.store.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBusy
	}

	return &Handle{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Token:        token,
		ExpiresAt:    time.Now().Add(ttl),
	}, nil
}

// Release frees the lease by compare-and-delete on the owner token. Releasing
// a stale or mismatched handle is a logged no-op: the lock of a newer holder
// is never removed.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	key := cache.LockKey(h.ResourceType, h.ResourceID)
	ok, err := m.store.CompareAndDelete(ctx, key, h.Token)
	if err != nil {
		return err
	}
	if !ok {
		m.log.Warn("release skipped: lock not owned by this handle",
			"resource", h.ResourceType, "id", h.ResourceID)
	}
	return nil
}
