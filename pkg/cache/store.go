package cache

import (
	"context"
	"time"
)

// Store abstracts the shared key-value fast path: hash-style records for
// canonical projections and snapshots, atomic conditional set with TTL for
// lock leases, and a publish/notify channel for downstream listeners.
//
// The cache is always a derived, reconstructable view. Callers must never
// treat it as the sole source of truth; a miss falls back to the system of
// record (see internal/resolver).
type Store interface {
	// HGetAll returns every field of the hash at key. A missing key yields an
	// empty map and no error.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HSet merges fields into the hash at key, creating it if needed.
	HSet(ctx context.Context, key string, fields map[string]string) error

	// Delete removes a key (hash or plain value). Missing keys are a no-op.
	Delete(ctx context.Context, key string) error

	// SetNX stores value at key only if the key is absent, with an expiry.
	// Returns true when the value was stored. This is the lock primitive:
	// acquisition must fail closed while another holder exists.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete removes key only if its current value equals value.
	// Returns true when the key was removed. Safe against stale holders.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)

	// Publish notifies subscribers of channel. Delivery is best effort;
	// failure to notify must be non-fatal to the caller.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe returns a receive channel for payloads published on channel
	// and an unsubscribe function.
	Subscribe(channel string, buffer int) (<-chan string, func())
}

// Well-known key and channel layouts shared by producers and consumers.

// OrderKey is the canonical projection of one order.
func OrderKey(orderID string) string { return "order:" + orderID }

// MarginKey is a participant's live free-margin snapshot.
func MarginKey(participantID string) string { return "margin:" + participantID }

// LockKey is a lock lease for a logical resource.
func LockKey(resourceType, resourceID string) string {
	return "lock:" + resourceType + ":" + resourceID
}

// PriceKey is the last observed price for a symbol.
func PriceKey(symbol string) string { return "price:" + symbol }

// ChannelOrderUpdated carries order ids whose canonical projection changed.
const ChannelOrderUpdated = "orders.updated"
