package domain

import (
	"context"
	"time"
)

// Cache is the response/session cache collaborator: a key-value store with
// per-entry TTL. It is consulted on the read path only; the engine never
// assumes cache presence for correctness, and cache errors are logged, not
// propagated.
type Cache interface {
	// Get returns the cached value and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores a value with a TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes specific keys.
	Delete(ctx context.Context, keys ...string) error
	// DeleteByPrefix removes every key with the given prefix. Used for
	// session-scoped invalidation on termination and data mutation.
	DeleteByPrefix(ctx context.Context, prefix string) error
	// Close releases client resources.
	Close() error
}
