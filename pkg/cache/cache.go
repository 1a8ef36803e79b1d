// Package cache is the storage capability behind the token store. Backends
// own eviction and persistence; callers only see get/set/delete/has with a
// TTL. Values are opaque bytes so the token envelope stays self-describing.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	// Get returns the stored value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key for ttl. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key, reporting whether anything was removed.
	Delete(ctx context.Context, key string) (bool, error)

	// Has reports whether key is present and unexpired.
	Has(ctx context.Context, key string) (bool, error)
}
