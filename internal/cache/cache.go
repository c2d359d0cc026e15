package cache

import (
	"context"
	"time"
)

// Negative is the sentinel stored for a key that is confirmed absent in the
// backing store, so repeat misses can be answered without a query.
const Negative = "\x00notexists"

// Cache is a namespaced key/value collaborator. Values are opaque strings
// (the stores put JSON there); ok reports whether the key was present at all,
// including when the value is the Negative sentinel.
type Cache interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// IsNegative reports whether a cached value is the confirmed-absent marker.
func IsNegative(v string) bool { return v == Negative }
