package cache

import (
	"context"
	"time"
)

// Inflight deduplicates identical in-flight producer requests for a
// short window. Acquire returns true when the caller owns the key for
// the TTL, false when an identical request is already in flight.
type Inflight interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
