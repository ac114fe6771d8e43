package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the shared Inflight for multi-instance deployments. SET NX
// gives atomic claim-with-TTL semantics across processes.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, "inflight:"+key, 1, ttl).Result()
}
