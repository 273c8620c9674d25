// Package inbox deduplicates deliveries across the sender group using
// Redis. At-least-once delivery plus tail-republished retries make
// duplicate sends routine without it.
package inbox

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisInbox struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisInbox(rdb *redis.Client, ttl time.Duration, prefix string) *RedisInbox {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "inbox"
	}
	return &RedisInbox{rdb: rdb, ttl: ttl, prefix: prefix}
}

// Seen records the key and reports whether it was already present.
// SET NX is atomic, so exactly one consumer wins a given key.
func (i *RedisInbox) Seen(ctx context.Context, key string) (bool, error) {
	created, err := i.rdb.SetNX(ctx, i.prefix+":"+key, 1, i.ttl).Result()
	if err != nil {
		return false, err
	}
	return !created, nil
}

// ReadyCheck reports Redis reachability for the /readyz probe.
func ReadyCheck(rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}
