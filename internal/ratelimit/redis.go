package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps sliding-window counters in a Redis sorted set per key,
// scored by hit timestamp. Sorted sets give an exact window without the
// burst-doubling artifact of fixed buckets, and a shared Redis means every
// gateway instance sees the same counters.
type RedisStore struct {
	client *redis.Client
}

// NewRedis creates a counter store backed by client.
func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Incr implements CounterStore. One pipeline prunes expired hits, records
// this one, and reads back the window population and its oldest member.
func (r *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	now := time.Now()
	cutoff := now.Add(-window)
	member := fmt.Sprintf("%d", now.UnixNano())

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff.UnixNano()))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	card := pipe.ZCard(ctx, key)
	oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)
	pipe.Expire(ctx, key, window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("redis rate limit pipeline: %w", err)
	}

	resetAt := now.Add(window)
	if hits := oldest.Val(); len(hits) > 0 {
		resetAt = time.Unix(0, int64(hits[0].Score)).Add(window)
	}
	return card.Val(), resetAt, nil
}

// Ping verifies connectivity; the server uses it at startup to decide
// between Redis and in-process counters.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
