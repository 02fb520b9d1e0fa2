package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/authz-engine/agentic-core/pkg/types"
)

// RedisLimiter is a sliding-window limiter on a shared Redis instance,
// for deployments where enforcement state must span processes. Each event
// is a ZSET member scored by its timestamp.
type RedisLimiter struct {
	client    redis.UniversalClient
	limit     int
	window    time.Duration
	keyPrefix string
}

// NewRedisLimiter creates a Redis-backed sliding-window limiter
func NewRedisLimiter(client redis.UniversalClient, limit int, window time.Duration, keyPrefix string) *RedisLimiter {
	if keyPrefix == "" {
		keyPrefix = "authz:ratelimit:"
	}
	return &RedisLimiter{
		client:    client,
		limit:     limit,
		window:    window,
		keyPrefix: keyPrefix,
	}
}

var _ Limiter = (*RedisLimiter)(nil)

// Allow implements Limiter
func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := r.keyPrefix + key
	now := time.Now()
	cutoff := now.Add(-r.window)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", cutoff.UnixNano()))
	card := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("%w: ratelimit read: %v", types.ErrStore, err)
	}

	if int(card.Val()) >= r.limit {
		return false, nil
	}

	pipe = r.client.TxPipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.NewString(),
	})
	pipe.Expire(ctx, redisKey, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("%w: ratelimit write: %v", types.ErrStore, err)
	}
	return true, nil
}

// Count implements Limiter
func (r *RedisLimiter) Count(ctx context.Context, key string) (int, error) {
	redisKey := r.keyPrefix + key
	cutoff := time.Now().Add(-r.window)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", cutoff.UnixNano()))
	card := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: ratelimit count: %v", types.ErrStore, err)
	}
	return int(card.Val()), nil
}

// Reset implements Limiter
func (r *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("%w: ratelimit reset: %v", types.ErrStore, err)
	}
	return nil
}

// Close implements Limiter
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
