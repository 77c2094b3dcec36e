// Package ratelimit implements a Redis-backed fixed-window request limiter.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Limiter caps requests per client per minute. A nil *Limiter allows
// everything, so callers need no guard when rate limiting is disabled.
type Limiter struct {
	rdb    *redis.Client
	limit  int
	logger *zap.Logger
}

func New(redisURL string, perMinute int, logger *zap.Logger) (*Limiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}
	return &Limiter{rdb: rdb, limit: perMinute, logger: logger}, nil
}

// Allow reports whether client may proceed in the current minute window.
// Redis errors fail open with a warning.
func (l *Limiter) Allow(ctx context.Context, client string) bool {
	if l == nil {
		return true
	}

	key := fmt.Sprintf("ratelimit:%s:%s", client, time.Now().UTC().Format("200601021504"))

	pipe := l.rdb.TxPipeline()
	count := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("rate limiter redis error, failing open", zap.Error(err))
		return true
	}

	return count.Val() <= int64(l.limit)
}

// Ping reports Redis health for the readiness probe.
func (l *Limiter) Ping(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.rdb.Ping(ctx).Err()
}
