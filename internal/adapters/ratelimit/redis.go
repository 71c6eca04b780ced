// Package ratelimit throttles abuse-prone operations with fixed-window counters in Redis.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"churchevents/internal/domain"

	"github.com/redis/go-redis/v9"
)

// Rule is the number of attempts allowed per window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// RedisLimiter counts attempts per operation and key. A Redis failure lets the request through:
// the ledger itself enforces capacity and duplicates, the limiter only sheds load.
type RedisLimiter struct {
	client *redis.Client
	rules  map[string]Rule
	logger *slog.Logger
}

// NewRedisLimiter returns a limiter enforcing rules by operation name. Operations without a rule are
// always allowed.
func NewRedisLimiter(client *redis.Client, rules map[string]Rule, logger *slog.Logger) *RedisLimiter {
	return &RedisLimiter{client: client, rules: rules, logger: logger}
}

var _ domain.RateLimiter = (*RedisLimiter)(nil)

func (r *RedisLimiter) Allow(ctx context.Context, operation, key string) (bool, error) {
	rule, ok := r.rules[operation]
	if !ok || rule.Limit <= 0 {
		return true, nil
	}
	redisKey := fmt.Sprintf("ratelimit:%s:%s", operation, key)

	count, err := r.client.Incr(ctx, redisKey).Result()
	if err != nil {
		r.logger.WarnContext(ctx, "rate limiter unavailable, allowing request", "operation", operation, "err", err)
		return true, fmt.Errorf("rate limit %s: %w", operation, err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, redisKey, rule.Window).Err(); err != nil {
			r.logger.WarnContext(ctx, "rate limit window not set", "key", redisKey, "err", err)
		}
	}
	return count <= int64(rule.Limit), nil
}

// Reset clears the counter for key.
func (r *RedisLimiter) Reset(ctx context.Context, operation, key string) error {
	return r.client.Del(ctx, fmt.Sprintf("ratelimit:%s:%s", operation, key)).Err()
}

// Noop allows everything. Used when no Redis URL is configured.
type Noop struct{}

func (Noop) Allow(context.Context, string, string) (bool, error) { return true, nil }
