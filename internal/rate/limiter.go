package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"notification-gateway/internal/db"
)

type Limiter struct {
	redis  *db.RedisDB
	logger *zap.Logger
	rps    int
	burst  int
}

func NewLimiter(redis *db.RedisDB, logger *zap.Logger, rps, burst int) *Limiter {
	return &Limiter{
		redis:  redis,
		logger: logger,
		rps:    rps,
		burst:  burst,
	}
}

// Allow checks if a site is within its rate limit using a token bucket
// kept in Redis.
func (l *Limiter) Allow(ctx context.Context, siteID uuid.UUID) (bool, time.Duration, error) {
	key := fmt.Sprintf("rate_limit:%s", siteID)
	now := time.Now()
	windowStart := now.Truncate(time.Second)

	current, err := l.redis.Get(ctx, key).Result()

	currentTokens := l.burst
	lastRefill := windowStart

	if err == nil {
		// Parse existing data: "tokens:timestamp"
		var lastRefillUnix int64
		fmt.Sscanf(current, "%d:%d", &currentTokens, &lastRefillUnix)
		lastRefill = time.Unix(lastRefillUnix, 0)
	} else if err != redis.Nil {
		return false, 0, fmt.Errorf("rate limit lookup failed: %w", err)
	}

	// Refill based on elapsed time, capped at the burst limit
	elapsed := windowStart.Sub(lastRefill)
	tokensToAdd := int(elapsed.Seconds()) * l.rps
	currentTokens = min(currentTokens+tokensToAdd, l.burst)

	if currentTokens <= 0 {
		retryAfter := time.Second - time.Duration(now.Nanosecond())
		return false, retryAfter, nil
	}

	currentTokens--

	newValue := fmt.Sprintf("%d:%d", currentTokens, windowStart.Unix())
	if err := l.redis.Set(ctx, key, newValue, time.Minute).Err(); err != nil {
		l.logger.Warn("failed to persist rate limit bucket", zap.Error(err))
	}

	return true, 0, nil
}

// Reset clears the bucket for a site.
func (l *Limiter) Reset(ctx context.Context, siteID uuid.UUID) error {
	key := fmt.Sprintf("rate_limit:%s", siteID)
	return l.redis.Del(ctx, key).Err()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
