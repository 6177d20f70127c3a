package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window per-identity limiter backed by the
// lock store. Identity is the authenticated user when present, the
// client IP otherwise.
type RateLimiter struct {
	redis  *redis.Client
	Limit  int
	Window time.Duration
}

func NewRateLimiter(redisClient *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{redis: redisClient, Limit: limit, Window: window}
}

func (r *RateLimiter) allow(ctx context.Context, scope, identity string) (bool, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", scope, identity)
	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		r.redis.Expire(ctx, key, r.Window)
	}
	return count <= int64(r.Limit), nil
}

// HoldRateLimit limits hold attempts per identity. Fail-open: when the
// lock store is unreachable the hold path will surface that error
// itself.
func (r *RateLimiter) HoldRateLimit() func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		identity := e.RealIP()
		if e.Auth != nil {
			identity = fmt.Sprintf("user:%s", e.Auth.Id)
		}

		ok, err := r.allow(e.Request.Context(), "hold", identity)
		if err != nil {
			return e.Next()
		}
		if !ok {
			return apis.NewTooManyRequestsError("Rate limit exceeded. Please try again later.", nil)
		}
		return e.Next()
	}
}

// AntiBotMiddleware rejects obvious scripted clients before they reach
// the hold path.
func (r *RateLimiter) AntiBotMiddleware() func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if isSuspiciousUserAgent(e.Request.Header.Get("User-Agent")) {
			return apis.NewForbiddenError("Access denied", nil)
		}

		ok, err := r.allow(e.Request.Context(), "antibot", e.RealIP())
		if err == nil && !ok {
			return apis.NewTooManyRequestsError("Too many requests", nil)
		}
		return e.Next()
	}
}

func isSuspiciousUserAgent(ua string) bool {
	suspicious := []string{"bot", "crawler", "spider", "scraper"}
	for _, pattern := range suspicious {
		if strings.Contains(strings.ToLower(ua), pattern) {
			return true
		}
	}
	return false
}
