package middleware

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/gabrielkendy/agenciabase-sub002/internal/ratelimit"
	"github.com/gabrielkendy/agenciabase-sub002/pkg/response"
)

// Allower decides whether one more request of identity fits its window.
type Allower interface {
	Allow(ctx context.Context, identity string, limit int, window time.Duration) (ratelimit.Result, error)
}

type RateLimiter struct {
	limiter Allower
}

func NewRateLimiter(limiter Allower) *RateLimiter {
	return &RateLimiter{limiter: limiter}
}

// Limit creates a rate limiting middleware keyed by organization and user.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		orgID := GetOrganizationID(c)
		if orgID == "" || maxRequests <= 0 {
			return c.Next()
		}

		identity := keyPrefix + ":" + orgID + ":" + GetUserID(c)
		res, _ := rl.limiter.Allow(c.UserContext(), identity, maxRequests, window)

		c.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			c.Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			return response.RateLimited(c)
		}
		return c.Next()
	}
}

// SubmitLimit throttles job submission per minute.
func (rl *RateLimiter) SubmitLimit(maxPerMin int) fiber.Handler {
	return rl.Limit("submit", maxPerMin, time.Minute)
}

// ReadLimit throttles status and listing endpoints per minute.
func (rl *RateLimiter) ReadLimit(maxPerMin int) fiber.Handler {
	return rl.Limit("read", maxPerMin, time.Minute)
}
