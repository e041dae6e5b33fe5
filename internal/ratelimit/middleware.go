package ratelimit

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/limiter"

	"github.com/joshlacal/mls-delivery-service/internal/apierror"
	"github.com/joshlacal/mls-delivery-service/internal/httputil"
)

// PerIP returns the unauthenticated per-IP limiter. Mount it ahead of RequireAuth in the middleware
// chain.
func PerIP(max int, window time.Duration) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		LimitReached: func(c fiber.Ctx) error {
			seconds := int(window.Seconds())
			c.Set("Retry-After", strconv.Itoa(seconds))
			return httputil.FailErr(c, apierror.New(fiber.StatusTooManyRequests, apierror.RateLimited,
				"too many requests from this IP").WithRetryAfter(seconds))
		},
	})
}

// PerDID returns middleware enforcing the per-(DID, endpoint-class) budget for class. Must be placed
// after the auth middleware so that c.Locals("did") is populated.
func PerDID(limiter *DIDLimiter, class Class) fiber.Handler {
	return func(c fiber.Ctx) error {
		did, ok := c.Locals("did").(string)
		if !ok || did == "" {
			return httputil.FailErr(c, apierror.New(fiber.StatusUnauthorized, apierror.Unauthorized,
				"authentication required"))
		}

		allowed, retryAfter := limiter.Allow(did, class)
		if !allowed {
			seconds := int(retryAfter.Seconds()) + 1
			c.Set("Retry-After", strconv.Itoa(seconds))
			return httputil.FailErr(c, apierror.New(fiber.StatusTooManyRequests, apierror.RateLimited,
				"rate limit exceeded for this endpoint").WithRetryAfter(seconds))
		}
		return c.Next()
	}
}
