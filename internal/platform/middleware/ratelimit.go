package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/opd/opd/internal/platform/auth"
)

// RateLimitConfig sets the coarse per-source limit applied in front of
// the whole API. Finer per-client quotas live in ratelimit_client.go.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 100, BurstSize: 200}
}

// sourceLimiter keeps one token bucket per source key. One mutex
// guards the map and every bucket; the critical section is a few
// arithmetic operations.
type sourceLimiter struct {
	mu      sync.Mutex
	cfg     RateLimitConfig
	buckets map[string]*bucketState
	now     func() time.Time
}

type bucketState struct {
	tokens float64
	topped time.Time
}

func newSourceLimiter(cfg RateLimitConfig) *sourceLimiter {
	return &sourceLimiter{
		cfg:     cfg,
		buckets: make(map[string]*bucketState),
		now:     time.Now,
	}
}

// take refills the key's bucket for the elapsed time and spends one
// token. When the bucket is empty it reports how long until the next
// token accrues.
func (l *sourceLimiter) take(key string) (ok bool, retryAfter int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, exists := l.buckets[key]
	if !exists {
		b = &bucketState{tokens: float64(l.cfg.BurstSize), topped: now}
		l.buckets[key] = b
	}

	b.tokens += now.Sub(b.topped).Seconds() * l.cfg.RequestsPerSecond
	if max := float64(l.cfg.BurstSize); b.tokens > max {
		b.tokens = max
	}
	b.topped = now

	if b.tokens < 1 {
		if l.cfg.RequestsPerSecond <= 0 {
			return false, 1
		}
		return false, int((1-b.tokens)/l.cfg.RequestsPerSecond) + 1
	}
	b.tokens--
	return true, 0
}

// RateLimit guards the API against a single misbehaving source. Keys
// are the caller's IP, prefixed by the hospital claim when the caller
// is authenticated so that one hospital's spike cannot starve another
// behind the same proxy.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	limiter := newSourceLimiter(cfg)
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			if hospitalID := auth.HospitalIDFromContext(c.Request().Context()); hospitalID != "" {
				key = hospitalID + ":" + key
			}

			c.Response().Header().Set("X-RateLimit-Limit", limitHeader)
			if ok, retryAfter := limiter.take(key); !ok {
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
