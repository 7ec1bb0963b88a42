package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// KeyFunc picks the bucket for a request. Defaults to practice + client IP.
	KeyFunc func(c echo.Context) string
	// Scope is reported in the 429 message, e.g. "extraction".
	Scope string
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
	}
}

// limiterStore holds one token bucket per key.
type limiterStore struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newLimiterStore(cfg RateLimitConfig) *limiterStore {
	burst := cfg.BurstSize
	if burst < 1 {
		burst = 1
	}
	return &limiterStore{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(cfg.RequestsPerSecond),
		burst:    burst,
	}
}

func (s *limiterStore) get(key string) *rate.Limiter {
	s.mu.RLock()
	l, ok := s.limiters[key]
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.limiters[key]; ok {
		return l
	}
	l = rate.NewLimiter(s.limit, s.burst)
	s.limiters[key] = l
	return l
}

// retryAfter reports whole seconds until the next token without consuming it.
func retryAfter(l *rate.Limiter) int {
	r := l.Reserve()
	delay := r.Delay()
	r.Cancel()
	if delay == rate.InfDuration {
		return 60
	}
	secs := int(math.Ceil(delay.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func defaultRateKey(c echo.Context) string {
	key := c.RealIP()
	if pid, ok := c.Get("jwt_practice_id").(string); ok && pid != "" {
		key = pid + ":" + key
	}
	return key
}

// UserRateKey buckets by authenticated user within a practice, falling back
// to the default key for anonymous requests.
func UserRateKey(c echo.Context) string {
	if uid, ok := c.Get("user_id").(string); ok && uid != "" {
		pid, _ := c.Get("jwt_practice_id").(string)
		return "user:" + pid + ":" + uid
	}
	return defaultRateKey(c)
}

// RateLimit rejects requests beyond the configured rate with 429 and a
// Retry-After header.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := newLimiterStore(cfg)
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = defaultRateKey
	}
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)
	msg := "rate limit exceeded"
	if cfg.Scope != "" {
		msg = cfg.Scope + " rate limit exceeded"
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			l := store.get(keyFunc(c))
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limitHeader)

			if !l.AllowN(time.Now(), 1) {
				h.Set("Retry-After", strconv.Itoa(retryAfter(l)))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, msg)
			}
			return next(c)
		}
	}
}
