package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL is how long an untouched client bucket is kept. Zero means
	// ten minutes.
	IdleTTL time.Duration
}

// LoginRateLimitConfig returns the default limits for credential endpoints.
func LoginRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         10,
	}
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

func newTokenBucket(rate float64, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: now,
	}
}

// take refills the bucket for the elapsed time and consumes one token.
// When no token is available it returns the seconds until one will be.
func (b *tokenBucket) take(now time.Time) (ok bool, retryAfter int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if b.refillRate <= 0 {
		return false, 1
	}
	return false, int((1-b.tokens)/b.refillRate) + 1
}

func (b *tokenBucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastRefill)
}

// bucketStore holds one bucket per client key and drops idle ones every
// sweepEvery insertions.
type bucketStore struct {
	mu       sync.Mutex
	buckets  map[string]*tokenBucket
	cfg      RateLimitConfig
	inserted int
}

const sweepEvery = 1024

func newBucketStore(cfg RateLimitConfig) *bucketStore {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &bucketStore{buckets: make(map[string]*tokenBucket), cfg: cfg}
}

func (s *bucketStore) get(key string, now time.Time) *tokenBucket {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[key]; ok {
		return b
	}

	s.inserted++
	if s.inserted%sweepEvery == 0 {
		for k, b := range s.buckets {
			if b.idleSince(now) > s.cfg.IdleTTL {
				delete(s.buckets, k)
			}
		}
	}

	b := newTokenBucket(s.cfg.RequestsPerSecond, s.cfg.BurstSize, now)
	s.buckets[key] = b
	return b
}

func (s *bucketStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// RateLimit limits requests per client IP with a token bucket each.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := newBucketStore(cfg)
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			now := time.Now()
			ok, retryAfter := store.get(c.RealIP(), now).take(now)

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			if !ok {
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "too many requests, please try again later")
			}
			return next(c)
		}
	}
}
