// ratelimit.go holds two kinds of request throttling. The general HTTP
// throttle is a per-IP token bucket (in memory, or GCRA in Redis via
// redis_rate) that smooths traffic and fails open. ActionRateLimit applies a
// fixed-window ratelimit.Rule to one endpoint and fails closed.

package middleware

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/civic-directory/accessgate/internal/auth"
	"github.com/civic-directory/accessgate/internal/ratelimit"
)

// RateLimitConfig configures the HTTP throttle.
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained refill rate
	RequestsPerMinute int
	// BurstSize is the bucket capacity
	BurstSize int
	// CleanupInterval is how often idle in-memory buckets are dropped
	CleanupInterval time.Duration
}

// ThrottleResult is the outcome of a throttle check.
type ThrottleResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Throttle admits or rejects a single request for key.
type Throttle interface {
	Allow(ctx context.Context, key string) (ThrottleResult, error)
}

type bucketEntry struct {
	tokens     float64
	lastUpdate time.Time
}

// TokenBucketLimiter is an in-process token bucket per key.
type TokenBucketLimiter struct {
	config   RateLimitConfig
	entries  map[string]*bucketEntry
	mu       sync.Mutex
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewTokenBucketLimiter creates a limiter and starts its cleanup goroutine.
// Call Stop to release it.
func NewTokenBucketLimiter(config RateLimitConfig) *TokenBucketLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	rl := &TokenBucketLimiter{
		config:  config,
		entries: make(map[string]*bucketEntry),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

func (rl *TokenBucketLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep(10 * time.Minute)
		case <-rl.stopCh:
			return
		}
	}
}

// sweep drops buckets idle for longer than idle.
func (rl *TokenBucketLimiter) sweep(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for key, entry := range rl.entries {
		if now.Sub(entry.lastUpdate) > idle {
			delete(rl.entries, key)
			removed++
		}
	}
	return removed
}

// Stop stops the cleanup goroutine.
func (rl *TokenBucketLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *TokenBucketLimiter) tokensPerSecond() float64 {
	return float64(rl.config.RequestsPerMinute) / 60.0
}

// Allow implements Throttle.
func (rl *TokenBucketLimiter) Allow(_ context.Context, key string) (ThrottleResult, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	burst := float64(rl.config.BurstSize)
	res := ThrottleResult{Limit: rl.config.RequestsPerMinute}

	entry, exists := rl.entries[key]
	if !exists {
		entry = &bucketEntry{tokens: burst, lastUpdate: now}
		rl.entries[key] = entry
	} else {
		elapsed := now.Sub(entry.lastUpdate).Seconds()
		entry.tokens = min(burst, entry.tokens+elapsed*rl.tokensPerSecond())
		entry.lastUpdate = now
	}

	if entry.tokens >= 1 {
		entry.tokens--
		res.Allowed = true
		res.Remaining = int(entry.tokens)
		return res, nil
	}

	missing := 1 - entry.tokens
	res.RetryAfter = time.Duration(missing / rl.tokensPerSecond() * float64(time.Second))
	return res, nil
}

// RedisThrottle is a GCRA throttle shared by every replica through Redis.
type RedisThrottle struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
	prefix  string
}

// NewRedisThrottle creates a RedisThrottle using config's rate and burst.
func NewRedisThrottle(client redis.UniversalClient, config RateLimitConfig) *RedisThrottle {
	return &RedisThrottle{
		limiter: redis_rate.NewLimiter(client),
		limit: redis_rate.Limit{
			Rate:   config.RequestsPerMinute,
			Burst:  config.BurstSize,
			Period: time.Minute,
		},
		prefix: "accessgate:throttle:",
	}
}

// Allow implements Throttle.
func (t *RedisThrottle) Allow(ctx context.Context, key string) (ThrottleResult, error) {
	res, err := t.limiter.Allow(ctx, t.prefix+key, t.limit)
	if err != nil {
		return ThrottleResult{}, err
	}
	return ThrottleResult{
		Allowed:    res.Allowed > 0,
		Limit:      t.limit.Rate,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
	}, nil
}

// ThrottleMiddleware rejects clients that exceed the throttle with 429. Store
// errors are logged and the request is let through.
func ThrottleMiddleware(t Throttle) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := t.Allow(c.Request.Context(), "ip:"+c.ClientIP())
		if err != nil {
			slog.WarnContext(c.Request.Context(), "http throttle unavailable", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			AbortWithError(c, auth.RateLimited(res.RetryAfter))
			return
		}
		c.Next()
	}
}

// ActionRateLimit counts every request against rule, keyed by client IP.
func ActionRateLimit(limiter auth.RateChecker, rule ratelimit.Rule) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := limiter.Check(c.Request.Context(), c.ClientIP(), rule)
		if err != nil {
			AbortWithError(c, auth.Internal(err))
			return
		}
		if !d.Allowed {
			AbortWithError(c, auth.RateLimited(d.RetryAfter))
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rule.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Next()
	}
}
