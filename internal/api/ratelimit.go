package api

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/victornm/mutely/internal/errors"
)

const defaultCleanupInterval = 5 * time.Minute

type RateLimiterConfig struct {
	PerMinute       int
	Burst           int
	CleanupInterval time.Duration
	Now             func() time.Time
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter limits requests per client IP.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	cleanup time.Duration
	now     func() time.Time

	mu       sync.Mutex
	limiters map[string]*clientLimiter

	stop chan struct{}
	once sync.Once
}

func NewRateLimiter(c RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		limit:    rate.Limit(float64(c.PerMinute) / 60),
		burst:    c.Burst,
		cleanup:  c.CleanupInterval,
		now:      c.Now,
		limiters: make(map[string]*clientLimiter),
		stop:     make(chan struct{}),
	}
	if rl.cleanup <= 0 {
		rl.cleanup = defaultCleanupInterval
	}
	if rl.now == nil {
		rl.now = time.Now
	}
	if rl.burst <= 0 {
		rl.burst = 1
	}

	go rl.cleanupLoop()

	return rl
}

func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if rl.Allow(ip) {
			c.Next()
			return
		}

		slog.WarnContext(c.Request.Context(), "api: rate limit exceeded", "client_ip", ip, "path", c.FullPath())

		c.Header("Retry-After", strconv.Itoa(rl.retryAfter()))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
			Code:    errors.CodeResourceExhausted.String(),
			Message: "too many requests",
		})
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()

	rl.mu.Lock()
	cl, ok := rl.limiters[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = cl
	}
	cl.lastAccess = now
	rl.mu.Unlock()

	return cl.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// retryAfter is the number of seconds until one token is back.
func (rl *RateLimiter) retryAfter() int {
	if rl.limit <= 0 {
		return 60
	}
	return max(1, int(math.Ceil(1/float64(rl.limit))))
}

func (rl *RateLimiter) cleanupLoop() {
	t := time.NewTicker(rl.cleanup)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			rl.Sweep()
		case <-rl.stop:
			return
		}
	}
}

// Sweep drops limiters idle for more than twice the cleanup interval.
func (rl *RateLimiter) Sweep() {
	ttl := 2 * rl.cleanup
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, cl := range rl.limiters {
		if now.Sub(cl.lastAccess) > ttl {
			delete(rl.limiters, key)
		}
	}
}
