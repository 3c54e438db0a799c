package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// GlobalLimiter is a limiter shared by every server instance, such as
// cache.RedisClient.
type GlobalLimiter interface {
	AllowAction(ctx context.Context, userID, action string, rate, burst int) (bool, error)
}

type RateLimiter struct {
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	rps      int
	rate     rate.Limit
	burst    int
	global   GlobalLimiter
	log      *slog.Logger
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(rps int, log *slog.Logger) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		rps:      rps,
		rate:     rate.Limit(rps),
		burst:    rps * 2,
		log:      log,
	}
}

// WithGlobal makes the limiter consult a shared limiter first. Local
// buckets are used when the shared limiter fails.
func (rl *RateLimiter) WithGlobal(global GlobalLimiter) *RateLimiter {
	rl.global = global
	return rl
}

// Allow reports whether userID may perform action now
func (rl *RateLimiter) Allow(ctx context.Context, userID, action string) bool {
	if rl.global != nil {
		allowed, err := rl.global.AllowAction(ctx, userID, action, rl.rps, rl.burst)
		if err == nil {
			return allowed
		}
		rl.log.Warn("shared rate limiter failed, using local bucket", "error", err)
	}
	return rl.getLimiter(userID + ":" + action).Allow()
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = time.Now()

	return entry.limiter
}

// Cleanup drops limiters idle for longer than maxIdle until ctx is done
func (rl *RateLimiter) Cleanup(ctx context.Context, maxIdle time.Duration) {
	ticker := time.NewTicker(maxIdle)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				rl.evictIdle(now, maxIdle)
			}
		}
	}()
}

func (rl *RateLimiter) evictIdle(now time.Time, maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > maxIdle {
			delete(rl.limiters, key)
		}
	}
}

// RateLimitMiddleware limits requests per user and route
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		if userID == "" {
			c.Next()
			return
		}

		if !rl.Allow(c.Request.Context(), userID, c.FullPath()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}

		c.Next()
	}
}
