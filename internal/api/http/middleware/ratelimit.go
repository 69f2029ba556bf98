package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	enrollmentLimit  = 5
	enrollmentWindow = 60 * time.Second
)

// RateLimiter is a sliding-window per-IP limiter for the agent enrollment
// endpoint. Enrollment is the only unauthenticated-by-JWT surface, so it is
// the one worth throttling against token brute force.
type RateLimiter struct {
	mu        sync.Mutex
	hits      map[string][]time.Time
	limit     int
	window    time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = enrollmentLimit
	}
	if window <= 0 {
		window = enrollmentWindow
	}
	return &RateLimiter{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records a hit for the key and reports whether it is within the
// limit. When denied, retryAfter is how long until the oldest hit leaves
// the window.
func (rl *RateLimiter) Allow(key string) (allowed bool, retryAfter time.Duration) {
	now := rl.now()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Keys are pruned on their own lookups, so a client that never comes
	// back would pin its slice forever without this sweep.
	if now.Sub(rl.lastSweep) >= rl.window {
		for k, ts := range rl.hits {
			if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
				delete(rl.hits, k)
			}
		}
		rl.lastSweep = now
	}

	recent := rl.hits[key][:0]
	for _, t := range rl.hits[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.limit {
		rl.hits[key] = recent
		return false, rl.window - now.Sub(recent[0])
	}

	rl.hits[key] = append(recent, now)
	return true, 0
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retryAfter := rl.Allow(c.ClientIP())
		if !allowed {
			seconds := int(retryAfter.Round(time.Second).Seconds())
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "too many enrollment attempts",
				"retryAfter": seconds,
			})
			return
		}
		c.Next()
	}
}
