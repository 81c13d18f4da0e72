package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jellydator/ttlcache/v3"
)

// RateLimiter implements fixed one-minute windows per key. Counters
// live in a TTL cache so idle keys evict themselves.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	windows *ttlcache.Cache[string, int]
}

// NewRateLimiter creates a limiter allowing `limit` hits per key per minute
func NewRateLimiter(limit int) *RateLimiter {
	windows := ttlcache.New[string, int](
		ttlcache.WithTTL[string, int](time.Minute),
		ttlcache.WithDisableTouchOnHit[string, int](),
	)
	go windows.Start()

	return &RateLimiter{limit: limit, windows: windows}
}

// Allow records one hit for key and reports whether it is within limit
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	if item := r.windows.Get(key); item != nil {
		count = item.Value()
	}
	if count >= r.limit {
		return false
	}

	r.windows.Set(key, count+1, ttlcache.DefaultTTL)
	return true
}

// Stop releases the limiter's cache janitor
func (r *RateLimiter) Stop() {
	r.windows.Stop()
}

// PerQueryKey limits by a query parameter value, falling back to the
// client IP when the parameter is absent.
func PerQueryKey(limiter *RateLimiter, param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Query(param)
		if key == "" {
			key = c.ClientIP()
		}
		if !limiter.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// Global limits all requests through the route with a single shared window
func Global(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow("global") {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
