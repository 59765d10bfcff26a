// Package ratelimit provides per-client token buckets for the HTTP servers.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/Xhofe/go-cache"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// idleTTL is how long an unused client bucket is kept.
const idleTTL = 10 * time.Minute

// Limiter hands out one token bucket per client key. A nil Limiter allows everything.
type Limiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	clients cache.ICache[*rate.Limiter]
}

// New creates a limiter allowing rps requests per second with the given burst
// per client. It returns nil when rps is not positive.
func New(rps float64, burst int) *Limiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		clients: cache.NewMemCache(cache.WithShards[*rate.Limiter](16)),
	}
}

// Allow reports whether the client identified by key may proceed.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	lim, ok := l.clients.Get(key)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
	}
	// Refresh the expiry on every hit so active clients keep their bucket.
	l.clients.Set(key, lim, cache.WithEx[*rate.Limiter](idleTTL))
	l.mu.Unlock()

	return lim.Allow()
}

// Middleware rejects requests over the limit with 429. key extracts the
// client identity, ClientIP when nil.
func Middleware(l *Limiter, key func(*gin.Context) string, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if key == nil {
		key = func(c *gin.Context) string { return c.ClientIP() }
	}
	return func(c *gin.Context) {
		k := key(c)
		if !l.Allow(k) {
			logger.Debug("rate limited", zap.String("client", k), zap.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
