// Package httpkit holds the gin middleware and response helpers shared by
// every HTTP module. It has no knowledge of leads or pipelines.
package httpkit

import (
	"net/http"
	"sync"
	"time"

	"pipeline_backend/platform/logger"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RequestLogger writes one line per request. Server errors recorded on the
// context with c.Error are logged as well.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method, path := c.Request.Method, c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		log.HTTPRequest(method, path, status, float64(time.Since(start).Milliseconds()), c.ClientIP())
		if last := c.Errors.Last(); last != nil && status >= http.StatusInternalServerError {
			log.HTTPError(method, path, status, last.Err, c.ClientIP())
		}
	}
}

var securityHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"Content-Security-Policy", "default-src 'self'"},
	{"Permissions-Policy", "geolocation=(), microphone=(), camera=()"},
}

// SecurityHeaders sets the static response headers. HSTS is only sent over TLS.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, h := range securityHeaders {
			c.Header(h[0], h[1])
		}
		if c.Request.TLS != nil {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

// limiterIdleTTL is how long an unused key keeps its bucket.
const limiterIdleTTL = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter keeps one token bucket per key. Buckets idle for longer than
// limiterIdleTTL are dropped on a later call.
type KeyedLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	rate      rate.Limit
	burst     int
	now       func() time.Time
	nextPrune time.Time
}

// NewKeyedLimiter allows r events per second per key with the given burst.
func NewKeyedLimiter(r rate.Limit, burst int) *KeyedLimiter {
	return &KeyedLimiter{
		buckets: make(map[string]*bucket),
		rate:    r,
		burst:   burst,
		now:     time.Now,
	}
}

// Allow reports whether an event for key may happen now.
func (l *KeyedLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.After(l.nextPrune) {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > limiterIdleTTL {
				delete(l.buckets, k)
			}
		}
		l.nextPrune = now.Add(limiterIdleTTL)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// LimitByClientIP answers 429 once a client IP has used up its budget.
func LimitByClientIP(l *KeyedLimiter, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !l.Allow(ip) {
			if log != nil {
				log.RateLimitExceeded(ip, c.Request.URL.Path)
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// LeaseHeartbeatLimiter throttles lease refreshes per (lead, agent) key.
// Editors send a heartbeat on every keystroke; refreshes beyond the limit
// would not extend the lease in any useful way.
type LeaseHeartbeatLimiter struct {
	*KeyedLimiter
}

// NewLeaseHeartbeatLimiter allows r refreshes per second per key with the given burst.
func NewLeaseHeartbeatLimiter(r rate.Limit, burst int) *LeaseHeartbeatLimiter {
	return &LeaseHeartbeatLimiter{KeyedLimiter: NewKeyedLimiter(r, burst)}
}
