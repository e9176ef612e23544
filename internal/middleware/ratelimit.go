package middleware

import (
	"sync"
	"time"

	apiError "esign-workflow/internal/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter hands out one token bucket per client IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	idle     time.Duration
}

func NewIPRateLimiter(requestsPerSecond float64, burst int) *IPRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &IPRateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(requestsPerSecond),
		burst:    burst,
		idle:     10 * time.Minute,
	}
}

func (l *IPRateLimiter) Allow(ip string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now

	// sweep idle buckets opportunistically
	if len(l.visitors) > 1024 {
		for k, other := range l.visitors {
			if now.Sub(other.lastSeen) > l.idle {
				delete(l.visitors, k)
			}
		}
	}
	return v.limiter.AllowN(now, 1)
}

// RateLimit rejects requests beyond the per-IP budget with 429.
func RateLimit(l *IPRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.Error(apiError.TooManyRequests("Too many requests, slow down"))
			c.Abort()
			return
		}
		c.Next()
	}
}
