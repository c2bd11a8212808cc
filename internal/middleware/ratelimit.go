package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter throttles launch traffic per client address. Login and launch
// endpoints are unauthenticated and each request costs a state write or a nonce claim.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
	mu      sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter for the provided requests-per-minute budget.
// A non-positive budget disables limiting and returns nil.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   burst,
		idle:    5 * time.Minute,
		now:     time.Now,
		clients: make(map[string]*clientLimiter),
	}
}

// Handler returns the gin middleware. A nil limiter passes every request through.
func (r *RateLimiter) Handler() gin.HandlerFunc {
	if r == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		if wait, ok := r.allow(c.ClientIP()); !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":             "rate_limited",
				"error_description": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}

// allow consumes one token for key and, when refused, reports how long until one is available.
func (r *RateLimiter) allow(key string) (time.Duration, bool) {
	now := r.now()
	limiter := r.limiterFor(key, now)
	if limiter.AllowN(now, 1) {
		return 0, true
	}
	reservation := limiter.ReserveN(now, 1)
	wait := reservation.DelayFrom(now)
	reservation.CancelAt(now)
	if wait < time.Second {
		wait = time.Second
	}
	return wait, false
}

// Clients reports how many client limiters are currently tracked.
func (r *RateLimiter) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *RateLimiter) limiterFor(key string, now time.Time) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.clients[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	limiter := rate.NewLimiter(r.limit, r.burst)
	r.clients[key] = &clientLimiter{limiter: limiter, lastSeen: now}
	r.cleanupLocked(now)
	return limiter
}

func (r *RateLimiter) cleanupLocked(now time.Time) {
	for key, entry := range r.clients {
		if now.Sub(entry.lastSeen) > r.idle {
			delete(r.clients, key)
		}
	}
}
