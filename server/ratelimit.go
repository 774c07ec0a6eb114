package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	subscribeRate  = rate.Limit(5.0 / 3600) // Five subscriptions per hour per IP
	subscribeBurst = 5
	limiterIdleTTL = time.Hour
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client IP.
type rateLimiter struct {
	limiters map[string]*ipLimiter
	now      func() time.Time
	rate     rate.Limit
	burst    int
	mu       sync.Mutex
}

func newRateLimiter(r rate.Limit, burst int) *rateLimiter {
	return &rateLimiter{
		limiters: make(map[string]*ipLimiter),
		now:      time.Now,
		rate:     r,
		burst:    burst,
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	// Drop buckets nobody has used for a while; a full bucket is the same as a new one.
	for k, l := range rl.limiters {
		if now.Sub(l.lastSeen) > limiterIdleTTL {
			delete(rl.limiters, k)
		}
	}

	l, ok := rl.limiters[ip]
	if !ok {
		l = &ipLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[ip] = l
	}
	l.lastSeen = now
	return l.limiter.AllowN(now, 1)
}
