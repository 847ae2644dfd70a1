package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitConfig configures the per-IP rate limiter.
type RateLimitConfig struct {
	RequestsPerSecond float64       // token refill rate
	Burst             int           // bucket capacity
	CleanupInterval   time.Duration // stale entry eviction cadence
}

// DefaultRateLimitConfig returns the defaults (50 req/s, burst of 100).
// Status polling and log streams dominate traffic; solve submissions are
// rare, so one limit covers everything.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		Burst:             100,
		CleanupInterval:   5 * time.Minute,
	}
}

// tokenBucket implements a simple per-IP token bucket.
type tokenBucket struct {
	tokens   float64
	maxBurst float64
	rate     float64 // tokens per second
	lastSeen time.Time
}

func (b *tokenBucket) take(now time.Time) bool {
	elapsed := now.Sub(b.lastSeen).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > b.maxBurst {
		b.tokens = b.maxBurst
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RateLimiter is a concurrent-safe per-IP rate limiter.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	config  RateLimitConfig
	stop    chan struct{}
}

func newRateLimiter(cfg RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		config:  cfg,
		stop:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// rateLimitResult is the outcome of one check, with the numbers needed for
// the RateLimit response headers.
type rateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetMs   int64
	Limit     int
}

func (rl *RateLimiter) allow(ip string) rateLimitResult {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[ip]
	if !ok {
		b = &tokenBucket{
			tokens:   float64(rl.config.Burst),
			maxBurst: float64(rl.config.Burst),
			rate:     rl.config.RequestsPerSecond,
			lastSeen: now,
		}
		rl.buckets[ip] = b
	}

	allowed := b.take(now)
	var resetMs int64
	if !allowed && b.rate > 0 {
		resetMs = int64((1.0 - b.tokens) / b.rate * 1000)
		if resetMs < 0 {
			resetMs = 1000
		}
	}
	return rateLimitResult{
		Allowed:   allowed,
		Remaining: int(math.Max(0, b.tokens)),
		ResetMs:   resetMs,
		Limit:     int(b.maxBurst),
	}
}

// cleanup evicts IPs with no requests for 10+ minutes.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			cutoff := time.Now().Add(-10 * time.Minute)
			for ip, b := range rl.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(rl.buckets, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stop shuts down the background cleanup goroutine. Safe to call twice.
func (rl *RateLimiter) Stop() {
	select {
	case <-rl.stop:
	default:
		close(rl.stop)
	}
}

// setRateLimitHeaders follows the IETF RateLimit header fields draft:
// RateLimit-Limit, RateLimit-Remaining, and Retry-After on 429.
func setRateLimitHeaders(w http.ResponseWriter, result rateLimitResult) {
	w.Header().Set("RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("RateLimit-Remaining", strconv.Itoa(result.Remaining))
	if !result.Allowed {
		retryAfterSecs := (result.ResetMs + 999) / 1000
		if retryAfterSecs < 1 {
			retryAfterSecs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSecs, 10))
	}
}

// RateLimit returns a per-IP limiting middleware and the limiter behind it;
// callers stop the limiter during shutdown. Health probes bypass the limiter
// so orchestrators never see a 429 from their own polling.
func RateLimit(cfg RateLimitConfig) (*RateLimiter, func(http.Handler) http.Handler) {
	rl := newRateLimiter(cfg)

	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if healthPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			result := rl.allow(clientIP(r))
			setRateLimitHeaders(w, result)

			if !result.Allowed {
				errorJSON(w, "rate limit exceeded", "RESOURCE_EXHAUSTED", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	return rl, mw
}
