package api

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
)

// Limits on long-lived log streams. Solver runs can take hours, so streams
// are bounded per client and globally rather than by a short max duration.
const (
	// MaxSSEDuration is the maximum lifetime of a single log stream.
	MaxSSEDuration = 12 * 60 * 60 // seconds

	// MaxSSEPerIP caps concurrent streams from one IP.
	MaxSSEPerIP = 10

	// MaxSSEGlobal caps concurrent streams across all clients.
	MaxSSEGlobal = 1000
)

// SSELimiter tracks concurrent log-stream connections per IP and globally.
type SSELimiter struct {
	globalCount atomic.Int64
	mu          sync.Mutex
	perIP       map[string]*atomic.Int64
}

// NewSSELimiter creates an empty limiter.
func NewSSELimiter() *SSELimiter {
	return &SSELimiter{perIP: make(map[string]*atomic.Int64)}
}

// Acquire registers a new stream for ip. Returns false when a limit is hit.
// On success the caller must Release exactly once when the stream ends.
func (l *SSELimiter) Acquire(ip string) bool {
	if l.globalCount.Load() >= MaxSSEGlobal {
		return false
	}

	l.mu.Lock()
	counter, ok := l.perIP[ip]
	if !ok {
		counter = &atomic.Int64{}
		l.perIP[ip] = counter
	}
	l.mu.Unlock()

	if counter.Load() >= int64(MaxSSEPerIP) {
		return false
	}

	// Increment, then re-check: another goroutine may have raced us between
	// the load and the add.
	ipCount := counter.Add(1)
	globalCount := l.globalCount.Add(1)
	if ipCount > int64(MaxSSEPerIP) || globalCount > MaxSSEGlobal {
		counter.Add(-1)
		l.globalCount.Add(-1)
		return false
	}
	return true
}

// Release undoes one Acquire and drops empty per-IP entries so the map does
// not grow without bound.
func (l *SSELimiter) Release(ip string) {
	l.globalCount.Add(-1)

	l.mu.Lock()
	counter, ok := l.perIP[ip]
	l.mu.Unlock()

	if ok && counter.Add(-1) <= 0 {
		l.mu.Lock()
		if counter.Load() <= 0 {
			delete(l.perIP, ip)
		}
		l.mu.Unlock()
	}
}

// GlobalCount returns the active stream count, for metrics.
func (l *SSELimiter) GlobalCount() int64 {
	return l.globalCount.Load()
}

// IPCount returns the active stream count for one IP.
func (l *SSELimiter) IPCount(ip string) int64 {
	l.mu.Lock()
	counter, ok := l.perIP[ip]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	return counter.Load()
}

// clientIP prefers X-Real-Ip (set by chi's RealIP middleware) and strips the
// port from RemoteAddr otherwise.
func clientIP(r *http.Request) string {
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
