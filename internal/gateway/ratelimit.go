package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter rate-limits requests per client IP. A non-positive RPM
// disables limiting entirely.
type ipLimiter struct {
	mu       sync.Mutex
	perIP    map[string]*rate.Limiter
	rpm      int
	lastSeen map[string]time.Time
}

func newIPLimiter(rpm int) *ipLimiter {
	return &ipLimiter{
		perIP:    make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		rpm:      rpm,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	if l.rpm <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.perIP[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.rpm)/60.0), l.rpm)
		l.perIP[ip] = lim
	}
	l.lastSeen[ip] = time.Now()
	l.evictStale()
	return lim.Allow()
}

// evictStale drops limiters idle for over an hour. Callers hold l.mu.
func (l *ipLimiter) evictStale() {
	if len(l.perIP) < 1024 {
		return
	}
	cutoff := time.Now().Add(-time.Hour)
	for ip, seen := range l.lastSeen {
		if seen.Before(cutoff) {
			delete(l.perIP, ip)
			delete(l.lastSeen, ip)
		}
	}
}
