package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedIPs caps the limiter map so rotating source addresses
// cannot exhaust memory.
const maxTrackedIPs = 4096

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter is a per-IP token bucket. Zero or negative RPM disables it.
type ipLimiter struct {
	mu      sync.Mutex
	buckets map[string]*ipBucket
	rpm     int
}

func newIPLimiter(rpm int) *ipLimiter {
	return &ipLimiter{buckets: make(map[string]*ipBucket), rpm: rpm}
}

// Allow reports whether the address may proceed.
func (l *ipLimiter) Allow(ip string) bool {
	if l.rpm <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if len(l.buckets) >= maxTrackedIPs {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > time.Minute {
				delete(l.buckets, k)
			}
		}
		for len(l.buckets) >= maxTrackedIPs {
			for k := range l.buckets {
				delete(l.buckets, k)
				break
			}
		}
	}

	b, ok := l.buckets[ip]
	if !ok {
		// Burst of rpm/6 (min 3) smooths page loads that fan out requests.
		burst := l.rpm / 6
		if burst < 3 {
			burst = 3
		}
		b = &ipBucket{limiter: rate.NewLimiter(rate.Limit(float64(l.rpm)/60), burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.Allow()
}
