package server

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// LimitError reports a rejected connection attempt with a machine-readable
// reason for metrics labelling.
type LimitError struct {
	Reason string
	Max    int64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("connection limit reached (%s, max %d)", e.Reason, e.Max)
}

// ConnectionLimits bundles the global cap, the per-IP cap, and the per-IP
// upgrade rate limiter guarding the /ws endpoint.
type ConnectionLimits struct {
	global *globalLimiter
	perIP  *ipLimiter
	rates  *upgradeRateLimiter
}

func NewConnectionLimits(maxGlobal int64, maxPerIP int, upgradesPerSecond float64, burst int) *ConnectionLimits {
	return &ConnectionLimits{
		global: &globalLimiter{max: maxGlobal},
		perIP:  newIPLimiter(maxPerIP),
		rates:  newUpgradeRateLimiter(rate.Limit(upgradesPerSecond), burst),
	}
}

// AllowUpgrade applies the per-IP upgrade rate limit.
func (l *ConnectionLimits) AllowUpgrade(ip string) bool {
	return l.rates.allow(ip)
}

// Acquire claims one connection slot globally and for the given IP.
func (l *ConnectionLimits) Acquire(ip string) *LimitError {
	if !l.global.acquire() {
		return &LimitError{Reason: "capacity", Max: l.global.max}
	}
	if !l.perIP.acquire(ip) {
		l.global.release()
		return &LimitError{Reason: "per_ip", Max: int64(l.perIP.maxPer)}
	}
	return nil
}

// Release returns the slots claimed by Acquire.
func (l *ConnectionLimits) Release(ip string) {
	l.perIP.release(ip)
	l.global.release()
}

// Current returns the current number of connections.
func (l *ConnectionLimits) Current() int64 { return l.global.current.Load() }

// Max returns the maximum allowed connections.
func (l *ConnectionLimits) Max() int64 { return l.global.max }

// CapacityPct returns the current capacity utilization as a percentage.
func (l *ConnectionLimits) CapacityPct() float64 {
	if l.global.max == 0 {
		return 0
	}
	return float64(l.Current()) / float64(l.global.max) * 100
}

// globalLimiter limits total concurrent connections per instance.
// Uses atomic operations for lock-free counting.
type globalLimiter struct {
	current atomic.Int64
	max     int64
}

func (l *globalLimiter) acquire() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *globalLimiter) release() {
	l.current.Add(-1)
}

// ipLimiter limits concurrent connections per IP address.
// Protects against single-source exhaustion.
type ipLimiter struct {
	mu     sync.Mutex
	ips    map[string]int
	maxPer int
}

func newIPLimiter(maxPer int) *ipLimiter {
	return &ipLimiter{
		ips:    make(map[string]int),
		maxPer: maxPer,
	}
}

func (l *ipLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ips[ip] >= l.maxPer {
		return false
	}
	l.ips[ip]++
	return true
}

func (l *ipLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count := l.ips[ip]; count > 0 {
		l.ips[ip] = count - 1
		if l.ips[ip] == 0 {
			delete(l.ips, ip)
		}
	}
}

// upgradeRateLimiter keeps one token bucket per IP for upgrade attempts.
type upgradeRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// maxTrackedIPs caps the limiter map; beyond it, stale buckets are dropped
// wholesale rather than tracked individually.
const maxTrackedIPs = 16384

func newUpgradeRateLimiter(limit rate.Limit, burst int) *upgradeRateLimiter {
	return &upgradeRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (l *upgradeRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[ip]
	if !ok {
		if len(l.limiters) >= maxTrackedIPs {
			l.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = lim
	}
	return lim.Allow()
}
