// Package ratelimit implements the relay's per-IP windowed counters: the
// ping rate limiter and the reflection responder's rate limiter. Both
// share the same "at most N distinct IPs globally, at most M per IP, until
// the next reset" shape, so it is factored into one type rather than
// duplicated.
package ratelimit

import (
	"net/netip"
	"sync"
)

// Counter is a per-IP request counter bounded by a global cardinality cap
// and a per-IP cap. It is reset wholesale, either by an external cleanup
// pass (the ping limiter, reset at every Heartbeat tick) or by its own
// timer (the reflection limiter, reset every 60s) — Counter itself is
// agnostic to which, it only exposes Reset.
type Counter struct {
	mu       sync.Mutex
	counts   map[netip.Addr]int
	maxGlobal int
	maxPerIP  int
}

// New builds a Counter with the given global and per-IP caps.
func New(maxGlobal, maxPerIP int) *Counter {
	return &Counter{
		counts:    make(map[netip.Addr]int),
		maxGlobal: maxGlobal,
		maxPerIP:  maxPerIP,
	}
}

// Allow reports whether a request from addr should be admitted and, if so,
// records it. The global cap is checked against the number of distinct IPs
// already tracked (not the sum of their counts): once maxGlobal distinct
// IPs are present, a brand-new IP is refused even if existing IPs are well
// under their per-IP cap. An IP already being tracked may still be refused
// by its own per-IP cap without consuming the global slot count.
func (c *Counter) Allow(addr netip.Addr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, tracked := c.counts[addr]
	if !tracked && len(c.counts) >= c.maxGlobal {
		return false
	}
	if n >= c.maxPerIP {
		return false
	}
	c.counts[addr] = n + 1
	return true
}

// Reset clears every tracked IP, starting a new window.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = make(map[netip.Addr]int)
}

// Len reports the number of distinct IPs currently tracked, for metrics.
func (c *Counter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.counts)
}
