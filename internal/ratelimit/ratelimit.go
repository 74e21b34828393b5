package ratelimit

import (
	"context"
	"net"
	"sync"
	"time"
)

// Limiter is a fixed-window rate limiter for a single entity.
type Limiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
}

// New creates a Limiter that allows rate events per window.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		rate:        rate,
		window:      window,
		windowStart: time.Now(),
	}
}

// Allow returns true if the event is within the rate limit.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowAt(time.Now())
}

func (l *Limiter) allowAt(now time.Time) bool {
	if now.Sub(l.windowStart) > l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.rate
}

func (l *Limiter) expired(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return now.Sub(l.windowStart) > l.window
}

// Keyed holds one Limiter per key, typically a remote host. A rate of zero
// or less disables limiting.
type Keyed struct {
	mu     sync.Mutex
	keys   map[string]*Limiter
	rate   int
	window time.Duration
}

// NewKeyed creates a Keyed limiter allowing rate events per window per key.
func NewKeyed(rate int, window time.Duration) *Keyed {
	return &Keyed{
		keys:   make(map[string]*Limiter),
		rate:   rate,
		window: window,
	}
}

// Allow reports whether key may proceed.
func (k *Keyed) Allow(key string) bool {
	if k == nil || k.rate <= 0 {
		return true
	}
	k.mu.Lock()
	l, ok := k.keys[key]
	if !ok {
		l = New(k.rate, k.window)
		k.keys[key] = l
	}
	k.mu.Unlock()
	return l.Allow()
}

// AllowAddr keys on the host part of addr.
func (k *Keyed) AllowAddr(addr net.Addr) bool {
	return k.Allow(Host(addr))
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.keys)
}

// Cleanup drops keys whose window has expired.
func (k *Keyed) Cleanup() {
	now := time.Now()
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, l := range k.keys {
		if l.expired(now) {
			delete(k.keys, key)
		}
	}
}

// Run calls Cleanup every interval until ctx is cancelled.
func (k *Keyed) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			k.Cleanup()
		}
	}
}

// Host returns the host of a network address, or its full string when it
// has no port.
func Host(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
