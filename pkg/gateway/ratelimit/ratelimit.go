// Package ratelimit holds the gateway's in-memory token buckets, one per
// client key (normally the client IP).
package ratelimit

import (
	"math"
	"sync"
	"time"
)

type Config struct {
	RPS   float64
	Burst int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

// Enabled reports whether the config limits anything.
func (c Config) Enabled() bool {
	return c.RPS > 0 && c.Burst > 0
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*clientBucket
}

type clientBucket struct {
	mu sync.Mutex

	rps      float64
	capacity float64
	tokens   float64
	last     time.Time

	lastSeen time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*clientBucket),
	}
}

type Decision struct {
	Allowed    bool
	RetryAfter int
}

// Allow spends one token from key's bucket.
func (l *Limiter) Allow(key string, now time.Time) Decision {
	if !l.cfg.Enabled() {
		return Decision{Allowed: true}
	}
	if key == "" {
		key = "anonymous"
	}

	b := l.getOrCreate(key, now)
	ok, retryAfter := b.take(now, l.cfg.RPS, l.cfg.Burst)
	return Decision{Allowed: ok, RetryAfter: retryAfter}
}

// Len is the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func (l *Limiter) getOrCreate(key string, now time.Time) *clientBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.m[key]; ok {
		b.lastSeen = now
		return b
	}

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one arbitrary entry (bounded memory > perfect fairness).
		if len(l.m) >= l.cfg.MaxEntries {
			for k := range l.m {
				delete(l.m, k)
				break
			}
		}
	}

	b := &clientBucket{lastSeen: now}
	l.m[key] = b
	return b
}

func (l *Limiter) gcLocked(now time.Time) {
	for k, v := range l.m {
		if now.Sub(v.lastSeen) > l.cfg.EntryTTL {
			delete(l.m, k)
		}
	}
}

func (b *clientBucket) take(now time.Time, rps float64, burst int) (bool, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := float64(burst)
	if b.capacity == 0 {
		b.tokens = capacity
		b.last = now
	}
	b.rps = rps
	b.capacity = capacity

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+(elapsed*b.rps))
		b.last = now
	}

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true, 0
	}

	needed := 1.0 - b.tokens
	retryAfter := int(math.Ceil(needed / b.rps))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
