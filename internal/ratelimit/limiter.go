// Package ratelimit provides per-key token bucket limiting for the gateway.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket is a token bucket. Tokens refill continuously at rate per second up
// to burst.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	burst      float64
	rate       float64
	lastRefill time.Time
	lastUsed   time.Time
}

// NewBucket creates a full bucket.
func NewBucket(rate float64, burst int) *Bucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = int(rate * 2)
	}
	now := time.Now()
	return &Bucket{
		tokens:     float64(burst),
		burst:      float64(burst),
		rate:       rate,
		lastRefill: now,
		lastUsed:   now,
	}
}

// Allow consumes one token if available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	b.lastUsed = time.Now()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// RetryAfter reports how long until one token is available.
func (b *Bucket) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
}

func (b *Bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
}

func (b *Bucket) idleSince(cutoff time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUsed.Before(cutoff)
}

// Limiter manages one bucket per key (client IP). Idle entries are swept
// after a TTL so the map stays bounded under churn.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
	rate    float64
	burst   int
	ttl     time.Duration
}

// NewLimiter creates a limiter with the given per-key bucket parameters.
func NewLimiter(rate float64, burst int, ttl time.Duration) *Limiter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Limiter{
		buckets: make(map[string]*Bucket),
		rate:    rate,
		burst:   burst,
		ttl:     ttl,
	}
}

// Allow consumes one token for key.
func (l *Limiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

// RetryAfter reports how long key must wait for the next token.
func (l *Limiter) RetryAfter(key string) time.Duration {
	return l.bucket(key).RetryAfter()
}

func (l *Limiter) bucket(key string) *Bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	b = NewBucket(l.rate, l.burst)
	l.buckets[key] = b
	return b
}

// Sweep drops buckets idle for longer than the TTL and returns how many were
// removed.
func (l *Limiter) Sweep() int {
	cutoff := time.Now().Add(-l.ttl)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		if b.idleSince(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// RunSweeper sweeps at the given interval until ctx is cancelled.
func (l *Limiter) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
