// Package ratelimit implements the proxy's per-key token bucket:
// capacity max_per_minute, refilled continuously at max_per_minute/60
// tokens per second, keyed by the presented token or "anonymous".
package ratelimit

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/aviary-mcp/proxy/internal/mcperr"
)

const (
	// anonymousKey is used when the client presents no token.
	anonymousKey = "anonymous"

	// shardCount spreads the bucket map across independent mutexes so
	// many distinct tokens don't serialize on a single lock.
	shardCount = 32
)

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter is a per-key token bucket rate limiter. The zero value is not
// usable; construct with New. New(0) builds a limiter that lets every
// request through.
type Limiter struct {
	maxPerMinute int
	refillPerSec float64
	shards       [shardCount]*shard
}

// New constructs a Limiter with the given max_per_minute. Pass 0 to
// disable rate limiting entirely.
func New(maxPerMinute int) *Limiter {
	l := &Limiter{
		maxPerMinute: maxPerMinute,
		refillPerSec: float64(maxPerMinute) / 60.0,
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l
}

// Enabled reports whether a positive max_per_minute was configured.
func (l *Limiter) Enabled() bool { return l != nil && l.maxPerMinute > 0 }

func (l *Limiter) shardFor(key string) *shard {
	idx := xxhash.Sum64String(key) % shardCount
	return l.shards[idx]
}

// Allow consumes one token from key's bucket ("anonymous" if key is
// empty), creating a full bucket on first use. It returns a -32002
// mcperr.Error when the bucket is empty.
func (l *Limiter) Allow(key string) *mcperr.Error {
	if !l.Enabled() {
		return nil
	}
	if key == "" {
		key = anonymousKey
	}

	s := l.shardFor(key)
	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.maxPerMinute), lastRefill: time.Now()}
		s.buckets[key] = b
	}
	s.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	capacity := float64(l.maxPerMinute)
	b.tokens += elapsed * l.refillPerSec
	if b.tokens > capacity {
		b.tokens = capacity
	}

	if b.tokens < 1 {
		return mcperr.RateLimited()
	}
	b.tokens--
	return nil
}
