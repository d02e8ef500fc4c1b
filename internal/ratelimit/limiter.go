// ABOUTME: Dual-scope token-bucket rate limiter for message admission control.
// ABOUTME: Enforces a per-channel-config bucket and a per-user-within-config bucket.

package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultConfigLimit is the per-channel-config bucket capacity per window.
	DefaultConfigLimit = 60

	// DefaultUserLimit is the per-user-within-config bucket capacity per window.
	DefaultUserLimit = 20

	// DefaultWindow is the refill window for both buckets.
	DefaultWindow = 60 * time.Second

	// minRetryAfter floors the advertised retry delay so callers don't
	// busy-loop on sub-second denials.
	minRetryAfter = time.Second
)

// DeniedError reports a rate-limit denial and when the caller may retry.
type DeniedError struct {
	RetryAfter time.Duration
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed bool

	// RetryAfter is how long the caller should wait before retrying.
	// Only set when Allowed is false.
	RetryAfter time.Duration
}

// bucket is one token bucket. tokens refill linearly over the window.
type bucket struct {
	tokens     int
	lastRefill time.Time
	lastSeen   time.Time
}

// Limiter admits or denies messages using two independent token buckets per
// request: one for the whole channel config and one for the sending user
// within that config. Safe for concurrent use. A Limiter never fails, only
// denies.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	configLimit int
	userLimit   int
	window      time.Duration

	now func() time.Time // test hook
}

// New creates a Limiter with the default limits.
func New() *Limiter {
	return NewWithLimits(DefaultConfigLimit, DefaultUserLimit, DefaultWindow)
}

// NewWithLimits creates a Limiter with explicit bucket capacities and window.
func NewWithLimits(configLimit, userLimit int, window time.Duration) *Limiter {
	return &Limiter{
		buckets:     make(map[string]*bucket),
		configLimit: configLimit,
		userLimit:   userLimit,
		window:      window,
		now:         time.Now,
	}
}

// Check decides whether one message from userID on configID is admitted.
// The config-scope bucket is evaluated first; if it denies, the user bucket
// is untouched. Tokens are consumed from both buckets only when both pass.
func (l *Limiter) Check(configID, userID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	configBucket := l.refill("config:"+configID, l.configLimit, now)
	if configBucket.tokens < 1 {
		return l.denied(configBucket, now)
	}

	userBucket := l.refill("user:"+configID+":"+userID, l.userLimit, now)
	if userBucket.tokens < 1 {
		return l.denied(userBucket, now)
	}

	configBucket.tokens--
	userBucket.tokens--
	return Decision{Allowed: true}
}

// refill returns the bucket for key, creating it at full capacity on first
// use and applying linear refill. Must be called with mu held.
func (l *Limiter) refill(key string, limit int, now time.Time) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: limit, lastRefill: now}
		l.buckets[key] = b
	}
	b.lastSeen = now

	elapsed := now.Sub(b.lastRefill)
	if elapsed < 0 {
		// Clock went backwards; never let skew drain the bucket.
		elapsed = 0
	}

	refill := int(int64(elapsed) * int64(limit) / int64(l.window))
	if refill > 0 {
		b.tokens += refill
		if b.tokens > limit {
			b.tokens = limit
		}
		b.lastRefill = now
	}
	return b
}

// denied builds the denial decision for an exhausted bucket.
// Must be called with mu held.
func (l *Limiter) denied(b *bucket, now time.Time) Decision {
	retryAfter := l.window - now.Sub(b.lastRefill)
	if retryAfter < minRetryAfter {
		retryAfter = minRetryAfter
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}
}

// Cleanup evicts buckets idle for longer than twice the window to bound
// memory. Safe to call concurrently with Check; an evicted bucket is simply
// recreated at full capacity on the next check.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > 2*l.window {
			delete(l.buckets, key)
		}
	}
}

// Size returns the number of tracked buckets.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
