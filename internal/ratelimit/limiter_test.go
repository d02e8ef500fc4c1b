// ABOUTME: Tests for the dual-scope token-bucket limiter.
// ABOUTME: Validates exhaustion, refill, retry-after floors, scope independence, and cleanup.

package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time manually.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(clock *fakeClock) *Limiter {
	l := New()
	l.now = clock.Now
	return l
}

func TestLimiter_ConfigBucketExhaustion(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	// 60 checks spread over distinct users stay within the config bucket.
	users := []string{"u1", "u2", "u3", "u4"}
	for i := 0; i < DefaultConfigLimit; i++ {
		d := l.Check("cfg", users[i%len(users)])
		require.True(t, d.Allowed, "check %d should be allowed", i+1)
	}

	// The 61st is denied at the config scope.
	d := l.Check("cfg", "u1")
	assert.False(t, d.Allowed)
	assert.GreaterOrEqual(t, d.RetryAfter, time.Second)
}

func TestLimiter_RefillAfterFullWindow(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	users := []string{"u1", "u2", "u3", "u4"}
	for i := 0; i < DefaultConfigLimit; i++ {
		require.True(t, l.Check("cfg", users[i%len(users)]).Allowed)
	}
	require.False(t, l.Check("cfg", "u1").Allowed)

	// A full window later the bucket is back to capacity.
	clock.Advance(DefaultWindow)
	for i := 0; i < DefaultConfigLimit; i++ {
		assert.True(t, l.Check("cfg", users[i%len(users)]).Allowed, "check %d after refill", i+1)
	}
	assert.False(t, l.Check("cfg", "u1").Allowed)
}

func TestLimiter_PartialRefill(t *testing.T) {
	clock := newFakeClock()
	l := NewWithLimits(10, 10, 10*time.Second)
	l.now = clock.Now

	for i := 0; i < 10; i++ {
		require.True(t, l.Check("cfg", "u1").Allowed)
	}
	require.False(t, l.Check("cfg", "u1").Allowed)

	// 3 seconds of a 10 second window refills floor(3/10*10) = 3 tokens.
	clock.Advance(3 * time.Second)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Check("cfg", "u1").Allowed, "refilled check %d", i+1)
	}
	assert.False(t, l.Check("cfg", "u1").Allowed)
}

func TestLimiter_UserBucketDeniedWhileConfigHasCapacity(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	for i := 0; i < DefaultUserLimit; i++ {
		require.True(t, l.Check("cfg", "heavy-user").Allowed)
	}

	// The user bucket is dry but the config bucket still has 40 tokens.
	d := l.Check("cfg", "heavy-user")
	assert.False(t, d.Allowed)

	// Other users are unaffected.
	assert.True(t, l.Check("cfg", "other-user").Allowed)
}

func TestLimiter_UserDenialDoesNotConsumeConfigToken(t *testing.T) {
	clock := newFakeClock()
	l := NewWithLimits(25, 20, DefaultWindow)
	l.now = clock.Now

	for i := 0; i < 20; i++ {
		require.True(t, l.Check("cfg", "heavy-user").Allowed)
	}
	// Denials at the user scope must not drain the config bucket.
	for i := 0; i < 100; i++ {
		require.False(t, l.Check("cfg", "heavy-user").Allowed)
	}

	// 5 config tokens remain for another user.
	for i := 0; i < 5; i++ {
		assert.True(t, l.Check("cfg", "other-user").Allowed, "check %d", i+1)
	}
	assert.False(t, l.Check("cfg", "other-user").Allowed)
}

func TestLimiter_RetryAfterFloor(t *testing.T) {
	clock := newFakeClock()
	l := NewWithLimits(10, 1, 10*time.Second)
	l.now = clock.Now

	require.True(t, l.Check("cfg", "u1").Allowed)

	// 500ms from the next token: the raw remaining window is under a second,
	// but the advertised delay is floored at one second.
	clock.Advance(10*time.Second - 500*time.Millisecond)
	d := l.Check("cfg", "u1")
	require.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)
}

func TestLimiter_ConfigsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	for i := 0; i < DefaultUserLimit; i++ {
		require.True(t, l.Check("cfg-a", "u1").Allowed)
	}
	require.False(t, l.Check("cfg-a", "u1").Allowed)

	// The same user under a different config has a fresh bucket.
	assert.True(t, l.Check("cfg-b", "u1").Allowed)
}

func TestLimiter_ClockSkewDoesNotDrain(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	require.True(t, l.Check("cfg", "u1").Allowed)

	// Time going backwards must never reduce tokens below where they were.
	clock.Advance(-time.Hour)
	for i := 0; i < DefaultUserLimit-1; i++ {
		assert.True(t, l.Check("cfg", "u1").Allowed, "check %d after skew", i+1)
	}
	assert.False(t, l.Check("cfg", "u1").Allowed)
}

func TestLimiter_Cleanup(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	l.Check("cfg", "u1")
	require.Equal(t, 2, l.Size()) // config bucket + user bucket

	// Not yet idle long enough.
	clock.Advance(2 * DefaultWindow)
	l.Cleanup()
	assert.Equal(t, 2, l.Size())

	clock.Advance(time.Second)
	l.Cleanup()
	assert.Equal(t, 0, l.Size())

	// Evicted buckets come back at full capacity.
	assert.True(t, l.Check("cfg", "u1").Allowed)
}

func TestLimiter_ConcurrentChecks(t *testing.T) {
	l := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Check("cfg", "user")
				l.Cleanup()
			}
		}(i)
	}
	wg.Wait()
}
