package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func newTestLimiter(gap, jitter time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(Options{MinGap: gap, Jitter: jitter})
	l.now = clock.Now
	l.jitterFn = func(time.Duration) time.Duration { return jitter / 2 }
	return l, clock
}

func TestLimiter_SpacesReservations(t *testing.T) {
	l, _ := newTestLimiter(100*time.Millisecond, 0)

	assert.Equal(t, time.Duration(0), l.reserve())
	assert.Equal(t, 100*time.Millisecond, l.reserve())
	assert.Equal(t, 200*time.Millisecond, l.reserve())
}

func TestLimiter_BackoffOnlyExtends(t *testing.T) {
	l, clock := newTestLimiter(10*time.Millisecond, 0)

	l.BackoffFor(5 * time.Second)
	l.BackoffFor(time.Second)
	assert.Equal(t, clock.Now().Add(5*time.Second), l.BackoffDeadline())

	l.BackoffUntil(clock.Now().Add(2 * time.Second))
	assert.Equal(t, clock.Now().Add(5*time.Second), l.BackoffDeadline())

	assert.Equal(t, 5*time.Second, l.reserve())
	assert.Equal(t, 5*time.Second+10*time.Millisecond, l.reserve())
}

func TestLimiter_AddsJitterAfterGap(t *testing.T) {
	l, _ := newTestLimiter(100*time.Millisecond, 40*time.Millisecond)

	assert.Equal(t, 20*time.Millisecond, l.reserve())
	assert.Equal(t, 140*time.Millisecond, l.reserve())
}

func TestLimiter_AcquireHonoursContext(t *testing.T) {
	l := New(Options{MinGap: time.Hour})
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Acquire(ctx), context.DeadlineExceeded)
}

func TestLimiter_ConcurrentCallersGetDistinctSlots(t *testing.T) {
	l, _ := newTestLimiter(time.Millisecond, 0)

	var mu sync.Mutex
	seen := make(map[time.Duration]bool)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := l.reserve()
			mu.Lock()
			seen[d] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 20)
}
