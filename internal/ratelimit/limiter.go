// Package ratelimit spaces upstream calls and honours rate-limit backoff windows.
package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Options configures a Limiter.
type Options struct {
	MinGap time.Duration // minimum spacing between reservations
	Jitter time.Duration // random extra delay in [0, Jitter)
}

// Limiter hands out call slots. Bookkeeping is serialized under mu;
// callers sleep outside the lock, so calls are spaced but not serialized.
type Limiter struct {
	mu           sync.Mutex
	gap          time.Duration
	jitter       time.Duration
	last         time.Time
	backoffUntil time.Time

	now      func() time.Time
	jitterFn func(time.Duration) time.Duration
}

// New creates a Limiter.
func New(opts Options) *Limiter {
	return &Limiter{
		gap:      opts.MinGap,
		jitter:   opts.Jitter,
		now:      time.Now,
		jitterFn: randomJitter,
	}
}

func randomJitter(limit time.Duration) time.Duration {
	return time.Duration(rand.Int64N(int64(limit)))
}

// Acquire blocks until the caller may issue its next upstream call.
// The slot is the later of the backoff deadline and last+gap, plus jitter.
func (l *Limiter) Acquire(ctx context.Context) error {
	wait := l.reserve()
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Limiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	slot := now
	if !l.last.IsZero() {
		if next := l.last.Add(l.gap); next.After(slot) {
			slot = next
		}
	}
	if l.backoffUntil.After(slot) {
		slot = l.backoffUntil
	}
	if l.jitter > 0 {
		slot = slot.Add(l.jitterFn(l.jitter))
	}

	l.last = slot
	return slot.Sub(now)
}

// BackoffFor extends the backoff window to at least now+d.
func (l *Limiter) BackoffFor(d time.Duration) {
	l.BackoffUntil(l.clock().Add(d))
}

// BackoffUntil extends the backoff window to t. An earlier t is ignored.
func (l *Limiter) BackoffUntil(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.After(l.backoffUntil) {
		l.backoffUntil = t
	}
}

// BackoffDeadline returns the current backoff deadline (zero if never set).
func (l *Limiter) BackoffDeadline() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backoffUntil
}

func (l *Limiter) clock() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now()
}
