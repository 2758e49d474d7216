package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/xeptore/quefi/must"
)

// Limiter bounds concurrent outbound fetches and paces how often a new one
// may start.
type Limiter struct {
	capacity int
	sem      *semaphore.Weighted
	pace     *rate.Limiter
	inFlight atomic.Int64
}

// New returns a limiter allowing maxConcurrent permits at once. A zero
// perSecond disables pacing.
func New(maxConcurrent int, perSecond float64) *Limiter {
	must.Be(maxConcurrent >= 1, "max concurrency must be at least 1")

	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}

	return &Limiter{
		capacity: maxConcurrent,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		pace:     rate.NewLimiter(limit, maxConcurrent),
		inFlight: atomic.Int64{},
	}
}

// Acquire blocks until a permit is free and the pace allows another start.
func (l *Limiter) Acquire(ctx context.Context) (*Permit, error) {
	if err := l.sem.Acquire(ctx, 1); nil != err {
		return nil, fmt.Errorf("acquire download slot: %w", err)
	}

	if err := l.pace.Wait(ctx); nil != err {
		l.sem.Release(1)
		if ctxErr := ctx.Err(); nil != ctxErr {
			return nil, fmt.Errorf("wait for download pace: %w", ctxErr)
		}

		// The next start falls after the deadline, so waiting is pointless.
		if _, ok := ctx.Deadline(); ok {
			return nil, fmt.Errorf("wait for download pace: %w: %v", context.DeadlineExceeded, err)
		}

		return nil, fmt.Errorf("wait for download pace: %w", err)
	}

	l.inFlight.Add(1)

	return &Permit{l: l, once: sync.Once{}}, nil
}

// InFlight reports the number of permits currently held.
func (l *Limiter) InFlight() int {
	return int(l.inFlight.Load())
}

func (l *Limiter) Capacity() int {
	return l.capacity
}

type Permit struct {
	l    *Limiter
	once sync.Once
}

// Release returns the permit. Calling it more than once is a no-op.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.l.inFlight.Add(-1)
		p.l.sem.Release(1)
	})
}
