package store

import (
	"context"
	"time"

	logx "tgblast/pkg/logx"
)

// Leases bounds concurrent access to the persistence resource. Callers past
// capacity block (backpressure) instead of queueing without bound or failing.
//
// The dispatch discipline pairs with this: a worker holds a lease only for
// the single ledger write, never across a network send or a rate-limiter
// wait. That keeps the pool from saturating during slow or throttled runs.
type Leases struct {
	sem       chan struct{}
	warnAfter time.Duration
	log       logx.Logger
}

// NewLeases creates a manager with the given pool size. warnAfter controls
// when a blocked acquire is surfaced as an operational warning; 0 disables
// the warning.
func NewLeases(size int, warnAfter time.Duration, log logx.Logger) *Leases {
	if size <= 0 {
		size = 4
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Leases{
		sem:       make(chan struct{}, size),
		warnAfter: warnAfter,
		log:       log,
	}
}

// Acquire checks out one lease. The returned release func must be called on
// every exit path; calling it more than once is a no-op.
func (l *Leases) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case l.sem <- struct{}{}:
		return l.releaseFunc(), nil
	default:
	}

	if l.warnAfter <= 0 {
		select {
		case l.sem <- struct{}{}:
			return l.releaseFunc(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	start := time.Now()
	tmr := time.NewTimer(l.warnAfter)
	defer tmr.Stop()
	for {
		select {
		case l.sem <- struct{}{}:
			if waited := time.Since(start); waited >= l.warnAfter {
				l.log.Warn("lease acquired after long wait", logx.Duration("waited", waited))
			}
			return l.releaseFunc(), nil
		case <-tmr.C:
			l.log.Warn("waiting on connection lease", logx.Duration("waited", time.Since(start)), logx.Int("pool", cap(l.sem)))
			tmr.Reset(l.warnAfter)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *Leases) releaseFunc() func() {
	done := false
	return func() {
		if done {
			return
		}
		done = true
		<-l.sem
	}
}

// InUse reports the number of leases currently checked out.
func (l *Leases) InUse() int { return len(l.sem) }
