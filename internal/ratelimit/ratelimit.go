// Package ratelimit paces sends against the channel account's quota.
//
// One Limiter is shared by every running job because the quota belongs to the
// upstream account, not to an individual campaign. Flood-control signals put
// the whole pool into a cooldown; no worker acquires a token until it elapses.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "tgblast/pkg/logx"
)

type Config struct {
	// PerSecond is the token refill rate and burst size.
	PerSecond int
	// BackoffFloor/BackoffCap bound the exponential cooldown used when the
	// channel signals flood control without an explicit retry-after hint.
	BackoffFloor time.Duration
	BackoffCap   time.Duration
}

func (c Config) withDefaults() Config {
	if c.PerSecond <= 0 {
		c.PerSecond = 25
	}
	if c.BackoffFloor <= 0 {
		c.BackoffFloor = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	return c
}

type Limiter struct {
	mu  sync.Mutex
	cfg Config
	lim *rate.Limiter

	cooldownUntil time.Time
	backoff       time.Duration // current exponential step; 0 after a clean success

	now func() time.Time
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Limiter {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Limiter{
		cfg: cfg,
		lim: rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.PerSecond),
		now: time.Now,
		log: log,
	}
}

// Apply retunes the bucket at runtime. Cooldown state is preserved.
func (l *Limiter) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	l.mu.Lock()
	l.cfg = cfg
	l.lim = rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.PerSecond)
	l.mu.Unlock()
}

// Acquire blocks until a send token is available and any pool-wide cooldown
// has elapsed. It returns early only when ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		wait := l.cooldownUntil.Sub(l.now())
		lim := l.lim
		l.mu.Unlock()

		if wait > 0 {
			tmr := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				tmr.Stop()
				return ctx.Err()
			case <-tmr.C:
				// Re-check: another flood signal may have extended the cooldown.
			}
			continue
		}

		if err := lim.Wait(ctx); err != nil {
			return err
		}

		// A flood signal may have engaged while this worker was parked
		// waiting for a token; the token must not be spent until the
		// cooldown elapses.
		l.mu.Lock()
		clean := !l.cooldownUntil.After(l.now())
		l.mu.Unlock()
		if clean {
			return nil
		}
	}
}

// Backpressure enters a pool-wide cooldown. With an explicit hint the
// cooldown lasts exactly that long; without one the limiter backs off
// exponentially from the floor up to the cap.
func (l *Limiter) Backpressure(hint time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d := hint
	if d <= 0 {
		if l.backoff <= 0 {
			l.backoff = l.cfg.BackoffFloor
		} else {
			l.backoff *= 2
			if l.backoff > l.cfg.BackoffCap {
				l.backoff = l.cfg.BackoffCap
			}
		}
		d = l.backoff
	}

	until := l.now().Add(d)
	if until.After(l.cooldownUntil) {
		l.cooldownUntil = until
		l.log.Warn("flood cooldown engaged", logx.Duration("wait", d), logx.Bool("hinted", hint > 0))
	}
}

// Success resets the exponential backoff after a clean acknowledgment.
// An active hinted cooldown is left untouched.
func (l *Limiter) Success() {
	l.mu.Lock()
	l.backoff = 0
	l.mu.Unlock()
}

// CooldownRemaining reports how long the pool-wide pause still has to run.
func (l *Limiter) CooldownRemaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := l.cooldownUntil.Sub(l.now())
	if d < 0 {
		return 0
	}
	return d
}

// SetNowFunc replaces the clock. Tests only.
func (l *Limiter) SetNowFunc(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}
