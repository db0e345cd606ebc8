package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"tgblast/internal/channel"
	"tgblast/internal/store"
	logx "tgblast/pkg/logx"
)

func (p *Pool) worker(ctx context.Context, stopCh <-chan struct{}, queue chan work, idx int) {
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case w := <-queue:
			p.process(ctx, queue, w)
		}
	}
}

func (p *Pool) process(ctx context.Context, queue chan work, w work) {
	// Cooperative cancellation point: between recipients, never mid-send.
	if w.tr.halted() {
		w.tr.finishSkipped()
		return
	}

	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()

	if err := p.limiter.Acquire(ctx); err != nil {
		w.tr.finishSkipped()
		return
	}
	if w.tr.halted() {
		// A long cooldown may outlive a cancellation request.
		w.tr.finishSkipped()
		return
	}

	attempts := w.item.Attempts + 1
	p.met.InFlight.Inc()
	start := time.Now()
	res := p.sender.Send(ctx, w.item.Recipient, w.payload)
	p.met.InFlight.Dec()
	p.met.SendLatency.Observe(time.Since(start).Seconds())
	p.met.SendsTotal.WithLabelValues(res.Kind.String()).Inc()

	switch res.Kind {
	case channel.Success:
		p.limiter.Success()
		p.finish(ctx, w, store.Outcome{
			JobID: w.jobID, Recipient: w.item.Recipient,
			Status: store.OutcomeSent, Attempts: attempts, LastAt: time.Now(),
		})

	case channel.Permanent:
		p.log.Debug("recipient unreachable", logx.String("job", w.jobID), logx.String("recipient", string(w.item.Recipient)), logx.String("kind", res.ErrKind))
		p.finish(ctx, w, store.Outcome{
			JobID: w.jobID, Recipient: w.item.Recipient,
			Status: store.OutcomeBlocked, Attempts: attempts, LastAt: time.Now(), ErrKind: res.ErrKind,
		})

	case channel.Transient:
		if attempts < cfg.RetryMax {
			delay := retryDelay(cfg, attempts)
			p.log.Debug("send retry scheduled", logx.String("job", w.jobID), logx.String("recipient", string(w.item.Recipient)), logx.Int("attempt", attempts+1), logx.Duration("delay", delay), logx.Err(res.Err))
			p.met.RetriesTotal.Inc()
			p.requeue(ctx, queue, w, attempts, delay)
			return
		}
		p.log.Warn("send failed permanently after retries", logx.String("job", w.jobID), logx.String("recipient", string(w.item.Recipient)), logx.Int("attempts", attempts), logx.Err(res.Err))
		p.finish(ctx, w, store.Outcome{
			JobID: w.jobID, Recipient: w.item.Recipient,
			Status: store.OutcomeFailed, Attempts: attempts, LastAt: time.Now(), ErrKind: res.ErrKind,
		})

	case channel.RateLimited:
		// Not a failure: no attempt is consumed, and the whole pool backs
		// off so one flood signal is not amplified by other workers.
		p.limiter.Backpressure(res.RetryAfter)
		p.met.CooldownsTotal.Inc()
		o := store.Outcome{
			JobID: w.jobID, Recipient: w.item.Recipient,
			Status: store.OutcomeRateLimited, Attempts: w.item.Attempts, LastAt: time.Now(),
		}
		if err := p.record(ctx, o); err != nil {
			p.log.Error("ledger write failed", logx.String("job", w.jobID), logx.String("recipient", string(w.item.Recipient)), logx.Err(err))
			w.tr.finishSkipped()
			return
		}
		w.tr.finishDeferred()

	case channel.Systemic:
		p.log.Error("systemic channel error, aborting job", logx.String("job", w.jobID), logx.String("kind", res.ErrKind), logx.Err(res.Err))
		w.tr.abort(res.Err)
	}
}

// finish writes a terminal outcome and settles the item. A failed ledger
// write leaves the row Pending so the batch cannot be committed past it.
func (p *Pool) finish(ctx context.Context, w work, o store.Outcome) {
	if err := p.record(ctx, o); err != nil {
		p.log.Error("ledger write failed", logx.String("job", w.jobID), logx.String("recipient", string(w.item.Recipient)), logx.Err(err))
		w.tr.finishSkipped()
		return
	}
	w.tr.finishTerminal()
}

// record leases a connection just long enough for the single ledger write.
func (p *Pool) record(ctx context.Context, o store.Outcome) error {
	release, err := p.leases.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = p.ledger.RecordOutcome(ctx, o)
	if errors.Is(err, store.ErrTerminalOutcome) {
		// A recovery re-fetch raced a late write; the first terminal
		// outcome stands.
		p.log.Warn("terminal outcome already recorded", logx.String("job", o.JobID), logx.String("recipient", string(o.Recipient)), logx.Err(err))
		return nil
	}
	return err
}

func (p *Pool) requeue(ctx context.Context, queue chan work, w work, attempts int, delay time.Duration) {
	w.item.Attempts = attempts
	go func() {
		tmr := time.NewTimer(delay)
		defer tmr.Stop()
		select {
		case <-ctx.Done():
			w.tr.finishSkipped()
		case <-tmr.C:
			select {
			case queue <- w:
			case <-ctx.Done():
				w.tr.finishSkipped()
			}
		}
	}()
}

func retryDelay(cfg Config, attempts int) time.Duration {
	d := cfg.RetryBase << (attempts - 1)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	// Jitter up to 20% so retries from one burst don't land together.
	return d + time.Duration(rand.Int63n(int64(d)/5+1))
}
