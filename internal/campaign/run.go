package campaign

import (
	"context"
	"errors"
	"time"

	"tgblast/internal/dispatch"
	"tgblast/internal/store"
	logx "tgblast/pkg/logx"
)

// errHalted marks a run that stopped early (pause, cancel, or shutdown)
// without a systemic failure.
var errHalted = errors.New("campaign: run halted")

func (c *Coordinator) runJob(ctx context.Context, r *run, job store.Job) {
	start := time.Now()
	log := c.log.With(logx.String("job", job.ID))
	interrupted := func() bool {
		return r.cancelled.Load() || r.paused.Load() || ctx.Err() != nil
	}

	log.Info("campaign run started", logx.Int("cursor", job.Cursor), logx.Int("total", job.Total))

	var sysErr error
	cursorDone := false

	// Recovery pass: rows fetched by a previous run that never settled
	// (left Pending or RateLimited). The cursor alone cannot see them.
	if _, err := c.sweepOnce(ctx, job, interrupted); err != nil {
		if !errors.Is(err, errHalted) {
			sysErr = err
		}
	}

	lastProgress := time.Now()
	for sysErr == nil && !interrupted() {
		batch, err := c.queue.NextBatch(ctx, job.ID, c.cfg.BatchSize)
		if err != nil {
			log.Error("batch fetch failed", logx.Err(err))
			break
		}
		if batch.Empty() {
			cursorDone = true
			break
		}
		if len(batch.Recipients) == 0 {
			// Every recipient in the window settled in an earlier run; just
			// move the cursor past them.
			if err := c.queue.CommitBatch(ctx, batch); err != nil {
				log.Error("batch commit failed", logx.Err(err))
				break
			}
			continue
		}

		items := make([]dispatch.Item, len(batch.Recipients))
		for i, rcpt := range batch.Recipients {
			items[i] = dispatch.Item{Recipient: rcpt}
		}
		res, perr := c.pool.Process(ctx, dispatch.BatchRequest{
			JobID:       job.ID,
			Payload:     job.Payload,
			Items:       items,
			Interrupted: interrupted,
		})
		if res.Systemic != nil {
			sysErr = res.Systemic
			break
		}
		if !res.Committable() {
			// Interrupted or pool shutdown mid-batch: the cursor stays
			// behind so recovery re-derives the unsettled rows.
			break
		}
		if err := c.queue.CommitBatch(ctx, batch); err != nil {
			log.Error("batch commit failed", logx.Err(err))
			break
		}
		if perr != nil {
			break
		}

		if time.Since(lastProgress) >= c.cfg.ProgressEvery {
			if counts, err := c.counts(ctx, job.ID); err == nil {
				log.Info("campaign progress",
					logx.Int("cursor", batch.Next), logx.Int("total", job.Total),
					logx.Int("sent", counts.Sent), logx.Int("blocked", counts.Blocked),
					logx.Int("failed", counts.Failed), logx.Int("deferred", counts.RateLimited))
			}
			lastProgress = time.Now()
		}
	}

	// Deferred passes: flood-limited rows are retried until terminal. The
	// limiter's cooldown paces these sweeps; SweepPause just avoids a tight
	// loop when the cooldown is about to expire.
	for sysErr == nil && cursorDone && !interrupted() {
		remaining, err := c.sweepOnce(ctx, job, interrupted)
		if err != nil {
			if !errors.Is(err, errHalted) {
				sysErr = err
			}
			break
		}
		if remaining == 0 {
			break
		}
		tmr := time.NewTimer(c.cfg.SweepPause)
		select {
		case <-ctx.Done():
			tmr.Stop()
		case <-tmr.C:
		}
	}

	c.finalize(ctx, r, job, sysErr, start, log)
}

// sweepOnce re-dispatches every non-terminal row one time and reports how
// many are still unsettled afterwards.
func (c *Coordinator) sweepOnce(ctx context.Context, job store.Job, interrupted func() bool) (int, error) {
	rows, err := c.nonTerminal(ctx, job.ID)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	unsettled := 0
	for from := 0; from < len(rows); from += c.cfg.BatchSize {
		if interrupted() {
			return len(rows) - from + unsettled, errHalted
		}
		end := from + c.cfg.BatchSize
		if end > len(rows) {
			end = len(rows)
		}
		items := make([]dispatch.Item, 0, end-from)
		for _, row := range rows[from:end] {
			items = append(items, dispatch.Item{Recipient: row.Recipient, Attempts: row.Attempts})
		}
		res, perr := c.pool.Process(ctx, dispatch.BatchRequest{
			JobID:       job.ID,
			Payload:     job.Payload,
			Items:       items,
			Interrupted: interrupted,
		})
		if res.Systemic != nil {
			return 0, res.Systemic
		}
		unsettled += res.Deferred + res.Skipped
		if perr != nil {
			return unsettled + len(rows) - end, errHalted
		}
		if res.Skipped > 0 {
			return unsettled + len(rows) - end, errHalted
		}
	}
	return unsettled, nil
}

func (c *Coordinator) finalize(ctx context.Context, r *run, job store.Job, sysErr error, start time.Time, log logx.Logger) {
	var status store.JobStatus
	switch {
	case sysErr != nil:
		status = store.JobFailed
	case r.cancelled.Load():
		status = store.JobCancelled
	case r.paused.Load():
		status = store.JobPaused
	case ctx.Err() != nil:
		// Process shutdown mid-run: the job stays Running on disk and boot
		// recovery picks it up exactly where the cursor and the ledger say.
		log.Info("campaign run interrupted by shutdown", logx.Duration("ran", time.Since(start)))
		return
	default:
		counts, err := c.counts(ctx, job.ID)
		if err != nil {
			log.Error("finalize aggregation failed", logx.Err(err))
			return
		}
		if counts.Pending > 0 || counts.RateLimited > 0 {
			// Unsettled rows without an interrupt flag: an internal error
			// broke the run loop. Leave the job Running for a retry.
			log.Warn("campaign run ended with unsettled recipients",
				logx.Int("pending", counts.Pending), logx.Int("deferred", counts.RateLimited))
			return
		}
		status = store.JobCompleted
	}

	release, err := c.leases.Acquire(context.WithoutCancel(ctx))
	if err != nil {
		log.Error("finalize lease failed", logx.Err(err))
		return
	}
	err = c.store.SetJobStatus(context.WithoutCancel(ctx), job.ID, status)
	release()
	if err != nil {
		log.Error("finalize status write failed", logx.String("status", string(status)), logx.Err(err))
		return
	}

	c.met.JobsTotal.WithLabelValues(string(status)).Inc()

	rep, err := c.Report(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		log.Error("report aggregation failed", logx.Err(err))
		return
	}
	fields := []logx.Field{
		logx.String("status", string(status)),
		logx.Int("sent", rep.Sent), logx.Int("blocked", rep.Blocked), logx.Int("failed", rep.Failed),
		logx.Duration("took", time.Since(start)),
	}
	if sysErr != nil {
		fields = append(fields, logx.Err(sysErr))
		log.Error("campaign failed", fields...)
		return
	}
	log.Info("campaign finalized", fields...)
}

func (c *Coordinator) nonTerminal(ctx context.Context, jobID string) ([]store.Outcome, error) {
	release, err := c.leases.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return c.store.NonTerminal(ctx, jobID)
}

func (c *Coordinator) counts(ctx context.Context, jobID string) (store.Counts, error) {
	release, err := c.leases.Acquire(ctx)
	if err != nil {
		return store.Counts{}, err
	}
	defer release()
	return c.store.Counts(ctx, jobID)
}
