// Package queue supplies resumable recipient batches for a broadcast job.
//
// The cursor is advanced only when a batch is committed, never at fetch time.
// A crash mid-batch therefore leaves the cursor behind the highest attempted
// index; recovery closes the gap by re-dispatching the non-terminal outcome
// rows instead of trusting the cursor alone.
package queue

import (
	"context"
	"fmt"

	"tgblast/internal/channel"
	"tgblast/internal/store"
	logx "tgblast/pkg/logx"
)

// DefaultBatchSize trades recovery granularity against per-batch overhead.
const DefaultBatchSize = 200

// Batch is one fetched slice of the recipient snapshot. Recipients holds
// only the rows that still need an attempt; anyone in the window already
// settled by an earlier run is filtered out but still covered by Next.
type Batch struct {
	JobID      string
	Start      int // snapshot index of the first recipient
	Next       int // cursor value to commit once the batch is done
	Recipients []channel.Recipient
}

// Empty reports cursor exhaustion: nothing was fetched at all. A batch whose
// recipients were all filtered as already settled is not empty; it still has
// to be committed to move the cursor.
func (b Batch) Empty() bool { return b.Next == b.Start }

type Queue struct {
	store  store.Store
	leases *store.Leases
	log    logx.Logger
}

func New(st store.Store, leases *store.Leases, log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{store: st, leases: leases, log: log}
}

// NextBatch returns the next un-fetched slice for the job, starting at the
// committed cursor, and durably seeds a Pending outcome row per recipient.
// Recipients that already reached a terminal state (a crash re-fetch of a
// half-settled window) are dropped from the batch so nobody already Sent is
// sent again; the committed cursor still moves past them.
func (q *Queue) NextBatch(ctx context.Context, jobID string, size int) (Batch, error) {
	if size <= 0 {
		size = DefaultBatchSize
	}

	release, err := q.leases.Acquire(ctx)
	if err != nil {
		return Batch{}, err
	}
	defer release()

	job, err := q.store.Job(ctx, jobID)
	if err != nil {
		return Batch{}, fmt.Errorf("load job: %w", err)
	}

	recipients, err := q.store.Recipients(ctx, jobID, job.Cursor, size)
	if err != nil {
		return Batch{}, fmt.Errorf("fetch recipients: %w", err)
	}
	if len(recipients) == 0 {
		return Batch{JobID: jobID, Start: job.Cursor, Next: job.Cursor}, nil
	}
	next := job.Cursor + len(recipients)

	settled, err := q.store.TerminalIn(ctx, jobID, recipients)
	if err != nil {
		return Batch{}, fmt.Errorf("check settled: %w", err)
	}
	if len(settled) > 0 {
		kept := recipients[:0]
		for _, r := range recipients {
			if !settled[r] {
				kept = append(kept, r)
			}
		}
		recipients = kept
	}

	if err := q.store.SeedPending(ctx, jobID, recipients); err != nil {
		return Batch{}, fmt.Errorf("seed pending: %w", err)
	}

	b := Batch{
		JobID:      jobID,
		Start:      job.Cursor,
		Next:       next,
		Recipients: recipients,
	}
	q.log.Debug("batch fetched", logx.String("job", jobID), logx.Int("start", b.Start), logx.Int("size", len(recipients)))
	return b, nil
}

// CommitBatch advances the cursor past the batch. Call only after every
// recipient in the batch has a durably recorded outcome (terminal or
// RateLimited-deferred).
func (q *Queue) CommitBatch(ctx context.Context, b Batch) error {
	release, err := q.leases.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := q.store.AdvanceCursor(ctx, b.JobID, b.Next); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	q.log.Debug("batch committed", logx.String("job", b.JobID), logx.Int("cursor", b.Next))
	return nil
}
