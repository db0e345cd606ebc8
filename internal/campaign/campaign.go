// Package campaign owns broadcast job lifecycle: create, pause, resume,
// cancel, crash recovery, and finalization into a delivery report.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tgblast/internal/channel"
	"tgblast/internal/dispatch"
	"tgblast/internal/metrics"
	"tgblast/internal/queue"
	"tgblast/internal/store"
	logx "tgblast/pkg/logx"
)

var (
	ErrNoRecipients        = errors.New("campaign: recipient sequence is empty")
	ErrDuplicateRecipients = errors.New("campaign: recipient sequence contains duplicates")
	ErrNotRunnable         = errors.New("campaign: job is not in a runnable state")
	ErrAlreadyRunning      = errors.New("campaign: job is already running")
)

type Config struct {
	BatchSize int
	// ProgressEvery paces mid-flight progress logging.
	ProgressEvery time.Duration
	// SweepPause is the idle wait between deferred-retry passes when only
	// flood-limited rows remain.
	SweepPause time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = queue.DefaultBatchSize
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 5 * time.Second
	}
	if c.SweepPause <= 0 {
		c.SweepPause = time.Second
	}
	return c
}

// Report is the aggregate handed to the reporting collaborator when a job
// finalizes.
type Report struct {
	JobID    string
	Sent     int
	Blocked  int
	Failed   int
	Duration time.Duration
}

// run is the in-memory handle for one active job execution.
type run struct {
	id        string
	paused    atomic.Bool
	cancelled atomic.Bool
	done      chan struct{}
}

type Coordinator struct {
	cfg    Config
	store  store.Store
	leases *store.Leases
	queue  *queue.Queue
	pool   *dispatch.Pool
	met    *metrics.Metrics
	log    logx.Logger

	mu      sync.Mutex
	baseCtx context.Context
	runs    map[string]*run
	wg      sync.WaitGroup
}

func New(cfg Config, st store.Store, leases *store.Leases, q *queue.Queue, pool *dispatch.Pool, met *metrics.Metrics, log logx.Logger) *Coordinator {
	if met == nil {
		met = metrics.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		cfg:    cfg.withDefaults(),
		store:  st,
		leases: leases,
		queue:  q,
		pool:   pool,
		met:    met,
		log:    log,
		runs:   map[string]*run{},
	}
}

// Start binds the coordinator to its base context. Runs launched afterwards
// stop when ctx is cancelled, leaving their jobs Running for recovery.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()
}

// Stop waits for active runs to wind down (bounded by ctx).
func (c *Coordinator) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Create validates the resolved recipient sequence, snapshots it, persists a
// Draft job, transitions it to Running, and starts delivery.
func (c *Coordinator) Create(ctx context.Context, recipients []channel.Recipient, payload channel.Payload) (string, error) {
	if len(recipients) == 0 {
		return "", ErrNoRecipients
	}
	seen := make(map[channel.Recipient]struct{}, len(recipients))
	for _, r := range recipients {
		if _, dup := seen[r]; dup {
			return "", fmt.Errorf("%w: %s", ErrDuplicateRecipients, r)
		}
		seen[r] = struct{}{}
	}

	job := store.Job{
		ID:        uuid.NewString(),
		Payload:   payload,
		Total:     len(recipients),
		Status:    store.JobDraft,
		CreatedAt: time.Now(),
	}

	release, err := c.leases.Acquire(ctx)
	if err != nil {
		return "", err
	}
	err = c.store.CreateJob(ctx, job, recipients)
	if err == nil {
		err = c.store.SetJobStatus(ctx, job.ID, store.JobRunning)
	}
	release()
	if err != nil {
		return "", err
	}
	job.Status = store.JobRunning

	c.log.Info("campaign created", logx.String("job", job.ID), logx.Int("total", job.Total))
	if err := c.launch(job); err != nil {
		return job.ID, err
	}
	return job.ID, nil
}

// Pause asks workers to stop pulling new work for the job. The current unit
// of work finishes and its outcome is recorded.
func (c *Coordinator) Pause(ctx context.Context, jobID string) error {
	c.mu.Lock()
	r := c.runs[jobID]
	c.mu.Unlock()
	if r == nil {
		return ErrNotRunnable
	}
	r.paused.Store(true)
	c.log.Info("campaign pause requested", logx.String("job", jobID))
	return nil
}

// Resume restarts a Paused job, or one left Running by a crash. It trusts
// nothing in memory: the next un-fetched index comes from the durable
// cursor, and rows left Pending or RateLimited by the interrupted run are
// re-dispatched before the cursor advances further.
func (c *Coordinator) Resume(ctx context.Context, jobID string) error {
	release, err := c.leases.Acquire(ctx)
	if err != nil {
		return err
	}
	job, err := c.store.Job(ctx, jobID)
	if err == nil && job.Status != store.JobRunning {
		if job.Status != store.JobPaused {
			err = fmt.Errorf("%w: status %s", ErrNotRunnable, job.Status)
		} else {
			err = c.store.SetJobStatus(ctx, jobID, store.JobRunning)
			job.Status = store.JobRunning
		}
	}
	release()
	if err != nil {
		return err
	}
	return c.launch(job)
}

// Cancel marks the job Cancelled. In-flight sends finish and record their
// outcomes; no new batches are pulled. Recipients never attempted stay
// Pending and are not counted as failed.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) error {
	c.mu.Lock()
	r := c.runs[jobID]
	c.mu.Unlock()
	if r != nil {
		r.cancelled.Store(true)
		c.log.Info("campaign cancel requested", logx.String("job", jobID))
		return nil
	}

	// No active run (paused, or not yet resumed after a crash): finalize
	// directly.
	release, err := c.leases.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	job, err := c.store.Job(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Final() {
		return fmt.Errorf("%w: status %s", ErrNotRunnable, job.Status)
	}
	return c.store.SetJobStatus(ctx, jobID, store.JobCancelled)
}

// Recover relaunches every job left Running by a previous process. Call once
// on boot, after Start.
func (c *Coordinator) Recover(ctx context.Context) error {
	release, err := c.leases.Acquire(ctx)
	if err != nil {
		return err
	}
	jobs, err := c.store.JobsInStatus(ctx, store.JobRunning)
	release()
	if err != nil {
		return err
	}
	for _, job := range jobs {
		c.log.Info("recovering interrupted campaign", logx.String("job", job.ID), logx.Int("cursor", job.Cursor), logx.Int("total", job.Total))
		if err := c.launch(job); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			return err
		}
	}
	return nil
}

// Status returns the durable job row plus live per-status outcome counts.
func (c *Coordinator) Status(ctx context.Context, jobID string) (store.Job, store.Counts, error) {
	release, err := c.leases.Acquire(ctx)
	if err != nil {
		return store.Job{}, store.Counts{}, err
	}
	defer release()

	job, err := c.store.Job(ctx, jobID)
	if err != nil {
		return store.Job{}, store.Counts{}, err
	}
	counts, err := c.store.Counts(ctx, jobID)
	if err != nil {
		return store.Job{}, store.Counts{}, err
	}
	return job, counts, nil
}

// Report aggregates terminal outcomes for a finalized job.
func (c *Coordinator) Report(ctx context.Context, jobID string) (Report, error) {
	job, counts, err := c.Status(ctx, jobID)
	if err != nil {
		return Report{}, err
	}
	rep := Report{
		JobID:   jobID,
		Sent:    counts.Sent,
		Blocked: counts.Blocked,
		Failed:  counts.Failed,
	}
	if !job.StartedAt.IsZero() && !job.FinishedAt.IsZero() {
		rep.Duration = job.FinishedAt.Sub(job.StartedAt)
	}
	return rep, nil
}

func (c *Coordinator) launch(job store.Job) error {
	c.mu.Lock()
	ctx := c.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if _, active := c.runs[job.ID]; active {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	r := &run{id: job.ID, done: make(chan struct{})}
	c.runs[job.ID] = r
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.runs, job.ID)
			c.mu.Unlock()
			close(r.done)
		}()
		c.runJob(ctx, r, job)
	}()
	return nil
}
