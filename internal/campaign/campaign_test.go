package campaign

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tgblast/internal/channel"
	"tgblast/internal/dispatch"
	"tgblast/internal/queue"
	"tgblast/internal/ratelimit"
	"tgblast/internal/store"
	logx "tgblast/pkg/logx"
)

// scriptSender drives classification from a per-recipient script and records
// every attempted send.
type scriptSender struct {
	mu     sync.Mutex
	calls  map[channel.Recipient]int
	script func(to channel.Recipient, call int) channel.Result
}

func newScriptSender(script func(to channel.Recipient, call int) channel.Result) *scriptSender {
	return &scriptSender{calls: map[channel.Recipient]int{}, script: script}
}

func (s *scriptSender) Send(ctx context.Context, to channel.Recipient, p channel.Payload) channel.Result {
	s.mu.Lock()
	s.calls[to]++
	call := s.calls[to]
	s.mu.Unlock()
	return s.script(to, call)
}

func (s *scriptSender) callCount(to channel.Recipient) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[to]
}

type harness struct {
	store store.Store
	path  string
	pool  *dispatch.Pool
	coord *Coordinator
}

func newHarness(t *testing.T, sender channel.Sender, cfg Config) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	return openHarness(t, sender, cfg, path)
}

func openHarness(t *testing.T, sender channel.Sender, cfg Config, path string) *harness {
	t.Helper()
	st, err := store.Open(store.Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	leases := store.NewLeases(2, 0, logx.Nop())
	limiter := ratelimit.New(ratelimit.Config{
		PerSecond:    1000,
		BackoffFloor: time.Millisecond,
		BackoffCap:   5 * time.Millisecond,
	}, logx.Nop())
	pool := dispatch.New(dispatch.Config{
		Workers:       2,
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
	}, sender, limiter, st, leases, nil, logx.Nop())
	q := queue.New(st, leases, logx.Nop())

	if cfg.SweepPause <= 0 {
		cfg.SweepPause = 5 * time.Millisecond
	}
	coord := New(cfg, st, leases, q, pool, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pool.Start(ctx)
	t.Cleanup(func() { pool.Stop(context.Background()) })
	coord.Start(ctx)
	t.Cleanup(func() { coord.Stop(context.Background()) })

	return &harness{store: st, path: path, pool: pool, coord: coord}
}

func (h *harness) waitFinal(t *testing.T, jobID string) store.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := h.store.Job(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status.Final() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finalize in time", jobID)
	return store.Job{}
}

func (h *harness) waitStatus(t *testing.T, jobID string, want store.JobStatus) store.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := h.store.Job(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, want)
	return store.Job{}
}

func recipients(ids ...string) []channel.Recipient {
	out := make([]channel.Recipient, len(ids))
	for i, id := range ids {
		out[i] = channel.Recipient(id)
	}
	return out
}

func tenRecipients() []channel.Recipient {
	return recipients("1", "2", "3", "4", "5", "6", "7", "8", "9", "10")
}

// Ten recipients; 3 and 7 are permanently unreachable; 5 is flood-limited on
// its first two attempts and then succeeds. The run must settle everyone.
func TestRunDeliversAroundFailuresAndFloodControl(t *testing.T) {
	t.Parallel()
	sender := newScriptSender(func(to channel.Recipient, call int) channel.Result {
		switch {
		case to == "3" || to == "7":
			return channel.Result{Kind: channel.Permanent, ErrKind: "blocked", Err: errors.New("blocked")}
		case to == "5" && call <= 2:
			return channel.Result{Kind: channel.RateLimited, RetryAfter: time.Millisecond}
		default:
			return channel.Result{Kind: channel.Success}
		}
	})
	h := newHarness(t, sender, Config{BatchSize: 4})

	jobID, err := h.coord.Create(context.Background(), tenRecipients(), channel.Payload{Text: "hi"})
	require.NoError(t, err)

	job := h.waitFinal(t, jobID)
	require.Equal(t, store.JobCompleted, job.Status)

	rep, err := h.coord.Report(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, 8, rep.Sent)
	require.Equal(t, 2, rep.Blocked)
	require.Equal(t, 0, rep.Failed)

	require.Equal(t, 3, sender.callCount("5"), "two flood deferrals plus the final success")
	require.Equal(t, 1, sender.callCount("3"), "permanent failures are never retried")
}

// Cancellation after the fourth delivery: in-flight work finishes and is
// recorded, nobody else is attempted, and the report covers exactly four.
func TestCancelKeepsSettledOutcomesOnly(t *testing.T) {
	t.Parallel()
	cancelFn := make(chan func(), 1)
	sender := newScriptSender(func(to channel.Recipient, call int) channel.Result {
		if to == "4" {
			// cancel lands while this send is in flight; it still completes
			(<-cancelFn)()
		}
		return channel.Result{Kind: channel.Success}
	})
	h := newHarness(t, sender, Config{BatchSize: 4})
	h.pool.Apply(dispatch.Config{Workers: 1, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond})
	h.pool.Stop(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.pool.Start(ctx)

	jobID, err := h.coord.Create(context.Background(), tenRecipients(), channel.Payload{Text: "hi"})
	require.NoError(t, err)
	cancelFn <- func() {
		require.NoError(t, h.coord.Cancel(context.Background(), jobID))
	}

	job := h.waitFinal(t, jobID)
	require.Equal(t, store.JobCancelled, job.Status)

	counts, err := h.store.Counts(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, 4, counts.Sent)
	require.Equal(t, 4, counts.Terminal(), "only the settled batch counts")
	for _, r := range recipients("5", "6", "7", "8", "9", "10") {
		require.Equal(t, 0, sender.callCount(r), "recipient %s must not be attempted after cancel", r)
	}
}

func TestCreateRejectsEmptyAndDuplicates(t *testing.T) {
	t.Parallel()
	sender := newScriptSender(func(channel.Recipient, int) channel.Result {
		return channel.Result{Kind: channel.Success}
	})
	h := newHarness(t, sender, Config{})

	_, err := h.coord.Create(context.Background(), nil, channel.Payload{Text: "hi"})
	require.ErrorIs(t, err, ErrNoRecipients)

	_, err = h.coord.Create(context.Background(), recipients("1", "2", "1"), channel.Payload{Text: "hi"})
	require.ErrorIs(t, err, ErrDuplicateRecipients)
}

func TestSystemicErrorFailsJob(t *testing.T) {
	t.Parallel()
	sender := newScriptSender(func(channel.Recipient, int) channel.Result {
		return channel.Result{Kind: channel.Systemic, ErrKind: "unauthorized", Err: errors.New("401")}
	})
	h := newHarness(t, sender, Config{BatchSize: 4})

	jobID, err := h.coord.Create(context.Background(), tenRecipients(), channel.Payload{Text: "hi"})
	require.NoError(t, err)

	job := h.waitFinal(t, jobID)
	require.Equal(t, store.JobFailed, job.Status)
}

func TestPauseThenResumeCompletes(t *testing.T) {
	t.Parallel()
	pauseFn := make(chan func(), 1)
	sender := newScriptSender(func(to channel.Recipient, call int) channel.Result {
		if to == "2" && call == 1 {
			(<-pauseFn)()
		}
		return channel.Result{Kind: channel.Success}
	})
	h := newHarness(t, sender, Config{BatchSize: 2})
	h.pool.Apply(dispatch.Config{Workers: 1, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond})
	h.pool.Stop(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.pool.Start(ctx)

	jobID, err := h.coord.Create(context.Background(), recipients("1", "2", "3", "4"), channel.Payload{Text: "hi"})
	require.NoError(t, err)
	pauseFn <- func() {
		require.NoError(t, h.coord.Pause(context.Background(), jobID))
	}

	h.waitStatus(t, jobID, store.JobPaused)
	counts, err := h.store.Counts(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, 2, counts.Sent, "the in-flight batch settles before pausing")

	require.NoError(t, h.coord.Resume(context.Background(), jobID))
	job := h.waitFinal(t, jobID)
	require.Equal(t, store.JobCompleted, job.Status)

	for _, r := range recipients("1", "2", "3", "4") {
		require.Equal(t, 1, sender.callCount(r), "recipient %s must be sent exactly once", r)
	}
}

func TestResumeRejectsFinalJob(t *testing.T) {
	t.Parallel()
	sender := newScriptSender(func(channel.Recipient, int) channel.Result {
		return channel.Result{Kind: channel.Success}
	})
	h := newHarness(t, sender, Config{})

	jobID, err := h.coord.Create(context.Background(), recipients("1"), channel.Payload{Text: "hi"})
	require.NoError(t, err)
	h.waitFinal(t, jobID)

	require.ErrorIs(t, h.coord.Resume(context.Background(), jobID), ErrNotRunnable)
	require.ErrorIs(t, h.coord.Cancel(context.Background(), jobID), ErrNotRunnable)
}

// A run interrupted mid-batch leaves the job Running with settled and
// unsettled rows behind the cursor. Recovery on the reopened store must
// finish the stragglers without re-sending anyone already Sent.
func TestRecoverResumesWithoutDoubleSend(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ledger.db")

	// simulate the crashed run's leftovers directly in the ledger
	{
		st, err := store.Open(store.Config{Path: path}, logx.Nop())
		require.NoError(t, err)
		ctx := context.Background()
		job := store.Job{ID: "job", Payload: channel.Payload{Text: "hi"}, Total: 5, Status: store.JobDraft, CreatedAt: time.Now()}
		require.NoError(t, st.CreateJob(ctx, job, recipients("1", "2", "3", "4", "5")))
		require.NoError(t, st.SetJobStatus(ctx, "job", store.JobRunning))
		// batch (1,2,3) was fetched but never committed: 1 and 2 settled
		require.NoError(t, st.SeedPending(ctx, "job", recipients("1", "2", "3")))
		require.NoError(t, st.RecordOutcome(ctx, store.Outcome{JobID: "job", Recipient: "1", Status: store.OutcomeSent, Attempts: 1, LastAt: time.Now()}))
		require.NoError(t, st.RecordOutcome(ctx, store.Outcome{JobID: "job", Recipient: "2", Status: store.OutcomeSent, Attempts: 1, LastAt: time.Now()}))
		require.NoError(t, st.Close())
	}

	sender := newScriptSender(func(channel.Recipient, int) channel.Result {
		return channel.Result{Kind: channel.Success}
	})
	h := openHarness(t, sender, Config{BatchSize: 3}, path)
	require.NoError(t, h.coord.Recover(context.Background()))

	job := h.waitFinal(t, "job")
	require.Equal(t, store.JobCompleted, job.Status)

	rep, err := h.coord.Report(context.Background(), "job")
	require.NoError(t, err)
	require.Equal(t, 5, rep.Sent)

	require.Equal(t, 0, sender.callCount("1"), "already-sent recipient must not be re-sent")
	require.Equal(t, 0, sender.callCount("2"), "already-sent recipient must not be re-sent")
	for _, r := range recipients("3", "4", "5") {
		require.Equal(t, 1, sender.callCount(r), "recipient %s delivered exactly once", r)
	}
}
