package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tgblast/internal/channel"
	"tgblast/internal/store"
	logx "tgblast/pkg/logx"
)

func testQueue(t *testing.T, recipients ...channel.Recipient) (*Queue, store.Store, string) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "ledger.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	job := store.Job{
		ID:        "job",
		Payload:   channel.Payload{Text: "hi"},
		Total:     len(recipients),
		Status:    store.JobRunning,
		CreatedAt: time.Now(),
	}
	require.NoError(t, st.CreateJob(context.Background(), job, recipients))

	leases := store.NewLeases(2, 0, logx.Nop())
	return New(st, leases, logx.Nop()), st, job.ID
}

func TestNextBatchAndCommit(t *testing.T) {
	t.Parallel()
	q, st, jobID := testQueue(t, "1", "2", "3", "4", "5")
	ctx := context.Background()

	b, err := q.NextBatch(ctx, jobID, 3)
	require.NoError(t, err)
	require.Equal(t, []channel.Recipient{"1", "2", "3"}, b.Recipients)
	require.Equal(t, 0, b.Start)
	require.Equal(t, 3, b.Next)

	// fetched rows are durably Pending before anyone is attempted
	counts, err := st.Counts(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, 3, counts.Pending)

	require.NoError(t, q.CommitBatch(ctx, b))

	b, err = q.NextBatch(ctx, jobID, 3)
	require.NoError(t, err)
	require.Equal(t, []channel.Recipient{"4", "5"}, b.Recipients)
	require.NoError(t, q.CommitBatch(ctx, b))

	b, err = q.NextBatch(ctx, jobID, 3)
	require.NoError(t, err)
	require.True(t, b.Empty())
}

func TestNextBatchRefetchAfterCrash(t *testing.T) {
	t.Parallel()
	q, _, jobID := testQueue(t, "1", "2", "3")
	ctx := context.Background()

	b, err := q.NextBatch(ctx, jobID, 2)
	require.NoError(t, err)
	require.Equal(t, []channel.Recipient{"1", "2"}, b.Recipients)

	// no commit: a crashed run re-fetches the same window
	b, err = q.NextBatch(ctx, jobID, 2)
	require.NoError(t, err)
	require.Equal(t, []channel.Recipient{"1", "2"}, b.Recipients)
}

func TestNextBatchSkipsSettledRecipients(t *testing.T) {
	t.Parallel()
	q, st, jobID := testQueue(t, "1", "2", "3")
	ctx := context.Background()

	_, err := q.NextBatch(ctx, jobID, 3)
	require.NoError(t, err)
	require.NoError(t, st.RecordOutcome(ctx, store.Outcome{
		JobID: jobID, Recipient: "2", Status: store.OutcomeSent, Attempts: 1, LastAt: time.Now(),
	}))

	// crash re-fetch: "2" already settled and must not be attempted again
	b, err := q.NextBatch(ctx, jobID, 3)
	require.NoError(t, err)
	require.Equal(t, []channel.Recipient{"1", "3"}, b.Recipients)
	require.Equal(t, 3, b.Next, "cursor must still move past the settled row")
}

func TestNextBatchAllSettledWindowStillCommits(t *testing.T) {
	t.Parallel()
	q, st, jobID := testQueue(t, "1", "2", "3")
	ctx := context.Background()

	_, err := q.NextBatch(ctx, jobID, 2)
	require.NoError(t, err)
	for _, r := range []channel.Recipient{"1", "2"} {
		require.NoError(t, st.RecordOutcome(ctx, store.Outcome{
			JobID: jobID, Recipient: r, Status: store.OutcomeSent, Attempts: 1, LastAt: time.Now(),
		}))
	}

	b, err := q.NextBatch(ctx, jobID, 2)
	require.NoError(t, err)
	require.Empty(t, b.Recipients)
	require.False(t, b.Empty(), "a fully settled window is not cursor exhaustion")
	require.NoError(t, q.CommitBatch(ctx, b))

	b, err = q.NextBatch(ctx, jobID, 2)
	require.NoError(t, err)
	require.Equal(t, []channel.Recipient{"3"}, b.Recipients)
}
