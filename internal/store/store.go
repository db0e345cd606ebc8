package store

import (
	"context"
	"time"

	"tgblast/internal/channel"
	logx "tgblast/pkg/logx"
)

// Config configures the sqlite-backed store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store is the persistence API used by the queue, the dispatch pool, and the
// coordinator. One job owns its outcome rows exclusively.
type Store interface {
	// CreateJob persists the job row and its immutable recipient snapshot
	// in one transaction.
	CreateJob(ctx context.Context, job Job, recipients []channel.Recipient) error
	Job(ctx context.Context, id string) (Job, error)
	// JobsInStatus lists jobs currently in the given status, oldest first.
	// Used on boot to find runs interrupted by a crash.
	JobsInStatus(ctx context.Context, status JobStatus) ([]Job, error)
	SetJobStatus(ctx context.Context, id string, status JobStatus) error

	// AdvanceCursor moves the committed batch boundary forward. Calls that
	// would move it backwards are ignored; the cursor is monotonic.
	AdvanceCursor(ctx context.Context, id string, cursor int) error

	// Recipients returns the snapshot slice [from, from+limit).
	Recipients(ctx context.Context, jobID string, from, limit int) ([]channel.Recipient, error)

	// SeedPending creates Pending outcome rows for a fetched batch. Rows
	// that already exist (crash re-fetch) are left untouched.
	SeedPending(ctx context.Context, jobID string, recipients []channel.Recipient) error

	// RecordOutcome upserts one delivery record. Writing the same terminal
	// status twice is a no-op; changing an existing terminal status returns
	// ErrTerminalOutcome.
	RecordOutcome(ctx context.Context, o Outcome) error

	// TerminalIn reports which of the given recipients already hold a
	// terminal outcome for the job. Used by the batch fetcher to keep a
	// recovery re-fetch from re-sending anyone already settled.
	TerminalIn(ctx context.Context, jobID string, recipients []channel.Recipient) (map[channel.Recipient]bool, error)

	// NonTerminal lists rows still Pending or RateLimited, snapshot order.
	NonTerminal(ctx context.Context, jobID string) ([]Outcome, error)

	Counts(ctx context.Context, jobID string) (Counts, error)

	Close() error
}

// Open initializes the sqlite store at cfg.Path.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
