package dispatch

import (
	"errors"
	"time"

	"tgblast/internal/channel"
)

var (
	ErrStopped  = errors.New("dispatch pool stopped")
	ErrNotReady = errors.New("dispatch pool not started")
)

type Config struct {
	// Workers is the fixed number of concurrent senders, shared across every
	// running job. Size it below the channel's global concurrency tolerance.
	Workers int
	// QueueSize buffers work items between batch runners and workers.
	QueueSize int

	// RetryMax caps attempts for transient failures. Flood-control results
	// do not consume attempts.
	RetryMax int
	// RetryBase/RetryMaxDelay shape the jittered delay between transient
	// retries.
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	return c
}

// Item is one recipient to deliver to, with its attempt count so far.
type Item struct {
	Recipient channel.Recipient
	Attempts  int
}

// BatchRequest asks the pool to drive every item to a terminal or deferred
// state. Interrupted is the job-level cooperative cancellation flag; it is
// consulted between recipients, never mid-send.
type BatchRequest struct {
	JobID       string
	Payload     channel.Payload
	Items       []Item
	Interrupted func() bool
}

// BatchResult summarizes one processed batch.
type BatchResult struct {
	// Total is the number of items in the request.
	Total int
	// Terminal rows reached Sent, Blocked, or Failed.
	Terminal int
	// Deferred rows were flood-limited and wait for a later pass.
	Deferred int
	// Skipped rows were not attempted (job interrupted or pool shutdown);
	// their ledger rows stay Pending.
	Skipped int
	// Systemic is non-nil when the channel rejected the caller itself; the
	// owning job must abort.
	Systemic error
}

// Committable reports whether the batch may advance the job cursor: every
// recipient of the request has a durable outcome, terminal or deferred.
// Items abandoned by a pool stop are neither, so a result returned early
// never commits.
func (r BatchResult) Committable() bool {
	return r.Systemic == nil && r.Terminal+r.Deferred == r.Total
}

// work is the unit flowing through the pool's queue.
type work struct {
	jobID   string
	payload channel.Payload
	item    Item
	tr      *tracker
}
