package store

import (
	"errors"
	"time"

	"tgblast/internal/channel"
)

var (
	ErrNotFound = errors.New("store: not found")

	// ErrTerminalOutcome is returned when a write would change a recipient
	// row that already reached a terminal status. Re-writing the same
	// terminal status is a no-op, not an error.
	ErrTerminalOutcome = errors.New("store: outcome already terminal")
)

type JobStatus string

const (
	JobDraft     JobStatus = "draft"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobCancelled JobStatus = "cancelled"
	JobFailed    JobStatus = "failed"
)

// Final reports whether a job in this status can never change again.
func (s JobStatus) Final() bool {
	return s == JobCompleted || s == JobCancelled || s == JobFailed
}

// Job is one broadcast run: a payload plus an immutable recipient snapshot.
//
// Total never changes after creation. Cursor is the index of the last
// committed batch boundary and only moves forward; it is advanced at batch
// commit, never at fetch, so a crash mid-batch leaves it behind the highest
// attempted index.
type Job struct {
	ID      string
	Payload channel.Payload
	Total   int
	Cursor  int
	Status  JobStatus

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

type OutcomeStatus string

const (
	OutcomePending     OutcomeStatus = "pending"
	OutcomeSent        OutcomeStatus = "sent"
	OutcomeBlocked     OutcomeStatus = "blocked"
	OutcomeFailed      OutcomeStatus = "failed"
	OutcomeRateLimited OutcomeStatus = "rate_limited"
)

// Terminal reports whether the status is immutable for the rest of the job.
func (s OutcomeStatus) Terminal() bool {
	return s == OutcomeSent || s == OutcomeBlocked || s == OutcomeFailed
}

// Outcome is the durable per-recipient delivery record, keyed by
// (job id, recipient).
type Outcome struct {
	JobID     string
	Recipient channel.Recipient
	Status    OutcomeStatus
	Attempts  int
	LastAt    time.Time
	ErrKind   string
}

// Counts aggregates outcome rows per status for one job.
type Counts struct {
	Pending     int
	Sent        int
	Blocked     int
	Failed      int
	RateLimited int
}

// Terminal is the number of rows that will never change again.
func (c Counts) Terminal() int { return c.Sent + c.Blocked + c.Failed }
