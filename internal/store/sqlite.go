package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tgblast/internal/channel"
	logx "tgblast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. The lease manager
	// bounds callers above this; a single connection keeps writes serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateJob(ctx context.Context, job Job, recipients []channel.Recipient) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs(id, payload, total, cursor, status, created_at, started_at, finished_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		job.ID, string(payload), job.Total, job.Cursor, string(job.Status),
		job.CreatedAt.Format(time.RFC3339Nano), nullTime(job.StartedAt), nullTime(job.FinishedAt),
	)
	if err != nil {
		return err
	}

	ins, err := tx.PrepareContext(ctx,
		`INSERT INTO job_recipients(job_id, idx, recipient) VALUES(?,?,?)`)
	if err != nil {
		return err
	}
	defer ins.Close()
	for i, r := range recipients {
		if _, err := ins.ExecContext(ctx, job.ID, i, string(r)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *sqliteStore) Job(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, payload, total, cursor, status, created_at, started_at, finished_at
		 FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func (s *sqliteStore) JobsInStatus(ctx context.Context, status JobStatus) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, total, cursor, status, created_at, started_at, finished_at
		 FROM jobs WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *sqliteStore) SetJobStatus(ctx context.Context, id string, status JobStatus) error {
	now := time.Now().Format(time.RFC3339Nano)
	var res sql.Result
	var err error
	switch status {
	case JobRunning:
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`,
			string(status), now, id)
	case JobCompleted, JobCancelled, JobFailed:
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, finished_at = ? WHERE id = ?`,
			string(status), now, id)
	default:
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ? WHERE id = ?`, string(status), id)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) AdvanceCursor(ctx context.Context, id string, cursor int) error {
	// Monotonic: a stale commit (crash recovery replay) is a silent no-op.
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET cursor = ? WHERE id = ? AND cursor < ?`, cursor, id, cursor)
	return err
}

func (s *sqliteStore) Recipients(ctx context.Context, jobID string, from, limit int) ([]channel.Recipient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT recipient FROM job_recipients WHERE job_id = ? AND idx >= ? ORDER BY idx LIMIT ?`,
		jobID, from, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []channel.Recipient
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		out = append(out, channel.Recipient(r))
	}
	return out, rows.Err()
}

func (s *sqliteStore) SeedPending(ctx context.Context, jobID string, recipients []channel.Recipient) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	ins, err := tx.PrepareContext(ctx,
		`INSERT INTO outcomes(job_id, recipient, status, attempts) VALUES(?,?,?,0)
		 ON CONFLICT(job_id, recipient) DO NOTHING`)
	if err != nil {
		return err
	}
	defer ins.Close()
	for _, r := range recipients {
		if _, err := ins.ExecContext(ctx, jobID, string(r), string(OutcomePending)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) RecordOutcome(ctx context.Context, o Outcome) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(job_id, recipient, status, attempts, last_at, err_kind)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(job_id, recipient) DO UPDATE SET
		   status = excluded.status,
		   attempts = excluded.attempts,
		   last_at = excluded.last_at,
		   err_kind = excluded.err_kind
		 WHERE outcomes.status NOT IN ('sent','blocked','failed')`,
		o.JobID, string(o.Recipient), string(o.Status), o.Attempts,
		nullTime(o.LastAt), nullStr(o.ErrKind),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	// The guard refused the write: the row is already terminal. Replaying the
	// same status is fine; changing it is not.
	var cur string
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM outcomes WHERE job_id = ? AND recipient = ?`,
		o.JobID, string(o.Recipient)).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if OutcomeStatus(cur) == o.Status {
		return nil
	}
	return fmt.Errorf("%w: %s stays %s, refused %s", ErrTerminalOutcome, o.Recipient, cur, o.Status)
}

func (s *sqliteStore) TerminalIn(ctx context.Context, jobID string, recipients []channel.Recipient) (map[channel.Recipient]bool, error) {
	if len(recipients) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(recipients)+1)
	args = append(args, jobID)
	ph := make([]string, len(recipients))
	for i, r := range recipients {
		ph[i] = "?"
		args = append(args, string(r))
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT recipient FROM outcomes
		 WHERE job_id = ? AND status IN ('sent','blocked','failed')
		 AND recipient IN (`+strings.Join(ph, ",")+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[channel.Recipient]bool)
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		out[channel.Recipient(r)] = true
	}
	return out, rows.Err()
}

func (s *sqliteStore) NonTerminal(ctx context.Context, jobID string) ([]Outcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT o.recipient, o.status, o.attempts, o.last_at, o.err_kind
		 FROM outcomes o
		 JOIN job_recipients r ON r.job_id = o.job_id AND r.recipient = o.recipient
		 WHERE o.job_id = ? AND o.status IN ('pending','rate_limited')
		 ORDER BY r.idx`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var (
			o       Outcome
			rcpt    string
			status  string
			lastAt  sql.NullString
			errKind sql.NullString
		)
		if err := rows.Scan(&rcpt, &status, &o.Attempts, &lastAt, &errKind); err != nil {
			return nil, err
		}
		o.JobID = jobID
		o.Recipient = channel.Recipient(rcpt)
		o.Status = OutcomeStatus(status)
		o.LastAt = parseTime(lastAt)
		o.ErrKind = errKind.String
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Counts(ctx context.Context, jobID string) (Counts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM outcomes WHERE job_id = ? GROUP BY status`, jobID)
	if err != nil {
		return Counts{}, err
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, err
		}
		switch OutcomeStatus(status) {
		case OutcomePending:
			c.Pending = n
		case OutcomeSent:
			c.Sent = n
		case OutcomeBlocked:
			c.Blocked = n
		case OutcomeFailed:
			c.Failed = n
		case OutcomeRateLimited:
			c.RateLimited = n
		}
	}
	return c, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		j          Job
		payload    string
		status     string
		createdAt  string
		startedAt  sql.NullString
		finishedAt sql.NullString
	)
	err := row.Scan(&j.ID, &payload, &j.Total, &j.Cursor, &status, &createdAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	j.Status = JobStatus(status)
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	j.StartedAt = parseTime(startedAt)
	j.FinishedAt = parseTime(finishedAt)
	return j, nil
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, v.String)
	return t
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
