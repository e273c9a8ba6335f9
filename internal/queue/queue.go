package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"taskforce/internal/domain"
)

var ErrNotFound = errors.New("job not found")

// Options tune retry behavior for one enqueued job.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks an error as non-retryable; the job is dead-lettered
// immediately instead of consuming its remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe)
}

// Store is the durable stage queue over the jobs table. All cross-worker
// coordination goes through SQL check-and-set; workers may live in
// different processes.
type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewStore(db *sql.DB) Store {
	return Store{DB: db, Now: time.Now}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// EnqueueTx stores a job inside the caller's transaction so stage output and
// downstream work commit atomically.
func (s Store) EnqueueTx(ctx context.Context, tx *sql.Tx, stage string, payload any, opts Options) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal %s payload: %w", stage, err)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	now := s.now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `INSERT INTO jobs(stage,payload_json,status,attempts,max_attempts,backoff_base_ms,run_at,created_at,updated_at)
VALUES (?,?,'pending',0,?,?,?,?,?)`,
		stage, string(data), opts.MaxAttempts, opts.BackoffBase.Milliseconds(), now, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Enqueue stores a job outside any transaction.
func (s Store) Enqueue(ctx context.Context, stage string, payload any, opts Options) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	id, err := s.EnqueueTx(ctx, tx, stage, payload, opts)
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// Claim pops the oldest due pending job for a stage. The status flip is an
// atomic check-and-set, so concurrent workers never claim the same job.
func (s Store) Claim(ctx context.Context, stage string) (domain.Job, bool, error) {
	now := s.now().UTC().Format(time.RFC3339)
	for {
		job, err := s.nextDue(ctx, stage, now)
		if errors.Is(err, ErrNotFound) {
			return domain.Job{}, false, nil
		}
		if err != nil {
			return domain.Job{}, false, err
		}
		res, err := s.DB.ExecContext(ctx, `UPDATE jobs SET status='running', updated_at=? WHERE id=? AND status='pending'`, now, job.ID)
		if err != nil {
			return domain.Job{}, false, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			job.Status = "running"
			return job, true, nil
		}
		// lost the race; try the next candidate
	}
}

func (s Store) nextDue(ctx context.Context, stage, now string) (domain.Job, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id,stage,payload_json,status,attempts,max_attempts,backoff_base_ms,run_at,last_error,dead_at,created_at,updated_at
FROM jobs WHERE stage=? AND status='pending' AND run_at<=? ORDER BY id ASC LIMIT 1`, stage, now)
	return scanJob(row.Scan)
}

// Ack removes a successfully handled job.
func (s Store) Ack(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id)
	return err
}

// Fail records a handler failure: schedule a retry with exponential backoff
// and jitter, or dead-letter once the attempt budget is spent or the error
// is permanent. Dead jobs are preserved for inspection.
func (s Store) Fail(ctx context.Context, job domain.Job, cause error) error {
	attempts := job.Attempts + 1
	now := s.now().UTC()
	nowStr := now.Format(time.RFC3339)
	msg := cause.Error()
	if IsPermanent(cause) || attempts >= job.MaxAttempts {
		_, err := s.DB.ExecContext(ctx, `UPDATE jobs SET status='dead', attempts=?, last_error=?, dead_at=?, updated_at=? WHERE id=?`,
			attempts, msg, nowStr, nowStr, job.ID)
		return err
	}
	delay := backoffDelay(time.Duration(job.BackoffBaseMS)*time.Millisecond, attempts)
	runAt := now.Add(delay).Format(time.RFC3339)
	_, err := s.DB.ExecContext(ctx, `UPDATE jobs SET status='pending', attempts=?, last_error=?, run_at=?, updated_at=? WHERE id=?`,
		attempts, msg, runAt, nowStr, job.ID)
	return err
}

// backoffDelay is base*2^(attempts-1) with up to 25% jitter to spread
// retries of jobs that failed together.
func backoffDelay(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base << uint(attempts-1)
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// RequeueStale returns running jobs abandoned by a crashed worker to
// pending. updated_at is set at claim time and not touched during
// execution, so any job running since before the cutoff has no live
// worker behind it. The requeue does not consume an attempt.
func (s Store) RequeueStale(ctx context.Context, cutoff time.Time) (int64, error) {
	now := s.now().UTC().Format(time.RFC3339)
	res, err := s.DB.ExecContext(ctx, `UPDATE jobs SET status='pending', run_at=?, updated_at=? WHERE status='running' AND updated_at<?`,
		now, now, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListDead returns dead-lettered jobs, newest first.
func (s Store) ListDead(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id,stage,payload_json,status,attempts,max_attempts,backoff_base_ms,run_at,last_error,dead_at,created_at,updated_at
FROM jobs WHERE status='dead' ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, job)
	}
	return res, rows.Err()
}

// RetryDead moves a dead-lettered job back to pending with a fresh attempt
// budget.
func (s Store) RetryDead(ctx context.Context, id int64) error {
	now := s.now().UTC().Format(time.RFC3339)
	res, err := s.DB.ExecContext(ctx, `UPDATE jobs SET status='pending', attempts=0, last_error=NULL, dead_at=NULL, run_at=?, updated_at=? WHERE id=? AND status='dead'`,
		now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingCount reports queued work for a stage; used by tests and status
// output.
func (s Store) PendingCount(ctx context.Context, stage string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT count(*) FROM jobs WHERE stage=? AND status IN ('pending','running')`, stage).Scan(&n)
	return n, err
}

func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var j domain.Job
	var lastError, deadAt sql.NullString
	err := scan(&j.ID, &j.Stage, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts, &j.BackoffBaseMS, &j.RunAt, &lastError, &deadAt, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	if deadAt.Valid {
		j.DeadAt = &deadAt.String
	}
	return j, nil
}
