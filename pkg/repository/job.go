package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-pkgz/repeater/v2"
	"github.com/jmoiron/sqlx"
)

// Job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job is one feed analysis request and, eventually, its result. The
// result column holds the crawl outcome as a JSON blob; the store does
// not interpret it.
type Job struct {
	ID         string     `db:"id" json:"id"`
	FeedURL    string     `db:"feed_url" json:"feedUrl"`
	Kind       string     `db:"kind" json:"kind"`
	Status     string     `db:"status" json:"status"`
	MaxPages   int        `db:"max_pages" json:"maxPages,omitempty"`
	Parallel   bool       `db:"parallel" json:"parallel,omitempty"`
	Result     string     `db:"result" json:"-"`
	Error      string     `db:"error" json:"error,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
	StartedAt  *time.Time `db:"started_at" json:"startedAt,omitempty"`
	FinishedAt *time.Time `db:"finished_at" json:"finishedAt,omitempty"`
}

// ResultJSON returns the stored result blob, or nil for unfinished jobs.
func (j *Job) ResultJSON() json.RawMessage {
	if j.Result == "" {
		return nil
	}
	return json.RawMessage(j.Result)
}

// JobRepository handles job persistence
type JobRepository struct {
	db *sqlx.DB
}

// NewJobRepository creates a job repository
func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new pending job.
func (r *JobRepository) Create(ctx context.Context, job *Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}

	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))
	return retrier.Do(ctx, func() error {
		query := `INSERT INTO analysis_jobs (id, feed_url, kind, status, max_pages, parallel, created_at)
		          VALUES (?, ?, ?, ?, ?, ?, ?)`
		_, err := r.db.ExecContext(ctx, query, job.ID, job.FeedURL, job.Kind, job.Status,
			job.MaxPages, job.Parallel, job.CreatedAt)
		if err != nil {
			if isLockError(err) {
				return err // repeater will retry this
			}
			return &criticalError{err: fmt.Errorf("create job: %w", err)}
		}
		return nil
	}, &criticalError{})
}

// Get returns one job by id.
func (r *JobRepository) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := r.db.GetContext(ctx, &job, `SELECT * FROM analysis_jobs WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &job, nil
}

// List returns the most recent jobs, newest first.
func (r *JobRepository) List(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []Job
	err := r.db.SelectContext(ctx, &jobs,
		`SELECT * FROM analysis_jobs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// SetRunning marks a job as started.
func (r *JobRepository) SetRunning(ctx context.Context, id string) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))
	return retrier.Do(ctx, func() error {
		query := `UPDATE analysis_jobs SET status = ?, started_at = ? WHERE id = ?`
		res, err := r.db.ExecContext(ctx, query, StatusRunning, time.Now().UTC(), id)
		if err != nil {
			if isLockError(err) {
				return err // repeater will retry this
			}
			return &criticalError{err: fmt.Errorf("set job running: %w", err)}
		}
		return requireRowAffected(res, id)
	}, &criticalError{})
}

// SetResult stores the crawl outcome and marks the job completed.
func (r *JobRepository) SetResult(ctx context.Context, id string, result json.RawMessage) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))
	return retrier.Do(ctx, func() error {
		query := `UPDATE analysis_jobs SET status = ?, result = ?, finished_at = ? WHERE id = ?`
		res, err := r.db.ExecContext(ctx, query, StatusCompleted, string(result), time.Now().UTC(), id)
		if err != nil {
			if isLockError(err) {
				return err // repeater will retry this
			}
			return &criticalError{err: fmt.Errorf("set job result: %w", err)}
		}
		return requireRowAffected(res, id)
	}, &criticalError{})
}

// SetError marks the job failed with the given message.
func (r *JobRepository) SetError(ctx context.Context, id, msg string) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))
	return retrier.Do(ctx, func() error {
		query := `UPDATE analysis_jobs SET status = ?, error = ?, finished_at = ? WHERE id = ?`
		res, err := r.db.ExecContext(ctx, query, StatusFailed, msg, time.Now().UTC(), id)
		if err != nil {
			if isLockError(err) {
				return err // repeater will retry this
			}
			return &criticalError{err: fmt.Errorf("set job error: %w", err)}
		}
		return requireRowAffected(res, id)
	}, &criticalError{})
}

// Cleanup deletes finished jobs older than the retention window and
// returns the number removed.
func (r *JobRepository) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM analysis_jobs WHERE status IN (?, ?) AND created_at < ?`,
		StatusCompleted, StatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup jobs rows affected: %w", err)
	}
	return n, nil
}

func requireRowAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return &criticalError{err: fmt.Errorf("rows affected: %w", err)}
	}
	if n == 0 {
		return &criticalError{err: fmt.Errorf("job %s not found", id)}
	}
	return nil
}
