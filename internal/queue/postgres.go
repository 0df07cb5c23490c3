// ABOUTME: Postgres-backed Queue implementation over the job_queue table.
// ABOUTME: Claim uses FOR UPDATE SKIP LOCKED; key dedup uses a partial unique index.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is the production Queue backed by the job_queue table.
type PG struct {
	pool *pgxpool.Pool
}

// NewPG creates a PG queue backed by pool.
func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

// claimedJob is a row claimed by the worker pool.
type claimedJob struct {
	ID          uuid.UUID
	Queue       string
	Key         string
	Payload     json.RawMessage
	Attempts    int32
	MaxAttempts int32
	RepeatEvery time.Duration
}

// The ON CONFLICT target is the partial unique index on (queue, job_key)
// WHERE status IN ('pending','running') — this is what makes same-key
// enqueues a no-op while a live job exists.
const enqueueSQL = `
INSERT INTO job_queue (queue, job_key, payload, priority, max_attempts, repeat_every_ms, run_after)
VALUES ($1, NULLIF($2, ''), $3, $4, $5, NULLIF($6::bigint, 0), now() + ($7::bigint * interval '1 millisecond'))
ON CONFLICT (queue, job_key) WHERE status IN ('pending', 'running') DO NOTHING
RETURNING id`

// Enqueue implements Queue.
func (q *PG) Enqueue(ctx context.Context, queue, key string, payload json.RawMessage, opts Options) (uuid.UUID, bool, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	delay := opts.Delay
	if delay < 0 {
		delay = 0
	}

	var id uuid.UUID
	err := q.pool.QueryRow(ctx, enqueueSQL,
		queue,
		key,
		payload,
		opts.Priority,
		maxAttempts,
		opts.RepeatEvery.Milliseconds(),
		delay.Milliseconds(),
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// Live job with the same key already exists; dedup is not an error.
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("enqueue %s/%s: %w", queue, key, err)
	}
	return id, true, nil
}

const cancelByKeySQL = `
UPDATE job_queue
SET status = 'cancelled', locked_by = NULL, locked_at = NULL, updated_at = now()
WHERE queue = $1 AND job_key = $2 AND status IN ('pending', 'running')`

// CancelByKey implements Queue. A job that is mid-execution keeps running;
// complete/fail both guard on status='running', so a cancelled in-flight job
// neither retries nor re-arms.
func (q *PG) CancelByKey(ctx context.Context, queue, key string) error {
	if _, err := q.pool.Exec(ctx, cancelByKeySQL, queue, key); err != nil {
		return fmt.Errorf("cancel %s/%s: %w", queue, key, err)
	}
	return nil
}

const listRepeatingSQL = `
SELECT id, queue, COALESCE(job_key, ''), repeat_every_ms, run_after
FROM job_queue
WHERE queue = $1 AND repeat_every_ms IS NOT NULL AND status IN ('pending', 'running')
ORDER BY run_after`

// ListRepeating implements Queue.
func (q *PG) ListRepeating(ctx context.Context, queue string) ([]JobInfo, error) {
	rows, err := q.pool.Query(ctx, listRepeatingSQL, queue)
	if err != nil {
		return nil, fmt.Errorf("list repeating %s: %w", queue, err)
	}
	defer rows.Close()

	var out []JobInfo
	for rows.Next() {
		var (
			info     JobInfo
			repeatMS int64
		)
		if err := rows.Scan(&info.ID, &info.Queue, &info.Key, &repeatMS, &info.RunAfter); err != nil {
			return nil, fmt.Errorf("scan repeating job: %w", err)
		}
		info.RepeatEvery = time.Duration(repeatMS) * time.Millisecond
		out = append(out, info)
	}
	return out, rows.Err()
}

const claimSQL = `
UPDATE job_queue
SET status = 'running', locked_by = $2, locked_at = now(), attempts = attempts + 1, updated_at = now()
WHERE id = (
    SELECT id FROM job_queue
    WHERE queue = $1 AND status = 'pending' AND run_after <= now()
    ORDER BY priority DESC, run_after
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING id, queue, COALESCE(job_key, ''), payload, attempts, max_attempts, COALESCE(repeat_every_ms, 0)`

// claim atomically claims one due job from the named queue. Returns (nil, nil)
// when no job is currently due.
func (q *PG) claim(ctx context.Context, queue, workerID string) (*claimedJob, error) {
	var (
		job      claimedJob
		repeatMS int64
	)
	err := q.pool.QueryRow(ctx, claimSQL, queue, workerID).Scan(
		&job.ID, &job.Queue, &job.Key, &job.Payload, &job.Attempts, &job.MaxAttempts, &repeatMS,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	job.RepeatEvery = time.Duration(repeatMS) * time.Millisecond
	return &job, nil
}

const completeOneShotSQL = `
UPDATE job_queue
SET status = 'succeeded', locked_by = NULL, locked_at = NULL, updated_at = now()
WHERE id = $1 AND status = 'running'`

const completeRepeatingSQL = `
UPDATE job_queue
SET status = 'pending', run_after = now() + (repeat_every_ms * interval '1 millisecond'),
    attempts = 0, locked_by = NULL, locked_at = NULL, last_error = NULL, updated_at = now()
WHERE id = $1 AND status = 'running'`

// complete marks a job succeeded, or re-arms it when it repeats. The
// status='running' guard makes this a no-op for jobs cancelled mid-flight.
func (q *PG) complete(ctx context.Context, job *claimedJob) error {
	sql := completeOneShotSQL
	if job.RepeatEvery > 0 {
		sql = completeRepeatingSQL
	}
	if _, err := q.pool.Exec(ctx, sql, job.ID); err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	return nil
}

const failSQL = `
UPDATE job_queue
SET status = CASE
        WHEN repeat_every_ms IS NULL AND attempts >= max_attempts THEN 'dead'
        ELSE 'pending'
    END,
    run_after = CASE
        WHEN repeat_every_ms IS NOT NULL AND attempts >= max_attempts
            THEN now() + (repeat_every_ms * interval '1 millisecond')
        ELSE now() + (power(2, attempts) * interval '1 second')
    END,
    attempts = CASE
        WHEN repeat_every_ms IS NOT NULL AND attempts >= max_attempts THEN 0
        ELSE attempts
    END,
    last_error = $2, locked_by = NULL, locked_at = NULL, updated_at = now()
WHERE id = $1 AND status = 'running'`

// fail records a handler failure: exponential backoff retry while attempts
// remain, dead status once max_attempts is exhausted. Repeating jobs never go
// dead — exhausting attempts resets the cycle at the next repeat tick, so a
// run of bad ticks cannot permanently silence a monitor.
func (q *PG) fail(ctx context.Context, id uuid.UUID, errMsg string) error {
	if _, err := q.pool.Exec(ctx, failSQL, id, errMsg); err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}

const recoverStaleSQL = `
UPDATE job_queue
SET status = 'pending', locked_by = NULL, locked_at = NULL, updated_at = now()
WHERE status = 'running' AND locked_at < now() - ($1::bigint * interval '1 second')
RETURNING id`

// recoverStale resets jobs stuck in 'running' longer than staleAfter back to
// 'pending'. Returns the number of jobs recovered.
func (q *PG) recoverStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	rows, err := q.pool.Query(ctx, recoverStaleSQL, int64(staleAfter.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		n++
	}
	return n, rows.Err()
}
