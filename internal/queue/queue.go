// Package queue provides the durable job queue the lifecycle monitors
// schedule against: delayed one-shot jobs, repeating jobs, and a bounded
// worker pool that claims and executes them.
//
// The contract every implementation must honor (and the contract tests
// enforce): enqueueing a job with a key that already has a live (pending or
// running) job in the same queue is a no-op. Keys are how callers get
// at-most-one scheduled job per entity per monitor, so the dedup behavior is
// part of the interface, not an accident of the backing store.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Handler is the function executed for each claimed job.
// A non-nil return value triggers retry with exponential backoff up to
// max_attempts, then dead status. A nil return marks the job succeeded and,
// for repeating jobs, re-arms the next run.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Options tunes a single Enqueue call. The zero value is a run-now one-shot
// job with default attempts.
type Options struct {
	// Delay postpones the first run. Negative values are treated as zero.
	Delay time.Duration
	// RepeatEvery re-arms the job this long after each successful run.
	// Zero means one-shot.
	RepeatEvery time.Duration
	// MaxAttempts bounds retries before the job goes dead. Zero means the
	// implementation default (3).
	MaxAttempts int32
	Priority    int32
}

// JobInfo describes a live scheduled job.
type JobInfo struct {
	ID          uuid.UUID
	Queue       string
	Key         string
	RepeatEvery time.Duration
	RunAfter    time.Time
}

// Queue is the scheduling surface the monitors consume.
type Queue interface {
	// Enqueue schedules a job. key is the idempotency key; an empty key skips
	// dedup entirely. Returns enqueued=false (and a nil error) when a live job
	// with the same key already exists.
	Enqueue(ctx context.Context, queue, key string, payload json.RawMessage, opts Options) (id uuid.UUID, enqueued bool, err error)

	// CancelByKey removes the live job with the given key, if any. Cancelling
	// an absent key is not an error. A running job is not interrupted; it
	// simply will not re-arm or retry after it finishes.
	CancelByKey(ctx context.Context, queue, key string) error

	// ListRepeating returns the live repeating jobs in the named queue.
	ListRepeating(ctx context.Context, queue string) ([]JobInfo, error)
}

const defaultMaxAttempts = 3
