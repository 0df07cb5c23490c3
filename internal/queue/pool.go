package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// pollInterval is how often each worker goroutine checks for new jobs.
	pollInterval = 2 * time.Second

	// staleCheckInterval is how often the recovery goroutine runs.
	staleCheckInterval = 1 * time.Minute

	// staleThreshold is the age at which a 'running' job is considered stuck.
	staleThreshold = 5 * time.Minute
)

// registration pairs a handler with its worker count for one queue.
type registration struct {
	handler     Handler
	concurrency int
}

// Pool manages the goroutine workers that claim and execute jobs from the
// job_queue table. Each registered queue gets its own bounded set of polling
// goroutines; a shared stale-lock recovery goroutine resets stuck jobs.
type Pool struct {
	q        *PG
	workerID string
	mu       sync.RWMutex
	queues   map[string]registration
}

// NewPool creates a Pool backed by q. A random workerID is generated at
// construction time to distinguish this process in the locked_by column.
func NewPool(q *PG) *Pool {
	return &Pool{
		q:        q,
		workerID: uuid.New().String(),
		queues:   make(map[string]registration),
	}
}

// Register associates h with the named queue, processed by up to concurrency
// goroutines. Must be called before Start.
func (p *Pool) Register(queue string, h Handler, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues[queue] = registration{handler: h, concurrency: concurrency}
}

// Start launches the worker goroutines plus the stale-lock recovery
// goroutine, then blocks until ctx is cancelled. When ctx is cancelled, all
// goroutines stop claiming new jobs, any in-flight job completes, and Start
// returns after all goroutines have exited.
func (p *Pool) Start(ctx context.Context) {
	p.mu.RLock()
	regs := make(map[string]registration, len(p.queues))
	for q, r := range p.queues {
		regs[q] = r
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup

	for q, r := range regs {
		for i := 0; i < r.concurrency; i++ {
			wg.Add(1)
			go func(queue string, h Handler) {
				defer wg.Done()
				p.runWorker(ctx, queue, h)
			}(q, r.handler)
		}
		slog.Info("queue workers started", "queue", q, "concurrency", r.concurrency)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runStaleRecovery(ctx)
	}()

	wg.Wait()
	slog.Info("worker pool stopped", "worker_id", p.workerID)
}

// runWorker polls queue for jobs until ctx is cancelled. Uses time.NewTicker
// (not time.After) to avoid timer leaks.
func (p *Pool) runWorker(ctx context.Context, queue string, h Handler) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain everything due right now before going back to sleep.
			for p.processOne(ctx, queue, h) {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// processOne claims one job from queue and executes it. Errors are logged but
// do not stop the polling loop. Reports whether a job was processed, so the
// caller can keep draining a backlog.
func (p *Pool) processOne(ctx context.Context, queue string, h Handler) bool {
	job, err := p.q.claim(ctx, queue, p.workerID)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("claim job error", "queue", queue, "error", err)
		}
		return false
	}
	if job == nil {
		return false // no job due; normal case
	}

	slog.Debug("executing job",
		"queue", queue, "job_id", job.ID, "key", job.Key, "attempts", job.Attempts)

	if err := h(ctx, job.Payload); err != nil {
		slog.Error("job handler failed",
			"queue", queue, "job_id", job.ID, "key", job.Key, "error", err)
		if failErr := p.q.fail(ctx, job.ID, err.Error()); failErr != nil {
			slog.Error("fail job error", "job_id", job.ID, "error", failErr)
		}
		return true
	}

	if err := p.q.complete(ctx, job); err != nil {
		slog.Error("complete job error", "job_id", job.ID, "error", err)
	}
	return true
}

// runStaleRecovery periodically resets jobs stuck in 'running' state.
func (p *Pool) runStaleRecovery(ctx context.Context) {
	ticker := time.NewTicker(staleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.q.recoverStale(ctx, staleThreshold)
			if err != nil {
				slog.Error("stale job recovery error", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("reclaimed stale jobs", "count", n)
			}
		}
	}
}
