package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Queue used by tests and the one-shot sweep command.
// It honors the same key-dedup contract as the Postgres implementation.
// Execution is driven explicitly through RunDue, which makes time-dependent
// tests deterministic.
type Memory struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*memJob
	order    []uuid.UUID
	handlers map[string]Handler
}

type memJob struct {
	id          uuid.UUID
	queue       string
	key         string
	payload     json.RawMessage
	status      string // pending | running | succeeded | dead | cancelled
	attempts    int32
	maxAttempts int32
	repeatEvery time.Duration
	runAfter    time.Time
	lastError   string
}

// NewMemory creates an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[uuid.UUID]*memJob),
		handlers: make(map[string]Handler),
	}
}

// Register associates h with the named queue for RunDue execution.
func (m *Memory) Register(queue string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[queue] = h
}

// Enqueue implements Queue.
func (m *Memory) Enqueue(_ context.Context, queue, key string, payload json.RawMessage, opts Options) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key != "" && m.liveLocked(queue, key) != nil {
		return uuid.Nil, false, nil
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	delay := opts.Delay
	if delay < 0 {
		delay = 0
	}

	job := &memJob{
		id:          uuid.New(),
		queue:       queue,
		key:         key,
		payload:     payload,
		status:      "pending",
		maxAttempts: maxAttempts,
		repeatEvery: opts.RepeatEvery,
		runAfter:    time.Now().Add(delay),
	}
	m.jobs[job.id] = job
	m.order = append(m.order, job.id)
	return job.id, true, nil
}

// CancelByKey implements Queue.
func (m *Memory) CancelByKey(_ context.Context, queue, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job := m.liveLocked(queue, key); job != nil {
		job.status = "cancelled"
	}
	return nil
}

// ListRepeating implements Queue.
func (m *Memory) ListRepeating(_ context.Context, queue string) ([]JobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []JobInfo
	for _, id := range m.order {
		job := m.jobs[id]
		if job.queue == queue && job.repeatEvery > 0 && (job.status == "pending" || job.status == "running") {
			out = append(out, JobInfo{
				ID:          job.id,
				Queue:       job.queue,
				Key:         job.key,
				RepeatEvery: job.repeatEvery,
				RunAfter:    job.runAfter,
			})
		}
	}
	return out, nil
}

// RunDue synchronously executes every pending job due at now, in enqueue
// order, and returns the number of jobs run. Handlers are invoked without the
// queue lock held, so a handler may enqueue or cancel jobs on this queue
// (monitors cancel their own job key mid-handler).
func (m *Memory) RunDue(ctx context.Context, now time.Time) int {
	m.mu.Lock()
	var due []*memJob
	for _, id := range m.order {
		job := m.jobs[id]
		if job.status == "pending" && !job.runAfter.After(now) {
			job.status = "running"
			job.attempts++
			due = append(due, job)
		}
	}
	handlers := make(map[string]Handler, len(m.handlers))
	for q, h := range m.handlers {
		handlers[q] = h
	}
	m.mu.Unlock()

	ran := 0
	for _, job := range due {
		h := handlers[job.queue]
		var err error
		if h != nil {
			err = h(ctx, job.payload)
		}
		ran++
		m.finalize(job, now, err)
	}
	return ran
}

// finalize applies the post-execution transition, mirroring the Postgres
// implementation: the status guard makes it a no-op when the job was
// cancelled mid-flight.
func (m *Memory) finalize(job *memJob, now time.Time, handlerErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.status != "running" {
		return
	}
	switch {
	case handlerErr != nil && job.attempts >= job.maxAttempts && job.repeatEvery > 0:
		// Repeating jobs never go dead; restart the attempt cycle next tick.
		job.status = "pending"
		job.attempts = 0
		job.lastError = handlerErr.Error()
		job.runAfter = now.Add(job.repeatEvery)
	case handlerErr != nil && job.attempts >= job.maxAttempts:
		job.status = "dead"
		job.lastError = handlerErr.Error()
	case handlerErr != nil:
		job.status = "pending"
		job.lastError = handlerErr.Error()
		job.runAfter = now.Add(time.Duration(1<<uint(job.attempts)) * time.Second)
	case job.repeatEvery > 0:
		job.status = "pending"
		job.attempts = 0
		job.lastError = ""
		job.runAfter = now.Add(job.repeatEvery)
	default:
		job.status = "succeeded"
	}
}

// LiveCount reports how many live (pending or running) jobs exist for the
// given key. Test helper.
func (m *Memory) LiveCount(queue, key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, job := range m.jobs {
		if job.queue == queue && job.key == key && (job.status == "pending" || job.status == "running") {
			n++
		}
	}
	return n
}

func (m *Memory) liveLocked(queue, key string) *memJob {
	for _, job := range m.jobs {
		if job.queue == queue && job.key == key && (job.status == "pending" || job.status == "running") {
			return job
		}
	}
	return nil
}
