// ABOUTME: Invoice expiration monitor: one-shot delayed job per invoice due date,
// ABOUTME: a past-due safety-net sweep, and retention cleanup of terminal invoices.
package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/seniormugambe/stellapath/internal/domain"
	"github.com/seniormugambe/stellapath/internal/metrics"
	"github.com/seniormugambe/stellapath/internal/notify"
	"github.com/seniormugambe/stellapath/internal/queue"
)

// QueueName is the job queue expiration jobs are scheduled on.
const QueueName = "invoice_expiration"

// cleanupBatchSize caps how many terminal invoices one cleanup pass deletes.
const cleanupBatchSize = 1000

// Outcome is the result kind of one expiration job.
type Outcome string

const (
	OutcomeExpired        Outcome = "expired"
	OutcomeAlreadyExpired Outcome = "already_expired"
	OutcomeNotExpired     Outcome = "not_expired"
	OutcomeError          Outcome = "error"
)

// Result is the structured outcome of ProcessExpiration.
type Result struct {
	InvoiceID uuid.UUID
	Outcome   Outcome
	Notified  bool
	Message   string
}

// CleanupResult reports a retention cleanup pass. Per-record delete failures
// are collected, not fatal to the batch.
type CleanupResult struct {
	DeletedCount int
	Errors       []error
}

// Repository is the invoice persistence surface the monitor consumes.
// *store.Store satisfies it.
type Repository interface {
	GetInvoice(ctx context.Context, id uuid.UUID) (*domain.Invoice, error)
	ExpireInvoice(ctx context.Context, id uuid.UUID, expiredAt time.Time) (bool, error)
	ListExpiredInvoices(ctx context.Context, asOf time.Time) ([]domain.Invoice, error)
	ListTerminalInvoicesOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	DeleteInvoice(ctx context.Context, id uuid.UUID) error
}

// Monitor schedules and executes invoice expiration.
type Monitor struct {
	repo        Repository
	q           queue.Queue
	notifier    notify.Sender
	metrics     *metrics.Metrics
	log         *slog.Logger
	maxAttempts int32
	now         func() time.Time
}

// NewMonitor wires the monitor; metrics may be nil (tests).
func NewMonitor(repo Repository, q queue.Queue, notifier notify.Sender, m *metrics.Metrics, maxAttempts int32, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		repo:        repo,
		q:           q,
		notifier:    notifier,
		metrics:     m,
		log:         log,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

func jobKey(id uuid.UUID) string { return "invoice-expiration-" + id.String() }

// ScheduleExpiration enqueues the one-shot expiration check at the due date.
// Re-scheduling after a due-date change requires cancelling first; the
// manager layer cancels on every terminal or re-approved transition.
func (m *Monitor) ScheduleExpiration(ctx context.Context, id uuid.UUID, dueDate time.Time) error {
	delay := time.Until(dueDate)
	if delay < 0 {
		delay = 0
	}
	payload := domain.MarshalPayload(domain.InvoiceJobPayload{InvoiceID: id})
	_, enqueued, err := m.q.Enqueue(ctx, QueueName, jobKey(id), payload, queue.Options{
		Delay:       delay,
		MaxAttempts: m.maxAttempts,
	})
	if err != nil {
		return fmt.Errorf("schedule expiration %s: %w", id, err)
	}
	if !enqueued {
		m.log.DebugContext(ctx, "expiration already scheduled", "invoice_id", id)
	}
	return nil
}

// CancelExpiration removes the pending expiration job. Tolerant of absence.
func (m *Monitor) CancelExpiration(ctx context.Context, id uuid.UUID) error {
	if err := m.q.CancelByKey(ctx, QueueName, jobKey(id)); err != nil {
		return fmt.Errorf("cancel expiration %s: %w", id, err)
	}
	return nil
}

// ProcessExpiration is the job body. Every early return re-validates current
// state, so a job firing after the invoice was approved, executed, rejected,
// or already expired is a harmless no-op.
func (m *Monitor) ProcessExpiration(ctx context.Context, id uuid.UUID) Result {
	inv, err := m.repo.GetInvoice(ctx, id)
	if err != nil {
		return Result{InvoiceID: id, Outcome: OutcomeError, Message: err.Error()}
	}
	if inv == nil {
		m.cancelQuietly(ctx, id)
		return Result{InvoiceID: id, Outcome: OutcomeError, Message: "invoice not found"}
	}
	if inv.Status == domain.InvoiceExpired {
		return Result{InvoiceID: id, Outcome: OutcomeAlreadyExpired}
	}
	if !inv.Status.Expirable() {
		// Resolved via another path: approval, execution, rejection.
		return Result{InvoiceID: id, Outcome: OutcomeNotExpired, Message: fmt.Sprintf("invoice already %s", inv.Status)}
	}

	now := m.now()
	if now.Before(inv.DueDate) {
		// Job fired early or clock skew; no mutation.
		return Result{InvoiceID: id, Outcome: OutcomeNotExpired, Message: "not yet due"}
	}

	ok, err := m.repo.ExpireInvoice(ctx, id, now)
	if err != nil {
		return Result{InvoiceID: id, Outcome: OutcomeError, Message: err.Error()}
	}
	if !ok {
		// Lost the race to another path between read and write.
		return Result{InvoiceID: id, Outcome: OutcomeNotExpired, Message: "resolved by another path"}
	}

	m.cancelQuietly(ctx, id)

	res := m.notifier.InvoiceRejected(ctx, inv.CreatorID, notify.InvoiceEvent{
		InvoiceID: inv.ID,
		Amount:    inv.Amount,
		Reason:    fmt.Sprintf("invoice expired: due date %s passed without approval", inv.DueDate.UTC().Format(time.RFC3339)),
	})
	if res.Err != nil {
		m.log.WarnContext(ctx, "invoice expiry notification failed", "invoice_id", id, "error", res.Err)
		if m.metrics != nil {
			m.metrics.NotificationFailures.Inc()
		}
	}
	return Result{InvoiceID: id, Outcome: OutcomeExpired, Notified: res.Delivered && res.Err == nil}
}

// HandleJob adapts ProcessExpiration to the queue handler signature.
func (m *Monitor) HandleJob(ctx context.Context, payload json.RawMessage) error {
	var job domain.InvoiceJobPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decode invoice job payload: %w", err)
	}
	res := m.ProcessExpiration(ctx, job.InvoiceID)
	m.record(res.Outcome)
	m.log.DebugContext(ctx, "invoice expiration check", "invoice_id", job.InvoiceID, "outcome", res.Outcome, "message", res.Message)
	if res.Outcome == OutcomeError {
		return errors.New(res.Message)
	}
	return nil
}

// ProcessExpiredInvoices sweeps every invoice currently past due in an
// expirable status and runs the job body for each. A safety net independent
// of individually scheduled jobs: it covers invoices created before this
// subsystem existed and jobs lost by the queue.
func (m *Monitor) ProcessExpiredInvoices(ctx context.Context) ([]Result, error) {
	due, err := m.repo.ListExpiredInvoices(ctx, m.now())
	if err != nil {
		return nil, fmt.Errorf("process expired invoices: %w", err)
	}
	results := make([]Result, 0, len(due))
	for _, inv := range due {
		res := m.ProcessExpiration(ctx, inv.ID)
		m.record(res.Outcome)
		results = append(results, res)
	}
	return results, nil
}

// CleanupOld permanently deletes terminal invoices older than ageDays.
func (m *Monitor) CleanupOld(ctx context.Context, ageDays int) (CleanupResult, error) {
	cutoff := m.now().AddDate(0, 0, -ageDays)
	ids, err := m.repo.ListTerminalInvoicesOlderThan(ctx, cutoff, cleanupBatchSize)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("cleanup old invoices: %w", err)
	}

	var result CleanupResult
	for _, id := range ids {
		if err := m.repo.DeleteInvoice(ctx, id); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("invoice %s: %w", id, err))
			continue
		}
		result.DeletedCount++
		if m.metrics != nil {
			m.metrics.InvoicesCleaned.Inc()
		}
	}
	if len(result.Errors) > 0 {
		m.log.WarnContext(ctx, "invoice cleanup finished with errors",
			"deleted", result.DeletedCount, "errors", len(result.Errors))
	}
	return result, nil
}

func (m *Monitor) cancelQuietly(ctx context.Context, id uuid.UUID) {
	if err := m.CancelExpiration(ctx, id); err != nil {
		m.log.WarnContext(ctx, "cancel expiration failed", "invoice_id", id, "error", err)
	}
}

func (m *Monitor) record(outcome Outcome) {
	if m.metrics != nil {
		m.metrics.InvoiceExpirations.WithLabelValues(string(outcome)).Inc()
	}
}
