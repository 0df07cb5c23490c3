// ABOUTME: Escrow lifecycle monitor: schedules repeating condition checks per escrow
// ABOUTME: and drives ACTIVE escrows to RELEASED (all conditions met) or REFUNDED (expired).
package escrow

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

// QueueName is the job queue the monitor schedules on.
const QueueName = "escrow_monitor"

// DefaultCheckInterval is used when StartMonitoring is called with interval 0.
const DefaultCheckInterval = time.Minute

// Action is the outcome of one condition check job.
type Action string

const (
	ActionReleased Action = "released"
	ActionRefunded Action = "refunded"
	ActionPending  Action = "pending"
	ActionError    Action = "error"
)

// CheckResult is the structured outcome of ProcessConditionCheck. Pending
// results carry the full per-condition evaluation snapshot.
type CheckResult struct {
	EscrowID   uuid.UUID
	Action     Action
	Conditions []domain.ConditionStatus
	Message    string
}

// Monitor schedules and executes the per-escrow condition checks.
type Monitor struct {
	repo     Repository
	svc      *Service
	q        queue.Queue
	notifier notify.Sender
	metrics  *metrics.Metrics
	log      *slog.Logger

	interval    time.Duration
	maxAttempts int32
	now         func() time.Time
}

// NewMonitor wires the monitor. interval is the default repeating check
// interval; metrics may be nil (tests).
func NewMonitor(repo Repository, svc *Service, q queue.Queue, notifier notify.Sender, m *metrics.Metrics, interval time.Duration, maxAttempts int32, log *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		repo:        repo,
		svc:         svc,
		q:           q,
		notifier:    notifier,
		metrics:     m,
		log:         log,
		interval:    interval,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

func jobKey(id uuid.UUID) string { return "condition-monitor-" + id.String() }

// StartMonitoring registers a repeating condition check for the escrow.
// Safe to call on every status-change event: the job key makes re-invocation
// a queue-level no-op while a live job exists.
func (m *Monitor) StartMonitoring(ctx context.Context, id uuid.UUID, interval time.Duration) error {
	e, err := m.repo.GetEscrow(ctx, id)
	if err != nil {
		return fmt.Errorf("start monitoring %s: %w", id, err)
	}
	if e == nil {
		return fmt.Errorf("start monitoring %s: %w", id, domain.ErrNotFound)
	}
	if e.Status != domain.EscrowActive {
		return fmt.Errorf("start monitoring %s in status %s: %w", id, e.Status, domain.ErrInvalidState)
	}

	if interval <= 0 {
		interval = m.interval
	}
	payload := domain.MarshalPayload(domain.EscrowJobPayload{EscrowID: id, Recurring: true})
	_, enqueued, err := m.q.Enqueue(ctx, QueueName, jobKey(id), payload, queue.Options{
		RepeatEvery: interval,
		MaxAttempts: m.maxAttempts,
	})
	if err != nil {
		return fmt.Errorf("start monitoring %s: %w", id, err)
	}
	if !enqueued {
		m.log.DebugContext(ctx, "escrow already monitored", "escrow_id", id)
	}
	return nil
}

// StopMonitoring cancels the repeating check. Tolerant of absence.
func (m *Monitor) StopMonitoring(ctx context.Context, id uuid.UUID) error {
	if err := m.q.CancelByKey(ctx, QueueName, jobKey(id)); err != nil {
		return fmt.Errorf("stop monitoring %s: %w", id, err)
	}
	return nil
}

// ProcessConditionCheck is the job body: reload the escrow, re-validate its
// state, and either release, refund, or report pending. Idempotent — a
// re-dispatched job for an already-resolved escrow deregisters and no-ops.
func (m *Monitor) ProcessConditionCheck(ctx context.Context, id uuid.UUID) CheckResult {
	e, err := m.repo.GetEscrow(ctx, id)
	if err != nil {
		return CheckResult{EscrowID: id, Action: ActionError, Message: err.Error()}
	}
	if e == nil {
		// Entity vanished between schedule and run; stop watching it.
		m.stopQuietly(ctx, id)
		return CheckResult{EscrowID: id, Action: ActionError, Message: "escrow not found"}
	}
	if e.Status != domain.EscrowActive {
		// Another path already resolved it.
		m.stopQuietly(ctx, id)
		return CheckResult{EscrowID: id, Action: ActionPending, Message: fmt.Sprintf("escrow already %s", e.Status)}
	}

	now := m.now()
	if !now.Before(e.ExpiresAt) {
		return m.refund(ctx, e)
	}

	statuses, allMet := EvaluateAll(e.Conditions, now, m.log)
	if allMet {
		return m.release(ctx, e, statuses)
	}
	return CheckResult{EscrowID: e.ID, Action: ActionPending, Conditions: statuses}
}

// HandleJob adapts ProcessConditionCheck to the queue handler signature.
// Only error outcomes propagate to the queue so its backoff owns re-attempts;
// pending simply waits for the next repeat tick.
func (m *Monitor) HandleJob(ctx context.Context, payload json.RawMessage) error {
	var job domain.EscrowJobPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decode escrow job payload: %w", err)
	}
	res := m.ProcessConditionCheck(ctx, job.EscrowID)
	m.record(res.Action)
	m.log.DebugContext(ctx, "escrow check", "escrow_id", job.EscrowID, "action", res.Action, "message", res.Message)
	if res.Action == ActionError {
		return errors.New(res.Message)
	}
	return nil
}

// CheckAllActive runs the job body over every ACTIVE escrow (including those
// past expiry) synchronously, in sequence. Used for cron-style or startup
// reconciliation independent of the queue's own repeat scheduling.
func (m *Monitor) CheckAllActive(ctx context.Context) ([]CheckResult, error) {
	active, err := m.repo.ListActiveEscrows(ctx)
	if err != nil {
		return nil, fmt.Errorf("check all active: %w", err)
	}
	expired, err := m.repo.ListExpiredActiveEscrows(ctx)
	if err != nil {
		return nil, fmt.Errorf("check all active: %w", err)
	}

	seen := make(map[uuid.UUID]bool, len(active)+len(expired))
	var results []CheckResult
	for _, e := range append(active, expired...) {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		res := m.ProcessConditionCheck(ctx, e.ID)
		m.record(res.Action)
		results = append(results, res)
	}
	return results, nil
}

// release drives the release path: conditional write, deregister, notify.
func (m *Monitor) release(ctx context.Context, e *domain.Escrow, statuses []domain.ConditionStatus) CheckResult {
	released, err := m.svc.Release(ctx, e.ID)
	if err != nil {
		// Conditions or status flipped between read and write. No retry here:
		// the next tick re-evaluates from scratch.
		return CheckResult{EscrowID: e.ID, Action: ActionError, Conditions: statuses, Message: err.Error()}
	}

	m.stopQuietly(ctx, e.ID)

	txHash := ""
	if released.TxHash != nil {
		txHash = *released.TxHash
	}
	m.notify(ctx, func() notify.Result {
		return m.notifier.EscrowReleased(ctx, released.CreatorID, notify.EscrowEvent{
			EscrowID: released.ID,
			Amount:   released.Amount,
			TxHash:   txHash,
		})
	})
	return CheckResult{EscrowID: e.ID, Action: ActionReleased, Conditions: statuses}
}

// refund drives the refund path for an expired escrow.
func (m *Monitor) refund(ctx context.Context, e *domain.Escrow) CheckResult {
	refunded, err := m.svc.Refund(ctx, e.ID)
	if err != nil {
		return CheckResult{EscrowID: e.ID, Action: ActionError, Message: err.Error()}
	}

	m.stopQuietly(ctx, e.ID)

	m.notify(ctx, func() notify.Result {
		return m.notifier.EscrowRefunded(ctx, refunded.CreatorID, notify.EscrowEvent{
			EscrowID: refunded.ID,
			Amount:   refunded.Amount,
			Reason:   "escrow expired before all conditions were met",
		})
	})
	return CheckResult{EscrowID: e.ID, Action: ActionRefunded}
}

// notify runs a delivery and logs failures; notification outcomes never
// affect the transition that already happened.
func (m *Monitor) notify(ctx context.Context, send func() notify.Result) {
	res := send()
	if res.Err != nil {
		m.log.WarnContext(ctx, "escrow notification failed", "error", res.Err)
		if m.metrics != nil {
			m.metrics.NotificationFailures.Inc()
		}
	}
}

func (m *Monitor) stopQuietly(ctx context.Context, id uuid.UUID) {
	if err := m.StopMonitoring(ctx, id); err != nil {
		m.log.WarnContext(ctx, "stop monitoring failed", "escrow_id", id, "error", err)
	}
}

func (m *Monitor) record(action Action) {
	if m.metrics != nil {
		m.metrics.EscrowChecks.WithLabelValues(string(action)).Inc()
	}
}
