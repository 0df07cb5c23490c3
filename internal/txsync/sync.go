// ABOUTME: Transaction status sync: converges locally-stored PENDING transactions
// ABOUTME: with the network's verdict via a repeating batch job plus per-hash jobs.
package txsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/seniormugambe/stellapath/internal/domain"
	"github.com/seniormugambe/stellapath/internal/ledger"
	"github.com/seniormugambe/stellapath/internal/metrics"
	"github.com/seniormugambe/stellapath/internal/notify"
	"github.com/seniormugambe/stellapath/internal/queue"
)

// QueueName is the job queue sync jobs run on.
const QueueName = "transaction_sync"

// periodicJobKey dedupes the repeating batch sweep to a single live job.
const periodicJobKey = "periodic-transaction-sync"

// DefaultSyncInterval is used when StartPeriodicSync is called with interval 0.
const DefaultSyncInterval = 5 * time.Minute

// SyncResult is the structured outcome of syncing one transaction.
type SyncResult struct {
	TxHash         string
	PreviousStatus domain.TransactionStatus
	NewStatus      domain.TransactionStatus
	Changed        bool
	Notified       bool
	Err            error
}

// Repository is the transaction persistence surface the syncer consumes.
// *store.Store satisfies it.
type Repository interface {
	GetTransactionByHash(ctx context.Context, txHash string) (*domain.Transaction, error)
	ListPendingTransactions(ctx context.Context) ([]domain.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, txHash string, from, to domain.TransactionStatus, syncMeta map[string]any) (bool, error)
}

// Syncer drives local transaction records toward the network's terminal
// verdict. A transaction in a terminal status is never touched again.
type Syncer struct {
	repo     Repository
	client   ledger.Client
	q        queue.Queue
	notifier notify.Sender
	metrics  *metrics.Metrics
	log      *slog.Logger

	interval    time.Duration
	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration
	now         func() time.Time

	// syncing serializes batch sweeps: an overlapping sweep is skipped, not
	// queued, because the next interval covers whatever it would have done.
	syncing atomic.Bool
}

// NewSyncer wires the syncer; metrics may be nil (tests).
func NewSyncer(repo Repository, client ledger.Client, q queue.Queue, notifier notify.Sender, m *metrics.Metrics, interval time.Duration, maxRetries int, backoffBase, backoffMax time.Duration, log *slog.Logger) *Syncer {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{
		repo:        repo,
		client:      client,
		q:           q,
		notifier:    notifier,
		metrics:     m,
		log:         log,
		interval:    interval,
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
		now:         time.Now,
	}
}

// StartPeriodicSync registers the repeating batch sweep. Idempotent via the
// fixed job key: calling it on every boot enqueues at most one live job.
func (s *Syncer) StartPeriodicSync(ctx context.Context) error {
	payload := domain.MarshalPayload(domain.TxSyncJobPayload{Batch: true})
	_, enqueued, err := s.q.Enqueue(ctx, QueueName, periodicJobKey, payload, queue.Options{
		RepeatEvery: s.interval,
	})
	if err != nil {
		return fmt.Errorf("start periodic sync: %w", err)
	}
	if !enqueued {
		s.log.DebugContext(ctx, "periodic sync already scheduled")
	}
	return nil
}

// StopPeriodicSync cancels the repeating batch sweep.
func (s *Syncer) StopPeriodicSync(ctx context.Context) error {
	if err := s.q.CancelByKey(ctx, QueueName, periodicJobKey); err != nil {
		return fmt.Errorf("stop periodic sync: %w", err)
	}
	return nil
}

// SyncTransaction reconciles one transaction with the network. Terminal
// records are a no-op; a PENDING verdict leaves the record untouched.
func (s *Syncer) SyncTransaction(ctx context.Context, txHash string) SyncResult {
	tx, err := s.repo.GetTransactionByHash(ctx, txHash)
	if err != nil {
		return SyncResult{TxHash: txHash, Err: err}
	}
	if tx == nil {
		return SyncResult{TxHash: txHash, Err: fmt.Errorf("transaction %s: %w", txHash, domain.ErrNotFound)}
	}
	if tx.Status.Terminal() {
		return SyncResult{TxHash: txHash, PreviousStatus: tx.Status, NewStatus: tx.Status}
	}

	networkStatus, err := s.queryNetworkStatus(ctx, txHash)
	if err != nil {
		return SyncResult{TxHash: txHash, PreviousStatus: tx.Status, Err: err}
	}
	if networkStatus == domain.TxPending {
		// Not yet included; nothing to write.
		return SyncResult{TxHash: txHash, PreviousStatus: tx.Status, NewStatus: domain.TxPending}
	}

	ok, err := s.repo.UpdateTransactionStatus(ctx, txHash, tx.Status, networkStatus, map[string]any{
		"synced_at":   s.now().UTC().Format(time.RFC3339),
		"sync_source": "horizon",
	})
	if err != nil {
		return SyncResult{TxHash: txHash, PreviousStatus: tx.Status, Err: err}
	}
	if !ok {
		// Another syncer or a cancel path got there first.
		return SyncResult{TxHash: txHash, PreviousStatus: tx.Status, NewStatus: tx.Status}
	}

	notified := s.notifyTransition(ctx, tx, networkStatus)
	return SyncResult{
		TxHash:         txHash,
		PreviousStatus: tx.Status,
		NewStatus:      networkStatus,
		Changed:        true,
		Notified:       notified,
	}
}

// queryNetworkStatus asks the network for the hash's verdict, retrying
// transient failures up to maxRetries times with jittered backoff. A network
// 404 means "not yet included": it resolves immediately to PENDING and is
// never retried, because the periodic sweep will ask again anyway.
func (s *Syncer) queryNetworkStatus(ctx context.Context, txHash string) (domain.TransactionStatus, error) {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			delay := BackoffDelay(attempt-1, s.backoffBase, s.backoffMax)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		status, err := s.client.TransactionStatus(ctx, txHash)
		if errors.Is(err, ledger.ErrNotFound) {
			return domain.TxPending, nil
		}
		if err != nil {
			lastErr = err
			s.log.DebugContext(ctx, "network status query failed",
				"tx_hash", txHash, "attempt", attempt+1, "error", err)
			continue
		}
		if status.Successful {
			return domain.TxConfirmed, nil
		}
		return domain.TxFailed, nil
	}
	return "", fmt.Errorf("query network status %s: retries exhausted: %w", txHash, lastErr)
}

// SyncAllPending sweeps every PENDING transaction. Per-transaction failures
// are recorded in the results and do not stop the sweep. Returns (nil, nil)
// when a sweep is already in flight.
func (s *Syncer) SyncAllPending(ctx context.Context) ([]SyncResult, error) {
	if !s.syncing.CompareAndSwap(false, true) {
		s.log.DebugContext(ctx, "sync sweep already running, skipping")
		return nil, nil
	}
	defer s.syncing.Store(false)

	pending, err := s.repo.ListPendingTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync all pending: %w", err)
	}

	results := make([]SyncResult, 0, len(pending))
	for _, tx := range pending {
		res := s.SyncTransaction(ctx, tx.TxHash)
		s.record(res)
		results = append(results, res)
		if res.Err != nil {
			s.log.WarnContext(ctx, "transaction sync failed", "tx_hash", tx.TxHash, "error", res.Err)
		}
	}
	return results, nil
}

// HandleJob adapts the syncer to the queue handler signature: batch payloads
// run the full sweep, others sync the single named hash.
func (s *Syncer) HandleJob(ctx context.Context, payload json.RawMessage) error {
	var job domain.TxSyncJobPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decode tx sync job payload: %w", err)
	}

	if job.Batch {
		_, err := s.SyncAllPending(ctx)
		return err
	}

	res := s.SyncTransaction(ctx, job.TxHash)
	s.record(res)
	if res.Err != nil {
		return res.Err
	}
	return nil
}

// notifyTransition delivers the user-facing outcome of a terminal transition.
// Delivery failure is logged and never rolls back the status write.
func (s *Syncer) notifyTransition(ctx context.Context, tx *domain.Transaction, to domain.TransactionStatus) bool {
	var res notify.Result
	switch to {
	case domain.TxConfirmed:
		res = s.notifier.TransactionCompleted(ctx, tx.UserID, notify.TransactionEvent{
			TxHash: tx.TxHash,
			Amount: tx.Amount,
			Status: string(to),
		})
	case domain.TxFailed:
		res = s.notifier.SystemAlert(ctx, tx.UserID, notify.Alert{
			Title:   "Transaction failed",
			Message: fmt.Sprintf("Transaction %s failed on the network.", tx.TxHash),
			Metadata: map[string]any{
				"tx_hash": tx.TxHash,
				"amount":  tx.Amount,
			},
		})
	default:
		return false
	}
	if res.Err != nil {
		s.log.WarnContext(ctx, "transaction notification failed", "tx_hash", tx.TxHash, "error", res.Err)
		if s.metrics != nil {
			s.metrics.NotificationFailures.Inc()
		}
	}
	return res.Delivered && res.Err == nil
}

func (s *Syncer) record(res SyncResult) {
	if s.metrics == nil {
		return
	}
	switch {
	case res.Err != nil:
		s.metrics.TxSyncs.WithLabelValues("error").Inc()
	case res.Changed && res.NewStatus == domain.TxConfirmed:
		s.metrics.TxSyncs.WithLabelValues("confirmed").Inc()
	case res.Changed && res.NewStatus == domain.TxFailed:
		s.metrics.TxSyncs.WithLabelValues("failed").Inc()
	default:
		s.metrics.TxSyncs.WithLabelValues("pending").Inc()
	}
}
