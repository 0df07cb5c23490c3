// ABOUTME: Tests for the invoice expiration monitor: due-date boundary behavior,
// ABOUTME: races with other resolution paths, and retention cleanup aggregation.
package invoice_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/seniormugambe/stellapath/internal/domain"
	"github.com/seniormugambe/stellapath/internal/invoice"
	"github.com/seniormugambe/stellapath/internal/notify"
	"github.com/seniormugambe/stellapath/internal/queue"
)

// fakeInvoiceRepo is an in-memory invoice.Repository. failDelete marks IDs
// whose DeleteInvoice calls should fail.
type fakeInvoiceRepo struct {
	mu         sync.Mutex
	invoices   map[uuid.UUID]*domain.Invoice
	failDelete map[uuid.UUID]bool
}

func newFakeInvoiceRepo(invoices ...*domain.Invoice) *fakeInvoiceRepo {
	r := &fakeInvoiceRepo{
		invoices:   make(map[uuid.UUID]*domain.Invoice),
		failDelete: make(map[uuid.UUID]bool),
	}
	for _, inv := range invoices {
		r.invoices[inv.ID] = inv
	}
	return r
}

func (r *fakeInvoiceRepo) GetInvoice(_ context.Context, id uuid.UUID) (*domain.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return nil, nil
	}
	cp := *inv
	return &cp, nil
}

func (r *fakeInvoiceRepo) ExpireInvoice(_ context.Context, id uuid.UUID, expiredAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok || !inv.Status.Expirable() {
		return false, nil
	}
	inv.Status = domain.InvoiceExpired
	if inv.Metadata == nil {
		inv.Metadata = map[string]any{}
	}
	inv.Metadata["expired_at"] = expiredAt.UTC().Format(time.RFC3339)
	inv.Metadata["expired_by"] = "system"
	return true, nil
}

func (r *fakeInvoiceRepo) ListExpiredInvoices(_ context.Context, asOf time.Time) ([]domain.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Invoice
	for _, inv := range r.invoices {
		if inv.Status.Expirable() && !asOf.Before(inv.DueDate) {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (r *fakeInvoiceRepo) ListTerminalInvoicesOlderThan(_ context.Context, cutoff time.Time, _ int) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uuid.UUID
	for id, inv := range r.invoices {
		if inv.Status.Terminal() && inv.CreatedAt.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *fakeInvoiceRepo) DeleteInvoice(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failDelete[id] {
		return errors.New("delete blocked")
	}
	delete(r.invoices, id)
	return nil
}

// fakeSender records deliveries; err, when set, makes every delivery fail.
type fakeSender struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (s *fakeSender) record(event string) notify.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if s.err != nil {
		return notify.Result{Err: s.err}
	}
	return notify.Result{Delivered: true}
}

func (s *fakeSender) EscrowReleased(context.Context, uuid.UUID, notify.EscrowEvent) notify.Result {
	return s.record("escrow_released")
}
func (s *fakeSender) EscrowRefunded(context.Context, uuid.UUID, notify.EscrowEvent) notify.Result {
	return s.record("escrow_refunded")
}
func (s *fakeSender) InvoiceRejected(context.Context, uuid.UUID, notify.InvoiceEvent) notify.Result {
	return s.record("invoice_rejected")
}
func (s *fakeSender) TransactionCompleted(context.Context, uuid.UUID, notify.TransactionEvent) notify.Result {
	return s.record("transaction_completed")
}
func (s *fakeSender) SystemAlert(context.Context, uuid.UUID, notify.Alert) notify.Result {
	return s.record("system_alert")
}

func (s *fakeSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func sentInvoice(due time.Time) *domain.Invoice {
	return &domain.Invoice{
		ID:          uuid.New(),
		CreatorID:   uuid.New(),
		ClientEmail: "client@example.com",
		Amount:      1200,
		Status:      domain.InvoiceSent,
		CreatedAt:   time.Now().Add(-48 * time.Hour),
		DueDate:     due,
	}
}

func newTestMonitor(repo *fakeInvoiceRepo, q queue.Queue, sender *fakeSender) *invoice.Monitor {
	return invoice.NewMonitor(repo, q, sender, nil, 3, nil)
}

func TestScheduleExpirationIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inv := sentInvoice(time.Now().Add(time.Hour))
	q := queue.NewMemory()
	mon := newTestMonitor(newFakeInvoiceRepo(inv), q, &fakeSender{})

	for i := 0; i < 3; i++ {
		if err := mon.ScheduleExpiration(ctx, inv.ID, inv.DueDate); err != nil {
			t.Fatalf("ScheduleExpiration call %d: %v", i+1, err)
		}
	}

	if n := q.LiveCount(invoice.QueueName, "invoice-expiration-"+inv.ID.String()); n != 1 {
		t.Errorf("live jobs = %d, want 1", n)
	}
}

func TestProcessExpirationOutcomes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name        string
		status      domain.InvoiceStatus
		due         time.Time
		wantOutcome invoice.Outcome
		wantStatus  domain.InvoiceStatus
		wantNotify  int
	}{
		{
			name:        "sent and past due expires",
			status:      domain.InvoiceSent,
			due:         time.Now().Add(-time.Second),
			wantOutcome: invoice.OutcomeExpired,
			wantStatus:  domain.InvoiceExpired,
			wantNotify:  1,
		},
		{
			name:        "approved and past due expires",
			status:      domain.InvoiceApproved,
			due:         time.Now().Add(-time.Second),
			wantOutcome: invoice.OutcomeExpired,
			wantStatus:  domain.InvoiceExpired,
			wantNotify:  1,
		},
		{
			name:        "not yet due is untouched",
			status:      domain.InvoiceSent,
			due:         time.Now().Add(time.Second),
			wantOutcome: invoice.OutcomeNotExpired,
			wantStatus:  domain.InvoiceSent,
		},
		{
			name:        "already expired is a quiet no-op",
			status:      domain.InvoiceExpired,
			due:         time.Now().Add(-time.Hour),
			wantOutcome: invoice.OutcomeAlreadyExpired,
			wantStatus:  domain.InvoiceExpired,
		},
		{
			name:        "executed is never expired",
			status:      domain.InvoiceExecuted,
			due:         time.Now().Add(-time.Hour),
			wantOutcome: invoice.OutcomeNotExpired,
			wantStatus:  domain.InvoiceExecuted,
		},
		{
			name:        "rejected is never expired",
			status:      domain.InvoiceRejected,
			due:         time.Now().Add(-time.Hour),
			wantOutcome: invoice.OutcomeNotExpired,
			wantStatus:  domain.InvoiceRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			inv := sentInvoice(tt.due)
			inv.Status = tt.status
			repo := newFakeInvoiceRepo(inv)
			sender := &fakeSender{}
			mon := newTestMonitor(repo, queue.NewMemory(), sender)

			res := mon.ProcessExpiration(ctx, inv.ID)
			if res.Outcome != tt.wantOutcome {
				t.Fatalf("outcome = %s, want %s (message: %s)", res.Outcome, tt.wantOutcome, res.Message)
			}
			got, _ := repo.GetInvoice(ctx, inv.ID)
			if got.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", got.Status, tt.wantStatus)
			}
			if len(sender.sent()) != tt.wantNotify {
				t.Errorf("notifications = %v, want %d", sender.sent(), tt.wantNotify)
			}
		})
	}
}

func TestProcessExpirationRecordsAudit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inv := sentInvoice(time.Now().Add(-time.Minute))
	repo := newFakeInvoiceRepo(inv)
	mon := newTestMonitor(repo, queue.NewMemory(), &fakeSender{})

	if res := mon.ProcessExpiration(ctx, inv.ID); res.Outcome != invoice.OutcomeExpired {
		t.Fatalf("outcome = %s, want expired", res.Outcome)
	}

	got, _ := repo.GetInvoice(ctx, inv.ID)
	if got.Metadata["expired_by"] != "system" {
		t.Errorf("expired_by = %v, want system", got.Metadata["expired_by"])
	}
	if got.Metadata["expired_at"] == nil {
		t.Error("expired_at not recorded")
	}
}

func TestProcessExpirationMissingInvoice(t *testing.T) {
	t.Parallel()
	mon := newTestMonitor(newFakeInvoiceRepo(), queue.NewMemory(), &fakeSender{})

	res := mon.ProcessExpiration(context.Background(), uuid.New())
	if res.Outcome != invoice.OutcomeError {
		t.Errorf("outcome = %s, want error", res.Outcome)
	}
}

func TestExpirationSurvivesNotificationFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inv := sentInvoice(time.Now().Add(-time.Minute))
	repo := newFakeInvoiceRepo(inv)
	sender := &fakeSender{err: errors.New("smtp down")}
	mon := newTestMonitor(repo, queue.NewMemory(), sender)

	res := mon.ProcessExpiration(ctx, inv.ID)
	if res.Outcome != invoice.OutcomeExpired {
		t.Fatalf("outcome = %s, want expired", res.Outcome)
	}
	if res.Notified {
		t.Error("Notified = true, want false when delivery failed")
	}
	got, _ := repo.GetInvoice(ctx, inv.ID)
	if got.Status != domain.InvoiceExpired {
		t.Errorf("status = %s, want EXPIRED despite notification failure", got.Status)
	}
}

func TestProcessExpiredInvoicesSweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	overdue1 := sentInvoice(time.Now().Add(-time.Hour))
	overdue2 := sentInvoice(time.Now().Add(-time.Minute))
	future := sentInvoice(time.Now().Add(time.Hour))
	repo := newFakeInvoiceRepo(overdue1, overdue2, future)
	mon := newTestMonitor(repo, queue.NewMemory(), &fakeSender{})

	results, err := mon.ProcessExpiredInvoices(ctx)
	if err != nil {
		t.Fatalf("ProcessExpiredInvoices: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for _, res := range results {
		if res.Outcome != invoice.OutcomeExpired {
			t.Errorf("invoice %s outcome = %s, want expired", res.InvoiceID, res.Outcome)
		}
	}

	got, _ := repo.GetInvoice(ctx, future.ID)
	if got.Status != domain.InvoiceSent {
		t.Errorf("future invoice status = %s, want SENT", got.Status)
	}
}

func TestCleanupOldCollectsErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	old := func(status domain.InvoiceStatus) *domain.Invoice {
		inv := sentInvoice(time.Now().Add(-200 * 24 * time.Hour))
		inv.Status = status
		inv.CreatedAt = time.Now().Add(-200 * 24 * time.Hour)
		return inv
	}

	deletable := old(domain.InvoiceExpired)
	blocked := old(domain.InvoiceRejected)
	recent := sentInvoice(time.Now().Add(-time.Hour))
	recent.Status = domain.InvoiceExecuted
	recent.CreatedAt = time.Now().Add(-time.Hour)
	stillOpen := old(domain.InvoiceSent)

	repo := newFakeInvoiceRepo(deletable, blocked, recent, stillOpen)
	repo.failDelete[blocked.ID] = true
	mon := newTestMonitor(repo, queue.NewMemory(), &fakeSender{})

	res, err := mon.CleanupOld(ctx, 90)
	if err != nil {
		t.Fatalf("CleanupOld: %v", err)
	}
	if res.DeletedCount != 1 {
		t.Errorf("DeletedCount = %d, want 1", res.DeletedCount)
	}
	if len(res.Errors) != 1 {
		t.Errorf("Errors = %d, want 1", len(res.Errors))
	}

	if got, _ := repo.GetInvoice(ctx, deletable.ID); got != nil {
		t.Error("deletable invoice still present")
	}
	for _, keep := range []*domain.Invoice{blocked, recent, stillOpen} {
		if got, _ := repo.GetInvoice(ctx, keep.ID); got == nil {
			t.Errorf("invoice %s deleted, want kept", keep.ID)
		}
	}
}

func TestExpirationLifecycleThroughQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inv := sentInvoice(time.Now().Add(-time.Second))
	repo := newFakeInvoiceRepo(inv)
	sender := &fakeSender{}
	q := queue.NewMemory()
	mon := newTestMonitor(repo, q, sender)
	q.Register(invoice.QueueName, mon.HandleJob)

	if err := mon.ScheduleExpiration(ctx, inv.ID, inv.DueDate); err != nil {
		t.Fatalf("ScheduleExpiration: %v", err)
	}
	if n := q.RunDue(ctx, time.Now()); n != 1 {
		t.Fatalf("ran %d jobs, want 1", n)
	}

	got, _ := repo.GetInvoice(ctx, inv.ID)
	if got.Status != domain.InvoiceExpired {
		t.Errorf("status = %s, want EXPIRED", got.Status)
	}
	if sent := sender.sent(); len(sent) != 1 || sent[0] != "invoice_rejected" {
		t.Errorf("notifications = %v, want [invoice_rejected]", sent)
	}
	if n := q.LiveCount(invoice.QueueName, "invoice-expiration-"+inv.ID.String()); n != 0 {
		t.Errorf("live jobs = %d, want 0", n)
	}
}
