// ABOUTME: Dispatcher implements Sender: in-app notification row + best-effort email.
// ABOUTME: A failed email still counts as delivered when the in-app row was written.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Store is the persistence surface the dispatcher needs. *store.Store
// satisfies it.
type Store interface {
	InsertNotification(ctx context.Context, userID uuid.UUID, event, title, body string, payload any) error
	GetUserEmail(ctx context.Context, userID uuid.UUID) (string, error)
}

type mailFunc func(ctx context.Context, cfg SmtpConfig, recipients []string, subject, htmlBody, textBody string) error

// Dispatcher is the production Sender.
type Dispatcher struct {
	st   Store
	smtp SmtpConfig
	log  *slog.Logger

	// send is EmailSend in production; tests substitute a recorder.
	send mailFunc
}

// NewDispatcher creates a Dispatcher backed by st, sending email via smtp.
func NewDispatcher(st Store, smtp SmtpConfig, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{st: st, smtp: smtp, log: log, send: EmailSend}
}

// EscrowReleased implements Sender.
func (d *Dispatcher) EscrowReleased(ctx context.Context, userID uuid.UUID, event EscrowEvent) Result {
	return d.deliver(ctx, userID, "escrow_released", EventTemplateData{
		Title: "Escrow released",
		Intro: "All conditions were met and your escrow has been released.",
		Fields: []EventField{
			{Label: "Escrow", Value: event.EscrowID.String()},
			{Label: "Amount", Value: fmt.Sprintf("%d", event.Amount)},
			{Label: "Transaction", Value: event.TxHash},
		},
	}, event)
}

// EscrowRefunded implements Sender.
func (d *Dispatcher) EscrowRefunded(ctx context.Context, userID uuid.UUID, event EscrowEvent) Result {
	return d.deliver(ctx, userID, "escrow_refunded", EventTemplateData{
		Title: "Escrow refunded",
		Intro: "Your escrow expired before its conditions were met and has been refunded.",
		Fields: []EventField{
			{Label: "Escrow", Value: event.EscrowID.String()},
			{Label: "Amount", Value: fmt.Sprintf("%d", event.Amount)},
			{Label: "Reason", Value: event.Reason},
		},
	}, event)
}

// InvoiceRejected implements Sender. Expiry is delivered as a rejection-style
// event with the expiry reason attached.
func (d *Dispatcher) InvoiceRejected(ctx context.Context, userID uuid.UUID, event InvoiceEvent) Result {
	return d.deliver(ctx, userID, "invoice_rejected", EventTemplateData{
		Title: "Invoice not paid",
		Intro: "Your invoice will not be paid.",
		Fields: []EventField{
			{Label: "Invoice", Value: event.InvoiceID.String()},
			{Label: "Amount", Value: fmt.Sprintf("%d", event.Amount)},
			{Label: "Reason", Value: event.Reason},
		},
	}, event)
}

// TransactionCompleted implements Sender.
func (d *Dispatcher) TransactionCompleted(ctx context.Context, userID uuid.UUID, event TransactionEvent) Result {
	return d.deliver(ctx, userID, "transaction_completed", EventTemplateData{
		Title: "Transaction confirmed",
		Intro: "Your transaction was confirmed by the network.",
		Fields: []EventField{
			{Label: "Transaction", Value: event.TxHash},
			{Label: "Amount", Value: fmt.Sprintf("%d", event.Amount)},
			{Label: "Status", Value: event.Status},
		},
	}, event)
}

// SystemAlert implements Sender.
func (d *Dispatcher) SystemAlert(ctx context.Context, userID uuid.UUID, alert Alert) Result {
	return d.deliver(ctx, userID, "system_alert", EventTemplateData{
		Title: alert.Title,
		Intro: alert.Message,
	}, alert)
}

// deliver writes the in-app row, then attempts email. The in-app write is the
// delivery of record; email failure downgrades to a log line.
func (d *Dispatcher) deliver(ctx context.Context, userID uuid.UUID, event string, tpl EventTemplateData, payload any) Result {
	subject, htmlBody, textBody, err := RenderEvent(tpl)
	if err != nil {
		return Result{Err: fmt.Errorf("render %s: %w", event, err)}
	}

	if err := d.st.InsertNotification(ctx, userID, event, tpl.Title, textBody, payload); err != nil {
		return Result{Err: fmt.Errorf("insert notification: %w", err)}
	}

	email, err := d.st.GetUserEmail(ctx, userID)
	if err != nil {
		d.log.WarnContext(ctx, "user email lookup failed, in-app only",
			"user_id", userID, "event", event, "error", err)
		return Result{Delivered: true}
	}
	if email == "" {
		return Result{Delivered: true}
	}

	if err := d.send(ctx, d.smtp, []string{email}, subject, htmlBody, textBody); err != nil {
		d.log.WarnContext(ctx, "notification email failed",
			"user_id", userID, "event", event, "error", err)
	}
	return Result{Delivered: true}
}
