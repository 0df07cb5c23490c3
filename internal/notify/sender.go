// Package notify delivers lifecycle event notifications: an in-app
// notification row plus a best-effort email. Delivery is never load-bearing —
// every method returns a Result the caller logs and moves on from; entity
// state must already be written before anything here is called.
package notify

import (
	"context"

	"github.com/google/uuid"
)

// Result is the outcome of one delivery attempt. Callers record Delivered in
// their own job results but never escalate Err to a job failure.
type Result struct {
	Delivered bool
	Err       error
}

// EscrowEvent is the data for release and refund notifications.
type EscrowEvent struct {
	EscrowID uuid.UUID `json:"escrow_id"`
	Amount   int64     `json:"amount"`
	TxHash   string    `json:"tx_hash,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// InvoiceEvent is the data for invoice rejection/expiry notifications.
type InvoiceEvent struct {
	InvoiceID uuid.UUID `json:"invoice_id"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
}

// TransactionEvent is the data for transaction completion notifications.
type TransactionEvent struct {
	TxHash string `json:"tx_hash"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
}

// Alert is a system alert delivered to a user (e.g. a failed transaction).
type Alert struct {
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Sender is the notification surface the lifecycle monitors consume.
type Sender interface {
	EscrowReleased(ctx context.Context, userID uuid.UUID, event EscrowEvent) Result
	EscrowRefunded(ctx context.Context, userID uuid.UUID, event EscrowEvent) Result
	InvoiceRejected(ctx context.Context, userID uuid.UUID, event InvoiceEvent) Result
	TransactionCompleted(ctx context.Context, userID uuid.UUID, event TransactionEvent) Result
	SystemAlert(ctx context.Context, userID uuid.UUID, alert Alert) Result
}
