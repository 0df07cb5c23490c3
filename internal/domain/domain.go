// Package domain defines the payment lifecycle entities (escrows, invoices,
// ledger transactions) and the status sets the background monitors drive them
// through. Terminal statuses are final: no monitor transitions an entity out
// of one, ever.
package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors shared across stores and monitors.
var (
	// ErrNotFound means the entity vanished between scheduling and execution.
	ErrNotFound = errors.New("entity not found")
	// ErrInvalidState means the entity is not in a state the operation accepts.
	ErrInvalidState = errors.New("invalid entity state")
	// ErrConflict means re-validation at write time found the precondition no
	// longer holds (another path transitioned the entity first).
	ErrConflict = errors.New("transition conflict")
)

// ── Escrow ────────────────────────────────────────────────────────────────────

// EscrowStatus is the lifecycle status of an escrow.
type EscrowStatus string

const (
	EscrowActive        EscrowStatus = "ACTIVE"
	EscrowConditionsMet EscrowStatus = "CONDITIONS_MET"
	EscrowReleased      EscrowStatus = "RELEASED"
	EscrowRefunded      EscrowStatus = "REFUNDED"
	EscrowExpired       EscrowStatus = "EXPIRED"
)

// Terminal reports whether no further automated transition is permitted.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded || s == EscrowExpired
}

// ConditionType identifies the predicate kind attached to an escrow.
type ConditionType string

const (
	ConditionTimeBased      ConditionType = "time_based"
	ConditionOracleBased    ConditionType = "oracle_based"
	ConditionManualApproval ConditionType = "manual_approval"
)

// Condition is a typed release predicate. Conditions are immutable once
// attached; external approval flows in by mutating Parameters keys
// ("approved", "verified") through the store, never by replacing the
// condition itself.
type Condition struct {
	Type       ConditionType  `json:"type"`
	Parameters map[string]any `json:"parameters"`
	Validator  string         `json:"validator,omitempty"`
}

// ConditionStatus is the result of evaluating one condition against an escrow
// snapshot. Derived on every check and never cached across checks.
type ConditionStatus struct {
	Condition Condition `json:"condition"`
	Met       bool      `json:"met"`
	CheckedAt time.Time `json:"checked_at"`
	Evidence  string    `json:"evidence,omitempty"`
}

// Escrow holds funds until all conditions are met (release) or the escrow
// expires (refund).
type Escrow struct {
	ID          uuid.UUID
	CreatorID   uuid.UUID
	RecipientID *uuid.UUID
	Amount      int64
	Status      EscrowStatus
	Conditions  []Condition
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ReleasedAt  *time.Time
	TxHash      *string
}

// ── Invoice ───────────────────────────────────────────────────────────────────

// InvoiceStatus is the lifecycle status of an invoice.
type InvoiceStatus string

const (
	InvoiceDraft    InvoiceStatus = "DRAFT"
	InvoiceSent     InvoiceStatus = "SENT"
	InvoiceApproved InvoiceStatus = "APPROVED"
	InvoiceExecuted InvoiceStatus = "EXECUTED"
	InvoiceRejected InvoiceStatus = "REJECTED"
	InvoiceExpired  InvoiceStatus = "EXPIRED"
)

// Terminal reports whether no further automated transition is permitted.
func (s InvoiceStatus) Terminal() bool {
	return s == InvoiceExecuted || s == InvoiceRejected || s == InvoiceExpired
}

// Expirable reports whether expiration logic applies to this status at all.
// Only SENT and APPROVED invoices can expire.
func (s InvoiceStatus) Expirable() bool {
	return s == InvoiceSent || s == InvoiceApproved
}

// Invoice is a payment request with a due date.
type Invoice struct {
	ID          uuid.UUID
	CreatorID   uuid.UUID
	ClientEmail string
	Amount      int64
	Description string
	Status      InvoiceStatus
	CreatedAt   time.Time
	DueDate     time.Time
	ApprovedAt  *time.Time
	ExecutedAt  *time.Time
	Metadata    map[string]any
}

// ── Transaction ───────────────────────────────────────────────────────────────

// TransactionStatus is the ledger-convergence status of a transaction.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "PENDING"
	TxConfirmed TransactionStatus = "CONFIRMED"
	TxFailed    TransactionStatus = "FAILED"
	TxCancelled TransactionStatus = "CANCELLED"
)

// Terminal reports whether sync must never transition away from this status.
func (s TransactionStatus) Terminal() bool {
	return s == TxConfirmed || s == TxFailed || s == TxCancelled
}

// TransactionType classifies what produced the transaction.
type TransactionType string

const (
	TxTypeBasic   TransactionType = "basic"
	TxTypeEscrow  TransactionType = "escrow"
	TxTypeP2P     TransactionType = "p2p"
	TxTypeInvoice TransactionType = "invoice"
)

// Transaction mirrors a submitted ledger transaction whose network status the
// sync service converges locally.
type Transaction struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TxHash    string
	Type      TransactionType
	Status    TransactionStatus
	Amount    int64
	Sender    string
	Recipient string
	CreatedAt time.Time
	Metadata  map[string]any
}

// ── Job payloads ──────────────────────────────────────────────────────────────

// EscrowJobPayload is carried by escrow_monitor jobs.
type EscrowJobPayload struct {
	EscrowID  uuid.UUID `json:"escrow_id"`
	Recurring bool      `json:"recurring"`
}

// InvoiceJobPayload is carried by invoice_expiration jobs.
type InvoiceJobPayload struct {
	InvoiceID uuid.UUID `json:"invoice_id"`
	Recurring bool      `json:"recurring"`
}

// TxSyncJobPayload is carried by transaction_sync jobs. Batch jobs sweep all
// pending transactions; non-batch jobs sync the single named hash.
type TxSyncJobPayload struct {
	TxHash string `json:"tx_hash,omitempty"`
	Batch  bool   `json:"batch"`
}

// MarshalPayload is a small helper so callers do not repeat the
// marshal-then-enqueue dance. Payload types above never fail to marshal.
func MarshalPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err) // unreachable for the payload types in this package
	}
	return b
}
