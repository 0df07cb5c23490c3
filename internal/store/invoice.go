// ABOUTME: Store methods for invoices: expiry transition with metadata merge,
// ABOUTME: past-due listing for the sweep, and retention cleanup of terminal rows.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/seniormugambe/stellapath/internal/domain"
)

// psql builds squirrel queries with Postgres placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const invoiceColumns = `id, creator_id, client_email, amount, description, status, created_at, due_date, approved_at, executed_at, metadata`

const getInvoiceSQL = `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`

// GetInvoice returns the invoice with the given id, or nil if absent.
func (s *Store) GetInvoice(ctx context.Context, id uuid.UUID) (*domain.Invoice, error) {
	row := s.pool.QueryRow(ctx, getInvoiceSQL, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get invoice %s: %w", id, err)
	}
	return inv, nil
}

// The metadata merge (|| on jsonb) preserves existing keys; expiry only ever
// adds expired_at / expired_by, never clobbers what other paths recorded.
const expireInvoiceSQL = `
UPDATE invoices
SET status = 'EXPIRED',
    metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb,
    updated_at = now()
WHERE id = $1 AND status IN ('SENT', 'APPROVED')`

// ExpireInvoice conditionally transitions an invoice to EXPIRED, merging
// expiry bookkeeping into metadata. Reports false when the invoice was no
// longer in an expirable status (resolved by another path first).
func (s *Store) ExpireInvoice(ctx context.Context, id uuid.UUID, expiredAt time.Time) (bool, error) {
	meta, err := json.Marshal(map[string]any{
		"expired_at": expiredAt.UTC().Format(time.RFC3339),
		"expired_by": "system",
	})
	if err != nil {
		return false, fmt.Errorf("encode expiry metadata: %w", err)
	}
	ok, err := s.rowsAffected(ctx, expireInvoiceSQL, id, meta)
	if err != nil {
		return false, fmt.Errorf("expire invoice %s: %w", id, err)
	}
	return ok, nil
}

// ListExpiredInvoices returns invoices past due at asOf that are still in an
// expirable status. The safety-net sweep runs the expiration job body over
// these independently of individually scheduled jobs.
func (s *Store) ListExpiredInvoices(ctx context.Context, asOf time.Time) ([]domain.Invoice, error) {
	query, args, err := psql.
		Select(invoiceColumns).
		From("invoices").
		Where(sq.Eq{"status": []string{string(domain.InvoiceSent), string(domain.InvoiceApproved)}}).
		Where(sq.LtOrEq{"due_date": asOf}).
		OrderBy("due_date").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build expired invoices query: %w", err)
	}
	return s.listInvoices(ctx, query, args...)
}

// ListTerminalInvoicesOlderThan returns ids of invoices in terminal statuses
// created before cutoff, capped at limit. Candidates for retention cleanup.
func (s *Store) ListTerminalInvoicesOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	query, args, err := psql.
		Select("id").
		From("invoices").
		Where(sq.Eq{"status": []string{
			string(domain.InvoiceExpired),
			string(domain.InvoiceRejected),
			string(domain.InvoiceExecuted),
		}}).
		Where(sq.Lt{"created_at": cutoff}).
		OrderBy("created_at").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build cleanup query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list terminal invoices: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan invoice id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const deleteInvoiceSQL = `DELETE FROM invoices WHERE id = $1 AND status IN ('EXPIRED', 'REJECTED', 'EXECUTED')`

// DeleteInvoice permanently removes a terminal invoice. The status guard
// refuses to delete anything still in flight.
func (s *Store) DeleteInvoice(ctx context.Context, id uuid.UUID) error {
	ok, err := s.rowsAffected(ctx, deleteInvoiceSQL, id)
	if err != nil {
		return fmt.Errorf("delete invoice %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("delete invoice %s: %w", id, domain.ErrInvalidState)
	}
	return nil
}

func (s *Store) listInvoices(ctx context.Context, sql string, args ...any) ([]domain.Invoice, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	var out []domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

func scanInvoice(row pgx.Row) (*domain.Invoice, error) {
	var (
		inv  domain.Invoice
		meta []byte
	)
	if err := row.Scan(
		&inv.ID, &inv.CreatorID, &inv.ClientEmail, &inv.Amount, &inv.Description,
		&inv.Status, &inv.CreatedAt, &inv.DueDate, &inv.ApprovedAt, &inv.ExecutedAt, &meta,
	); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &inv.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &inv, nil
}
