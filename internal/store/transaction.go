// ABOUTME: Store methods for ledger transactions: hash lookup, pending listing,
// ABOUTME: and the conditional status write with sync metadata merge.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/seniormugambe/stellapath/internal/domain"
)

const transactionColumns = `id, user_id, tx_hash, tx_type, status, amount, sender, recipient, created_at, metadata`

const getTransactionByHashSQL = `SELECT ` + transactionColumns + ` FROM transactions WHERE tx_hash = $1`

// GetTransactionByHash returns the transaction with the given ledger hash, or
// nil if absent.
func (s *Store) GetTransactionByHash(ctx context.Context, txHash string) (*domain.Transaction, error) {
	row := s.pool.QueryRow(ctx, getTransactionByHashSQL, txHash)
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", txHash, err)
	}
	return tx, nil
}

const listPendingTransactionsSQL = `
SELECT ` + transactionColumns + ` FROM transactions WHERE status = 'PENDING' ORDER BY created_at`

// ListPendingTransactions returns every transaction still awaiting a terminal
// network status.
func (s *Store) ListPendingTransactions(ctx context.Context) ([]domain.Transaction, error) {
	rows, err := s.pool.Query(ctx, listPendingTransactionsSQL)
	if err != nil {
		return nil, fmt.Errorf("list pending transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

const updateTransactionStatusSQL = `
UPDATE transactions
SET status = $3,
    metadata = COALESCE(metadata, '{}'::jsonb) || $4::jsonb,
    updated_at = now()
WHERE tx_hash = $1 AND status = $2`

// UpdateTransactionStatus conditionally moves a transaction from one status
// to another, merging sync bookkeeping into metadata. Reports false when the
// stored status was no longer the expected one — terminal statuses can never
// be transitioned away from because the expected status is always PENDING.
func (s *Store) UpdateTransactionStatus(ctx context.Context, txHash string, from, to domain.TransactionStatus, syncMeta map[string]any) (bool, error) {
	if syncMeta == nil {
		syncMeta = map[string]any{}
	}
	meta, err := json.Marshal(syncMeta)
	if err != nil {
		return false, fmt.Errorf("encode sync metadata: %w", err)
	}
	ok, err := s.rowsAffected(ctx, updateTransactionStatusSQL, txHash, from, to, meta)
	if err != nil {
		return false, fmt.Errorf("update transaction %s %s->%s: %w", txHash, from, to, err)
	}
	return ok, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		tx   domain.Transaction
		meta []byte
	)
	if err := row.Scan(
		&tx.ID, &tx.UserID, &tx.TxHash, &tx.Type, &tx.Status,
		&tx.Amount, &tx.Sender, &tx.Recipient, &tx.CreatedAt, &meta,
	); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &tx.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &tx, nil
}
