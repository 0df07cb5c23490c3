// ABOUTME: Store methods for escrows: snapshot reads, active/expired listings,
// ABOUTME: conditional status transitions, and the condition-parameter approval hook.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/seniormugambe/stellapath/internal/domain"
)

const escrowColumns = `id, creator_id, recipient_id, amount, status, conditions, created_at, expires_at, released_at, tx_hash`

const getEscrowSQL = `SELECT ` + escrowColumns + ` FROM escrows WHERE id = $1`

// GetEscrow returns the escrow with the given id, or nil if absent.
func (s *Store) GetEscrow(ctx context.Context, id uuid.UUID) (*domain.Escrow, error) {
	row := s.pool.QueryRow(ctx, getEscrowSQL, id)
	e, err := scanEscrow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow %s: %w", id, err)
	}
	return e, nil
}

const listActiveEscrowsSQL = `
SELECT ` + escrowColumns + ` FROM escrows WHERE status = 'ACTIVE' ORDER BY created_at`

// ListActiveEscrows returns every escrow currently in ACTIVE status.
func (s *Store) ListActiveEscrows(ctx context.Context) ([]domain.Escrow, error) {
	return s.listEscrows(ctx, listActiveEscrowsSQL)
}

const listExpiredActiveEscrowsSQL = `
SELECT ` + escrowColumns + ` FROM escrows
WHERE status = 'ACTIVE' AND expires_at <= now()
ORDER BY expires_at`

// ListExpiredActiveEscrows returns ACTIVE escrows whose expiry has passed,
// i.e. candidates for the refund path.
func (s *Store) ListExpiredActiveEscrows(ctx context.Context) ([]domain.Escrow, error) {
	return s.listEscrows(ctx, listExpiredActiveEscrowsSQL)
}

// EscrowPatch carries the column updates written alongside a status transition.
type EscrowPatch struct {
	ReleasedAt *time.Time
	TxHash     *string
}

const transitionEscrowSQL = `
UPDATE escrows
SET status = $3,
    released_at = COALESCE($4, released_at),
    tx_hash = COALESCE($5, tx_hash),
    updated_at = now()
WHERE id = $1 AND status = $2`

// TransitionEscrow conditionally moves an escrow from one status to another.
// Reports false when the escrow was no longer in the expected status — the
// caller treats that as a transition conflict, not an overwrite.
func (s *Store) TransitionEscrow(ctx context.Context, id uuid.UUID, from, to domain.EscrowStatus, patch EscrowPatch) (bool, error) {
	ok, err := s.rowsAffected(ctx, transitionEscrowSQL, id, from, to, patch.ReleasedAt, patch.TxHash)
	if err != nil {
		return false, fmt.Errorf("transition escrow %s %s->%s: %w", id, from, to, err)
	}
	return ok, nil
}

const setConditionParameterSQL = `
UPDATE escrows
SET conditions = jsonb_set(conditions, ARRAY[$2::text, 'parameters', $3::text], $4::jsonb),
    updated_at = now()
WHERE id = $1 AND status = 'ACTIVE' AND jsonb_array_length(conditions) > $2::int`

// SetConditionParameter writes a single parameter on the condition at index.
// This is the only mutation path into an attached condition; it is how
// external approval ("approved": true) and oracle verification ("verified":
// true) flow into the evaluator. Reports false when the escrow is not ACTIVE
// or the index is out of range.
func (s *Store) SetConditionParameter(ctx context.Context, id uuid.UUID, index int, key string, value any) (bool, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("encode condition parameter: %w", err)
	}
	ok, err := s.rowsAffected(ctx, setConditionParameterSQL, id, fmt.Sprint(index), key, encoded)
	if err != nil {
		return false, fmt.Errorf("set condition parameter %s[%d].%s: %w", id, index, key, err)
	}
	return ok, nil
}

func (s *Store) listEscrows(ctx context.Context, sql string, args ...any) ([]domain.Escrow, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list escrows: %w", err)
	}
	defer rows.Close()

	var out []domain.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escrow: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanEscrow(row pgx.Row) (*domain.Escrow, error) {
	var (
		e          domain.Escrow
		conditions []byte
	)
	if err := row.Scan(
		&e.ID, &e.CreatorID, &e.RecipientID, &e.Amount, &e.Status,
		&conditions, &e.CreatedAt, &e.ExpiresAt, &e.ReleasedAt, &e.TxHash,
	); err != nil {
		return nil, err
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &e.Conditions); err != nil {
			return nil, fmt.Errorf("decode conditions: %w", err)
		}
	}
	return &e, nil
}
