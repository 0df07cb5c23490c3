package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/seniormugambe/stellapath/internal/domain"
	"github.com/seniormugambe/stellapath/internal/store"
)

// Repository is the escrow persistence surface the monitor and service
// consume. *store.Store satisfies it; tests use an in-memory fake.
type Repository interface {
	GetEscrow(ctx context.Context, id uuid.UUID) (*domain.Escrow, error)
	ListActiveEscrows(ctx context.Context) ([]domain.Escrow, error)
	ListExpiredActiveEscrows(ctx context.Context) ([]domain.Escrow, error)
	TransitionEscrow(ctx context.Context, id uuid.UUID, from, to domain.EscrowStatus, patch store.EscrowPatch) (bool, error)
}

// Service owns the release and refund transitions. Both re-validate the
// escrow immediately before the conditional write: the monitor's earlier read
// is only a hint, the write-time guard is what prevents double transitions.
type Service struct {
	repo Repository
	log  *slog.Logger
	now  func() time.Time
}

// NewService creates a Service backed by repo.
func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log, now: time.Now}
}

// Release re-verifies that the escrow is ACTIVE and that every condition
// holds, then writes RELEASED. Returns the escrow as released.
// A failed re-check returns domain.ErrConflict: conditions flipped between
// the scheduler's read and this write, and the next tick re-evaluates.
func (s *Service) Release(ctx context.Context, id uuid.UUID) (*domain.Escrow, error) {
	e, err := s.repo.GetEscrow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("release escrow %s: %w", id, err)
	}
	if e == nil {
		return nil, fmt.Errorf("release escrow %s: %w", id, domain.ErrNotFound)
	}
	if e.Status != domain.EscrowActive {
		return nil, fmt.Errorf("release escrow %s in status %s: %w", id, e.Status, domain.ErrInvalidState)
	}

	now := s.now()
	if _, allMet := EvaluateAll(e.Conditions, now, s.log); !allMet {
		return nil, fmt.Errorf("release escrow %s: not all conditions are met: %w", id, domain.ErrConflict)
	}

	releasedAt := now
	ok, err := s.repo.TransitionEscrow(ctx, id, domain.EscrowActive, domain.EscrowReleased, store.EscrowPatch{
		ReleasedAt: &releasedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("release escrow %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("release escrow %s: %w", id, domain.ErrConflict)
	}

	e.Status = domain.EscrowReleased
	e.ReleasedAt = &releasedAt
	return e, nil
}

// Refund re-verifies that the escrow is ACTIVE and past its expiry, then
// writes REFUNDED.
func (s *Service) Refund(ctx context.Context, id uuid.UUID) (*domain.Escrow, error) {
	e, err := s.repo.GetEscrow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("refund escrow %s: %w", id, err)
	}
	if e == nil {
		return nil, fmt.Errorf("refund escrow %s: %w", id, domain.ErrNotFound)
	}
	if e.Status != domain.EscrowActive {
		return nil, fmt.Errorf("refund escrow %s in status %s: %w", id, e.Status, domain.ErrInvalidState)
	}
	if s.now().Before(e.ExpiresAt) {
		return nil, fmt.Errorf("refund escrow %s before expiry: %w", id, domain.ErrInvalidState)
	}

	ok, err := s.repo.TransitionEscrow(ctx, id, domain.EscrowActive, domain.EscrowRefunded, store.EscrowPatch{})
	if err != nil {
		return nil, fmt.Errorf("refund escrow %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("refund escrow %s: %w", id, domain.ErrConflict)
	}

	e.Status = domain.EscrowRefunded
	return e, nil
}
