package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const insertNotificationSQL = `
INSERT INTO notifications (user_id, event, title, body, payload)
VALUES ($1, $2, $3, $4, $5)`

// InsertNotification records an in-app notification for the user. payload is
// the typed event data the client renders from.
func (s *Store) InsertNotification(ctx context.Context, userID uuid.UUID, event, title, body string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notification payload: %w", err)
	}
	if _, err := s.pool.Exec(ctx, insertNotificationSQL, userID, event, title, body, encoded); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

const getUserEmailSQL = `SELECT email FROM users WHERE id = $1`

// GetUserEmail returns the user's email address, or "" when the user does not
// exist or has no address on file. Email delivery degrades to in-app only in
// that case.
func (s *Store) GetUserEmail(ctx context.Context, userID uuid.UUID) (string, error) {
	var email string
	err := s.pool.QueryRow(ctx, getUserEmailSQL, userID).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get user email %s: %w", userID, err)
	}
	return email, nil
}
