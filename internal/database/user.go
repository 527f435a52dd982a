// internal/database/user.go
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UserStore resolves display names and registers guest identities.
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore wraps a pgx pool.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

// DisplayName returns the stored username for a user id. A missing row is
// not an error; callers fall back to a generated name.
func (s *UserStore) DisplayName(ctx context.Context, userID uuid.UUID) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx, `SELECT username FROM users WHERE id = $1`, userID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("display name: %w", err)
	}
	return name, nil
}

// CreateGuest records a guest identity so its name survives reconnects.
func (s *UserStore) CreateGuest(ctx context.Context, userID uuid.UUID, username string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username`,
		userID, username)
	if err != nil {
		return fmt.Errorf("create guest: %w", err)
	}
	return nil
}
