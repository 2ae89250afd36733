package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"farmestly-reports/internal/models"
)

// GetAccount loads the reporting view of an account.
func (s *Store) GetAccount(ctx context.Context, id string) (models.Account, error) {
	var a models.Account
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, email_verified, farm_name FROM accounts WHERE id = $1
	`, id).Scan(&a.ID, &a.Email, &a.EmailVerified, &a.FarmName)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, models.ErrNotFound
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// UpsertAccount creates or updates an account. Used by seeding and tests.
func (s *Store) UpsertAccount(ctx context.Context, a models.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, email, email_verified, farm_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, email_verified = EXCLUDED.email_verified, farm_name = EXCLUDED.farm_name
	`, a.ID, a.Email, a.EmailVerified, a.FarmName)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}
