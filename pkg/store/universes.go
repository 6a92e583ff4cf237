package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateUniverse adds a product universe.
func (s *Store) CreateUniverse(ctx context.Context, u *ProductUniverse) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO product_universes (name, description)
		VALUES ($1, $2)
		RETURNING id, created_at`,
		u.Name, u.Description,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create universe: %w", err)
	}
	return nil
}

// ListUniverses returns all universes by name.
func (s *Store) ListUniverses(ctx context.Context) ([]ProductUniverse, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description, created_at
		FROM product_universes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list universes: %w", err)
	}
	defer rows.Close()

	var universes []ProductUniverse
	for rows.Next() {
		var u ProductUniverse
		if err := rows.Scan(&u.ID, &u.Name, &u.Description, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan universe: %w", err)
		}
		universes = append(universes, u)
	}
	return universes, rows.Err()
}

// GrantUniverseAccess gives a user visibility into a universe. Setting
// isDefault moves the user's default to this universe.
func (s *Store) GrantUniverseAccess(ctx context.Context, userID, universeID uuid.UUID, isDefault bool) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if isDefault {
			if _, err := tx.Exec(ctx, `
				UPDATE user_universe_access SET is_default = false
				WHERE user_id = $1 AND is_default`, userID); err != nil {
				return fmt.Errorf("failed to clear default universe: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO user_universe_access (user_id, universe_id, is_default)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id, universe_id) DO UPDATE SET
				is_default = EXCLUDED.is_default`,
			userID, universeID, isDefault); err != nil {
			return fmt.Errorf("failed to grant universe access: %w", err)
		}
		return nil
	})
}

// RevokeUniverseAccess removes a user's visibility into a universe.
func (s *Store) RevokeUniverseAccess(ctx context.Context, userID, universeID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM user_universe_access
		WHERE user_id = $1 AND universe_id = $2`, userID, universeID)
	if err != nil {
		return fmt.Errorf("failed to revoke universe access: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UserUniverses returns the universe ids a user can see.
func (s *Store) UserUniverses(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT universe_id FROM user_universe_access WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user universes: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan universe id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
