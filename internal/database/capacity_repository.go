package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/reservahub/booking-engine/internal/models"
)

// CapacityRepository is the Postgres capacity guard. Each (asset, slot) row
// carries its maximum and the reserved units; a hold row records what to give back.
type CapacityRepository struct {
	db              *sqlx.DB
	defaultCapacity int
}

// NewCapacityRepository creates a new CapacityRepository. Slots are created
// on first use with defaultCapacity.
func NewCapacityRepository(db *sqlx.DB, defaultCapacity int) *CapacityRepository {
	return &CapacityRepository{db: db, defaultCapacity: defaultCapacity}
}

// Reserve takes quantity units with a single conditional increment
func (r *CapacityRepository) Reserve(ctx context.Context, assetID, slot string, quantity int) (string, error) {
	if quantity <= 0 {
		return "", models.NewValidationError("invalid_quantity", "quantity", "quantity must be positive")
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO capacity_slots (asset_id, slot, capacity, reserved)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (asset_id, slot) DO NOTHING`,
		assetID, slot, r.defaultCapacity,
	); err != nil {
		return "", fmt.Errorf("failed to initialize capacity slot: %w", err)
	}

	var reserved int
	err = tx.QueryRowxContext(ctx, `
		UPDATE capacity_slots
		SET reserved = reserved + $3, updated_at = NOW()
		WHERE asset_id = $1 AND slot = $2 AND reserved + $3 <= capacity
		RETURNING reserved`,
		assetID, slot, quantity,
	).Scan(&reserved)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &models.CapacityExceededError{AssetID: assetID, Slot: slot, Requested: quantity}
	}
	if err != nil {
		return "", fmt.Errorf("failed to reserve capacity: %w", err)
	}

	holdID := uuid.New()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO capacity_holds (id, asset_id, slot, quantity)
		VALUES ($1, $2, $3, $4)`,
		holdID, assetID, slot, quantity,
	); err != nil {
		return "", fmt.Errorf("failed to create capacity hold: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit capacity hold: %w", err)
	}
	return holdID.String(), nil
}

// Release gives a hold's units back. Unknown and released holds are a no-op.
func (r *CapacityRepository) Release(ctx context.Context, holdID string) error {
	id, err := uuid.Parse(holdID)
	if err != nil {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var hold struct {
		AssetID  string `db:"asset_id"`
		Slot     string `db:"slot"`
		Quantity int    `db:"quantity"`
	}
	err = tx.QueryRowxContext(ctx, `
		UPDATE capacity_holds
		SET released_at = NOW()
		WHERE id = $1 AND released_at IS NULL
		RETURNING asset_id, slot, quantity`, id,
	).StructScan(&hold)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to release capacity hold: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE capacity_slots
		SET reserved = GREATEST(reserved - $3, 0), updated_at = NOW()
		WHERE asset_id = $1 AND slot = $2`,
		hold.AssetID, hold.Slot, hold.Quantity,
	); err != nil {
		return fmt.Errorf("failed to return capacity: %w", err)
	}

	return tx.Commit()
}

// SetCapacity sets a slot's maximum. Existing holds are kept even if they exceed it.
func (r *CapacityRepository) SetCapacity(ctx context.Context, assetID, slot string, capacity int) error {
	if capacity < 0 {
		return models.NewValidationError("invalid_capacity", "capacity", "capacity cannot be negative")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO capacity_slots (asset_id, slot, capacity, reserved)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (asset_id, slot) DO UPDATE SET capacity = EXCLUDED.capacity, updated_at = NOW()`,
		assetID, slot, capacity,
	)
	if err != nil {
		return fmt.Errorf("failed to set capacity: %w", err)
	}
	return nil
}
