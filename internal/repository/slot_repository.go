package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tileforge/tileforge/internal/models"
)

type SlotRepository struct {
	db *sql.DB
}

func NewSlotRepository(db *sql.DB) *SlotRepository {
	return &SlotRepository{db: db}
}

func (r *SlotRepository) FindByCoord(ctx context.Context, z, x, y int) (*models.Slot, error) {
	const query = `
SELECT id, z, x, y, current_placement_id, version, created_at
FROM slots WHERE z = ? AND x = ? AND y = ?`
	row := r.db.QueryRowContext(ctx, query, z, x, y)
	return scanSlot(row)
}

func (r *SlotRepository) FindByID(ctx context.Context, id int64) (*models.Slot, error) {
	const query = `
SELECT id, z, x, y, current_placement_id, version, created_at
FROM slots WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)
	return scanSlot(row)
}

func scanSlot(row *sql.Row) (*models.Slot, error) {
	var s models.Slot
	if err := row.Scan(&s.ID, &s.Z, &s.X, &s.Y, &s.CurrentPlacementID, &s.Version, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan slot: %w", err)
	}
	return &s, nil
}

// Resolve returns the slot at (z, x, y), creating it lazily on first
// placement. When the insert loses a race to a concurrent first placement
// at the same coordinate, the uniqueness conflict is swallowed and the
// winning row is re-read: creation is idempotent from the caller's view.
func (r *SlotRepository) Resolve(ctx context.Context, z, x, y int) (*models.Slot, error) {
	slot, err := r.FindByCoord(ctx, z, x, y)
	if err != nil {
		return nil, err
	}
	if slot != nil {
		return slot, nil
	}

	const insert = `INSERT INTO slots (z, x, y, version) VALUES (?, ?, ?, 0)`
	res, err := r.db.ExecContext(ctx, insert, z, x, y)
	if err != nil {
		if isDuplicateKey(err) {
			existing, findErr := r.FindByCoord(ctx, z, x, y)
			if findErr != nil {
				return nil, findErr
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("insert slot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("slot last insert id: %w", err)
	}
	return &models.Slot{ID: id, Z: z, X: x, Y: y, Version: 0}, nil
}

// Redirect points the slot at a new current placement and bumps the version,
// conditioned on the version still matching what the caller observed at
// resolve time. Returns false when a concurrent placement won the race.
func (r *SlotRepository) Redirect(ctx context.Context, slotID int64, placementID string, expectedVersion int64) (bool, error) {
	const query = `
UPDATE slots SET current_placement_id = ?, version = version + 1
WHERE id = ? AND version = ?`
	res, err := r.db.ExecContext(ctx, query, placementID, slotID, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("redirect slot: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("redirect rows affected: %w", err)
	}
	return affected > 0, nil
}
