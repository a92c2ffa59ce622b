package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tileforge/tileforge/internal/models"
)

type PlacementRepository struct {
	db *sql.DB
}

func NewPlacementRepository(db *sql.DB) *PlacementRepository {
	return &PlacementRepository{db: db}
}

func (r *PlacementRepository) Insert(ctx context.Context, p *models.Placement) error {
	const query = `
INSERT INTO placements (id, slot_id, user_id, generation_id, image_url)
VALUES (?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, p.ID, p.SlotID, p.UserID, p.GenerationID, p.ImageURL); err != nil {
		return fmt.Errorf("insert placement: %w", err)
	}
	return nil
}

// Delete removes a placement. Only ever called as rollback compensation
// when the slot redirect lost its version race.
func (r *PlacementRepository) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM placements WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete placement: %w", err)
	}
	return nil
}

func (r *PlacementRepository) FindByID(ctx context.Context, id string) (*models.Placement, error) {
	const query = `
SELECT id, slot_id, user_id, generation_id, image_url, created_at
FROM placements WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)
	var p models.Placement
	if err := row.Scan(&p.ID, &p.SlotID, &p.UserID, &p.GenerationID, &p.ImageURL, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan placement: %w", err)
	}
	return &p, nil
}
