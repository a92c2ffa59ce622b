package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tileforge/tileforge/internal/models"
)

type GenerationRepository struct {
	db *sql.DB
}

func NewGenerationRepository(db *sql.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

func (r *GenerationRepository) Insert(ctx context.Context, g *models.Generation) error {
	const query = `
INSERT INTO generations (id, user_id, prompt, model, size, status, token_cost)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, g.ID, g.UserID, g.Prompt, g.Model, g.Size, g.Status, g.TokenCost); err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

func (r *GenerationRepository) FindByID(ctx context.Context, id string) (*models.Generation, error) {
	const query = `
SELECT id, user_id, prompt, model, size, status, token_cost, image_url, rejection_reason, error_message, created_at, updated_at
FROM generations WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)
	var g models.Generation
	if err := row.Scan(&g.ID, &g.UserID, &g.Prompt, &g.Model, &g.Size, &g.Status, &g.TokenCost, &g.ImageURL, &g.RejectionReason, &g.ErrorMessage, &g.CreatedAt, &g.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan generation: %w", err)
	}
	return &g, nil
}

// nonTerminalGuard keeps every transition from touching a row that already
// reached approved, rejected or failed.
const nonTerminalGuard = `status NOT IN ('approved', 'rejected', 'failed')`

func (r *GenerationRepository) SetGenerating(ctx context.Context, id string) (bool, error) {
	query := `UPDATE generations SET status = 'generating' WHERE id = ? AND ` + nonTerminalGuard
	return r.transition(ctx, query, id)
}

func (r *GenerationRepository) SetApproved(ctx context.Context, id, imageURL string) (bool, error) {
	query := `
UPDATE generations
SET status = 'approved', image_url = ?, rejection_reason = NULL, error_message = NULL
WHERE id = ? AND ` + nonTerminalGuard
	return r.transition(ctx, query, imageURL, id)
}

func (r *GenerationRepository) SetRejected(ctx context.Context, id, reason string) (bool, error) {
	query := `
UPDATE generations
SET status = 'rejected', rejection_reason = ?, image_url = NULL, error_message = NULL
WHERE id = ? AND ` + nonTerminalGuard
	return r.transition(ctx, query, reason, id)
}

func (r *GenerationRepository) SetFailed(ctx context.Context, id, message string) (bool, error) {
	query := `
UPDATE generations
SET status = 'failed', error_message = ?, image_url = NULL, rejection_reason = NULL
WHERE id = ? AND ` + nonTerminalGuard
	return r.transition(ctx, query, message, id)
}

func (r *GenerationRepository) transition(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update generation status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("generation rows affected: %w", err)
	}
	return affected > 0, nil
}
