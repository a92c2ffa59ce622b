package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tileforge/tileforge/internal/apperr"
	"github.com/tileforge/tileforge/internal/models"
	"github.com/tileforge/tileforge/internal/pricing"
)

// GenerationStore is the slice of the generation repository the lifecycle
// needs. The Set* methods report false when the row was already terminal.
type GenerationStore interface {
	Insert(ctx context.Context, g *models.Generation) error
	FindByID(ctx context.Context, id string) (*models.Generation, error)
	SetGenerating(ctx context.Context, id string) (bool, error)
	SetApproved(ctx context.Context, id, imageURL string) (bool, error)
	SetRejected(ctx context.Context, id, reason string) (bool, error)
	SetFailed(ctx context.Context, id, message string) (bool, error)
}

type GenerationService struct {
	log   *slog.Logger
	store GenerationStore
}

func NewGenerationService(log *slog.Logger, store GenerationStore) *GenerationService {
	return &GenerationService{log: log, store: store}
}

// Create inserts a new request in queued with token_cost snapshotted from
// the pricing table. The snapshot never changes, even if pricing does.
func (s *GenerationService) Create(ctx context.Context, userID, prompt string, model models.ModelType, size string) (*models.Generation, error) {
	if userID == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "user id is required")
	}
	if prompt == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "prompt is required")
	}
	cost, err := pricing.Cost(model)
	if err != nil {
		return nil, err
	}
	if size == "" {
		size = "1024x1024"
	}

	g := &models.Generation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Prompt:    prompt,
		Model:     model,
		Size:      size,
		Status:    models.StatusQueued,
		TokenCost: cost,
	}
	if err := s.store.Insert(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *GenerationService) Get(ctx context.Context, id string) (*models.Generation, error) {
	g, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, apperr.Newf(apperr.CodeGenerationNotFound, "generation %s not found", id)
	}
	return g, nil
}

func (s *GenerationService) MarkGenerating(ctx context.Context, id string) error {
	return s.transition(ctx, id, func(ctx context.Context) (bool, error) {
		return s.store.SetGenerating(ctx, id)
	})
}

func (s *GenerationService) MarkApproved(ctx context.Context, id, imageURL string) error {
	if imageURL == "" {
		return apperr.New(apperr.CodeInvalidArgument, "image url is required")
	}
	return s.transition(ctx, id, func(ctx context.Context) (bool, error) {
		return s.store.SetApproved(ctx, id, imageURL)
	})
}

func (s *GenerationService) MarkRejected(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "rejected"
	}
	return s.transition(ctx, id, func(ctx context.Context) (bool, error) {
		return s.store.SetRejected(ctx, id, reason)
	})
}

func (s *GenerationService) MarkFailed(ctx context.Context, id, message string) error {
	if message == "" {
		message = "generation failed"
	}
	return s.transition(ctx, id, func(ctx context.Context) (bool, error) {
		return s.store.SetFailed(ctx, id, message)
	})
}

// transition applies one status update. The store guards the write with a
// non-terminal condition, so a false return on an existing row means the
// request already reached a terminal status.
func (s *GenerationService) transition(ctx context.Context, id string, apply func(context.Context) (bool, error)) error {
	if id == "" {
		return apperr.New(apperr.CodeInvalidArgument, "generation id is required")
	}
	applied, err := apply(ctx)
	if err != nil {
		return err
	}
	if applied {
		return nil
	}
	g, err := s.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if g == nil {
		return apperr.Newf(apperr.CodeGenerationNotFound, "generation %s not found", id)
	}
	return apperr.Newf(apperr.CodeGenerationTerminal, "generation %s is already %s", id, g.Status)
}
