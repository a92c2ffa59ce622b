package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tileforge/tileforge/internal/apperr"
	"github.com/tileforge/tileforge/internal/models"
)

// SlotStore is the slice of the slot repository placement needs.
type SlotStore interface {
	Resolve(ctx context.Context, z, x, y int) (*models.Slot, error)
	Redirect(ctx context.Context, slotID int64, placementID string, expectedVersion int64) (bool, error)
	FindByCoord(ctx context.Context, z, x, y int) (*models.Slot, error)
}

// PlacementStore is the slice of the placement repository placement needs.
type PlacementStore interface {
	Insert(ctx context.Context, p *models.Placement) error
	Delete(ctx context.Context, id string) error
	FindByID(ctx context.Context, id string) (*models.Placement, error)
}

// GenerationReader looks up the request being placed.
type GenerationReader interface {
	FindByID(ctx context.Context, id string) (*models.Generation, error)
}

type PlacementService struct {
	log         *slog.Logger
	slots       SlotStore
	placements  PlacementStore
	generations GenerationReader
}

func NewPlacementService(log *slog.Logger, slots SlotStore, placements PlacementStore, generations GenerationReader) *PlacementService {
	return &PlacementService{log: log, slots: slots, placements: placements, generations: generations}
}

// Place binds an approved generation's artifact to a grid coordinate.
// Under concurrent attempts at the same coordinate exactly one placement
// becomes current: the slot redirect is a compare-and-swap on the version
// observed at resolve time, and the loser's tentative placement row is
// deleted as compensation before SLOT_CONFLICT is surfaced. There is no
// internal retry; the caller decides whether to try again.
func (s *PlacementService) Place(ctx context.Context, userID, generationID string, z, x, y int) (*models.Placement, *models.Slot, error) {
	if userID == "" {
		return nil, nil, apperr.New(apperr.CodeInvalidArgument, "user id is required")
	}
	if generationID == "" {
		return nil, nil, apperr.New(apperr.CodeInvalidArgument, "generation id is required")
	}

	gen, err := s.generations.FindByID(ctx, generationID)
	if err != nil {
		return nil, nil, err
	}
	if gen == nil {
		return nil, nil, apperr.Newf(apperr.CodeGenerationNotFound, "generation %s not found", generationID)
	}
	if gen.UserID != userID {
		return nil, nil, apperr.Newf(apperr.CodeGenerationNotOwned, "generation %s does not belong to user %s", generationID, userID)
	}
	if gen.Status != models.StatusApproved {
		return nil, nil, apperr.Newf(apperr.CodeGenerationNotApproved, "generation %s is %s, not approved", generationID, gen.Status)
	}
	if gen.ImageURL == nil || *gen.ImageURL == "" {
		return nil, nil, apperr.Newf(apperr.CodeGenerationNotReady, "generation %s has no image url", generationID)
	}

	slot, err := s.slots.Resolve(ctx, z, x, y)
	if err != nil {
		return nil, nil, err
	}

	// The placement row is inserted unconditionally: it is valid history
	// even if it never becomes current.
	placement := &models.Placement{
		ID:           uuid.NewString(),
		SlotID:       slot.ID,
		UserID:       userID,
		GenerationID: generationID,
		ImageURL:     *gen.ImageURL,
	}
	if err := s.placements.Insert(ctx, placement); err != nil {
		return nil, nil, err
	}

	redirected, err := s.slots.Redirect(ctx, slot.ID, placement.ID, slot.Version)
	if err != nil {
		return nil, nil, err
	}
	if !redirected {
		// Lost the version race. An orphaned placement is safe to
		// garbage-collect, so a failed compensation is logged, not fatal.
		if delErr := s.placements.Delete(ctx, placement.ID); delErr != nil {
			s.log.Error("failed to delete losing placement", "placement_id", placement.ID, "err", delErr)
		}
		return nil, nil, apperr.Newf(apperr.CodeSlotConflict, "slot (%d,%d,%d) was claimed concurrently", z, x, y)
	}

	updated := *slot
	updated.CurrentPlacementID = &placement.ID
	updated.Version = slot.Version + 1
	return placement, &updated, nil
}

// View returns the slot at a coordinate and its current placement, if any.
func (s *PlacementService) View(ctx context.Context, z, x, y int) (*models.Slot, *models.Placement, error) {
	slot, err := s.slots.FindByCoord(ctx, z, x, y)
	if err != nil {
		return nil, nil, err
	}
	if slot == nil {
		return nil, nil, nil
	}
	if slot.CurrentPlacementID == nil {
		return slot, nil, nil
	}
	placement, err := s.placements.FindByID(ctx, *slot.CurrentPlacementID)
	if err != nil {
		return nil, nil, err
	}
	return slot, placement, nil
}
