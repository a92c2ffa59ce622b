package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/tileforge/tileforge/internal/apperr"
	"github.com/tileforge/tileforge/internal/config"
	"github.com/tileforge/tileforge/internal/models"
)

// UserStore is the slice of the user repository identity handling needs.
type UserStore interface {
	Ensure(ctx context.Context, id string, tokensMax int) (*models.User, bool, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	Grant(ctx context.Context, userID string, amount int) error
}

type UserService struct {
	cfg   config.Config
	store UserStore
}

func NewUserService(cfg config.Config, store UserStore) *UserService {
	return &UserService{cfg: cfg, store: store}
}

// Ensure resolves the ledger row for an authenticated identity, creating it
// with a full starting balance on first authentication.
func (s *UserService) Ensure(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "user id is required")
	}
	user, _, err := s.store.Ensure(ctx, id, s.cfg.DefaultTokensMax)
	return user, err
}

func (s *UserService) Get(ctx context.Context, id string) (*models.User, error) {
	user, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperr.Newf(apperr.CodeUserNotFound, "user %s not found", id)
	}
	return user, nil
}

// Grant credits tokens toward the cap. Stub for the purchase flow.
func (s *UserService) Grant(ctx context.Context, id string, amount int) (*models.User, error) {
	if id == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "user id is required")
	}
	if amount <= 0 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "grant amount must be positive")
	}
	if err := s.store.Grant(ctx, id, amount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Newf(apperr.CodeUserNotFound, "user %s not found", id)
		}
		return nil, err
	}
	return s.Get(ctx, id)
}
