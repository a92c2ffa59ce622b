package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/tileforge/tileforge/internal/apperr"
	"github.com/tileforge/tileforge/internal/config"
	"github.com/tileforge/tileforge/internal/models"
	"github.com/tileforge/tileforge/internal/pricing"
)

// reserveAttempts bounds the optimistic retry loop. Exhaustion means extreme
// contention on one user's ledger, not a policy violation.
const reserveAttempts = 3

// LedgerStore is the slice of the user repository the token service needs.
type LedgerStore interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	ApplyReservation(ctx context.Context, userID string, expectedTokens int, expectedCooldown *time.Time, newTokens int, newCooldown time.Time, newTotal int) (bool, error)
}

// TokenState is the ledger snapshot returned by a successful reservation.
type TokenState struct {
	TokensCurrent    int        `json:"tokens_current"`
	TokensMax        int        `json:"tokens_max"`
	CooldownUntil    *time.Time `json:"cooldown_until,omitempty"`
	TotalGenerations int        `json:"total_generations"`
}

type TokenService struct {
	cfg   config.Config
	log   *slog.Logger
	store LedgerStore
	now   func() time.Time
}

func NewTokenService(cfg config.Config, log *slog.Logger, store LedgerStore) *TokenService {
	return &TokenService{cfg: cfg, log: log, store: store, now: time.Now}
}

// Reserve atomically deducts the model's token cost and arms the cooldown.
// Coordination happens entirely at the storage layer: the write is a
// compound compare-and-swap on (tokens_current, cooldown_until), retried up
// to reserveAttempts times when a concurrent reservation moves the row.
// Cooldown and balance failures are final answers for the snapshot just
// read and are never retried.
func (s *TokenService) Reserve(ctx context.Context, userID string, model models.ModelType) (*TokenState, error) {
	if userID == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "user id is required")
	}
	cost, err := pricing.Cost(model)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < reserveAttempts; attempt++ {
		user, err := s.store.FindByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, apperr.Newf(apperr.CodeUserNotFound, "user %s not found", userID)
		}

		now := s.now().UTC()
		if user.CooldownUntil != nil && user.CooldownUntil.After(now) {
			wait := user.CooldownUntil.Sub(now).Round(time.Second)
			return nil, apperr.Newf(apperr.CodeCooldownActive, "cooldown active for another %s", wait)
		}
		if user.TokensCurrent < cost {
			return nil, apperr.Newf(apperr.CodeInsufficientTokens, "need %d tokens, have %d", cost, user.TokensCurrent)
		}

		// MySQL stores cooldown_until at microsecond precision; truncate so
		// the in-memory value equals what a later CAS will read back.
		newCooldown := now.Add(s.cfg.CooldownDuration).Truncate(time.Microsecond)
		newTokens := user.TokensCurrent - cost
		newTotal := user.TotalGenerations + 1

		applied, err := s.store.ApplyReservation(ctx, userID, user.TokensCurrent, user.CooldownUntil, newTokens, newCooldown, newTotal)
		if err != nil {
			return nil, err
		}
		if applied {
			return &TokenState{
				TokensCurrent:    newTokens,
				TokensMax:        user.TokensMax,
				CooldownUntil:    &newCooldown,
				TotalGenerations: newTotal,
			}, nil
		}

		s.log.Info("reservation lost ledger race, retrying", "user_id", userID, "attempt", attempt+1)
	}

	return nil, apperr.Newf(apperr.CodeConflict, "ledger contention: reservation failed after %d attempts", reserveAttempts)
}

// State reads the current ledger snapshot without mutating it.
func (s *TokenService) State(ctx context.Context, userID string) (*TokenState, error) {
	user, err := s.store.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperr.Newf(apperr.CodeUserNotFound, "user %s not found", userID)
	}
	return &TokenState{
		TokensCurrent:    user.TokensCurrent,
		TokensMax:        user.TokensMax,
		CooldownUntil:    user.CooldownUntil,
		TotalGenerations: user.TotalGenerations,
	}, nil
}
