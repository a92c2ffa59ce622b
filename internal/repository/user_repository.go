package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/tileforge/tileforge/internal/models"
)

// duplicateKeyErrNo is MySQL error 1062 (ER_DUP_ENTRY).
const duplicateKeyErrNo = 1062

func isDuplicateKey(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == duplicateKeyErrNo
}

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	const query = `
SELECT id, tokens_current, tokens_max, cooldown_until, total_generations, created_at, updated_at
FROM users WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)
	var u models.User
	if err := row.Scan(&u.ID, &u.TokensCurrent, &u.TokensMax, &u.CooldownUntil, &u.TotalGenerations, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	const query = `
INSERT INTO users (id, tokens_current, tokens_max, cooldown_until, total_generations)
VALUES (?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, user.ID, user.TokensCurrent, user.TokensMax, user.CooldownUntil, user.TotalGenerations); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// Ensure finds the ledger row for id, creating it with a full starting
// balance on first sight. A concurrent first request may win the insert;
// the loser re-reads the row that now exists.
func (r *UserRepository) Ensure(ctx context.Context, id string, tokensMax int) (*models.User, bool, error) {
	user, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if user != nil {
		return user, false, nil
	}

	newUser := &models.User{
		ID:            id,
		TokensCurrent: tokensMax,
		TokensMax:     tokensMax,
	}
	if err := r.Create(ctx, newUser); err != nil {
		if isDuplicateKey(err) {
			existing, findErr := r.FindByID(ctx, id)
			if findErr != nil {
				return nil, false, findErr
			}
			if existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	return newUser, true, nil
}

// ApplyReservation performs the compound compare-and-swap for one token
// reservation: the write lands only if both tokens_current and
// cooldown_until still equal the values the caller read, with null-vs-null
// treated as a match. Returns false when another reservation got there
// first and no row was updated.
func (r *UserRepository) ApplyReservation(ctx context.Context, userID string, expectedTokens int, expectedCooldown *time.Time, newTokens int, newCooldown time.Time, newTotal int) (bool, error) {
	const query = `
UPDATE users
SET tokens_current = ?, cooldown_until = ?, total_generations = ?
WHERE id = ?
  AND tokens_current = ?
  AND ((? IS NULL AND cooldown_until IS NULL) OR cooldown_until = ?)`
	res, err := r.db.ExecContext(ctx, query,
		newTokens, newCooldown, newTotal,
		userID,
		expectedTokens, expectedCooldown, expectedCooldown,
	)
	if err != nil {
		return false, fmt.Errorf("apply reservation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reservation rows affected: %w", err)
	}
	return affected > 0, nil
}

// Grant credits tokens toward the cap. This is the stubbed purchase path.
func (r *UserRepository) Grant(ctx context.Context, userID string, amount int) error {
	const query = `
UPDATE users SET tokens_current = LEAST(tokens_current + ?, tokens_max)
WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, amount, userID)
	if err != nil {
		return fmt.Errorf("grant tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("grant rows affected: %w", err)
	}
	if affected == 0 {
		// The driver reports changed rows, not matched rows: a user already
		// at tokens_max matches but LEAST changes nothing. Re-read to tell a
		// capped no-op apart from a missing user.
		user, err := r.FindByID(ctx, userID)
		if err != nil {
			return err
		}
		if user == nil {
			return sql.ErrNoRows
		}
	}
	return nil
}

// RegenerateAll tops up every depleted ledger by one token, capped at
// tokens_max. A single atomic statement, safe to run concurrently with
// reservations: a reservation CAS that races it simply retries.
func (r *UserRepository) RegenerateAll(ctx context.Context) (int64, error) {
	const query = `
UPDATE users SET tokens_current = LEAST(tokens_current + 1, tokens_max)
WHERE tokens_current < tokens_max`
	res, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("regenerate tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("regenerate rows affected: %w", err)
	}
	return affected, nil
}
