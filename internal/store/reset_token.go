package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/storefront/internal/database"
	"github.com/dukerupert/storefront/internal/model"
)

// ErrTokenNotFound is returned by Consume when no live token matches.
var ErrTokenNotFound = errors.New("reset token not found")

// ResetTokenStore keeps at most one reset token per user. Tokens created at
// or before the caller's cutoff are treated as absent.
type ResetTokenStore struct {
	db *sql.DB
}

func NewResetTokenStore(db *sql.DB) *ResetTokenStore {
	return &ResetTokenStore{db: db}
}

func scanResetToken(scanner interface{ Scan(...any) error }) (*model.ResetToken, error) {
	var t model.ResetToken
	err := scanner.Scan(&t.ID, &t.UserID, &t.Token, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const resetTokenCols = `id, user_id, token, created_at`

// Issue returns the user's live token, creating one if none exists.
// Stale tokens are replaced. Concurrent calls for the same user all receive
// the same token.
func (s *ResetTokenStore) Issue(ctx context.Context, userID int64, now, cutoff time.Time) (*model.ResetToken, error) {
	token, err := generateToken()
	if err != nil {
		return nil, err
	}

	var rt *model.ResetToken
	err = database.WithTx(ctx, s.db, func(ctx context.Context, tx database.DBTX) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM reset_tokens WHERE user_id = ? AND created_at <= ?`,
			userID, cutoff.UTC(),
		); err != nil {
			return fmt.Errorf("delete stale reset token: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reset_tokens (user_id, token, created_at) VALUES (?, ?, ?)
			 ON CONFLICT (user_id) DO NOTHING`,
			userID, token, now.UTC(),
		); err != nil {
			return fmt.Errorf("insert reset token: %w", err)
		}

		var err error
		row := tx.QueryRowContext(ctx, `SELECT `+resetTokenCols+` FROM reset_tokens WHERE user_id = ?`, userID)
		rt, err = scanResetToken(row)
		if err != nil {
			return fmt.Errorf("read reset token: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// Lookup returns the live token matching both userID and token, or nil.
func (s *ResetTokenStore) Lookup(ctx context.Context, userID int64, token string, cutoff time.Time) (*model.ResetToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+resetTokenCols+` FROM reset_tokens WHERE user_id = ? AND token = ? AND created_at > ?`,
		userID, token, cutoff.UTC(),
	)
	rt, err := scanResetToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup reset token: %w", err)
	}
	return rt, nil
}

// Consume deletes the matching live token and runs apply in the same
// transaction. If apply fails the deletion is rolled back and the token
// stays valid.
func (s *ResetTokenStore) Consume(ctx context.Context, userID int64, token string, cutoff time.Time, apply func(ctx context.Context, tx database.DBTX) error) error {
	return database.WithTx(ctx, s.db, func(ctx context.Context, tx database.DBTX) error {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM reset_tokens WHERE user_id = ? AND token = ? AND created_at > ?`,
			userID, token, cutoff.UTC(),
		)
		if err != nil {
			return fmt.Errorf("delete reset token: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return ErrTokenNotFound
		}
		return apply(ctx, tx)
	})
}

func (s *ResetTokenStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM reset_tokens WHERE created_at <= ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired reset tokens: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}
