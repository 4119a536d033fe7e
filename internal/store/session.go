package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/storefront/internal/database"
	"github.com/dukerupert/storefront/internal/model"
)

type SessionStore struct {
	db  database.DBTX
	now func() time.Time
}

func NewSessionStore(db database.DBTX) *SessionStore {
	return &SessionStore{db: db, now: time.Now}
}

func (s *SessionStore) WithTx(tx database.DBTX) *SessionStore {
	return &SessionStore{db: tx, now: s.now}
}

func scanSession(scanner interface{ Scan(...any) error }) (*model.Session, error) {
	var sess model.Session
	var userID sql.NullInt64
	var redirect sql.NullString
	err := scanner.Scan(&sess.ID, &sess.Token, &userID, &redirect, &sess.ExpiresAt, &sess.CreatedAt)
	if err != nil {
		return nil, err
	}
	if userID.Valid {
		sess.UserID = &userID.Int64
	}
	if redirect.Valid {
		sess.RedirectURL = &redirect.String
	}
	return &sess, nil
}

const sessionCols = `id, token, user_id, redirect_url, expires_at, created_at`

// Create starts a session that lives for ttl. A nil userID creates an
// anonymous session.
func (s *SessionStore) Create(ctx context.Context, userID *int64, ttl time.Duration) (*model.Session, error) {
	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()

	var uid sql.NullInt64
	if userID != nil {
		uid = sql.NullInt64{Int64: *userID, Valid: true}
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		token, uid, now.Add(ttl), now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetByToken returns the session for the given token, or nil if expired or not found.
func (s *SessionStore) GetByToken(ctx context.Context, token string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE token = ? AND expires_at > ?`,
		token, s.now().UTC(),
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session by token: %w", err)
	}
	return sess, nil
}

func (s *SessionStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteByUserID revokes every session of the user.
func (s *SessionStore) DeleteByUserID(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete sessions by user: %w", err)
	}
	return nil
}

// RevokeAll deletes the user's sessions using tx.
func (s *SessionStore) RevokeAll(ctx context.Context, tx database.DBTX, userID int64) error {
	return s.WithTx(tx).DeleteByUserID(ctx, userID)
}

func (s *SessionStore) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}

// SetRedirect records the page the session was denied. Last write wins.
func (s *SessionStore) SetRedirect(ctx context.Context, id int64, url string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET redirect_url = ? WHERE id = ?`, url, id)
	if err != nil {
		return fmt.Errorf("set redirect: %w", err)
	}
	return nil
}

// TakeRedirect reads and clears the recorded redirect. The clear only
// succeeds if the value is unchanged since the read, so concurrent callers
// never both receive the same URL.
func (s *SessionStore) TakeRedirect(ctx context.Context, id int64) (string, bool, error) {
	for range 3 {
		var url sql.NullString
		err := s.db.QueryRowContext(ctx, `SELECT redirect_url FROM sessions WHERE id = ?`, id).Scan(&url)
		if err == sql.ErrNoRows || (err == nil && !url.Valid) {
			return "", false, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("read redirect: %w", err)
		}

		result, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET redirect_url = NULL WHERE id = ? AND redirect_url = ?`,
			id, url.String,
		)
		if err != nil {
			return "", false, fmt.Errorf("clear redirect: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return "", false, fmt.Errorf("rows affected: %w", err)
		}
		if n == 1 {
			return url.String, true, nil
		}
	}
	return "", false, nil
}

// Redirects returns the redirect tracker bound to one session. A zero
// sessionID yields a tracker that records nothing.
func (s *SessionStore) Redirects(sessionID int64) *RedirectTracker {
	return &RedirectTracker{sessions: s, sessionID: sessionID}
}
