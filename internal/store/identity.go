package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/storefront/internal/database"
	"github.com/dukerupert/storefront/internal/model"
)

type IdentityStore struct {
	db database.DBTX
}

func NewIdentityStore(db database.DBTX) *IdentityStore {
	return &IdentityStore{db: db}
}

func (s *IdentityStore) WithTx(tx database.DBTX) *IdentityStore {
	return &IdentityStore{db: tx}
}

const identityCols = `id, user_id, provider, subject, created_at`

func (s *IdentityStore) Get(ctx context.Context, provider, subject string) (*model.Identity, error) {
	var id model.Identity
	err := s.db.QueryRowContext(ctx,
		`SELECT `+identityCols+` FROM identities WHERE provider = ? AND subject = ?`,
		provider, subject,
	).Scan(&id.ID, &id.UserID, &id.Provider, &id.Subject, &id.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return &id, nil
}

// Link records that subject at provider belongs to userID.
func (s *IdentityStore) Link(ctx context.Context, userID int64, provider, subject string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (user_id, provider, subject, created_at) VALUES (?, ?, ?, ?)`,
		userID, provider, subject, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("link identity: %w", err)
	}
	return nil
}
