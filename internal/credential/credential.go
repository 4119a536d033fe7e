// Package credential looks up, creates and updates user records and owns
// password hashing for them.
package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dukerupert/storefront/internal/database"
	"github.com/dukerupert/storefront/internal/model"
	"github.com/dukerupert/storefront/internal/password"
	"github.com/dukerupert/storefront/internal/store"
)

var (
	// ErrInvalidCredentials covers both an unknown email and a wrong password.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrUnverifiedEmail is returned when a federated identity claims the
	// email of an existing account without the provider vouching for it.
	ErrUnverifiedEmail = errors.New("federated email not verified")
	// ErrIncompleteIdentity is returned when a provider leaves out the
	// provider name, the subject or, for a new link, the email.
	ErrIncompleteIdentity = errors.New("federated identity incomplete")
)

type Store struct {
	db         *sql.DB
	users      *store.UserStore
	identities *store.IdentityStore
	hasher     password.Hasher
	dummyHash  string
}

func New(db *sql.DB, hasher password.Hasher) (*Store, error) {
	dummy, err := hasher.Hash("storefront-dummy-password")
	if err != nil {
		return nil, fmt.Errorf("dummy hash: %w", err)
	}
	return &Store{
		db:         db,
		users:      store.NewUserStore(db),
		identities: store.NewIdentityStore(db),
		hasher:     hasher,
		dummyHash:  dummy,
	}, nil
}

// Register creates an account. It returns store.ErrDuplicateEmail if the
// address is taken.
func (s *Store) Register(ctx context.Context, email, pw string) (*model.User, error) {
	hash, err := s.hasher.Hash(pw)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return s.users.Create(ctx, email, hash)
}

// Authenticate returns the user whose password matches. Unknown emails still
// run a hash comparison so both failures take the same time.
func (s *Store) Authenticate(ctx context.Context, email, pw string) (*model.User, error) {
	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	hash := s.dummyHash
	if u != nil && u.HasPassword() {
		hash = u.PasswordHash
	}
	ok, err := s.hasher.Verify(pw, hash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if u == nil || !u.HasPassword() || !ok {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.users.GetByEmail(ctx, email)
}

func (s *Store) FindByID(ctx context.Context, id int64) (*model.User, error) {
	return s.users.GetByID(ctx, id)
}

func (s *Store) HashPassword(pw string) (string, error) {
	hash, err := s.hasher.Hash(pw)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return hash, nil
}

// SetPasswordHash stores a hash produced by HashPassword using tx.
func (s *Store) SetPasswordHash(ctx context.Context, tx database.DBTX, userID int64, hash string) error {
	return s.users.WithTx(tx).UpdatePasswordHash(ctx, userID, hash)
}

// FindOrCreateFederated resolves an external identity to a user, linking it
// to an existing account with the same email or creating a new account
// without a local password.
func (s *Store) FindOrCreateFederated(ctx context.Context, provider, subject, email string, emailVerified bool) (*model.User, error) {
	if provider == "" || subject == "" {
		return nil, fmt.Errorf("%w: missing provider or subject", ErrIncompleteIdentity)
	}

	var u *model.User
	err := database.WithTx(ctx, s.db, func(ctx context.Context, tx database.DBTX) error {
		users := s.users.WithTx(tx)
		identities := s.identities.WithTx(tx)

		id, err := identities.Get(ctx, provider, subject)
		if err != nil {
			return err
		}
		if id != nil {
			u, err = users.GetByID(ctx, id.UserID)
			return err
		}

		if email == "" {
			return fmt.Errorf("%w: no email", ErrIncompleteIdentity)
		}
		u, err = users.GetByEmail(ctx, email)
		if err != nil {
			return err
		}
		if u != nil && !emailVerified {
			return ErrUnverifiedEmail
		}
		if u == nil {
			if u, err = users.Create(ctx, email, ""); err != nil {
				return err
			}
		}
		return identities.Link(ctx, u.ID, provider, subject)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}
