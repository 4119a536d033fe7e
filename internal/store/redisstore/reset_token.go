// Package redisstore keeps password reset tokens in Redis. Token expiry is
// enforced by key TTL as well as by the caller's cutoff.
//
// Consume claims the token in Redis before the SQL transaction commits, as
// the two stores cannot share a transaction. A crash between the claim and
// the commit leaves the password unchanged and the token spent; the user
// recovers by requesting a new link. The SQLite store in package store has
// no such window.
package redisstore

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dukerupert/storefront/internal/database"
	"github.com/dukerupert/storefront/internal/model"
	"github.com/dukerupert/storefront/internal/store"
)

const maxRetries = 4

var ErrUnavailable = errors.New("reset token redis unavailable")

type record struct {
	UserID    int64     `json:"user_id"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *record) model() *model.ResetToken {
	return &model.ResetToken{UserID: r.UserID, Token: r.Token, CreatedAt: r.CreatedAt}
}

// ResetTokenStore stores one token per user under <prefix>:reset:<userID>.
// Consume applies the credential change to db.
type ResetTokenStore struct {
	client redis.UniversalClient
	db     *sql.DB
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

type Option func(*ResetTokenStore)

// WithLogger sets the logger for best-effort cleanup failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *ResetTokenStore) {
		s.logger = l
	}
}

func NewResetTokenStore(client redis.UniversalClient, db *sql.DB, prefix string, ttl time.Duration, opts ...Option) *ResetTokenStore {
	if prefix == "" {
		prefix = "storefront"
	}
	s := &ResetTokenStore{client: client, db: db, prefix: prefix, ttl: ttl, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ResetTokenStore) key(userID int64) string {
	return s.prefix + ":reset:" + strconv.FormatInt(userID, 10)
}

func (s *ResetTokenStore) claimKey(userID int64) string {
	return s.prefix + ":reset-claim:" + strconv.FormatInt(userID, 10)
}

func read(ctx context.Context, c redis.Cmdable, key string) (*record, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode reset token: %w", err)
	}
	return &r, nil
}

func live(r *record, cutoff time.Time) bool {
	return r != nil && r.CreatedAt.After(cutoff)
}

// Issue returns the user's live token or replaces a missing or stale one.
// The read and write run under WATCH so concurrent callers converge on one
// token.
func (s *ResetTokenStore) Issue(ctx context.Context, userID int64, now, cutoff time.Time) (*model.ResetToken, error) {
	key := s.key(userID)

	for range maxRetries {
		var issued *record
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			existing, err := read(ctx, tx, key)
			if err != nil {
				return err
			}
			if live(existing, cutoff) {
				issued = existing
				return nil
			}

			token, err := generateToken()
			if err != nil {
				return err
			}
			fresh := &record{UserID: userID, Token: token, CreatedAt: now.UTC()}
			data, err := json.Marshal(fresh)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, s.ttl)
				return nil
			})
			if err == nil {
				issued = fresh
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return issued.model(), nil
	}
	return nil, fmt.Errorf("%w: issue contention for user %d", ErrUnavailable, userID)
}

func (s *ResetTokenStore) Lookup(ctx context.Context, userID int64, token string, cutoff time.Time) (*model.ResetToken, error) {
	r, err := read(ctx, s.client, s.key(userID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !live(r, cutoff) || !matches(r, userID, token) {
		return nil, nil
	}
	return r.model(), nil
}

func matches(r *record, userID int64, token string) bool {
	return r.UserID == userID && subtle.ConstantTimeCompare([]byte(r.Token), []byte(token)) == 1
}

// Consume claims the token by renaming its key, then runs apply in a SQL
// transaction. On failure the claim is renamed back unless a newer token
// was issued in the meantime; on success the claim is deleted.
func (s *ResetTokenStore) Consume(ctx context.Context, userID int64, token string, cutoff time.Time, apply func(ctx context.Context, tx database.DBTX) error) error {
	key, claim := s.key(userID), s.claimKey(userID)

	claimed := false
	for range maxRetries {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			r, err := read(ctx, tx, key)
			if err != nil {
				return err
			}
			if !live(r, cutoff) || !matches(r, userID, token) {
				return store.ErrTokenNotFound
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Rename(ctx, key, claim)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, store.ErrTokenNotFound) {
			return err
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		claimed = true
		break
	}
	if !claimed {
		return store.ErrTokenNotFound
	}

	if err := database.WithTx(ctx, s.db, apply); err != nil {
		if rerr := s.client.RenameNX(ctx, claim, key).Err(); rerr != nil {
			return errors.Join(err, fmt.Errorf("restore reset token: %w", rerr))
		}
		s.dropClaim(ctx, claim)
		return err
	}

	s.dropClaim(ctx, claim)
	return nil
}

// dropClaim deletes a claim key. The claim is no longer readable as a token,
// so a failed delete only leaves garbage that expires with its TTL.
func (s *ResetTokenStore) dropClaim(ctx context.Context, claim string) {
	if err := s.client.Del(ctx, claim).Err(); err != nil {
		s.logger.WarnContext(ctx, "delete reset token claim", "key", claim, "error", err)
	}
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
