// Package cart reconciles an anonymous session cart with a user's saved cart
// when the visitor authenticates.
package cart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukerupert/storefront/internal/model"
	"github.com/dukerupert/storefront/internal/store"
)

// Resolver applies the persisted-wins policy: a saved user cart is kept as
// is and the anonymous cart is dropped. Only when the user has no cart is
// the anonymous one handed over. Unioning the two is not implemented.
type Resolver struct {
	carts  *store.CartStore
	logger *slog.Logger
}

func NewResolver(carts *store.CartStore, logger *slog.Logger) *Resolver {
	return &Resolver{carts: carts, logger: logger}
}

// Resolve loads the carts for sessionID and userID and merges them.
// A zero sessionID means the visitor had no anonymous session.
func (r *Resolver) Resolve(ctx context.Context, sessionID, userID int64) (*model.Cart, error) {
	persisted, err := r.carts.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user cart: %w", err)
	}

	var anonymous *model.Cart
	if sessionID != 0 {
		if anonymous, err = r.carts.GetBySessionID(ctx, sessionID); err != nil {
			return nil, fmt.Errorf("load session cart: %w", err)
		}
	}

	return r.Merge(ctx, anonymous, persisted, userID)
}

// Merge returns the cart the user continues with. The only write is the
// ownership transfer of the anonymous cart when persisted is nil.
func (r *Resolver) Merge(ctx context.Context, anonymous, persisted *model.Cart, userID int64) (*model.Cart, error) {
	if persisted != nil {
		if anonymous != nil && anonymous.ID != persisted.ID {
			r.logger.Debug("discarding anonymous cart", "cart_id", anonymous.ID, "user_id", userID)
		}
		return persisted, nil
	}
	if anonymous == nil {
		return nil, nil
	}

	err := r.carts.AssignToUser(ctx, anonymous.ID, userID)
	if errors.Is(err, store.ErrCartOwned) {
		// Another request gave the user a cart first; that one wins.
		winner, err := r.carts.GetByUserID(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("reload user cart: %w", err)
		}
		return winner, nil
	}
	if err != nil {
		return nil, err
	}

	resolved := *anonymous
	resolved.UserID = &userID
	resolved.SessionID = nil
	return &resolved, nil
}
