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

// ErrCartOwned is returned when a user already owns a cart.
var ErrCartOwned = errors.New("user already has a cart")

type CartStore struct {
	db database.DBTX
}

func NewCartStore(db database.DBTX) *CartStore {
	return &CartStore{db: db}
}

func (s *CartStore) WithTx(tx database.DBTX) *CartStore {
	return &CartStore{db: tx}
}

const cartCols = `id, user_id, session_id, created_at, updated_at`

func (s *CartStore) get(ctx context.Context, where string, arg any) (*model.Cart, error) {
	var c model.Cart
	var userID, sessionID sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT `+cartCols+` FROM carts WHERE `+where+` = ?`, arg).
		Scan(&c.ID, &userID, &sessionID, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cart: %w", err)
	}
	if userID.Valid {
		c.UserID = &userID.Int64
	}
	if sessionID.Valid {
		c.SessionID = &sessionID.Int64
	}

	items, err := s.items(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	c.Items = items
	return &c, nil
}

func (s *CartStore) items(ctx context.Context, cartID int64) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT product_id, quantity FROM cart_items WHERE cart_id = ?`, cartID)
	if err != nil {
		return nil, fmt.Errorf("list cart items: %w", err)
	}
	defer rows.Close()

	items := make(map[string]int)
	for rows.Next() {
		var productID string
		var qty int
		if err := rows.Scan(&productID, &qty); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		items[productID] = qty
	}
	return items, rows.Err()
}

func (s *CartStore) GetByID(ctx context.Context, id int64) (*model.Cart, error) {
	return s.get(ctx, "id", id)
}

func (s *CartStore) GetByUserID(ctx context.Context, userID int64) (*model.Cart, error) {
	return s.get(ctx, "user_id", userID)
}

func (s *CartStore) GetBySessionID(ctx context.Context, sessionID int64) (*model.Cart, error) {
	return s.get(ctx, "session_id", sessionID)
}

func (s *CartStore) create(ctx context.Context, userID, sessionID sql.NullInt64) (*model.Cart, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO carts (user_id, session_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		userID, sessionID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert cart: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetOrCreateForSession returns the anonymous cart of a session, creating it
// on first use.
func (s *CartStore) GetOrCreateForSession(ctx context.Context, sessionID int64) (*model.Cart, error) {
	c, err := s.GetBySessionID(ctx, sessionID)
	if err != nil || c != nil {
		return c, err
	}
	return s.create(ctx, sql.NullInt64{}, sql.NullInt64{Int64: sessionID, Valid: true})
}

// GetOrCreateForUser returns the user's cart, creating it on first use.
func (s *CartStore) GetOrCreateForUser(ctx context.Context, userID int64) (*model.Cart, error) {
	c, err := s.GetByUserID(ctx, userID)
	if err != nil || c != nil {
		return c, err
	}
	return s.create(ctx, sql.NullInt64{Int64: userID, Valid: true}, sql.NullInt64{})
}

// AddItem increases the quantity of productID in the cart by qty.
func (s *CartStore) AddItem(ctx context.Context, cartID int64, productID string, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("add item: quantity must be positive, got %d", qty)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cart_items (cart_id, product_id, quantity) VALUES (?, ?, ?)
		 ON CONFLICT (cart_id, product_id) DO UPDATE SET quantity = quantity + excluded.quantity`,
		cartID, productID, qty,
	)
	if err != nil {
		return fmt.Errorf("add item: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE carts SET updated_at = ? WHERE id = ?`, time.Now().UTC(), cartID)
	if err != nil {
		return fmt.Errorf("touch cart: %w", err)
	}
	return nil
}

// AssignToUser moves an anonymous cart to userID. It returns ErrCartOwned
// if the user already has a cart.
func (s *CartStore) AssignToUser(ctx context.Context, cartID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE carts SET user_id = ?, session_id = NULL, updated_at = ? WHERE id = ?`,
		userID, time.Now().UTC(), cartID,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrCartOwned
		}
		return fmt.Errorf("assign cart: %w", err)
	}
	return nil
}

func (s *CartStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM carts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete cart: %w", err)
	}
	return nil
}
