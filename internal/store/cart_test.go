package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCartAddItem(t *testing.T) {
	db := setupTestDB(t)
	cs := NewCartStore(db)
	ctx := context.Background()

	sess, _ := NewSessionStore(db).Create(ctx, nil, time.Hour)
	c, err := cs.GetOrCreateForSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if c.SessionID == nil || *c.SessionID != sess.ID {
		t.Errorf("session_id = %v, want %d", c.SessionID, sess.ID)
	}

	if err := cs.AddItem(ctx, c.ID, "itemA", 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := cs.AddItem(ctx, c.ID, "itemA", 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := cs.AddItem(ctx, c.ID, "itemB", 3); err != nil {
		t.Fatalf("add: %v", err)
	}

	got, err := cs.GetOrCreateForSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.ID != c.ID {
		t.Errorf("cart id = %d, want %d", got.ID, c.ID)
	}
	if got.Items["itemA"] != 2 || got.Items["itemB"] != 3 {
		t.Errorf("items = %v, want itemA:2 itemB:3", got.Items)
	}
	if got.TotalQuantity() != 5 {
		t.Errorf("total = %d, want 5", got.TotalQuantity())
	}

	if err := cs.AddItem(ctx, c.ID, "itemC", 0); err == nil {
		t.Error("expected error for zero quantity")
	}
}

func TestCartAssignToUser(t *testing.T) {
	db := setupTestDB(t)
	cs := NewCartStore(db)
	ss := NewSessionStore(db)
	ctx := context.Background()
	uid := mustCreateUser(t, db, "alice@example.com")

	sess, _ := ss.Create(ctx, nil, time.Hour)
	c, _ := cs.GetOrCreateForSession(ctx, sess.ID)
	cs.AddItem(ctx, c.ID, "itemA", 2)

	if err := cs.AssignToUser(ctx, c.ID, uid); err != nil {
		t.Fatalf("assign: %v", err)
	}

	owned, err := cs.GetByUserID(ctx, uid)
	if err != nil {
		t.Fatalf("get by user: %v", err)
	}
	if owned == nil || owned.ID != c.ID || owned.SessionID != nil {
		t.Fatalf("owned = %+v, want cart %d without session", owned, c.ID)
	}

	// The cart no longer belongs to the session, so deleting it keeps the cart.
	if err := ss.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if still, _ := cs.GetByID(ctx, c.ID); still == nil {
		t.Error("assigned cart removed with session")
	}
}

func TestCartAssignToUserAlreadyOwned(t *testing.T) {
	db := setupTestDB(t)
	cs := NewCartStore(db)
	ctx := context.Background()
	uid := mustCreateUser(t, db, "alice@example.com")

	if _, err := cs.GetOrCreateForUser(ctx, uid); err != nil {
		t.Fatalf("create user cart: %v", err)
	}
	sess, _ := NewSessionStore(db).Create(ctx, nil, time.Hour)
	anon, _ := cs.GetOrCreateForSession(ctx, sess.ID)

	err := cs.AssignToUser(ctx, anon.ID, uid)
	if !errors.Is(err, ErrCartOwned) {
		t.Errorf("err = %v, want ErrCartOwned", err)
	}
}

func TestCartCascadesWithSession(t *testing.T) {
	db := setupTestDB(t)
	cs := NewCartStore(db)
	ss := NewSessionStore(db)
	ctx := context.Background()

	sess, _ := ss.Create(ctx, nil, time.Hour)
	c, _ := cs.GetOrCreateForSession(ctx, sess.ID)
	cs.AddItem(ctx, c.ID, "itemA", 1)

	if err := ss.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if got, _ := cs.GetByID(ctx, c.ID); got != nil {
		t.Errorf("anonymous cart survived its session: %+v", got)
	}
}
