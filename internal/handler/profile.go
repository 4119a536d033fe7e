package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukerupert/storefront/internal/auth"
	"github.com/dukerupert/storefront/internal/model"
	"github.com/dukerupert/storefront/internal/store"
)

type Users interface {
	FindByID(ctx context.Context, id int64) (*model.User, error)
}

// AccountHandler serves the pages behind sign-in.
type AccountHandler struct {
	users  Users
	carts  *store.CartStore
	render *Renderer
	logger *slog.Logger
}

func NewAccountHandler(users Users, carts *store.CartStore, render *Renderer, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{users: users, carts: carts, render: render, logger: logger}
}

func (h *AccountHandler) load(w http.ResponseWriter, r *http.Request) (View, bool) {
	uid := auth.UserID(r.Context())
	u, err := h.users.FindByID(r.Context(), uid)
	if err != nil || u == nil {
		h.logger.ErrorContext(r.Context(), "load user", "user_id", uid, "error", err)
		http.Error(w, "failed to load account", http.StatusInternalServerError)
		return View{}, false
	}
	c, err := h.carts.GetOrCreateForUser(r.Context(), uid)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "load cart", "user_id", uid, "error", err)
		http.Error(w, "failed to load cart", http.StatusInternalServerError)
		return View{}, false
	}
	return View{User: u, Cart: c}, true
}

func (h *AccountHandler) Profile(w http.ResponseWriter, r *http.Request) {
	if v, ok := h.load(w, r); ok {
		h.render.render(w, r, http.StatusOK, "profile", v)
	}
}

func (h *AccountHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	if v, ok := h.load(w, r); ok {
		h.render.render(w, r, http.StatusOK, "checkout", v)
	}
}
