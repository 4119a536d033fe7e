package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dukerupert/storefront/internal/auth"
	"github.com/dukerupert/storefront/internal/model"
	"github.com/dukerupert/storefront/internal/store"
)

type addItemForm struct {
	ProductID string `validate:"required,max=64"`
	Quantity  int    `validate:"min=1,max=99"`
}

type CartHandler struct {
	carts    *store.CartStore
	sessions Sessions
	render   *Renderer
	validate *validator.Validate
	logger   *slog.Logger
}

func NewCartHandler(carts *store.CartStore, sessions Sessions, render *Renderer, logger *slog.Logger) *CartHandler {
	return &CartHandler{
		carts:    carts,
		sessions: sessions,
		render:   render,
		validate: validator.New(),
		logger:   logger,
	}
}

// current returns the visitor's cart without creating one.
func (h *CartHandler) current(r *http.Request) (*model.Cart, error) {
	ac, _ := auth.FromContext(r.Context())
	switch {
	case ac.UserID != 0:
		return h.carts.GetByUserID(r.Context(), ac.UserID)
	case ac.SessionID != 0:
		return h.carts.GetBySessionID(r.Context(), ac.SessionID)
	default:
		return nil, nil
	}
}

func (h *CartHandler) View(w http.ResponseWriter, r *http.Request) {
	c, err := h.current(r)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "load cart", "error", err)
		http.Error(w, "failed to load cart", http.StatusInternalServerError)
		return
	}
	h.render.render(w, r, http.StatusOK, "cart", View{Cart: c})
}

// Add puts a product in the visitor's cart. Anonymous visitors get a
// session and a session-owned cart on first use.
func (h *CartHandler) Add(w http.ResponseWriter, r *http.Request) {
	form := addItemForm{ProductID: strings.TrimSpace(r.PostFormValue("product_id")), Quantity: 1}
	if q := r.PostFormValue("quantity"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			http.Error(w, "invalid quantity", http.StatusBadRequest)
			return
		}
		form.Quantity = n
	}
	if err := h.validate.Struct(form); err != nil {
		http.Error(w, "invalid product or quantity", http.StatusBadRequest)
		return
	}

	var c *model.Cart
	var err error
	if uid := auth.UserID(r.Context()); uid != 0 {
		c, err = h.carts.GetOrCreateForUser(r.Context(), uid)
	} else {
		if r, err = h.sessions.Ensure(w, r); err == nil {
			c, err = h.carts.GetOrCreateForSession(r.Context(), auth.SessionID(r.Context()))
		}
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get cart", "error", err)
		http.Error(w, "failed to update cart", http.StatusInternalServerError)
		return
	}

	if err := h.carts.AddItem(r.Context(), c.ID, form.ProductID, form.Quantity); err != nil {
		h.logger.ErrorContext(r.Context(), "add cart item", "cart_id", c.ID, "error", err)
		http.Error(w, "failed to update cart", http.StatusInternalServerError)
		return
	}

	if r.Header.Get("HX-Request") == "true" {
		updated, err := h.carts.GetByID(r.Context(), c.ID)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "reload cart", "cart_id", c.ID, "error", err)
		}
		h.render.renderPartial(w, r, "cart-items", updated)
		return
	}
	http.Redirect(w, r, "/cart", http.StatusSeeOther)
}
