package server

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/storefront/internal/auth"
	"github.com/dukerupert/storefront/internal/cart"
	"github.com/dukerupert/storefront/internal/credential"
	"github.com/dukerupert/storefront/internal/handler"
	"github.com/dukerupert/storefront/internal/middleware"
	"github.com/dukerupert/storefront/internal/password"
	"github.com/dukerupert/storefront/internal/store"
	"github.com/dukerupert/storefront/web"
)

type Config struct {
	BaseURL               string
	SessionTTL            time.Duration
	ResetTokenMaxAge      time.Duration
	ConcealUnknownAccount bool
	SecureCookies         bool
}

// Deps are the pluggable backends. Tokens defaults to the SQLite reset token
// store; Federation is optional.
type Deps struct {
	Hasher     password.Hasher
	Sender     auth.Sender
	Tokens     auth.TokenStore
	Federation handler.Federation
}

type Server struct {
	db           *sql.DB
	authH        *handler.AuthHandler
	cartH        *handler.CartHandler
	accountH     *handler.AccountHandler
	sessions     *middleware.SessionManager
	sessionStore *store.SessionStore
	resetTokens  *store.ResetTokenStore
	rateLimiter  *middleware.RateLimiter
	federated    bool
	logger       *slog.Logger
}

func New(db *sql.DB, cfg Config, deps Deps, logger *slog.Logger) (*Server, error) {
	creds, err := credential.New(db, deps.Hasher)
	if err != nil {
		return nil, err
	}
	renderer, err := handler.NewRenderer(web.Templates, logger.With("component", "template"))
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}

	sessionStore := store.NewSessionStore(db)
	cartStore := store.NewCartStore(db)
	resetTokens := store.NewResetTokenStore(db)

	tokens := deps.Tokens
	if tokens == nil {
		tokens = resetTokens
	}

	engine := auth.NewEngine(auth.Deps{
		Credentials: creds,
		Tokens:      tokens,
		Carts:       cart.NewResolver(cartStore, logger.With("component", "cart")),
		Sender:      deps.Sender,
		Sessions:    sessionStore,
	}, auth.Config{
		BaseURL:               cfg.BaseURL,
		ResetExpiry:           auth.MaxAge(cfg.ResetTokenMaxAge),
		ConcealUnknownAccount: cfg.ConcealUnknownAccount,
	}, logger.With("component", "auth"))

	sessions := middleware.NewSessionManager(sessionStore, cfg.SessionTTL, cfg.SecureCookies, logger.With("component", "session"))

	return &Server{
		db:           db,
		authH:        handler.NewAuthHandler(engine, sessions, deps.Federation, renderer, logger.With("component", "auth_handler")),
		cartH:        handler.NewCartHandler(cartStore, sessions, renderer, logger.With("component", "cart_handler")),
		accountH:     handler.NewAccountHandler(creds, cartStore, renderer, logger.With("component", "account")),
		sessions:     sessions,
		sessionStore: sessionStore,
		resetTokens:  resetTokens,
		rateLimiter:  middleware.NewRateLimiter(),
		federated:    deps.Federation != nil,
		logger:       logger,
	}, nil
}

// SessionStore returns the session store for cleanup tasks.
func (s *Server) SessionStore() *store.SessionStore {
	return s.sessionStore
}

// ResetTokenStore returns the SQLite reset token store for cleanup tasks.
func (s *Server) ResetTokenStore() *store.ResetTokenStore {
	return s.resetTokens
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	guest := middleware.RequireGuest
	protected := middleware.RequireAuth(s.sessions)

	// Guest-only auth pages
	mux.Handle("GET /auth/signup", guest(http.HandlerFunc(s.authH.SignupPage)))
	mux.Handle("POST /auth/signup", guest(s.rateLimitedHandler("signup", s.authH.Signup, middleware.RealIP)))
	mux.Handle("GET /auth/signin", guest(http.HandlerFunc(s.authH.SigninPage)))
	mux.Handle("POST /auth/signin", guest(s.rateLimitedHandler("signin", s.authH.Signin, middleware.KeyByIPAndField("email"))))
	mux.Handle("GET /auth/forgot-password", guest(http.HandlerFunc(s.authH.ForgotPasswordPage)))
	mux.Handle("POST /auth/forgot-password", guest(http.HandlerFunc(s.authH.ForgotPassword)))
	mux.Handle("GET /password-reset/{userID}/{token}", guest(http.HandlerFunc(s.authH.ResetPasswordPage)))
	mux.Handle("POST /password-reset/{userID}/{token}", guest(http.HandlerFunc(s.authH.ResetPassword)))
	mux.Handle("GET /auth/success-password", guest(http.HandlerFunc(s.authH.SuccessPasswordPage)))
	if s.federated {
		mux.Handle("GET /auth/federated", guest(http.HandlerFunc(s.authH.FederatedStart)))
		mux.Handle("GET /auth/federated/callback", guest(http.HandlerFunc(s.authH.FederatedCallback)))
	}

	// Signed-in pages
	mux.Handle("POST /auth/logout", protected(http.HandlerFunc(s.authH.Logout)))
	mux.Handle("GET /user/profile", protected(http.HandlerFunc(s.accountH.Profile)))
	mux.Handle("GET /checkout", protected(http.HandlerFunc(s.accountH.Checkout)))

	// Cart, open to everyone
	mux.HandleFunc("GET /{$}", s.cartH.View)
	mux.HandleFunc("GET /cart", s.cartH.View)
	mux.HandleFunc("POST /cart/add", s.cartH.Add)

	mux.HandleFunc("GET /health", s.healthHandler)

	var h http.Handler = middleware.LoadSession(s.sessions)(mux)
	h = http.NewCrossOriginProtection().Handler(h)
	return middleware.RequestLogger(s.logger.With("component", "http"))(h)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.db.PingContext(r.Context()); err != nil {
		s.logger.ErrorContext(r.Context(), "health check", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// rateLimitedHandler allows 10 attempts a minute per key. Keys are scoped by
// name so each form has its own budget.
func (s *Server) rateLimitedHandler(name string, h http.HandlerFunc, keyFunc func(*http.Request) string) http.Handler {
	scoped := func(r *http.Request) string {
		return name + ":" + keyFunc(r)
	}
	return middleware.RateLimit(s.rateLimiter, scoped, 10, time.Minute)(h)
}
