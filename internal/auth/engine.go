// Package auth drives signup, signin and password recovery. Each operation
// returns a Success or a *Failure naming where the visitor should retry.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dukerupert/storefront/internal/credential"
	"github.com/dukerupert/storefront/internal/database"
	"github.com/dukerupert/storefront/internal/model"
	"github.com/dukerupert/storefront/internal/store"
)

const (
	DefaultDestination  = "/user/profile"
	SuccessPasswordPath = "/auth/success-password"

	signupPath = "/auth/signup"
	signinPath = "/auth/signin"
	forgotPath = "/auth/forgot-password"
	errorPath  = "/"
)

type Credentials interface {
	Register(ctx context.Context, email, password string) (*model.User, error)
	Authenticate(ctx context.Context, email, password string) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	FindOrCreateFederated(ctx context.Context, provider, subject, email string, emailVerified bool) (*model.User, error)
	HashPassword(password string) (string, error)
	SetPasswordHash(ctx context.Context, tx database.DBTX, userID int64, hash string) error
}

type TokenStore interface {
	Issue(ctx context.Context, userID int64, now, cutoff time.Time) (*model.ResetToken, error)
	Lookup(ctx context.Context, userID int64, token string, cutoff time.Time) (*model.ResetToken, error)
	Consume(ctx context.Context, userID int64, token string, cutoff time.Time, apply func(ctx context.Context, tx database.DBTX) error) error
}

type CartResolver interface {
	Resolve(ctx context.Context, sessionID, userID int64) (*model.Cart, error)
}

type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SessionRevoker ends a user's sessions as part of a password reset.
type SessionRevoker interface {
	RevokeAll(ctx context.Context, tx database.DBTX, userID int64) error
}

type RedirectTracker interface {
	Record(ctx context.Context, url string) error
	ConsumeAndClear(ctx context.Context) (string, bool, error)
}

// Visit is the per-request state of the visitor. SessionID is zero when
// the visitor has no session yet; Redirects may be nil.
type Visit struct {
	SessionID int64
	Redirects RedirectTracker
}

type Deps struct {
	Credentials Credentials
	Tokens      TokenStore
	Carts       CartResolver
	Sender      Sender
	Sessions    SessionRevoker
}

type Config struct {
	BaseURL     string
	ResetExpiry ExpiryPolicy
	// ConcealUnknownAccount makes ForgotPassword report success for unknown
	// emails instead of failing with ErrUnknownAccount.
	ConcealUnknownAccount bool
}

type Engine struct {
	creds    Credentials
	tokens   TokenStore
	carts    CartResolver
	sender   Sender
	sessions SessionRevoker
	cfg      Config
	validate *validator.Validate
	now      func() time.Time
	logger   *slog.Logger
}

func NewEngine(deps Deps, cfg Config, logger *slog.Logger) *Engine {
	if cfg.ResetExpiry == nil {
		cfg.ResetExpiry = MaxAge(time.Hour)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Engine{
		creds:    deps.Credentials,
		tokens:   deps.Tokens,
		carts:    deps.Carts,
		sender:   deps.Sender,
		sessions: deps.Sessions,
		cfg:      cfg,
		validate: newValidator(),
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Signup creates an account and signs it in.
func (e *Engine) Signup(ctx context.Context, v Visit, form SignupForm) (Success, error) {
	form.Email = strings.TrimSpace(form.Email)
	if fields := fieldErrors(e.validate, form); fields != nil {
		return Success{}, &Failure{Kind: ErrValidation, Retry: signupPath, Fields: fields}
	}

	existing, err := e.creds.FindByEmail(ctx, form.Email)
	if err != nil {
		return Success{}, e.internal(ctx, ErrPersistence, errorPath, "signup lookup", err)
	}
	if existing != nil {
		return Success{}, &Failure{Kind: ErrDuplicateAccount, Retry: signupPath}
	}

	u, err := e.creds.Register(ctx, form.Email, form.Password)
	if errors.Is(err, store.ErrDuplicateEmail) {
		return Success{}, &Failure{Kind: ErrDuplicateAccount, Retry: signupPath}
	}
	if err != nil {
		return Success{}, e.internal(ctx, ErrPersistence, errorPath, "signup register", err)
	}

	return e.complete(ctx, v, u), nil
}

// Signin authenticates through s and then follows the same path for every
// strategy: resolve the cart, then restore the redirect intent.
func (e *Engine) Signin(ctx context.Context, v Visit, s Strategy) (Success, error) {
	u, err := s.Authenticate(ctx, e)
	if err != nil {
		if f, ok := AsFailure(err); ok {
			return Success{}, f
		}
		switch {
		case errors.Is(err, credential.ErrInvalidCredentials),
			errors.Is(err, credential.ErrUnverifiedEmail),
			errors.Is(err, credential.ErrIncompleteIdentity),
			errors.Is(err, errHandshake):
			e.logger.DebugContext(ctx, "signin rejected", "error", err)
			return Success{}, &Failure{Kind: ErrInvalidCredentials, Retry: signinPath}
		default:
			return Success{}, e.internal(ctx, ErrPersistence, errorPath, "signin", err)
		}
	}
	return e.complete(ctx, v, u), nil
}

func (e *Engine) complete(ctx context.Context, v Visit, u *model.User) Success {
	if _, err := e.carts.Resolve(ctx, v.SessionID, u.ID); err != nil {
		e.logger.ErrorContext(ctx, "resolve cart", "user_id", u.ID, "error", err)
	}

	dest := DefaultDestination
	if v.Redirects != nil {
		url, ok, err := v.Redirects.ConsumeAndClear(ctx)
		if err != nil {
			e.logger.ErrorContext(ctx, "consume redirect", "user_id", u.ID, "error", err)
		}
		if ok {
			dest = url
		}
	}
	return Success{Destination: dest, UserID: u.ID}
}

// internal logs the cause in full and returns a failure that only carries
// the generic message to the visitor.
func (e *Engine) internal(ctx context.Context, kind error, retry, op string, err error) *Failure {
	e.logger.ErrorContext(ctx, op, "kind", kind, "error", err)
	return &Failure{Kind: kind, Retry: retry, Err: err}
}
