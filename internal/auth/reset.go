package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/storefront/internal/database"
	"github.com/dukerupert/storefront/internal/store"
)

const (
	resetSubject  = "Password reset"
	forgotSentMsg = "Password reset link sent to your email account."
	resetDoneMsg  = "Password reset successfully."
)

// ExpiryPolicy decides which reset tokens are too old to use. Tokens created
// at or before Cutoff(now) are treated as absent.
type ExpiryPolicy interface {
	Cutoff(now time.Time) time.Time
}

// MaxAge expires tokens older than the duration. Zero or negative means
// tokens never expire.
type MaxAge time.Duration

func (m MaxAge) Cutoff(now time.Time) time.Time {
	if m <= 0 {
		return time.Time{}
	}
	return now.Add(-time.Duration(m))
}

// ResetPath is the path of the reset link for a user and token.
func ResetPath(userID int64, token string) string {
	return fmt.Sprintf("/password-reset/%d/%s", userID, token)
}

// ResetLink is the absolute reset link mailed to the user.
func (e *Engine) ResetLink(userID int64, token string) string {
	return e.cfg.BaseURL + ResetPath(userID, token)
}

// ForgotPassword mails a reset link, reusing the user's live token if one
// exists.
func (e *Engine) ForgotPassword(ctx context.Context, form ForgotForm) (Success, error) {
	form.Email = strings.TrimSpace(form.Email)
	if fields := fieldErrors(e.validate, form); fields != nil {
		return Success{}, &Failure{Kind: ErrValidation, Retry: forgotPath, Fields: fields}
	}

	u, err := e.creds.FindByEmail(ctx, form.Email)
	if err != nil {
		return Success{}, e.internal(ctx, ErrPersistence, forgotPath, "forgot password lookup", err)
	}
	if u == nil {
		if e.cfg.ConcealUnknownAccount {
			return Success{Destination: forgotPath, Message: forgotSentMsg}, nil
		}
		return Success{}, &Failure{Kind: ErrUnknownAccount, Retry: forgotPath}
	}

	now := e.now()
	rt, err := e.tokens.Issue(ctx, u.ID, now, e.cfg.ResetExpiry.Cutoff(now))
	if err != nil {
		return Success{}, e.internal(ctx, ErrPersistence, forgotPath, "issue reset token", err)
	}

	if err := e.sender.Send(ctx, u.Email, resetSubject, resetBody(e.ResetLink(u.ID, rt.Token))); err != nil {
		return Success{}, e.internal(ctx, ErrNotification, forgotPath, "send reset link", err)
	}

	return Success{Destination: forgotPath, UserID: u.ID, Message: forgotSentMsg}, nil
}

func resetBody(link string) string {
	return "You are receiving this because you (or someone else) requested a password reset for your account.\n\n" +
		"Open the link below to choose a new password:\n\n" + link + "\n\n" +
		"If you did not request this, ignore this email and your password will remain unchanged."
}

// ConfirmResetLink checks a reset link without consuming its token.
func (e *Engine) ConfirmResetLink(ctx context.Context, userID int64, token string) (Success, error) {
	if err := e.checkToken(ctx, userID, token); err != nil {
		return Success{}, err
	}
	return Success{Destination: ResetPath(userID, token), UserID: userID}, nil
}

func (e *Engine) checkToken(ctx context.Context, userID int64, token string) error {
	if userID <= 0 || token == "" {
		return &Failure{Kind: ErrTokenInvalid, Retry: signinPath}
	}
	rt, err := e.tokens.Lookup(ctx, userID, token, e.cfg.ResetExpiry.Cutoff(e.now()))
	if err != nil {
		return e.internal(ctx, ErrPersistence, signinPath, "lookup reset token", err)
	}
	if rt == nil {
		return &Failure{Kind: ErrTokenInvalid, Retry: signinPath}
	}
	return nil
}

// ResetPassword sets a new password and consumes the token. The password
// update, token deletion and session revocation commit together or not at
// all, so a failed attempt leaves the link usable.
func (e *Engine) ResetPassword(ctx context.Context, userID int64, token string, form ResetForm) (Success, error) {
	if err := e.checkToken(ctx, userID, token); err != nil {
		return Success{}, err
	}

	path := ResetPath(userID, token)
	if fields := fieldErrors(e.validate, form); fields != nil {
		return Success{}, &Failure{Kind: ErrValidation, Retry: path, Fields: fields}
	}

	hash, err := e.creds.HashPassword(form.Password)
	if err != nil {
		return Success{}, e.internal(ctx, ErrPersistence, path, "hash new password", err)
	}

	cutoff := e.cfg.ResetExpiry.Cutoff(e.now())
	err = e.tokens.Consume(ctx, userID, token, cutoff, func(ctx context.Context, tx database.DBTX) error {
		if err := e.creds.SetPasswordHash(ctx, tx, userID, hash); err != nil {
			return err
		}
		if e.sessions != nil {
			return e.sessions.RevokeAll(ctx, tx, userID)
		}
		return nil
	})
	if errors.Is(err, store.ErrTokenNotFound) {
		return Success{}, &Failure{Kind: ErrTokenInvalid, Retry: signinPath}
	}
	if err != nil {
		return Success{}, e.internal(ctx, ErrPersistence, path, "reset password", err)
	}

	e.logger.InfoContext(ctx, "password reset", "user_id", userID)
	return Success{Destination: SuccessPasswordPath, UserID: userID, Message: resetDoneMsg}, nil
}
