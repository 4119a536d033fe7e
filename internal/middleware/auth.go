package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/storefront/internal/auth"
	"github.com/dukerupert/storefront/internal/store"
)

const (
	sessionCookieName = "storefront_session"
	signinPath        = "/auth/signin"
)

// SessionManager issues and reads the session cookie. Sessions start
// anonymous and are replaced by a fresh one when the visitor signs in.
type SessionManager struct {
	store  *store.SessionStore
	ttl    time.Duration
	secure bool
	logger *slog.Logger
}

func NewSessionManager(ss *store.SessionStore, ttl time.Duration, secure bool, logger *slog.Logger) *SessionManager {
	return &SessionManager{store: ss, ttl: ttl, secure: secure, logger: logger}
}

func (m *SessionManager) setCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *SessionManager) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Ensure returns a request whose context carries a session, creating an
// anonymous one if the visitor has none.
func (m *SessionManager) Ensure(w http.ResponseWriter, r *http.Request) (*http.Request, error) {
	if auth.SessionID(r.Context()) != 0 {
		return r, nil
	}
	sess, err := m.store.Create(r.Context(), nil, m.ttl)
	if err != nil {
		return r, err
	}
	m.setCookie(w, sess.Token, sess.ExpiresAt)
	ac := auth.AuthContext{SessionID: sess.ID, SessionToken: sess.Token}
	return r.WithContext(auth.WithAuth(r.Context(), ac)), nil
}

// Start replaces the visitor's session with an authenticated one for userID.
func (m *SessionManager) Start(w http.ResponseWriter, r *http.Request, userID int64) error {
	sess, err := m.store.Create(r.Context(), &userID, m.ttl)
	if err != nil {
		return err
	}
	if old := auth.SessionID(r.Context()); old != 0 {
		if err := m.store.Delete(r.Context(), old); err != nil {
			m.logger.ErrorContext(r.Context(), "delete previous session", "session_id", old, "error", err)
		}
	}
	m.setCookie(w, sess.Token, sess.ExpiresAt)
	return nil
}

// End deletes the visitor's session and clears the cookie.
func (m *SessionManager) End(w http.ResponseWriter, r *http.Request) error {
	m.clearCookie(w)
	if id := auth.SessionID(r.Context()); id != 0 {
		return m.store.Delete(r.Context(), id)
	}
	return nil
}

// Visit describes the request's session to the auth engine.
func (m *SessionManager) Visit(r *http.Request) auth.Visit {
	sid := auth.SessionID(r.Context())
	return auth.Visit{SessionID: sid, Redirects: m.store.Redirects(sid)}
}

// LoadSession reads the session cookie, if any, and populates AuthContext.
// Requests without a valid session pass through unchanged.
func LoadSession(m *SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(sessionCookieName)
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}

			sess, err := m.store.GetByToken(r.Context(), cookie.Value)
			if err != nil {
				m.logger.ErrorContext(r.Context(), "load session", "error", err)
			}
			if sess == nil {
				next.ServeHTTP(w, r)
				return
			}

			ac := auth.AuthContext{SessionID: sess.ID, SessionToken: sess.Token}
			if sess.UserID != nil {
				ac.UserID = *sess.UserID
			}
			next.ServeHTTP(w, r.WithContext(auth.WithAuth(r.Context(), ac)))
		})
	}
}

// RequireAuth sends anonymous visitors to the sign-in page. For GET requests
// the denied URL is recorded so sign-in can return the visitor to it.
// HTMX-aware: returns HX-Redirect header instead of 303 redirect for HTMX requests.
func RequireAuth(m *SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth.Authenticated(r.Context()) {
				next.ServeHTTP(w, r)
				return
			}

			if r.Method == http.MethodGet {
				r2, err := m.Ensure(w, r)
				if err == nil {
					err = m.Visit(r2).Redirects.Record(r2.Context(), r.URL.RequestURI())
				}
				if err != nil {
					m.logger.ErrorContext(r.Context(), "record redirect intent", "error", err)
				}
			}
			redirectTo(w, r, signinPath)
		})
	}
}

// RequireGuest keeps signed-in visitors away from the sign-in and signup pages.
func RequireGuest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.Authenticated(r.Context()) {
			redirectTo(w, r, auth.DefaultDestination)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func redirectTo(w http.ResponseWriter, r *http.Request, path string) {
	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Redirect", path)
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Redirect(w, r, path, http.StatusSeeOther)
}
