package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/storefront/internal/auth"
)

// Sessions is the part of the session manager the handlers need.
type Sessions interface {
	Ensure(w http.ResponseWriter, r *http.Request) (*http.Request, error)
	Start(w http.ResponseWriter, r *http.Request, userID int64) error
	End(w http.ResponseWriter, r *http.Request) error
	Visit(r *http.Request) auth.Visit
}

// Federation runs the external provider handshake.
type Federation interface {
	Name() string
	AuthCodeURL(sessionToken string) (string, error)
	Exchange(ctx context.Context, sessionToken, state, code string) (auth.FederatedIdentity, error)
}

var errProviderDenied = errors.New("provider returned an error")

type AuthHandler struct {
	engine     *auth.Engine
	sessions   Sessions
	federation Federation
	render     *Renderer
	logger     *slog.Logger
}

// NewAuthHandler wires the auth pages. fed may be nil when no provider is
// configured.
func NewAuthHandler(engine *auth.Engine, sessions Sessions, fed Federation, render *Renderer, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		engine:     engine,
		sessions:   sessions,
		federation: fed,
		render:     render,
		logger:     logger,
	}
}

func (h *AuthHandler) providerName() string {
	if h.federation == nil {
		return ""
	}
	return h.federation.Name()
}

func (h *AuthHandler) SignupPage(w http.ResponseWriter, r *http.Request) {
	h.render.render(w, r, http.StatusOK, "signup", View{})
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	form := auth.SignupForm{
		Email:           r.PostFormValue("email"),
		Password:        r.PostFormValue("password"),
		ConfirmPassword: r.PostFormValue("confirm_password"),
	}
	res, err := h.engine.Signup(r.Context(), h.sessions.Visit(r), form)
	if err != nil {
		h.fail(w, r, err, "signup", View{Email: form.Email})
		return
	}
	h.signedIn(w, r, res)
}

func (h *AuthHandler) SigninPage(w http.ResponseWriter, r *http.Request) {
	h.render.render(w, r, http.StatusOK, "signin", View{Provider: h.providerName()})
}

func (h *AuthHandler) Signin(w http.ResponseWriter, r *http.Request) {
	email := r.PostFormValue("email")
	res, err := h.engine.Signin(r.Context(), h.sessions.Visit(r), auth.Local(email, r.PostFormValue("password")))
	if err != nil {
		h.fail(w, r, err, "signin", View{Email: email, Provider: h.providerName()})
		return
	}
	h.signedIn(w, r, res)
}

func (h *AuthHandler) ForgotPasswordPage(w http.ResponseWriter, r *http.Request) {
	h.render.render(w, r, http.StatusOK, "forgot_password", View{})
}

func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	form := auth.ForgotForm{Email: r.PostFormValue("email")}
	res, err := h.engine.ForgotPassword(r.Context(), form)
	if err != nil {
		h.fail(w, r, err, "forgot_password", View{Email: form.Email})
		return
	}
	setFlash(w, "success", res.Message)
	redirect(w, r, res.Destination)
}

func resetParams(r *http.Request) (int64, string) {
	// A malformed id is passed on as zero and rejected as an invalid token.
	userID, _ := strconv.ParseInt(r.PathValue("userID"), 10, 64)
	return userID, r.PathValue("token")
}

func (h *AuthHandler) ResetPasswordPage(w http.ResponseWriter, r *http.Request) {
	userID, token := resetParams(r)
	res, err := h.engine.ConfirmResetLink(r.Context(), userID, token)
	if err != nil {
		h.fail(w, r, err, "reset_password", View{})
		return
	}
	h.render.render(w, r, http.StatusOK, "reset_password", View{Action: res.Destination})
}

func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	userID, token := resetParams(r)
	form := auth.ResetForm{
		Password:        r.PostFormValue("password"),
		ConfirmPassword: r.PostFormValue("confirm_password"),
	}
	res, err := h.engine.ResetPassword(r.Context(), userID, token, form)
	if err != nil {
		h.fail(w, r, err, "reset_password", View{Action: auth.ResetPath(userID, token)})
		return
	}
	setFlash(w, "success", res.Message)
	redirect(w, r, res.Destination)
}

func (h *AuthHandler) SuccessPasswordPage(w http.ResponseWriter, r *http.Request) {
	h.render.render(w, r, http.StatusOK, "success_password", View{})
}

// FederatedStart sends the visitor to the provider. The handshake state is
// bound to the visitor's session, so one is created if needed.
func (h *AuthHandler) FederatedStart(w http.ResponseWriter, r *http.Request) {
	r, err := h.sessions.Ensure(w, r)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "ensure session", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	ac, _ := auth.FromContext(r.Context())
	url, err := h.federation.AuthCodeURL(ac.SessionToken)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "federated auth url", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (h *AuthHandler) FederatedCallback(w http.ResponseWriter, r *http.Request) {
	var id auth.FederatedIdentity
	var err error
	if e := r.FormValue("error"); e != "" {
		err = errProviderDenied
		h.logger.InfoContext(r.Context(), "federated login denied", "provider", h.federation.Name(), "error", e)
	} else {
		ac, _ := auth.FromContext(r.Context())
		id, err = h.federation.Exchange(r.Context(), ac.SessionToken, r.FormValue("state"), r.FormValue("code"))
	}

	res, err := h.engine.Signin(r.Context(), h.sessions.Visit(r), auth.Federated(id, err))
	if err != nil {
		h.fail(w, r, err, "signin", View{Provider: h.providerName()})
		return
	}
	h.signedIn(w, r, res)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.End(w, r); err != nil {
		h.logger.ErrorContext(r.Context(), "logout", "error", err)
	}
	redirect(w, r, "/")
}

// signedIn replaces the visitor's session with an authenticated one and
// sends them on to the engine's destination.
func (h *AuthHandler) signedIn(w http.ResponseWriter, r *http.Request, res auth.Success) {
	if err := h.sessions.Start(w, r, res.UserID); err != nil {
		h.logger.ErrorContext(r.Context(), "start session", "user_id", res.UserID, "error", err)
		setFlash(w, "error", (&auth.Failure{Kind: auth.ErrPersistence}).Message())
		redirect(w, r, "/auth/signin")
		return
	}
	if res.Message != "" {
		setFlash(w, "success", res.Message)
	}
	redirect(w, r, res.Destination)
}

// fail re-renders page with field messages for validation failures and
// otherwise redirects to the failure's retry path with a flash.
func (h *AuthHandler) fail(w http.ResponseWriter, r *http.Request, err error, page string, v View) {
	f, ok := auth.AsFailure(err)
	if !ok {
		h.logger.ErrorContext(r.Context(), "unexpected auth error", "error", err)
		f = &auth.Failure{Kind: auth.ErrPersistence, Retry: "/", Err: err}
	}
	if errors.Is(f, auth.ErrValidation) {
		v.Fields = f.Fields
		v.Flash = &Flash{Kind: "error", Message: f.Message()}
		h.render.render(w, r, http.StatusUnprocessableEntity, page, v)
		return
	}
	setFlash(w, "error", f.Message())
	redirect(w, r, f.Retry)
}
