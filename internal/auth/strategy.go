package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dukerupert/storefront/internal/model"
)

// errHandshake marks a failed federated login. The engine reports it as
// invalid credentials.
var errHandshake = errors.New("federated handshake failed")

// Strategy resolves the user signing in. Every strategy ends in the same
// success path of Engine.Signin.
type Strategy interface {
	Authenticate(ctx context.Context, e *Engine) (*model.User, error)
}

// LocalCredentialStrategy signs in with an email and password.
type LocalCredentialStrategy struct {
	Form SigninForm
}

func Local(email, password string) LocalCredentialStrategy {
	return LocalCredentialStrategy{Form: SigninForm{Email: strings.TrimSpace(email), Password: password}}
}

func (s LocalCredentialStrategy) Authenticate(ctx context.Context, e *Engine) (*model.User, error) {
	if fields := fieldErrors(e.validate, s.Form); fields != nil {
		return nil, &Failure{Kind: ErrValidation, Retry: signinPath, Fields: fields}
	}
	return e.creds.Authenticate(ctx, s.Form.Email, s.Form.Password)
}

// FederatedIdentity is what an external provider vouched for.
type FederatedIdentity struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
}

// FederatedStrategy signs in with the outcome of a provider handshake.
// Err carries a handshake failure.
type FederatedStrategy struct {
	Identity FederatedIdentity
	Err      error
}

func Federated(id FederatedIdentity, err error) FederatedStrategy {
	return FederatedStrategy{Identity: id, Err: err}
}

func (s FederatedStrategy) Authenticate(ctx context.Context, e *Engine) (*model.User, error) {
	if s.Err != nil {
		return nil, fmt.Errorf("%w: %w", errHandshake, s.Err)
	}
	id := s.Identity
	return e.creds.FindOrCreateFederated(ctx, id.Provider, id.Subject, id.Email, id.EmailVerified)
}
