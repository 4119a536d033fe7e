// Package federation signs visitors in through an external OAuth2 provider.
package federation

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/dukerupert/storefront/internal/auth"
)

var ErrInvalidState = errors.New("invalid oauth state")

type Config struct {
	Provider     string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RedirectURL  string
	Scopes       []string
	StateSecret  []byte
	StateTTL     time.Duration
}

type Provider struct {
	cfg        Config
	oauth      *oauth2.Config
	httpClient *http.Client
	now        func() time.Time
}

type Option func(*Provider)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

func New(cfg Config, opts ...Option) (*Provider, error) {
	if cfg.Provider == "" || cfg.ClientID == "" || cfg.AuthURL == "" || cfg.TokenURL == "" || cfg.UserInfoURL == "" {
		return nil, errors.New("federation: provider, client id and endpoint URLs are required")
	}
	if len(cfg.StateSecret) < 32 {
		return nil, errors.New("federation: state secret must be at least 32 bytes")
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 10 * time.Minute
	}

	p := &Provider{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL},
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
		},
		httpClient: http.DefaultClient,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Provider) Name() string {
	return p.cfg.Provider
}

// binding ties the state to the visitor's session without putting the
// session token itself in the URL.
func binding(sessionToken string) string {
	sum := sha256.Sum256([]byte(sessionToken))
	return hex.EncodeToString(sum[:])
}

// AuthCodeURL returns the provider URL the visitor is sent to. The state is
// a signed JWT bound to sessionToken.
func (p *Provider) AuthCodeURL(sessionToken string) (string, error) {
	now := p.now()
	claims := jwt.RegisteredClaims{
		Subject:   binding(sessionToken),
		Audience:  jwt.ClaimStrings{p.cfg.Provider},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(p.cfg.StateTTL)),
	}
	state, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.cfg.StateSecret)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	return p.oauth.AuthCodeURL(state), nil
}

func (p *Provider) verifyState(sessionToken, state string) error {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(state, &claims, func(*jwt.Token) (any, error) {
		return p.cfg.StateSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(p.cfg.Provider),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	if subtle.ConstantTimeCompare([]byte(claims.Subject), []byte(binding(sessionToken))) != 1 {
		return fmt.Errorf("%w: session mismatch", ErrInvalidState)
	}
	return nil
}

// userID is a provider account id sent as either a JSON string or number.
type userID string

func (id *userID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*id = userID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = userID(n.String())
	return nil
}

type userInfo struct {
	Sub           string `json:"sub"`
	ID            userID `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// Exchange completes the handshake: it checks state, trades code for a
// token and fetches the user's profile.
func (p *Provider) Exchange(ctx context.Context, sessionToken, state, code string) (auth.FederatedIdentity, error) {
	if err := p.verifyState(sessionToken, state); err != nil {
		return auth.FederatedIdentity{}, err
	}
	if code == "" {
		return auth.FederatedIdentity{}, errors.New("missing authorization code")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return auth.FederatedIdentity{}, fmt.Errorf("exchange code: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", p.cfg.UserInfoURL, nil)
	if err != nil {
		return auth.FederatedIdentity{}, fmt.Errorf("create userinfo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.oauth.Client(ctx, tok).Do(req)
	if err != nil {
		return auth.FederatedIdentity{}, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return auth.FederatedIdentity{}, fmt.Errorf("userinfo: status %d", resp.StatusCode)
	}

	var info userInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return auth.FederatedIdentity{}, fmt.Errorf("decode userinfo: %w", err)
	}

	subject := info.Sub
	if subject == "" {
		subject = string(info.ID)
	}
	if subject == "" {
		return auth.FederatedIdentity{}, errors.New("userinfo has no subject")
	}

	return auth.FederatedIdentity{
		Provider:      p.cfg.Provider,
		Subject:       subject,
		Email:         info.Email,
		EmailVerified: info.EmailVerified,
	}, nil
}
