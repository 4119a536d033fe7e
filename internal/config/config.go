// Package config reads storefront settings from STOREFRONT_* environment
// variables on top of development defaults.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "STOREFRONT_"

type Config struct {
	Port      string
	DBPath    string
	BaseURL   string
	LogLevel  string
	LogFormat string

	PostmarkToken string
	FromEmail     string

	// ResetTokenMaxAge of zero means reset tokens never expire.
	ResetTokenMaxAge      time.Duration
	SessionTTL            time.Duration
	PasswordHash          string
	ConcealUnknownAccount bool

	// RedisAddr selects the Redis reset token backend when set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	OAuth       OAuth
	StateSecret string
}

// OAuth configures the optional federated login provider.
type OAuth struct {
	Provider     string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	Scopes       []string
}

// Enabled reports whether a provider has been configured.
func (o OAuth) Enabled() bool {
	return o.ClientID != ""
}

// LoadDefaults populates c with development defaults.
func (c *Config) LoadDefaults() {
	c.Port = "8080"
	c.DBPath = "storefront.db"
	c.BaseURL = "http://localhost:8080"
	c.LogLevel = "info"
	c.LogFormat = "text"
	c.FromEmail = "noreply@storefront.local"
	c.ResetTokenMaxAge = time.Hour
	c.SessionTTL = 30 * 24 * time.Hour
	c.PasswordHash = "bcrypt"
	c.OAuth.Provider = "oauth"
	c.OAuth.Scopes = []string{"openid", "email"}
}

// Load applies defaults and then overlays values found through getenv,
// which is normally os.Getenv.
func Load(getenv func(string) string) (*Config, error) {
	c := &Config{}
	c.LoadDefaults()

	env := func(name string) string {
		return strings.TrimSpace(getenv(envPrefix + name))
	}
	str := func(dst *string, name string) {
		if v := env(name); v != "" {
			*dst = v
		}
	}

	str(&c.Port, "PORT")
	str(&c.DBPath, "DB_PATH")
	str(&c.BaseURL, "BASE_URL")
	str(&c.LogLevel, "LOG_LEVEL")
	str(&c.LogFormat, "LOG_FORMAT")
	str(&c.PostmarkToken, "POSTMARK_TOKEN")
	str(&c.FromEmail, "FROM_EMAIL")
	str(&c.PasswordHash, "PASSWORD_HASH")
	str(&c.RedisAddr, "REDIS_ADDR")
	str(&c.RedisPassword, "REDIS_PASSWORD")
	str(&c.StateSecret, "STATE_SECRET")
	str(&c.OAuth.Provider, "OAUTH_PROVIDER")
	str(&c.OAuth.ClientID, "OAUTH_CLIENT_ID")
	str(&c.OAuth.ClientSecret, "OAUTH_CLIENT_SECRET")
	str(&c.OAuth.AuthURL, "OAUTH_AUTH_URL")
	str(&c.OAuth.TokenURL, "OAUTH_TOKEN_URL")
	str(&c.OAuth.UserInfoURL, "OAUTH_USERINFO_URL")

	var errs []error
	if v := env("OAUTH_SCOPES"); v != "" {
		c.OAuth.Scopes = strings.Fields(strings.ReplaceAll(v, ",", " "))
	}
	if v := env("RESET_TOKEN_MAX_AGE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("%sRESET_TOKEN_MAX_AGE: invalid duration %q", envPrefix, v))
		}
		c.ResetTokenMaxAge = d
	}
	if v := env("SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%sSESSION_TTL: invalid duration %q", envPrefix, v))
		}
		c.SessionTTL = d
	}
	if v := env("CONCEAL_UNKNOWN_ACCOUNT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sCONCEAL_UNKNOWN_ACCOUNT: %w", envPrefix, err))
		}
		c.ConcealUnknownAccount = b
	}
	if v := env("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("%sREDIS_DB: invalid database %q", envPrefix, v))
		}
		c.RedisDB = n
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks settings that depend on each other.
func (c *Config) Validate() error {
	var errs []error
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("base url %q must start with http:// or https://", c.BaseURL))
	}
	switch strings.ToLower(c.PasswordHash) {
	case "bcrypt", "argon2id":
	default:
		errs = append(errs, fmt.Errorf("password hash %q must be bcrypt or argon2id", c.PasswordHash))
	}
	if c.OAuth.Enabled() {
		if c.OAuth.AuthURL == "" || c.OAuth.TokenURL == "" || c.OAuth.UserInfoURL == "" {
			errs = append(errs, errors.New("oauth auth, token and userinfo urls are required with a client id"))
		}
		if len(c.StateSecret) < 32 {
			errs = append(errs, errors.New("state secret of at least 32 bytes is required for federated login"))
		}
	}
	return errors.Join(errs...)
}

// SecureCookies reports whether cookies should carry the Secure flag.
func (c *Config) SecureCookies() bool {
	return strings.HasPrefix(c.BaseURL, "https://")
}

// OAuthRedirectURL is the callback registered with the provider.
func (c *Config) OAuthRedirectURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/auth/federated/callback"
}
