package social

import (
	"context"
	"time"
)

// SocialProvider is an OAuth2 authorization-code provider used for federated
// sign-in.
type SocialProvider interface {
	// Name returns the provider identifier, e.g. "google".
	Name() string

	// ProviderID returns the identity service provider id, e.g. "google.com".
	ProviderID() string

	// AuthCodeURL returns the consent page URL for state.
	AuthCodeURL(state string, opts ...AuthCodeOption) string

	// Exchange trades an authorization code for tokens.
	Exchange(ctx context.Context, code string, opts ...ExchangeOption) (*Token, error)
}

// AuthCodeOption configures the authorization URL.
type AuthCodeOption func(*AuthCodeConfig)

// WithScopes adds scopes to the request.
func WithScopes(scopes ...string) AuthCodeOption {
	return func(c *AuthCodeConfig) {
		c.Scopes = append(c.Scopes, scopes...)
	}
}

// WithPKCE sets the PKCE code challenge.
func WithPKCE(codeChallenge, method string) AuthCodeOption {
	return func(c *AuthCodeConfig) {
		c.CodeChallenge = codeChallenge
		c.CodeChallengeMethod = method
	}
}

// WithPrompt sets the prompt parameter (e.g., "consent", "select_account").
func WithPrompt(prompt string) AuthCodeOption {
	return func(c *AuthCodeConfig) {
		c.Prompt = prompt
	}
}

// WithRedirectURL sets the redirect URI. Loopback flows only know it once
// their listener is bound.
func WithRedirectURL(u string) AuthCodeOption {
	return func(c *AuthCodeConfig) {
		c.RedirectURL = u
	}
}

// ExchangeOption configures the token exchange.
type ExchangeOption func(*ExchangeConfig)

// WithCodeVerifier sets the PKCE code verifier.
func WithCodeVerifier(verifier string) ExchangeOption {
	return func(c *ExchangeConfig) {
		c.CodeVerifier = verifier
	}
}

// WithExchangeRedirectURL repeats the redirect URI used for the consent page.
func WithExchangeRedirectURL(u string) ExchangeOption {
	return func(c *ExchangeConfig) {
		c.RedirectURL = u
	}
}

// AuthCodeConfig is the applied form of AuthCodeOption values.
type AuthCodeConfig struct {
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	Prompt              string
	RedirectURL         string
}

// ExchangeConfig is the applied form of ExchangeOption values.
type ExchangeConfig struct {
	CodeVerifier string
	RedirectURL  string
}

// ApplyAuthCodeOptions applies opts on top of the provider's default scopes.
func ApplyAuthCodeOptions(scopes []string, opts ...AuthCodeOption) AuthCodeConfig {
	cfg := AuthCodeConfig{Scopes: append([]string(nil), scopes...)}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// ApplyExchangeOptions applies opts.
func ApplyExchangeOptions(opts ...ExchangeOption) ExchangeConfig {
	var cfg ExchangeConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// Token is the provider token response.
type Token struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	IDToken      string
	ExpiresAt    time.Time
}
