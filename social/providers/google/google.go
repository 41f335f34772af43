package google

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/projetometanoia/metanoia-auth/social"
	"golang.org/x/oauth2"
)

const (
	defaultAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	defaultTokenURL = "https://oauth2.googleapis.com/token"

	// ProviderID is the identity service id for Google credentials.
	ProviderID = "google.com"
)

// Config holds Google OAuth configuration. Desktop clients use a loopback
// redirect, so CallbackURL is usually left empty and supplied per flow.
type Config struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
	Scopes       []string

	AuthURL  string
	TokenURL string

	HTTPClient *http.Client
}

// DefaultScopes returns the default Google scopes.
func DefaultScopes() []string {
	return []string{"openid", "email", "profile"}
}

// Provider implements social.SocialProvider for Google.
type Provider struct {
	config     Config
	httpClient *http.Client
}

var _ social.SocialProvider = (*Provider)(nil)

// New creates a Google provider.
func New(cfg Config) *Provider {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes()
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &Provider{config: cfg, httpClient: client}
}

func (p *Provider) Name() string {
	return "google"
}

func (p *Provider) ProviderID() string {
	return ProviderID
}

func (p *Provider) oauthConfig(redirectURL string, scopes []string) *oauth2.Config {
	if redirectURL == "" {
		redirectURL = p.config.CallbackURL
	}
	return &oauth2.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: p.config.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.config.AuthURL,
			TokenURL:  p.config.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthCodeURL implements social.SocialProvider.
func (p *Provider) AuthCodeURL(state string, opts ...social.AuthCodeOption) string {
	cfg := social.ApplyAuthCodeOptions(p.config.Scopes, opts...)

	params := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if cfg.CodeChallenge != "" {
		method := cfg.CodeChallengeMethod
		if method == "" {
			method = "S256"
		}
		params = append(params,
			oauth2.SetAuthURLParam("code_challenge", cfg.CodeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", method),
		)
	}
	if cfg.Prompt != "" {
		params = append(params, oauth2.SetAuthURLParam("prompt", cfg.Prompt))
	}

	return p.oauthConfig(cfg.RedirectURL, cfg.Scopes).AuthCodeURL(state, params...)
}

// Exchange implements social.SocialProvider. The Google ID token is returned
// in Token.IDToken; the identity service signs in with it.
func (p *Provider) Exchange(ctx context.Context, code string, opts ...social.ExchangeOption) (*social.Token, error) {
	cfg := social.ApplyExchangeOptions(opts...)

	var params []oauth2.AuthCodeOption
	if cfg.CodeVerifier != "" {
		params = append(params, oauth2.VerifierOption(cfg.CodeVerifier))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := p.oauthConfig(cfg.RedirectURL, p.config.Scopes).Exchange(ctx, code, params...)
	if err != nil {
		return nil, exchangeError(err)
	}

	out := &social.Token{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		out.IDToken = idToken
	}
	if out.IDToken == "" {
		return nil, &social.ProviderError{
			Provider:    "google",
			Operation:   "exchange",
			Code:        "missing_id_token",
			Description: "token response has no id_token; is the openid scope requested?",
		}
	}
	return out, nil
}

func exchangeError(err error) error {
	perr := &social.ProviderError{Provider: "google", Operation: "exchange", Err: err}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		perr.Code = retrieveErr.ErrorCode
		perr.Description = retrieveErr.ErrorDescription
		if retrieveErr.Response != nil {
			perr.Status = retrieveErr.Response.StatusCode
		}
	}
	return perr
}
