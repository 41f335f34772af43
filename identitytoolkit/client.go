package identitytoolkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	auth "github.com/projetometanoia/metanoia-auth"
	"golang.org/x/oauth2"
)

const maxResponseBytes = 1 << 20

// TokenResponse is the subset of the sign-in style responses the service uses.
type TokenResponse struct {
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
	PhotoURL     string `json:"photoUrl"`
	ProviderID   string `json:"providerId"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`

	// Expiry is computed from ExpiresIn when the response is received.
	Expiry time.Time `json:"-"`
}

// UserInfo is one entry of an accounts:lookup response.
type UserInfo struct {
	LocalID       string `json:"localId"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified"`
	DisplayName   string `json:"displayName"`
	PhotoURL      string `json:"photoUrl"`
	Disabled      bool   `json:"disabled"`
	ProviderInfo  []struct {
		ProviderID string `json:"providerId"`
	} `json:"providerUserInfo"`
}

// Client talks to the identity toolkit and secure token REST endpoints.
type Client struct {
	apiKey         string
	baseURL        string
	secureTokenURL string
	httpClient     *http.Client
	now            func() time.Time
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithBaseURL overrides the identity toolkit base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithSecureTokenURL overrides the secure token base URL.
func WithSecureTokenURL(u string) ClientOption {
	return func(c *Client) {
		if u != "" {
			c.secureTokenURL = strings.TrimRight(u, "/")
		}
	}
}

// WithClientClock injects a custom clock (useful for tests).
func WithClientClock(clock func() time.Time) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.now = clock
		}
	}
}

// NewClient returns a client authenticated by apiKey.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:         apiKey,
		baseURL:        auth.DefaultIdentityBaseURL,
		secureTokenURL: auth.DefaultSecureTokenURL,
		httpClient:     &http.Client{Timeout: 15 * time.Second},
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// SignInWithPassword exchanges email and password for tokens.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*TokenResponse, error) {
	req := map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}
	return c.tokenCall(ctx, opSignInWithPassword, "accounts:signInWithPassword", req)
}

// SignUp creates an email/password account and signs it in.
func (c *Client) SignUp(ctx context.Context, email, password string) (*TokenResponse, error) {
	req := map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}
	return c.tokenCall(ctx, opSignUp, "accounts:signUp", req)
}

// UpdateProfile sets the display name and photo of the signed-in account.
// Empty values are left unchanged.
func (c *Client) UpdateProfile(ctx context.Context, idToken, displayName, photoURL string) (*TokenResponse, error) {
	req := map[string]any{
		"idToken":           idToken,
		"returnSecureToken": true,
	}
	if displayName != "" {
		req["displayName"] = displayName
	}
	if photoURL != "" {
		req["photoUrl"] = photoURL
	}
	return c.tokenCall(ctx, opUpdate, "accounts:update", req)
}

// SendPasswordReset sends a password reset message to email.
func (c *Client) SendPasswordReset(ctx context.Context, email string) error {
	req := map[string]any{
		"requestType": "PASSWORD_RESET",
		"email":       email,
	}
	var resp struct {
		Email string `json:"email"`
	}
	return c.call(ctx, opSendOobCode, "accounts:sendOobCode", req, &resp)
}

// SignInWithIdp signs in with a credential issued by a federated provider.
// postBody is the form encoded provider credential, e.g.
// "id_token=...&providerId=google.com".
func (c *Client) SignInWithIdp(ctx context.Context, postBody, requestURI string) (*TokenResponse, error) {
	req := map[string]any{
		"postBody":            postBody,
		"requestUri":          requestURI,
		"returnSecureToken":   true,
		"returnIdpCredential": true,
	}
	return c.tokenCall(ctx, opSignInWithIdp, "accounts:signInWithIdp", req)
}

// Lookup returns the account behind idToken.
func (c *Client) Lookup(ctx context.Context, idToken string) (*UserInfo, error) {
	var resp struct {
		Users []UserInfo `json:"users"`
	}
	if err := c.call(ctx, opLookup, "accounts:lookup", map[string]any{"idToken": idToken}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Users) == 0 {
		return nil, auth.WithMeta(auth.ErrNotSignedIn, nil, map[string]any{"operation": opLookup})
	}
	return &resp.Users[0], nil
}

// Refresh exchanges a refresh token for a new ID token using the secure
// token endpoint's OAuth2 refresh_token grant.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, auth.WithMeta(auth.ErrNotSignedIn, nil, map[string]any{"operation": opRefresh})
	}

	cfg := &oauth2.Config{
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.secureTokenURL + "/token?key=" + url.QueryEscape(c.apiKey),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			return nil, mapAPIError(opRefresh, retrieveErr.Response.StatusCode, retrieveErr.Body)
		}
		return nil, auth.WithMeta(auth.ErrProviderUnavailable, err, map[string]any{"operation": opRefresh})
	}

	resp := &TokenResponse{
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if v, ok := tok.Extra("id_token").(string); ok {
		resp.IDToken = v
	}
	if v, ok := tok.Extra("user_id").(string); ok {
		resp.LocalID = v
	}
	if resp.IDToken == "" {
		resp.IDToken = tok.AccessToken
	}
	return resp, nil
}

func (c *Client) tokenCall(ctx context.Context, op, method string, req any) (*TokenResponse, error) {
	var resp TokenResponse
	if err := c.call(ctx, op, method, req, &resp); err != nil {
		return nil, err
	}
	resp.Expiry = c.expiry(resp.ExpiresIn)
	return &resp, nil
}

func (c *Client) expiry(expiresIn string) time.Time {
	secs, err := strconv.Atoi(strings.TrimSpace(expiresIn))
	if err != nil || secs <= 0 {
		secs = 3600
	}
	return c.now().Add(time.Duration(secs) * time.Second)
}

func (c *Client) call(ctx context.Context, op, method string, reqBody, out any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to encode request")
	}

	endpoint := c.baseURL + "/" + method + "?key=" + url.QueryEscape(c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil && op == opSignInWithIdp {
			return auth.WithMeta(auth.ErrFederatedSignInCancelled, err, map[string]any{"operation": op})
		}
		return auth.WithMeta(auth.ErrProviderUnavailable, err, map[string]any{"operation": op})
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return auth.WithMeta(auth.ErrProviderUnavailable, err, map[string]any{"operation": op})
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return mapAPIError(op, res.StatusCode, body)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return auth.WithMeta(auth.ErrProviderUnavailable, err, map[string]any{
			"operation": op,
			"reason":    "malformed response",
		})
	}
	return nil
}
