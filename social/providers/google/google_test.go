package google

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/projetometanoia/metanoia-auth/social"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderAuthCodeURL(t *testing.T) {
	provider := New(Config{ClientID: "client-id"})

	authURL := provider.AuthCodeURL("state-token",
		social.WithPKCE("challenge", "S256"),
		social.WithPrompt("select_account"),
		social.WithRedirectURL("http://127.0.0.1:5000/callback"),
	)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "accounts.google.com", parsed.Host)

	query := parsed.Query()
	assert.Equal(t, "client-id", query.Get("client_id"))
	assert.Equal(t, "http://127.0.0.1:5000/callback", query.Get("redirect_uri"))
	assert.Equal(t, "state-token", query.Get("state"))
	assert.Equal(t, "code", query.Get("response_type"))
	assert.Equal(t, "offline", query.Get("access_type"))
	assert.Equal(t, "select_account", query.Get("prompt"))
	assert.Equal(t, "challenge", query.Get("code_challenge"))
	assert.Equal(t, "S256", query.Get("code_challenge_method"))
	assert.Equal(t, "openid email profile", query.Get("scope"))
}

func TestProviderExchange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		values, err := url.ParseQuery(string(body))
		assert.NoError(t, err)

		assert.Equal(t, "authorization_code", values.Get("grant_type"))
		assert.Equal(t, "client-id", values.Get("client_id"))
		assert.Equal(t, "client-secret", values.Get("client_secret"))
		assert.Equal(t, "auth-code", values.Get("code"))
		assert.Equal(t, "verifier", values.Get("code_verifier"))
		assert.Equal(t, "http://127.0.0.1:5000/callback", values.Get("redirect_uri"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "refresh",
			"scope":         "openid email profile",
			"id_token":      "google-id-token",
		})
	}))
	defer server.Close()

	provider := New(Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		TokenURL:     server.URL,
	})

	token, err := provider.Exchange(context.Background(), "auth-code",
		social.WithCodeVerifier("verifier"),
		social.WithExchangeRedirectURL("http://127.0.0.1:5000/callback"),
	)
	require.NoError(t, err)
	assert.Equal(t, "access", token.AccessToken)
	assert.Equal(t, "google-id-token", token.IDToken)
	assert.Equal(t, "refresh", token.RefreshToken)
	assert.False(t, token.ExpiresAt.IsZero())
}

func TestProviderExchangeErrorNormalized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":             "invalid_grant",
			"error_description": "Bad Request",
		})
	}))
	defer server.Close()

	provider := New(Config{ClientID: "client-id", TokenURL: server.URL})

	_, err := provider.Exchange(context.Background(), "stale-code")
	require.Error(t, err)

	var perr *social.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "google", perr.Provider)
	assert.Equal(t, "exchange", perr.Operation)
	assert.Equal(t, http.StatusBadRequest, perr.Status)
	assert.Equal(t, "invalid_grant", perr.Code)
}

func TestProviderExchangeWithoutIDToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "access", "token_type": "Bearer"})
	}))
	defer server.Close()

	provider := New(Config{ClientID: "client-id", TokenURL: server.URL})

	_, err := provider.Exchange(context.Background(), "auth-code")

	var perr *social.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "missing_id_token", perr.Code)
}
