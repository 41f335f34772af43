package dashboard_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	auth "github.com/projetometanoia/metanoia-auth"
	"github.com/projetometanoia/metanoia-auth/activitymap"
	"github.com/projetometanoia/metanoia-auth/dashboard"
	"github.com/projetometanoia/metanoia-auth/middleware/csrf"
	"github.com/projetometanoia/metanoia-auth/middleware/gate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIdentity struct {
	ch        chan *auth.Principal
	signInErr error
	federated *auth.Principal
	resetErr  error

	mu        sync.Mutex
	resets    []string
	signedOut bool
}

func (f *fakeIdentity) Subscribe(context.Context) (<-chan *auth.Principal, error) {
	return f.ch, nil
}

func (f *fakeIdentity) SignInWithPassword(_ context.Context, email, _ string) (*auth.Principal, error) {
	if f.signInErr != nil {
		return nil, f.signInErr
	}
	p := &auth.Principal{UID: "u1", Email: email, DisplayName: "Maria", ProviderTag: auth.ProviderPassword}
	f.ch <- p
	return p, nil
}

func (f *fakeIdentity) SignUpWithPassword(_ context.Context, email, _, displayName string) (*auth.Principal, error) {
	p := &auth.Principal{UID: "u2", Email: email, DisplayName: displayName, ProviderTag: auth.ProviderPassword}
	f.ch <- p
	return p, nil
}

func (f *fakeIdentity) RequestPasswordReset(_ context.Context, email string) error {
	if f.resetErr != nil {
		return f.resetErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, email)
	return nil
}

func (f *fakeIdentity) SignInWithFederatedProvider(context.Context) *auth.Principal {
	if f.federated != nil {
		f.ch <- f.federated
	}
	return f.federated
}

func (f *fakeIdentity) SignOut(context.Context) {
	f.mu.Lock()
	f.signedOut = true
	f.mu.Unlock()
	f.ch <- nil
}

type memSettings struct {
	mu   sync.Mutex
	data map[string]*auth.Setting
}

func (m *memSettings) GetSetting(_ context.Context, key string) (*auth.Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.data[key]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, auth.ErrSettingNotFound
}

func (m *memSettings) PutSetting(_ context.Context, s *auth.Setting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.data[s.Key] = &cp
	return nil
}

func (m *memSettings) ListSettings(context.Context) ([]*auth.Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*auth.Setting, 0, len(m.data))
	for _, s := range m.data {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

type profileLookup map[string]*auth.ProfileRecord

func (l profileLookup) GetProfile(_ context.Context, uid string) (*auth.ProfileRecord, error) {
	if p, ok := l[uid]; ok {
		return p, nil
	}
	return nil, auth.ErrProfileNotFound
}

const loopbackHost = "127.0.0.1:8080"

type harness struct {
	cookies  map[string]*http.Cookie
	identity *fakeIdentity
	store    *auth.SessionStore
	server   *dashboard.Server
	registry *prometheus.Registry
	activity *activitymap.Recorder
}

func newHarness(t *testing.T, profiles profileLookup) *harness {
	t.Helper()

	identity := &fakeIdentity{ch: make(chan *auth.Principal, 8)}
	store := auth.NewSessionStore()
	registry := prometheus.NewRegistry()
	metrics := auth.NewMetrics(registry)

	sync := auth.NewSynchronizer(identity, store, nil,
		auth.WithSynchronizerLogger(auth.NewZapLogger(nil)),
		auth.WithSynchronizerMetrics(metrics))
	require.NoError(t, sync.Start(context.Background()))
	t.Cleanup(func() { _ = sync.Close() })

	identity.ch <- nil
	select {
	case <-store.Settled():
	case <-time.After(2 * time.Second):
		t.Fatal("store never settled")
	}

	activity := activitymap.NewRecorder(10)
	settings := auth.NewSettingsCache(&memSettings{data: map[string]*auth.Setting{
		"site_title": {Key: "site_title", Value: "Projeto Metanoia"},
	}}, auth.WithSettingsCacheLogger(auth.NewZapLogger(nil)), auth.WithSettingsCacheActivitySink(activity))

	server, err := dashboard.New(identity, store,
		dashboard.WithProfiles(profiles),
		dashboard.WithSettings(settings),
		dashboard.WithGatherer(registry),
		dashboard.WithLogger(auth.NewZapLogger(nil)),
		dashboard.WithSettleTimeout(time.Second),
		dashboard.WithActivity(activity),
	)
	require.NoError(t, err)

	return &harness{cookies: map[string]*http.Cookie{}, identity: identity, store: store, server: server, registry: registry, activity: activity}
}

// do sends req like a browser on the loopback address: it keeps the cookies
// the server sets and replays them on later requests.
func (h *harness) do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	for _, c := range h.cookies {
		req.AddCookie(c)
	}
	resp, body := h.send(t, req)
	for _, c := range resp.Cookies() {
		if c.Value == "" {
			delete(h.cookies, c.Name)
			continue
		}
		h.cookies[c.Name] = c
	}
	return resp, body
}

// send issues req without cookies. httptest requests default to the
// example.com host, which is swapped for the loopback address.
func (h *harness) send(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	if req.Host == "example.com" {
		req.Host = loopbackHost
	}
	resp, err := h.server.App().Test(req, 5000)
	require.NoError(t, err)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func (h *harness) signIn(t *testing.T) {
	t.Helper()
	resp, _ := h.do(t, form(http.MethodPost, "/login", url.Values{"email": {"maria@example.com"}, "password": {"secret123"}}))
	require.Equal(t, fiber.StatusSeeOther, resp.StatusCode)
}

func form(method, target string, values url.Values) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(values.Encode()))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationForm)
	return req
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(fiber.HeaderAccept, fiber.MIMEApplicationJSON)
	return req
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil)

	resp, body := h.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","settled":true}`, body)
}

func TestLoginPage(t *testing.T) {
	h := newHarness(t, nil)

	resp, body := h.do(t, httptest.NewRequest(http.MethodGet, "/login?next=/admin/settings", nil))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "<h1>Sign in</h1>")
	assert.Contains(t, body, `value="/admin/settings"`)
	assert.NotContains(t, body, "Continue with Google")
}

func TestPasswordLoginFlow(t *testing.T) {
	h := newHarness(t, nil)

	resp, body := h.do(t, httptest.NewRequest(http.MethodGet, "/admin", nil))
	assert.Equal(t, fiber.StatusSeeOther, resp.StatusCode, body)

	resp, _ = h.do(t, form(http.MethodPost, "/login", url.Values{
		"email":    {"maria@example.com"},
		"password": {"secret123"},
	}))
	assert.Equal(t, fiber.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/admin", resp.Header.Get(fiber.HeaderLocation))

	resp, body = h.do(t, httptest.NewRequest(http.MethodGet, "/session", nil))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"gate":"granted"`)
	assert.Contains(t, body, `"uid":"u1"`)

	resp, body = h.do(t, httptest.NewRequest(http.MethodGet, "/admin", nil))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Signed in as Maria (user)")
	assert.Contains(t, body, "Projeto Metanoia")
}

func TestPasswordLoginRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.identity.signInErr = auth.ErrInvalidCredentials

	resp, body := h.do(t, form(http.MethodPost, "/login", url.Values{
		"email":    {"maria@example.com"},
		"password": {"wrong-pass"},
	}))
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, body, auth.TextCodeInvalidCredentials)
	assert.Contains(t, body, `value="maria@example.com"`)

	resp, body = h.do(t, jsonRequest(http.MethodPost, "/login", `{"email":"maria@example.com","password":"wrong-pass"}`))
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, body, auth.TextCodeInvalidCredentials)

	assert.Nil(t, h.store.Snapshot().Principal)
}

func TestSignupRedirectsToNext(t *testing.T) {
	h := newHarness(t, nil)

	resp, _ := h.do(t, form(http.MethodPost, "/signup", url.Values{
		"email":        {"joao@example.com"},
		"password":     {"secret123"},
		"display_name": {"Joao"},
		"next":         {"//evil.example.com"},
	}))
	assert.Equal(t, fiber.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/admin", resp.Header.Get(fiber.HeaderLocation))
	assert.Equal(t, "u2", h.store.Snapshot().Principal.UID)
}

func TestFederatedLogin(t *testing.T) {
	t.Run("cancelled", func(t *testing.T) {
		h := newHarness(t, nil)

		resp, body := h.do(t, form(http.MethodPost, "/login/google", url.Values{}))
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
		assert.Contains(t, body, auth.TextCodeFederatedCancelled)
	})

	t.Run("signed in", func(t *testing.T) {
		h := newHarness(t, nil)
		h.identity.federated = &auth.Principal{UID: "g1", DisplayName: "Ana", ProviderTag: auth.ProviderGoogle}

		resp, _ := h.do(t, form(http.MethodPost, "/login/google", url.Values{}))
		assert.Equal(t, fiber.StatusSeeOther, resp.StatusCode)
		assert.Equal(t, "g1", h.store.Snapshot().Principal.UID)
	})
}

func TestPasswordReset(t *testing.T) {
	h := newHarness(t, nil)

	resp, body := h.do(t, form(http.MethodPost, "/password-reset", url.Values{"email": {"maria@example.com"}}))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Check your inbox")
	assert.Equal(t, []string{"maria@example.com"}, h.identity.resets)

	h.identity.resetErr = auth.ErrUserNotFound
	resp, body = h.do(t, jsonRequest(http.MethodPost, "/password-reset", `{"email":"ghost@example.com"}`))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, auth.TextCodeUserNotFound)
}

func TestLogout(t *testing.T) {
	h := newHarness(t, nil)
	h.signIn(t)

	resp, _ := h.do(t, form(http.MethodPost, "/logout", url.Values{}))
	assert.Equal(t, fiber.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get(fiber.HeaderLocation))
	assert.True(t, h.identity.signedOut)

	assert.Eventually(t, func() bool {
		return h.store.Snapshot().Principal == nil
	}, time.Second, 10*time.Millisecond)
}

func TestSettingsRoutes(t *testing.T) {
	t.Run("editor can read but not write", func(t *testing.T) {
		h := newHarness(t, profileLookup{"u1": {UID: "u1", Role: auth.RoleEditor}})
		h.signIn(t)

		resp, body := h.do(t, jsonRequest(http.MethodGet, "/admin/settings", ""))
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Contains(t, body, "site_title")

		resp, body = h.do(t, jsonRequest(http.MethodPut, "/admin/settings/site_title", `{"value":"Novo"}`))
		assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
		assert.Contains(t, body, auth.TextCodeForbidden)
	})

	t.Run("admin writes through", func(t *testing.T) {
		h := newHarness(t, profileLookup{"u1": {UID: "u1", Role: auth.RoleAdmin}})
		h.signIn(t)

		resp, body := h.do(t, jsonRequest(http.MethodPut, "/admin/settings/site_title", `{"value":"Novo titulo"}`))
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Contains(t, body, `"value":"Novo titulo"`)
		assert.Contains(t, body, `"updated_by":"u1"`)

		resp, body = h.do(t, jsonRequest(http.MethodGet, "/admin/settings", ""))
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Contains(t, body, "Novo titulo")

		resp, body = h.do(t, jsonRequest(http.MethodGet, "/admin/activity", ""))
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Contains(t, body, `"verb":"settings.changed"`)
		assert.Contains(t, body, `"object_id":"site_title"`)
		assert.Contains(t, body, `"actor_id":"u1"`)
	})

	t.Run("editor cannot read activity", func(t *testing.T) {
		h := newHarness(t, profileLookup{"u1": {UID: "u1", Role: auth.RoleEditor}})
		h.signIn(t)

		resp, _ := h.do(t, jsonRequest(http.MethodGet, "/admin/activity", ""))
		assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	})

	t.Run("signed out", func(t *testing.T) {
		h := newHarness(t, nil)

		resp, _ := h.do(t, jsonRequest(http.MethodPut, "/admin/settings/site_title", `{"value":"x"}`))
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})
}

func TestCrossSiteLogoutRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.signIn(t)

	req := form(http.MethodPost, "/logout", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, _ := h.do(t, req)

	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	assert.False(t, h.identity.signedOut)
}

func TestMetrics(t *testing.T) {
	h := newHarness(t, nil)

	resp, body := h.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "metanoia_identity_notifications_total 1")
}

func TestSessionBinding(t *testing.T) {
	t.Run("login sets a strict http only cookie", func(t *testing.T) {
		h := newHarness(t, nil)

		resp, _ := h.do(t, form(http.MethodPost, "/login", url.Values{
			"email":    {"maria@example.com"},
			"password": {"secret123"},
		}))
		require.Equal(t, fiber.StatusSeeOther, resp.StatusCode)

		var cookie *http.Cookie
		for _, c := range resp.Cookies() {
			if c.Name == gate.DefaultBindingCookie {
				cookie = c
			}
		}
		require.NotNil(t, cookie)
		assert.True(t, cookie.HttpOnly)
		assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	})

	t.Run("bare request after admin sign-in is rejected", func(t *testing.T) {
		h := newHarness(t, profileLookup{"u1": {UID: "u1", Role: auth.RoleAdmin}})
		h.signIn(t)

		resp, _ := h.send(t, jsonRequest(http.MethodPut, "/admin/settings/site_title", `{"value":"pwned"}`))
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

		resp, body := h.send(t, jsonRequest(http.MethodGet, "/admin/activity", ""))
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
		assert.NotContains(t, body, "events")

		resp, body = h.send(t, httptest.NewRequest(http.MethodGet, "/session", nil))
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Contains(t, body, `"principal":null`)

		resp, _ = h.send(t, jsonRequest(http.MethodPost, "/logout", ""))
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
		assert.False(t, h.identity.signedOut)

		resp, body = h.do(t, jsonRequest(http.MethodGet, "/admin/settings", ""))
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Contains(t, body, "Projeto Metanoia")
	})

	t.Run("logout unbinds the browser", func(t *testing.T) {
		h := newHarness(t, nil)
		h.signIn(t)
		stale := h.cookies[gate.DefaultBindingCookie]
		require.NotNil(t, stale)

		resp, _ := h.do(t, form(http.MethodPost, "/logout", url.Values{}))
		assert.Equal(t, fiber.StatusSeeOther, resp.StatusCode)
		assert.NotContains(t, h.cookies, gate.DefaultBindingCookie)
		require.Eventually(t, func() bool {
			return h.store.Snapshot().Principal == nil
		}, time.Second, 10*time.Millisecond)

		h.signIn(t)
		req := jsonRequest(http.MethodGet, "/admin/settings", "")
		req.AddCookie(stale)
		resp, _ = h.send(t, req)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

		resp, _ = h.do(t, jsonRequest(http.MethodGet, "/admin/settings", ""))
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	})
}

func TestReboundHostRejected(t *testing.T) {
	h := newHarness(t, profileLookup{"u1": {UID: "u1", Role: auth.RoleAdmin}})
	h.signIn(t)

	req := jsonRequest(http.MethodPut, "/admin/settings/site_title", `{"value":"pwned"}`)
	req.Host = "attacker.example:8080"
	resp, body := h.do(t, req)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	assert.Contains(t, body, csrf.TextCodeUntrustedHost)

	req = httptest.NewRequest(http.MethodGet, "/session", nil)
	req.Host = "attacker.example:8080"
	resp, _ = h.do(t, req)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, body = h.do(t, jsonRequest(http.MethodGet, "/admin/settings", ""))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Projeto Metanoia")
}
