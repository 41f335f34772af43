package identitytoolkit_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/projetometanoia/metanoia-auth/identitytoolkit"
	"github.com/stretchr/testify/require"
)

const (
	testAPIKey = "test-api-key"
	eventually = 2 * time.Second
)

type tokenSpec struct {
	uid      string
	email    string
	name     string
	provider string
	exp      time.Time
}

func signToken(t *testing.T, spec tokenSpec) string {
	t.Helper()
	if spec.exp.IsZero() {
		spec.exp = time.Now().Add(time.Hour)
	}
	claims := jwt.MapClaims{
		"sub":      spec.uid,
		"user_id":  spec.uid,
		"email":    spec.email,
		"name":     spec.name,
		"exp":      spec.exp.Unix(),
		"iat":      time.Now().Unix(),
		"firebase": map[string]any{"sign_in_provider": spec.provider},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("not-verified"))
	require.NoError(t, err)
	return signed
}

type recordedCall struct {
	path string
	key  string
	body map[string]any
	form url.Values
}

// fakeToolkit serves both REST surfaces. Handlers are keyed by the last path
// segment, e.g. "accounts:signUp" or "token".
type fakeToolkit struct {
	t        *testing.T
	server   *httptest.Server
	mu       sync.Mutex
	calls    []recordedCall
	handlers map[string]func(call recordedCall) (int, any)
}

func newFakeToolkit(t *testing.T) *fakeToolkit {
	f := &fakeToolkit{t: t, handlers: map[string]func(recordedCall) (int, any){}}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeToolkit) handle(method string, fn func(call recordedCall) (int, any)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = fn
}

func (f *fakeToolkit) serve(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	call := recordedCall{path: r.URL.Path, key: r.URL.Query().Get("key")}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		_ = r.ParseForm()
		call.form = r.PostForm
	} else {
		_ = json.NewDecoder(r.Body).Decode(&call.body)
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	handler := f.handlers[method]
	f.mu.Unlock()

	if handler == nil {
		writeJSON(w, http.StatusNotFound, apiError(404, "NOT_FOUND"))
		return
	}
	status, payload := handler(call)
	writeJSON(w, status, payload)
}

func (f *fakeToolkit) callsTo(method string) []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedCall
	for _, c := range f.calls {
		if strings.HasSuffix(c.path, "/"+method) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeToolkit) client(opts ...identitytoolkit.ClientOption) *identitytoolkit.Client {
	base := []identitytoolkit.ClientOption{
		identitytoolkit.WithBaseURL(f.server.URL + "/v1"),
		identitytoolkit.WithSecureTokenURL(f.server.URL + "/st/v1"),
		identitytoolkit.WithHTTPClient(f.server.Client()),
	}
	return identitytoolkit.NewClient(testAPIKey, append(base, opts...)...)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func apiError(code int, message string) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"status":  "INVALID_ARGUMENT",
		},
	}
}

func tokenPayload(t *testing.T, spec tokenSpec, refreshToken string) map[string]any {
	return map[string]any{
		"localId":      spec.uid,
		"email":        spec.email,
		"displayName":  spec.name,
		"idToken":      signToken(t, spec),
		"refreshToken": refreshToken,
		"expiresIn":    "3600",
	}
}

func refreshPayload(t *testing.T, spec tokenSpec, refreshToken string) map[string]any {
	idToken := signToken(t, spec)
	return map[string]any{
		"access_token":  idToken,
		"id_token":      idToken,
		"refresh_token": refreshToken,
		"expires_in":    3600,
		"token_type":    "Bearer",
		"user_id":       spec.uid,
	}
}
