package social

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	auth "github.com/projetometanoia/metanoia-auth"
)

const (
	DefaultLoopbackTimeout = 2 * time.Minute
	defaultCallbackPath    = "/callback"
)

const callbackPage = `<!doctype html><html><head><meta charset="utf-8"><title>Projeto Metanoia</title></head>` +
	`<body><p>%s</p><p>You can close this window.</p></body></html>`

// LoopbackResult is the outcome of a completed loopback flow.
type LoopbackResult struct {
	Token       *Token
	ProviderID  string
	RedirectURL string
}

// LoopbackFlow runs an authorization-code flow with PKCE against a one-shot
// HTTP listener on the loopback interface. It is the desktop counterpart of
// a sign-in popup: the consent page opens in the user's browser and the
// provider redirects back to the listener.
type LoopbackFlow struct {
	provider     SocialProvider
	states       StateManager
	open         func(authURL string) error
	listenAddr   string
	callbackPath string
	timeout      time.Duration
	logger       auth.Logger
}

// LoopbackOption customizes a LoopbackFlow.
type LoopbackOption func(*LoopbackFlow)

// WithOpener sets how the consent URL is shown, e.g. by launching a browser
// or printing it.
func WithOpener(open func(authURL string) error) LoopbackOption {
	return func(f *LoopbackFlow) {
		if open != nil {
			f.open = open
		}
	}
}

// WithListenAddr sets the listener address. The default picks a free port
// on 127.0.0.1.
func WithListenAddr(addr string) LoopbackOption {
	return func(f *LoopbackFlow) {
		if addr != "" {
			f.listenAddr = addr
		}
	}
}

// WithCallbackPath sets the redirect path.
func WithCallbackPath(path string) LoopbackOption {
	return func(f *LoopbackFlow) {
		if path != "" {
			f.callbackPath = path
		}
	}
}

// WithLoopbackTimeout bounds how long the flow waits for the redirect.
func WithLoopbackTimeout(d time.Duration) LoopbackOption {
	return func(f *LoopbackFlow) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithStateManager overrides the state encoder.
func WithStateManager(sm StateManager) LoopbackOption {
	return func(f *LoopbackFlow) {
		if sm != nil {
			f.states = sm
		}
	}
}

// WithLoopbackLogger overrides the logger.
func WithLoopbackLogger(logger auth.Logger) LoopbackOption {
	return func(f *LoopbackFlow) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewLoopbackFlow returns a flow for provider.
func NewLoopbackFlow(provider SocialProvider, opts ...LoopbackOption) (*LoopbackFlow, error) {
	f := &LoopbackFlow{
		provider:     provider,
		open:         func(string) error { return nil },
		listenAddr:   "127.0.0.1:0",
		callbackPath: defaultCallbackPath,
		timeout:      DefaultLoopbackTimeout,
		logger:       auth.NewZapLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}

	if f.states == nil {
		sm, err := NewEphemeralStateManager(f.timeout)
		if err != nil {
			return nil, err
		}
		f.states = sm
	}
	return f, nil
}

type callbackOutcome struct {
	token *Token
	err   error
}

// Run opens the consent page and waits for the provider redirect. A closed
// window surfaces as ctx expiring, which returns context.DeadlineExceeded or
// context.Canceled.
func (f *LoopbackFlow) Run(ctx context.Context) (*LoopbackResult, error) {
	ln, err := net.Listen("tcp", f.listenAddr)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to start loopback listener").
			WithMetadata(map[string]any{"addr": f.listenAddr})
	}

	redirectURL := "http://" + ln.Addr().String() + f.callbackPath
	verifier, challenge := NewCodeVerifier()

	state, err := f.states.Encode(&OAuthState{
		Provider:     f.provider.Name(),
		CodeVerifier: verifier,
		RedirectURL:  redirectURL,
	})
	if err != nil {
		_ = ln.Close()
		return nil, err
	}

	outcome := make(chan callbackOutcome, 1)
	var once sync.Once
	deliver := func(o callbackOutcome) {
		once.Do(func() { outcome <- o })
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc(f.callbackPath, func(w http.ResponseWriter, r *http.Request) {
		token, status, err := f.handleCallback(ctx, r)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		if err != nil {
			_, _ = w.Write([]byte(callbackHTML("Sign-in failed.")))
		} else {
			_, _ = w.Write([]byte(callbackHTML("Signed in to Projeto Metanoia.")))
		}
		deliver(callbackOutcome{token: token, err: err})
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.logger.Warn("loopback listener stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		_ = srv.Shutdown(shutdownCtx)
		<-served
	}()

	authURL := f.provider.AuthCodeURL(state,
		WithPKCE(challenge, "S256"),
		WithRedirectURL(redirectURL),
		WithPrompt("select_account"),
	)
	f.logger.Debug("federated sign-in waiting for redirect", "provider", f.provider.Name(), "redirect_url", redirectURL)

	if err := f.open(authURL); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to open consent page").
			WithMetadata(map[string]any{"provider": f.provider.Name()})
	}

	select {
	case o := <-outcome:
		if o.err != nil {
			return nil, o.err
		}
		return &LoopbackResult{
			Token:       o.token,
			ProviderID:  f.provider.ProviderID(),
			RedirectURL: redirectURL,
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *LoopbackFlow) handleCallback(ctx context.Context, r *http.Request) (*Token, int, error) {
	query := r.URL.Query()

	if reason := query.Get("error"); reason != "" {
		return nil, http.StatusUnauthorized, ErrAccessDenied.Clone().WithMetadata(map[string]any{
			"provider": f.provider.Name(),
			"reason":   reason,
		})
	}

	state, err := f.states.Decode(query.Get("state"))
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	if state.Provider != f.provider.Name() {
		return nil, http.StatusBadRequest, ErrInvalidState
	}

	code := query.Get("code")
	if code == "" {
		return nil, http.StatusBadRequest, ErrInvalidState.Clone().WithMetadata(map[string]any{"reason": "missing code"})
	}

	token, err := f.provider.Exchange(ctx, code,
		WithCodeVerifier(state.CodeVerifier),
		WithExchangeRedirectURL(state.RedirectURL),
	)
	if err != nil {
		return nil, http.StatusBadGateway, wrapProviderError(ErrTokenExchangeFailed, f.provider.Name(), err)
	}
	return token, http.StatusOK, nil
}

func callbackHTML(msg string) string {
	return fmt.Sprintf(callbackPage, html.EscapeString(msg))
}
