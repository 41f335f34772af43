package main

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"time"

	goerrors "github.com/goliatone/go-errors"
	auth "github.com/projetometanoia/metanoia-auth"
	"github.com/projetometanoia/metanoia-auth/activitymap"
	"github.com/projetometanoia/metanoia-auth/identitytoolkit"
	"github.com/projetometanoia/metanoia-auth/repository"
	"github.com/projetometanoia/metanoia-auth/social"
	"github.com/projetometanoia/metanoia-auth/social/providers/google"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/pterm/pterm"
	"go.uber.org/zap"
)

// settleTimeout bounds how long commands wait for the session store.
const settleTimeout = 15 * time.Second

// app holds the wired components shared by the commands.
type app struct {
	cfg      *auth.Config
	zap      *zap.Logger
	logger   auth.Logger
	registry *prometheus.Registry
	metrics  *auth.Metrics

	repos    repository.Manager
	service  *identitytoolkit.Service
	verifier *identitytoolkit.KeyfuncVerifier
	identity *auth.IdentityAdapter
	session  *auth.SessionStore
	sync     *auth.Synchronizer
	settings *auth.SettingsCache
	activity *activitymap.Recorder
}

func loadConfig() (*auth.Config, error) {
	cfg, err := auth.LoadConfig(envFiles...)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

// newApp wires logging, storage and the identity pipeline. Nothing runs
// until start is called.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	zl, err := auth.NewProductionLogger(cfg.LogLevel)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create logger")
	}

	a := &app{
		cfg:      cfg,
		zap:      zl,
		logger:   auth.NewZapLogger(zl),
		registry: prometheus.NewRegistry(),
		session:  auth.NewSessionStore(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = auth.NewMetrics(a.registry)

	db, err := repository.OpenDB(ctx, cfg.DatabaseDSN)
	if err != nil {
		a.close()
		return nil, err
	}
	a.repos = repository.NewManager(db)
	if err := a.repos.Migrate(ctx); err != nil {
		a.close()
		return nil, err
	}

	if err := a.wireIdentity(); err != nil {
		a.close()
		return nil, err
	}

	a.activity = activitymap.NewRecorder(activitymap.DefaultCapacity)
	activity := auth.MultiActivitySink(auth.LoggingActivitySink(a.logger), a.activity)
	a.identity = auth.NewIdentityAdapter(a.service,
		auth.WithIdentityLogger(a.logger),
		auth.WithIdentityActivitySink(activity),
	)

	upserter := auth.NewProfileUpserter(a.repos.Profiles(),
		auth.WithProfileUpserterLogger(a.logger),
		auth.WithProfileUpserterActivitySink(activity),
		auth.WithProfileWriteTimeout(cfg.ProfileWriteTimeout),
	)
	a.sync = auth.NewSynchronizer(a.identity.Stream(), a.session, upserter,
		auth.WithSynchronizerLogger(a.logger),
		auth.WithSynchronizerMetrics(a.metrics),
	)

	a.settings = auth.NewSettingsCache(a.repos.Settings(),
		auth.WithSettingsCacheSize(cfg.SettingsCacheSize),
		auth.WithSettingsCacheTTL(cfg.SettingsCacheTTL),
		auth.WithSettingsCacheLogger(a.logger),
		auth.WithSettingsCacheMetrics(a.metrics),
		auth.WithSettingsCacheActivitySink(activity),
	)
	return a, nil
}

func (a *app) wireIdentity() error {
	store, err := identitytoolkit.NewFileCredentialStore(a.cfg.CredentialFile)
	if err != nil {
		return err
	}

	client := identitytoolkit.NewClient(a.cfg.APIKey,
		identitytoolkit.WithBaseURL(a.cfg.IdentityBaseURL),
		identitytoolkit.WithSecureTokenURL(a.cfg.SecureTokenURL),
	)

	opts := []identitytoolkit.ServiceOption{
		identitytoolkit.WithCredentialStore(store),
		identitytoolkit.WithLogger(a.logger),
	}

	if a.cfg.VerifyTokens {
		a.verifier, err = identitytoolkit.NewJWKSVerifier(a.cfg.JWKSURL, a.cfg.ProjectID, a.logger)
		if err != nil {
			return err
		}
		opts = append(opts, identitytoolkit.WithVerifier(a.verifier))
	}

	if a.cfg.FederatedEnabled() {
		opts = append(opts, identitytoolkit.WithFederatedFlow(a.federatedFlow()))
	}

	a.service = identitytoolkit.NewService(client, opts...)
	return nil
}

// federatedFlow runs Google consent through a loopback redirect. A denied
// consent is reported as a cancellation.
func (a *app) federatedFlow() identitytoolkit.FederatedFlow {
	provider := google.New(google.Config{
		ClientID:     a.cfg.GoogleClientID,
		ClientSecret: a.cfg.GoogleClientSecret,
	})

	return identitytoolkit.FederatedFlowFunc(func(ctx context.Context) (*identitytoolkit.IdPCredential, error) {
		flow, err := social.NewLoopbackFlow(provider,
			social.WithOpener(openBrowser),
			social.WithLoopbackTimeout(a.cfg.LoginTimeout),
			social.WithLoopbackLogger(a.logger),
		)
		if err != nil {
			return nil, err
		}

		res, err := flow.Run(ctx)
		if err != nil {
			if social.IsAccessDenied(err) {
				return nil, errors.Join(context.Canceled, err)
			}
			return nil, err
		}

		return &identitytoolkit.IdPCredential{
			ProviderID:  res.ProviderID,
			IDToken:     res.Token.IDToken,
			AccessToken: res.Token.AccessToken,
			RequestURI:  res.RedirectURL,
		}, nil
	})
}

// start subscribes the synchronizer and waits for the first identity
// notification, which reflects any restored session.
func (a *app) start(ctx context.Context) error {
	if err := a.sync.Start(ctx); err != nil {
		return err
	}

	select {
	case <-a.session.Settled():
		return nil
	case <-time.After(settleTimeout):
		return goerrors.New("identity state did not settle in time", goerrors.CategoryOperation)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitPrincipal blocks until the session store shows uid, or no principal
// when uid is empty. Profile writes queued by then are drained too.
func (a *app) awaitPrincipal(ctx context.Context, uid string) {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()

	matched := make(chan struct{})
	done := false
	unsubscribe := a.session.Subscribe(func(state auth.SessionState) {
		if done {
			return
		}
		if (uid == "" && state.Principal == nil) || (state.Principal != nil && state.Principal.UID == uid) {
			done = true
			close(matched)
		}
	})
	defer unsubscribe()

	select {
	case <-matched:
	case <-ctx.Done():
		a.logger.Warn("session store did not catch up", "uid", uid)
	}
}

func (a *app) close() {
	if a.sync != nil {
		_ = a.sync.Close()
		a.sync.Wait()
	}
	if a.service != nil {
		_ = a.service.Close()
	}
	if a.verifier != nil {
		a.verifier.Close()
	}
	if a.repos != nil {
		_ = a.repos.Close()
	}
	if a.zap != nil {
		_ = a.zap.Sync()
	}
}

func openBrowser(authURL string) error {
	pterm.Info.Println("Complete the sign-in in your browser:")
	pterm.Println(authURL)

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", authURL)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", authURL)
	default:
		cmd = exec.Command("xdg-open", authURL)
	}
	// the URL is already printed, so a missing opener is not fatal
	_ = cmd.Start()
	return nil
}
