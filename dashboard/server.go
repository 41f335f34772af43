package dashboard

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	auth "github.com/projetometanoia/metanoia-auth"
	"github.com/projetometanoia/metanoia-auth/activitymap"
	"github.com/projetometanoia/metanoia-auth/middleware/csrf"
	"github.com/projetometanoia/metanoia-auth/middleware/gate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultSettleTimeout bounds how long a sign-in handler waits for the
// session store to reflect the new principal before redirecting.
const DefaultSettleTimeout = 3 * time.Second

// Identity is the subset of auth.IdentityAdapter the dashboard drives.
type Identity interface {
	SignInWithPassword(ctx context.Context, email, password string) (*auth.Principal, error)
	SignUpWithPassword(ctx context.Context, email, password, displayName string) (*auth.Principal, error)
	RequestPasswordReset(ctx context.Context, email string) error
	SignInWithFederatedProvider(ctx context.Context) *auth.Principal
	SignOut(ctx context.Context)
}

var _ Identity = (*auth.IdentityAdapter)(nil)

// Server is the admin dashboard HTTP server.
type Server struct {
	app              *fiber.App
	identity         Identity
	session          *auth.SessionStore
	profiles         gate.ProfileLookup
	settings         *auth.SettingsCache
	activity         *activitymap.Recorder
	gatherer         prometheus.Gatherer
	logger           auth.Logger
	settleTimeout    time.Duration
	federatedEnabled bool
	trustedHosts     []string
	binding          *gate.Binding
}

// Option customizes a Server.
type Option func(*Server)

// WithProfiles sets the profile lookup used for role checks.
func WithProfiles(profiles gate.ProfileLookup) Option {
	return func(s *Server) {
		if profiles != nil {
			s.profiles = profiles
		}
	}
}

// WithSettings sets the settings cache behind the settings routes.
func WithSettings(settings *auth.SettingsCache) Option {
	return func(s *Server) {
		if settings != nil {
			s.settings = settings
		}
	}
}

// WithActivity exposes the recorder's events on /admin/activity.
func WithActivity(rec *activitymap.Recorder) Option {
	return func(s *Server) {
		if rec != nil {
			s.activity = rec
		}
	}
}

// WithGatherer exposes gatherer on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger auth.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSettleTimeout overrides DefaultSettleTimeout.
func WithSettleTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.settleTimeout = d
		}
	}
}

// WithFederated shows the federated sign-in button.
func WithFederated(enabled bool) Option {
	return func(s *Server) {
		s.federatedEnabled = enabled
	}
}

// WithTrustedHosts sets the Host header values the server answers. The
// default is the loopback names only.
func WithTrustedHosts(hosts ...string) Option {
	return func(s *Server) {
		if len(hosts) > 0 {
			s.trustedHosts = hosts
		}
	}
}

// New builds the server and registers its routes.
func New(identity Identity, session *auth.SessionStore, opts ...Option) (*Server, error) {
	s := &Server{
		identity:      identity,
		session:       session,
		gatherer:      prometheus.DefaultGatherer,
		logger:        auth.NewZapLogger(nil),
		settleTimeout: DefaultSettleTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if s.identity == nil || s.session == nil {
		return nil, goerrors.New("dashboard requires an identity adapter and a session store", goerrors.CategoryInternal)
	}

	binding, err := gate.NewBinding(gate.DefaultBindingCookie)
	if err != nil {
		return nil, err
	}
	s.binding = binding

	engine, err := NewViewEngine()
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load dashboard views")
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "metanoia-admin",
		Views:                 engine,
		ErrorHandler:          s.errorHandler,
		DisableStartupMessage: true,
		ReadTimeout:           15 * time.Second,
		WriteTimeout:          15 * time.Second,
	})
	s.routes()
	return s, nil
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", "addr", addr)
		errCh <- s.app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("admin server shutting down")
		if err := s.app.ShutdownWithTimeout(10 * time.Second); err != nil {
			return err
		}
		return <-errCh
	}
}

func (s *Server) routes() {
	s.app.Use(csrf.New(csrf.Config{TrustedHosts: s.trustedHosts, Logger: s.logger}))

	s.app.Get("/healthz", s.healthz)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	s.app.Get("/login", s.loginShow)
	s.app.Post("/login", s.loginPost)
	s.app.Post("/login/google", s.loginFederated)
	s.app.Post("/logout", gate.New(gate.Config{
		Session: s.session,
		Binding: s.binding,
		Logger:  s.logger,
	}), s.logout)
	s.app.Post("/signup", s.signup)
	s.app.Post("/password-reset", s.passwordReset)
	s.app.Get("/session", s.sessionShow)

	admin := s.app.Group("/admin", gate.New(gate.Config{
		Session:  s.session,
		Profiles: s.profiles,
		Binding:  s.binding,
		Logger:   s.logger,
	}))
	admin.Get("/", s.dashboard)
	admin.Get("/settings", s.settingsList)
	adminOnly := gate.New(gate.Config{
		Session:     s.session,
		Profiles:    s.profiles,
		Binding:     s.binding,
		MinimumRole: auth.RoleAdmin,
		Logger:      s.logger,
	})
	admin.Put("/settings/:key", adminOnly, s.settingsPut)
	admin.Get("/activity", adminOnly, s.activityList)
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	body := fiber.Map{"error": "internal error"}

	var fiberErr *fiber.Error
	var richErr *goerrors.Error
	switch {
	case errors.As(err, &fiberErr):
		status = fiberErr.Code
		body["error"] = fiberErr.Message
	case errors.As(err, &richErr):
		if richErr.Code != 0 {
			status = richErr.Code
		}
		body["error"] = richErr.Message
		body["code"] = richErr.TextCode
	}

	if status >= fiber.StatusInternalServerError {
		meta := map[string]any{}
		if richErr != nil {
			meta = richErr.Metadata
		}
		s.logger.Error("request failed",
			"path", c.Path(),
			"error", err,
			"details", print.MaybePrettyJSON(meta),
		)
	}
	return c.Status(status).JSON(body)
}
