package gate

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	auth "github.com/projetometanoia/metanoia-auth"
)

const (
	DefaultPrincipalKey   = "principal"
	DefaultProfileKey     = "profile"
	DefaultPendingView    = "gate/pending"
	DefaultLoginURL       = "/login"
	DefaultPendingRefresh = 2
)

// ProfileLookup resolves the Profile Record of a granted principal.
type ProfileLookup interface {
	GetProfile(ctx context.Context, uid string) (*auth.ProfileRecord, error)
}

// Config configures the gate middleware.
type Config struct {
	// Filter skips the middleware when it returns true.
	Filter func(*fiber.Ctx) bool

	// Session is the store the gate evaluates. Required.
	Session *auth.SessionStore

	// Profiles is used to load the role of a granted principal. Without it
	// every principal holds the default role.
	Profiles ProfileLookup

	// Binding, when set, only grants requests that carry its cookie.
	// Everything else is answered as if nobody were signed in.
	Binding *Binding

	// MinimumRole rejects granted principals below this role with 403.
	MinimumRole auth.UserRole

	// LoginURL is where browsers are sent when no principal is signed in.
	LoginURL string

	// PendingView is rendered with 202 while identity is unsettled.
	PendingView string

	// PendingRefresh is the Refresh header value, in seconds, sent with the
	// pending view.
	PendingRefresh int

	// PrincipalKey and ProfileKey name the c.Locals entries set on grant.
	PrincipalKey string
	ProfileKey   string

	// IsAPIRequest decides between JSON and HTML responses.
	IsAPIRequest func(*fiber.Ctx) bool

	// ErrorHandler handles forbidden and lookup failures. The default
	// writes a JSON or plain error response.
	ErrorHandler fiber.ErrorHandler

	Logger auth.Logger
}

// ConfigDefault is the default config. Session must still be set.
var ConfigDefault = Config{
	LoginURL:       DefaultLoginURL,
	PendingView:    DefaultPendingView,
	PendingRefresh: DefaultPendingRefresh,
	PrincipalKey:   DefaultPrincipalKey,
	ProfileKey:     DefaultProfileKey,
	IsAPIRequest:   IsAPIRequest,
}

func configDefault(config ...Config) Config {
	if len(config) < 1 {
		return ConfigDefault
	}

	cfg := config[0]
	if cfg.LoginURL == "" {
		cfg.LoginURL = ConfigDefault.LoginURL
	}
	if cfg.PendingView == "" {
		cfg.PendingView = ConfigDefault.PendingView
	}
	if cfg.PendingRefresh <= 0 {
		cfg.PendingRefresh = ConfigDefault.PendingRefresh
	}
	if cfg.PrincipalKey == "" {
		cfg.PrincipalKey = ConfigDefault.PrincipalKey
	}
	if cfg.ProfileKey == "" {
		cfg.ProfileKey = ConfigDefault.ProfileKey
	}
	if cfg.IsAPIRequest == nil {
		cfg.IsAPIRequest = ConfigDefault.IsAPIRequest
	}
	if cfg.Logger == nil {
		cfg.Logger = auth.NewZapLogger(nil)
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler(cfg.IsAPIRequest)
	}
	return cfg
}

// IsAPIRequest treats requests under /api and requests that accept JSON
// but not HTML as API calls.
func IsAPIRequest(c *fiber.Ctx) bool {
	if strings.HasPrefix(c.Path(), "/api/") {
		return true
	}
	accept := c.Get(fiber.HeaderAccept)
	return strings.Contains(accept, fiber.MIMEApplicationJSON) && !strings.Contains(accept, fiber.MIMETextHTML)
}
