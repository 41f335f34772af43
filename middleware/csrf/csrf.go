package csrf

import (
	"errors"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/gofiber/fiber/v2"
	goerrors "github.com/goliatone/go-errors"
	auth "github.com/projetometanoia/metanoia-auth"
)

const (
	TextCodeCrossSite     = "CROSS_SITE_REQUEST"
	TextCodeUntrustedHost = "UNTRUSTED_HOST"
)

// ErrCrossSite is returned when a state-changing request comes from another
// site. The dashboard session is process-wide, so any page in the user's
// browser could otherwise sign them out or submit the login form.
var ErrCrossSite = goerrors.New("cross-site request rejected", goerrors.CategoryAuthz).
	WithTextCode(TextCodeCrossSite).
	WithCode(goerrors.CodeForbidden)

// ErrUntrustedHost is returned when the Host header names a host the server
// does not answer for, as in a DNS rebinding attack.
var ErrUntrustedHost = goerrors.New("untrusted host", goerrors.CategoryAuthz).
	WithTextCode(TextCodeUntrustedHost).
	WithCode(goerrors.CodeForbidden)

// Config defines the configuration for the origin check.
type Config struct {
	// Filter skips the middleware when it returns true.
	Filter func(*fiber.Ctx) bool

	// SafeMethods are never checked.
	SafeMethods []string

	// TrustedHosts are the Host header values served, for every method.
	// Entries without a port match any port. "*" accepts any host.
	// Defaults to the loopback names.
	TrustedHosts []string

	// TrustedOrigins are accepted in addition to the request's own host,
	// e.g. "http://localhost:5173" for a dev frontend.
	TrustedOrigins []string

	// ErrorHandler receives ErrUntrustedHost or ErrCrossSite.
	ErrorHandler fiber.ErrorHandler

	Logger auth.Logger
}

// ConfigDefault is the default config.
var ConfigDefault = Config{
	SafeMethods:  []string{fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions, fiber.MethodTrace},
	TrustedHosts: []string{"localhost", "127.0.0.1", "[::1]"},
}

func configDefault(config ...Config) Config {
	if len(config) < 1 {
		config = []Config{{}}
	}
	cfg := config[0]

	if len(cfg.SafeMethods) == 0 {
		cfg.SafeMethods = ConfigDefault.SafeMethods
	}
	if len(cfg.TrustedHosts) == 0 {
		cfg.TrustedHosts = ConfigDefault.TrustedHosts
	}
	hosts := make([]string, len(cfg.TrustedHosts))
	for i, h := range cfg.TrustedHosts {
		hosts[i] = strings.ToLower(strings.TrimSpace(h))
	}
	cfg.TrustedHosts = hosts
	for i, o := range cfg.TrustedOrigins {
		cfg.TrustedOrigins[i] = strings.TrimRight(strings.ToLower(o), "/")
	}
	if cfg.Logger == nil {
		cfg.Logger = auth.NewZapLogger(nil)
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = func(c *fiber.Ctx, err error) error {
			body := fiber.Map{"error": ErrCrossSite.Message, "code": TextCodeCrossSite}
			var richErr *goerrors.Error
			if errors.As(err, &richErr) {
				body = fiber.Map{"error": richErr.Message, "code": richErr.TextCode}
			}
			return c.Status(fiber.StatusForbidden).JSON(body)
		}
	}
	return cfg
}

// New rejects requests for hosts outside TrustedHosts, then unsafe requests
// whose Sec-Fetch-Site, Origin or Referer point at a different site.
// Requests without any of those headers, such as the ones sent by CLI
// tools, pass the origin check.
func New(config ...Config) fiber.Handler {
	cfg := configDefault(config...)

	return func(c *fiber.Ctx) error {
		if cfg.Filter != nil && cfg.Filter(c) {
			return c.Next()
		}
		if !hostTrusted(c.Hostname(), cfg.TrustedHosts) {
			cfg.Logger.Warn("rejected request for untrusted host",
				"method", c.Method(),
				"path", c.Path(),
				"host", c.Hostname(),
			)
			return cfg.ErrorHandler(c, ErrUntrustedHost)
		}
		if slices.Contains(cfg.SafeMethods, c.Method()) {
			return c.Next()
		}

		if !sameSite(c, cfg) {
			cfg.Logger.Warn("rejected cross-site request",
				"method", c.Method(),
				"path", c.Path(),
				"origin", c.Get(fiber.HeaderOrigin),
			)
			return cfg.ErrorHandler(c, ErrCrossSite)
		}
		return c.Next()
	}
}

func sameSite(c *fiber.Ctx, cfg Config) bool {
	switch c.Get("Sec-Fetch-Site") {
	case "same-origin", "none":
		return true
	case "cross-site", "same-site":
		return trusted(c.Get(fiber.HeaderOrigin), cfg)
	}

	if origin := c.Get(fiber.HeaderOrigin); origin != "" && origin != "null" {
		return matchesHost(origin, c.Hostname()) || trusted(origin, cfg)
	}
	if referer := c.Get(fiber.HeaderReferer); referer != "" {
		return matchesHost(referer, c.Hostname()) || trusted(referer, cfg)
	}
	return true
}

func hostTrusted(host string, trusted []string) bool {
	host = strings.ToLower(host)
	if host == "" {
		return false
	}
	name := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		name = h
		if strings.Contains(h, ":") {
			name = "[" + h + "]"
		}
	}
	for _, t := range trusted {
		if t == "*" || t == host || t == name {
			return true
		}
	}
	return false
}

func matchesHost(raw, host string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, host)
}

func trusted(raw string, cfg Config) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return slices.Contains(cfg.TrustedOrigins, strings.ToLower(u.Scheme+"://"+u.Host))
}
