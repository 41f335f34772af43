package gate

import (
	"errors"
	"net/url"
	"strconv"

	"github.com/gofiber/fiber/v2"
	goerrors "github.com/goliatone/go-errors"
	auth "github.com/projetometanoia/metanoia-auth"
)

// New returns a middleware that renders the three gate branches over HTTP.
// Unsettled sessions get 202 and the pending view, settled sessions without
// a principal are sent to the login page, and granted requests continue
// with the principal and profile in c.Locals.
func New(config ...Config) fiber.Handler {
	cfg := configDefault(config...)
	if cfg.Session == nil {
		panic("gate: Config.Session is required")
	}

	return func(c *fiber.Ctx) error {
		if cfg.Filter != nil && cfg.Filter(c) {
			return c.Next()
		}

		state := cfg.Session.Snapshot()
		switch auth.Evaluate(state) {
		case auth.GatePending:
			return pending(c, cfg, state)
		case auth.GateLoginRequired:
			return loginRequired(c, cfg)
		}

		if cfg.Binding != nil && !cfg.Binding.Bound(c) {
			cfg.Logger.Debug("gate request without session binding", "path", c.Path())
			return loginRequired(c, cfg)
		}

		principal := state.Principal.Clone()
		profile, err := lookupProfile(c, cfg, principal.UID)
		if err != nil {
			return cfg.ErrorHandler(c, err)
		}

		if profile != nil && profile.Status == auth.ProfileStatusSuspended {
			cfg.Logger.Warn("gate rejected suspended profile", "uid", principal.UID)
			return cfg.ErrorHandler(c, auth.ErrUserDisabled)
		}

		if cfg.MinimumRole != "" {
			if err := auth.RequireRole(profile, cfg.MinimumRole); err != nil {
				cfg.Logger.Warn("gate rejected principal", "uid", principal.UID, "required", cfg.MinimumRole)
				return cfg.ErrorHandler(c, err)
			}
		}

		c.Locals(cfg.PrincipalKey, principal)
		if profile != nil {
			c.Locals(cfg.ProfileKey, profile)
		}

		ctx := auth.WithPrincipal(c.UserContext(), principal)
		if profile != nil {
			ctx = auth.WithProfile(ctx, profile)
		}
		c.SetUserContext(ctx)

		return c.Next()
	}
}

func pending(c *fiber.Ctx, cfg Config, state auth.SessionState) error {
	c.Set(fiber.HeaderCacheControl, "no-store")
	if cfg.IsAPIRequest(c) {
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"gate":    auth.GatePending.String(),
			"settled": false,
		})
	}

	c.Set("Refresh", strconv.Itoa(cfg.PendingRefresh))
	data := auth.TemplateHelpers(state, nil)
	data["refresh_seconds"] = cfg.PendingRefresh
	return c.Status(fiber.StatusAccepted).Render(cfg.PendingView, data)
}

func loginRequired(c *fiber.Ctx, cfg Config) error {
	if cfg.IsAPIRequest(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"gate":  auth.GateLoginRequired.String(),
			"error": auth.ErrNotSignedIn.Message,
			"code":  auth.TextCodeNotSignedIn,
		})
	}

	target := cfg.LoginURL
	if c.Method() == fiber.MethodGet {
		target += "?next=" + url.QueryEscape(c.OriginalURL())
	}
	return c.Redirect(target, fiber.StatusSeeOther)
}

func lookupProfile(c *fiber.Ctx, cfg Config, uid string) (*auth.ProfileRecord, error) {
	if cfg.Profiles == nil {
		return nil, nil
	}

	profile, err := cfg.Profiles.GetProfile(c.UserContext(), uid)
	if err != nil {
		// the record may not be written yet right after first sign-in
		if auth.IsProfileNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return profile, nil
}

func defaultErrorHandler(isAPI func(*fiber.Ctx) bool) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		code := ""
		message := "internal error"

		var richErr *goerrors.Error
		if errors.As(err, &richErr) {
			if richErr.Code != 0 {
				status = richErr.Code
			}
			code = richErr.TextCode
			message = richErr.Message
		}

		if isAPI(c) {
			return c.Status(status).JSON(fiber.Map{"error": message, "code": code})
		}
		return c.Status(status).SendString(message)
	}
}
