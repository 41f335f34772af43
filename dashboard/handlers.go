package dashboard

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	goerrors "github.com/goliatone/go-errors"
	auth "github.com/projetometanoia/metanoia-auth"
	"github.com/projetometanoia/metanoia-auth/activitymap"
	"github.com/projetometanoia/metanoia-auth/middleware/gate"
)

func (s *Server) healthz(c *fiber.Ctx) error {
	state := s.session.Snapshot()
	return c.JSON(fiber.Map{
		"status":  "ok",
		"settled": state.Settled,
	})
}

func (s *Server) sessionShow(c *fiber.Ctx) error {
	state := s.visibleState(c)
	return c.JSON(fiber.Map{
		"gate":      auth.Evaluate(state).String(),
		"settled":   state.Settled,
		"principal": state.Principal,
	})
}

func (s *Server) loginShow(c *fiber.Ctx) error {
	return s.renderLogin(c, fiber.StatusOK, fiber.Map{"next": safeNext(c.Query("next"))})
}

func (s *Server) loginPost(c *fiber.Ctx) error {
	email := c.FormValue("email")
	p, err := s.identity.SignInWithPassword(c.UserContext(), email, c.FormValue("password"))
	if err != nil {
		return s.authFailure(c, err, fiber.Map{"email": email})
	}
	return s.signedIn(c, p)
}

func (s *Server) loginFederated(c *fiber.Ctx) error {
	p := s.identity.SignInWithFederatedProvider(c.UserContext())
	if p == nil {
		return s.authFailure(c, auth.ErrFederatedSignInCancelled, nil)
	}
	return s.signedIn(c, p)
}

func (s *Server) signup(c *fiber.Ctx) error {
	email := c.FormValue("email")
	p, err := s.identity.SignUpWithPassword(c.UserContext(), email, c.FormValue("password"), c.FormValue("display_name"))
	if err != nil {
		return s.authFailure(c, err, fiber.Map{"email": email})
	}
	return s.signedIn(c, p)
}

func (s *Server) passwordReset(c *fiber.Ctx) error {
	email := c.FormValue("email")
	if err := s.identity.RequestPasswordReset(c.UserContext(), email); err != nil {
		return s.authFailure(c, err, fiber.Map{"email": email})
	}

	const notice = "Check your inbox for the reset link."
	if gate.IsAPIRequest(c) {
		return c.JSON(fiber.Map{"status": "sent"})
	}
	return s.renderLogin(c, fiber.StatusOK, fiber.Map{"notice": notice, "email": email})
}

func (s *Server) logout(c *fiber.Ctx) error {
	s.identity.SignOut(c.UserContext())
	if err := s.binding.Revoke(c); err != nil {
		return err
	}
	if gate.IsAPIRequest(c) {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.Redirect("/login", fiber.StatusSeeOther)
}

func (s *Server) dashboard(c *fiber.Ctx) error {
	var settings []*auth.Setting
	if s.settings != nil {
		var err error
		if settings, err = s.settings.List(c.UserContext()); err != nil {
			return err
		}
	}

	profile, _ := auth.ProfileFromContext(c.UserContext())
	data := auth.TemplateHelpers(s.session.Snapshot(), profile)
	data["settings"] = settings
	return c.Render(ViewDashboard, data)
}

func (s *Server) settingsList(c *fiber.Ctx) error {
	if s.settings == nil {
		return c.JSON(fiber.Map{"settings": []*auth.Setting{}})
	}
	settings, err := s.settings.List(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"settings": settings})
}

func (s *Server) activityList(c *fiber.Ctx) error {
	if s.activity == nil {
		return c.JSON(fiber.Map{"events": []activitymap.Normalized{}})
	}
	return c.JSON(fiber.Map{"events": s.activity.Recent(c.QueryInt("limit", 50))})
}

type settingPayload struct {
	Value string `json:"value"`
}

func (s *Server) settingsPut(c *fiber.Ctx) error {
	if s.settings == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "settings are not configured")
	}

	var payload settingPayload
	if err := c.BodyParser(&payload); err != nil {
		return auth.WithMeta(auth.ErrValidation, err, map[string]any{"body": "expected JSON with a value field"})
	}

	principal, ok := auth.PrincipalFromContext(c.UserContext())
	if !ok {
		return auth.ErrNotSignedIn
	}

	setting, err := s.settings.Set(c.UserContext(), c.Params("key"), payload.Value, principal.UID)
	if err != nil {
		return err
	}
	return c.JSON(setting)
}

// signedIn waits for the session store to pick up p, binds the browser to
// the session and redirects.
func (s *Server) signedIn(c *fiber.Ctx, p *auth.Principal) error {
	if !s.awaitPrincipal(c.UserContext(), p.UID) {
		s.logger.Warn("session store did not reflect sign-in in time", "uid", p.UID)
	}
	s.binding.Issue(c)

	if gate.IsAPIRequest(c) {
		return c.JSON(fiber.Map{"principal": p})
	}
	return c.Redirect(safeNext(c.FormValue("next")), fiber.StatusSeeOther)
}

func (s *Server) awaitPrincipal(ctx context.Context, uid string) bool {
	ctx, cancel := context.WithTimeout(ctx, s.settleTimeout)
	defer cancel()

	matched := make(chan struct{})
	var once bool
	unsubscribe := s.session.Subscribe(func(state auth.SessionState) {
		if !once && state.Principal != nil && state.Principal.UID == uid {
			once = true
			close(matched)
		}
	})
	defer unsubscribe()

	select {
	case <-matched:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) authFailure(c *fiber.Ctx, err error, data fiber.Map) error {
	status := fiber.StatusInternalServerError
	code := ""
	message := "Something went wrong, try again."

	var richErr *goerrors.Error
	if errors.As(err, &richErr) {
		if richErr.Code != 0 {
			status = richErr.Code
		}
		code = richErr.TextCode
		message = richErr.Message
	}

	if status >= fiber.StatusInternalServerError {
		s.logger.Error("authentication request failed", "path", c.Path(), "error", err)
	}

	if gate.IsAPIRequest(c) {
		return c.Status(status).JSON(fiber.Map{"error": message, "code": code})
	}

	if data == nil {
		data = fiber.Map{}
	}
	data["error"] = message
	data["error_code"] = code
	data["next"] = safeNext(c.FormValue("next"))
	return s.renderLogin(c, status, data)
}

func (s *Server) renderLogin(c *fiber.Ctx, status int, data fiber.Map) error {
	view := auth.TemplateHelpers(s.visibleState(c), nil)
	view["federated_enabled"] = s.federatedEnabled
	for k, v := range data {
		view[k] = v
	}
	return c.Status(status).Render(ViewLogin, view)
}

// visibleState hides the principal from browsers that did not sign in.
func (s *Server) visibleState(c *fiber.Ctx) auth.SessionState {
	state := s.session.Snapshot()
	if !s.binding.Bound(c) {
		state.Principal = nil
	}
	return state
}

// safeNext only allows local absolute paths as redirect targets.
func safeNext(next string) string {
	next = strings.TrimSpace(next)
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.Contains(next, "\\") {
		return "/admin"
	}
	return next
}
