package gate

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"io"
	"sync"

	"github.com/gofiber/fiber/v2"
	goerrors "github.com/goliatone/go-errors"
)

const (
	DefaultBindingCookie = "metanoia_session"

	bindingSecretLength = 32
)

// Binding ties the process-wide session to the browsers that signed in
// through the dashboard. It holds a random secret for the life of the
// process and hands it out as an HttpOnly, SameSite=Strict cookie.
// Requests without the cookie are treated as signed out.
type Binding struct {
	cookie string

	mu     sync.RWMutex
	secret string
}

// NewBinding returns a Binding with a fresh secret. An empty cookie name
// means DefaultBindingCookie.
func NewBinding(cookie string) (*Binding, error) {
	if cookie == "" {
		cookie = DefaultBindingCookie
	}
	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	return &Binding{cookie: cookie, secret: secret}, nil
}

// CookieName returns the name of the binding cookie.
func (b *Binding) CookieName() string {
	return b.cookie
}

// Issue sets the binding cookie on the response.
func (b *Binding) Issue(c *fiber.Ctx) {
	b.mu.RLock()
	secret := b.secret
	b.mu.RUnlock()

	c.Cookie(&fiber.Cookie{
		Name:     b.cookie,
		Value:    secret,
		Path:     "/",
		HTTPOnly: true,
		Secure:   c.Protocol() == "https",
		SameSite: fiber.CookieSameSiteStrictMode,
	})
}

// Bound reports whether the request carries the current secret.
func (b *Binding) Bound(c *fiber.Ctx) bool {
	got := c.Cookies(b.cookie)
	if got == "" {
		return false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	return subtle.ConstantTimeCompare([]byte(got), []byte(b.secret)) == 1
}

// Revoke rotates the secret, unbinding every browser, and expires the
// cookie on the response.
func (b *Binding) Revoke(c *fiber.Ctx) error {
	secret, err := generateSecret()
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.secret = secret
	b.mu.Unlock()

	c.ClearCookie(b.cookie)
	return nil
}

func generateSecret() (string, error) {
	buf := make([]byte, bindingSecretLength)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to generate session binding secret")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
