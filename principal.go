package auth

import (
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

const (
	// ProviderPassword tags principals that signed in with email and password.
	ProviderPassword = "password"
	// ProviderGoogle tags principals that signed in through Google.
	ProviderGoogle = "google.com"
)

// Principal is the authenticated identity as reported by the identity
// service. Values are copied across component boundaries; treat them as
// read-only.
type Principal struct {
	UID         string `json:"uid"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	ProviderTag string `json:"provider,omitempty"`
}

// Validate checks the principal carries a usable identifier.
func (p Principal) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.UID, validation.Required),
		validation.Field(&p.Email, is.Email),
		validation.Field(&p.AvatarURL, is.URL),
	)
}

// Clone returns a copy of p, or nil.
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// Label returns the best human readable name for the principal.
func (p Principal) Label() string {
	if name := strings.TrimSpace(p.DisplayName); name != "" {
		return name
	}
	if p.Email != "" {
		return p.Email
	}
	return p.UID
}

func (p Principal) String() string {
	return fmt.Sprintf("Principal{uid=%s email=%s provider=%s}", p.UID, p.Email, p.ProviderTag)
}
