package social

import (
	"errors"
	"fmt"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeInvalidState      = "social_invalid_state"
	TextCodeStateExpired      = "social_state_expired"
	TextCodeTokenExchangeFail = "social_token_exchange_failed"
	TextCodeAccessDenied      = "social_access_denied"
)

// ErrInvalidState is returned when the OAuth state is invalid or tampered.
var ErrInvalidState = goerrors.New("invalid oauth state", goerrors.CategoryBadInput).
	WithTextCode(TextCodeInvalidState).
	WithCode(goerrors.CodeBadRequest)

// ErrStateExpired is returned when the OAuth state has expired.
var ErrStateExpired = goerrors.New("oauth state expired", goerrors.CategoryBadInput).
	WithTextCode(TextCodeStateExpired).
	WithCode(goerrors.CodeBadRequest)

// ErrTokenExchangeFailed is returned when a provider token exchange fails.
var ErrTokenExchangeFailed = goerrors.New("token exchange failed", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenExchangeFail).
	WithCode(goerrors.CodeUnauthorized)

// ErrAccessDenied is returned when the user declines consent.
var ErrAccessDenied = goerrors.New("access denied by user", goerrors.CategoryAuth).
	WithTextCode(TextCodeAccessDenied).
	WithCode(goerrors.CodeUnauthorized)

// IsAccessDenied matches ErrAccessDenied.
func IsAccessDenied(err error) bool {
	var richErr *goerrors.Error
	return goerrors.As(err, &richErr) && richErr.TextCode == TextCodeAccessDenied
}

// ProviderError captures normalized provider response details.
type ProviderError struct {
	Provider    string
	Operation   string
	Status      int
	Code        string
	Description string
	Err         error
}

func (e *ProviderError) Error() string {
	scope := e.Provider
	if e.Operation != "" {
		scope = fmt.Sprintf("%s %s", e.Provider, e.Operation)
	}

	switch {
	case e.Description != "":
		return fmt.Sprintf("%s failed: %s", scope, e.Description)
	case e.Code != "":
		return fmt.Sprintf("%s failed: %s", scope, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("%s failed: %v", scope, e.Err)
	}
	return scope + " failed"
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Metadata returns the non-empty fields as error metadata.
func (e *ProviderError) Metadata() map[string]any {
	meta := map[string]any{}
	if e.Provider != "" {
		meta["provider"] = e.Provider
	}
	if e.Operation != "" {
		meta["operation"] = e.Operation
	}
	if e.Status != 0 {
		meta["status"] = e.Status
	}
	if e.Code != "" {
		meta["code"] = e.Code
	}
	if e.Description != "" {
		meta["description"] = e.Description
	}
	return meta
}

func wrapProviderError(base *goerrors.Error, provider string, err error) error {
	meta := map[string]any{"provider": provider}

	var perr *ProviderError
	if errors.As(err, &perr) {
		for k, v := range perr.Metadata() {
			meta[k] = v
		}
	} else if err != nil {
		meta["error"] = err.Error()
	}

	clone := base.Clone()
	if err != nil {
		clone.Source = err
	}
	return clone.WithMetadata(meta)
}
