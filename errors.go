package auth

import (
	"database/sql"
	"errors"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
)

const (
	TextCodeInvalidCredentials  = "INVALID_CREDENTIALS"
	TextCodeUserDisabled        = "USER_DISABLED"
	TextCodeUserNotFound        = "USER_NOT_FOUND"
	TextCodeEmailExists         = "EMAIL_EXISTS"
	TextCodeWeakPassword        = "WEAK_PASSWORD"
	TextCodeTooManyAttempts     = "TOO_MANY_ATTEMPTS"
	TextCodeProviderUnavailable = "IDENTITY_PROVIDER_UNAVAILABLE"
	TextCodeFederatedCancelled  = "FEDERATED_SIGNIN_CANCELLED"
	TextCodeNotSignedIn         = "NOT_SIGNED_IN"
	TextCodeInvalidPrincipal    = "INVALID_PRINCIPAL"
	TextCodeProfileNotFound     = "PROFILE_NOT_FOUND"
	TextCodeProfileExists       = "PROFILE_EXISTS"
	TextCodeSettingNotFound     = "SETTING_NOT_FOUND"
	TextCodeForbidden           = "FORBIDDEN"
	TextCodeSynchronizerClosed  = "SYNCHRONIZER_CLOSED"
	TextCodeInvalidRole         = "INVALID_ROLE"
	TextCodeValidationFailed    = "VALIDATION_FAILED"
)

// ErrInvalidCredentials covers unknown emails and wrong passwords alike.
var ErrInvalidCredentials = goerrors.New("invalid email or password", goerrors.CategoryAuth).
	WithTextCode(TextCodeInvalidCredentials).
	WithCode(goerrors.CodeUnauthorized)

// ErrUserDisabled is returned when the identity service reports a disabled account.
var ErrUserDisabled = goerrors.New("user account is disabled", goerrors.CategoryAuth).
	WithTextCode(TextCodeUserDisabled).
	WithCode(goerrors.CodeForbidden)

// ErrUserNotFound is returned when a password reset targets an unknown email.
var ErrUserNotFound = goerrors.New("user not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeUserNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrEmailAlreadyInUse is returned by sign-up for a registered email.
var ErrEmailAlreadyInUse = goerrors.New("email already in use", goerrors.CategoryConflict).
	WithTextCode(TextCodeEmailExists).
	WithCode(goerrors.CodeConflict)

// ErrWeakPassword is returned by sign-up when the password is rejected.
var ErrWeakPassword = goerrors.New("password is too weak", goerrors.CategoryValidation).
	WithTextCode(TextCodeWeakPassword).
	WithCode(goerrors.CodeBadRequest)

// ErrTooManyAttempts is returned when the identity service throttles the caller.
var ErrTooManyAttempts = goerrors.New("too many attempts, try again later", goerrors.CategoryRateLimit).
	WithTextCode(TextCodeTooManyAttempts).
	WithCode(429)

// ErrProviderUnavailable wraps transport and unexpected identity service failures.
var ErrProviderUnavailable = goerrors.New("identity provider unavailable", goerrors.CategoryOperation).
	WithTextCode(TextCodeProviderUnavailable).
	WithCode(503)

// ErrFederatedSignInCancelled is returned when the federated flow is closed,
// denied or times out.
var ErrFederatedSignInCancelled = goerrors.New("federated sign-in cancelled", goerrors.CategoryAuth).
	WithTextCode(TextCodeFederatedCancelled).
	WithCode(goerrors.CodeUnauthorized)

// ErrNotSignedIn is returned by operations that need a current principal.
var ErrNotSignedIn = goerrors.New("no user is signed in", goerrors.CategoryAuth).
	WithTextCode(TextCodeNotSignedIn).
	WithCode(goerrors.CodeUnauthorized)

// ErrInvalidPrincipal is returned when a principal has no UID.
var ErrInvalidPrincipal = goerrors.New("principal has no unique identifier", goerrors.CategoryBadInput).
	WithTextCode(TextCodeInvalidPrincipal).
	WithCode(goerrors.CodeBadRequest)

// ErrProfileNotFound is returned by ProfileStore lookups and updates.
var ErrProfileNotFound = goerrors.New("profile not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeProfileNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrProfileExists is returned by a conditional create that lost to an existing record.
var ErrProfileExists = goerrors.New("profile already exists", goerrors.CategoryConflict).
	WithTextCode(TextCodeProfileExists).
	WithCode(goerrors.CodeConflict)

// ErrSettingNotFound is returned by SettingsStore lookups.
var ErrSettingNotFound = goerrors.New("setting not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeSettingNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrForbidden is returned when a principal's role is below the required level.
var ErrForbidden = goerrors.New("insufficient role", goerrors.CategoryAuthz).
	WithTextCode(TextCodeForbidden).
	WithCode(goerrors.CodeForbidden)

// ErrInvalidRole is returned when parsing an unknown role.
var ErrInvalidRole = goerrors.New("unknown or invalid role", goerrors.CategoryValidation).
	WithTextCode(TextCodeInvalidRole).
	WithCode(goerrors.CodeBadRequest)

// ErrValidation is returned when user input fails validation.
var ErrValidation = goerrors.New("invalid input", goerrors.CategoryValidation).
	WithTextCode(TextCodeValidationFailed).
	WithCode(goerrors.CodeBadRequest)

// ErrSynchronizerClosed is returned when starting a closed Synchronizer.
var ErrSynchronizerClosed = goerrors.New("synchronizer closed", goerrors.CategoryOperation).
	WithTextCode(TextCodeSynchronizerClosed).
	WithCode(goerrors.CodeInternal)

// WithMeta returns a copy of base carrying metadata and, when set, the source error.
func WithMeta(base *goerrors.Error, source error, meta map[string]any) error {
	clone := base.Clone()
	if clone == nil {
		return base
	}
	if source != nil {
		clone.Source = source
	}
	if len(meta) > 0 {
		clone.WithMetadata(meta)
	}
	return clone
}

// HasTextCode reports whether err is a rich error carrying the given text code.
func HasTextCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr.TextCode == code {
		return true
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if richErr, ok := e.(*goerrors.Error); ok && richErr.TextCode == code {
			return true
		}
	}
	return false
}

// IsProfileNotFound matches ErrProfileNotFound as well as raw storage misses.
func IsProfileNotFound(err error) bool {
	if err == nil {
		return false
	}
	if HasTextCode(err, TextCodeProfileNotFound) {
		return true
	}
	return errors.Is(err, sql.ErrNoRows) || repository.IsRecordNotFound(err)
}

// IsProfileExists matches ErrProfileExists.
func IsProfileExists(err error) bool {
	return HasTextCode(err, TextCodeProfileExists)
}

// IsSettingNotFound matches ErrSettingNotFound as well as raw storage misses.
func IsSettingNotFound(err error) bool {
	if err == nil {
		return false
	}
	if HasTextCode(err, TextCodeSettingNotFound) {
		return true
	}
	return errors.Is(err, sql.ErrNoRows) || repository.IsRecordNotFound(err)
}

// IsInvalidCredentials matches ErrInvalidCredentials.
func IsInvalidCredentials(err error) bool {
	return HasTextCode(err, TextCodeInvalidCredentials)
}
