package identitytoolkit

import (
	"encoding/json"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	auth "github.com/projetometanoia/metanoia-auth"
)

const (
	opSignInWithPassword = "signInWithPassword"
	opSignUp             = "signUp"
	opUpdate             = "update"
	opSendOobCode        = "sendOobCode"
	opSignInWithIdp      = "signInWithIdp"
	opLookup             = "lookup"
	opRefresh            = "refresh"
)

// ErrInvalidIDToken is returned when an ID token fails verification.
var ErrInvalidIDToken = goerrors.New("invalid identity token", goerrors.CategoryAuth).
	WithTextCode("INVALID_ID_TOKEN").
	WithCode(goerrors.CodeUnauthorized)

type apiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// providerCode extracts the machine code from an error message such as
// "WEAK_PASSWORD : Password should be at least 6 characters".
func providerCode(message string) string {
	message = strings.TrimSpace(message)
	if i := strings.IndexAny(message, " :"); i > 0 {
		return message[:i]
	}
	return message
}

// mapAPIError converts an error response into one of the typed auth errors.
func mapAPIError(op string, status int, body []byte) error {
	var parsed apiErrorBody
	_ = json.Unmarshal(body, &parsed)

	code := providerCode(parsed.Error.Message)
	meta := map[string]any{
		"operation": op,
		"status":    status,
	}
	if code != "" {
		meta["provider_code"] = code
	}

	return auth.WithMeta(errorForCode(op, code, status), nil, meta)
}

func errorForCode(op, code string, status int) *goerrors.Error {
	switch code {
	case "EMAIL_NOT_FOUND":
		if op == opSendOobCode {
			return auth.ErrUserNotFound
		}
		return auth.ErrInvalidCredentials
	case "INVALID_PASSWORD", "INVALID_LOGIN_CREDENTIALS":
		return auth.ErrInvalidCredentials
	case "USER_DISABLED":
		return auth.ErrUserDisabled
	case "USER_NOT_FOUND":
		if op == opRefresh || op == opLookup || op == opUpdate {
			return auth.ErrNotSignedIn
		}
		return auth.ErrUserNotFound
	case "EMAIL_EXISTS":
		return auth.ErrEmailAlreadyInUse
	case "WEAK_PASSWORD":
		return auth.ErrWeakPassword
	case "TOO_MANY_ATTEMPTS_TRY_LATER":
		return auth.ErrTooManyAttempts
	case "INVALID_EMAIL", "MISSING_EMAIL", "MISSING_PASSWORD":
		return auth.ErrValidation
	case "TOKEN_EXPIRED", "INVALID_REFRESH_TOKEN", "INVALID_ID_TOKEN", "CREDENTIAL_TOO_OLD_LOGIN_AGAIN", "MISSING_REFRESH_TOKEN":
		return auth.ErrNotSignedIn
	case "INVALID_IDP_RESPONSE", "FEDERATED_USER_ID_ALREADY_LINKED":
		return auth.ErrFederatedSignInCancelled
	}

	if status == 429 {
		return auth.ErrTooManyAttempts
	}
	return auth.ErrProviderUnavailable
}

// isSessionRevoked reports whether err means the stored session cannot be
// refreshed any more.
func isSessionRevoked(err error) bool {
	return auth.HasTextCode(err, auth.TextCodeNotSignedIn) ||
		auth.HasTextCode(err, auth.TextCodeUserDisabled) ||
		auth.HasTextCode(err, auth.TextCodeUserNotFound)
}
