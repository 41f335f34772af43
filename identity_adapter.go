package auth

import (
	"context"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
)

// MinPasswordLength is the shortest password accepted on sign-up and sign-in.
const MinPasswordLength = 6

// IdentityAdapter is the application facing wrapper over the hosted identity
// service. It validates input, normalizes failures and records activity. It
// never writes profile records; the Synchronizer does that when the service
// emits the new principal.
type IdentityAdapter struct {
	service      IdentityService
	logger       Logger
	activitySink ActivitySink
	now          func() time.Time
}

// IdentityAdapterOption customizes an IdentityAdapter.
type IdentityAdapterOption func(*IdentityAdapter)

// WithIdentityLogger overrides the logger.
func WithIdentityLogger(logger Logger) IdentityAdapterOption {
	return func(a *IdentityAdapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithIdentityActivitySink sets the sink for authentication events.
func WithIdentityActivitySink(sink ActivitySink) IdentityAdapterOption {
	return func(a *IdentityAdapter) {
		a.activitySink = normalizeActivitySink(sink)
	}
}

// WithIdentityClock injects a custom clock (useful for tests).
func WithIdentityClock(clock func() time.Time) IdentityAdapterOption {
	return func(a *IdentityAdapter) {
		if clock != nil {
			a.now = clock
		}
	}
}

// NewIdentityAdapter wraps service.
func NewIdentityAdapter(service IdentityService, opts ...IdentityAdapterOption) *IdentityAdapter {
	a := &IdentityAdapter{
		service:      service,
		logger:       defLogger{},
		activitySink: noopActivitySink{},
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Stream exposes the identity state stream of the underlying service.
func (a *IdentityAdapter) Stream() IdentityStream {
	return a.service
}

// CurrentPrincipal returns the principal currently signed in, if any.
func (a *IdentityAdapter) CurrentPrincipal() *Principal {
	return a.service.CurrentPrincipal()
}

// SignInWithFederatedProvider runs the federated sign-in flow. Failures,
// including a cancelled flow, are logged and reported as a nil principal.
func (a *IdentityAdapter) SignInWithFederatedProvider(ctx context.Context) *Principal {
	p, err := a.service.SignInWithFederated(ctx)
	if err != nil {
		if HasTextCode(err, TextCodeFederatedCancelled) {
			a.logger.Info("federated sign-in cancelled")
		} else {
			a.logger.Error("federated sign-in failed", "error", err)
		}
		a.record(ctx, ActivityEventLoginFailure, "", map[string]any{
			"provider": ProviderGoogle,
			"error":    errorCode(err),
		})
		return nil
	}
	if p == nil {
		a.logger.Warn("federated sign-in returned no principal")
		return nil
	}

	a.record(ctx, ActivityEventFederatedLogin, p.UID, map[string]any{
		"provider": p.ProviderTag,
	})
	return p.Clone()
}

// SignInWithPassword authenticates with email and password.
func (a *IdentityAdapter) SignInWithPassword(ctx context.Context, email, password string) (*Principal, error) {
	email = normalizeEmail(email)
	if err := validateCredentials(email, password); err != nil {
		return nil, err
	}

	p, err := a.service.SignInWithPassword(ctx, email, password)
	if err != nil {
		a.record(ctx, ActivityEventLoginFailure, "", map[string]any{
			"email": email,
			"error": errorCode(err),
		})
		return nil, normalizeServiceError(err)
	}

	a.record(ctx, ActivityEventLoginSuccess, p.UID, map[string]any{
		"provider": p.ProviderTag,
	})
	return p.Clone(), nil
}

// SignUpWithPassword creates the identity, then sets its display name.
func (a *IdentityAdapter) SignUpWithPassword(ctx context.Context, email, password, displayName string) (*Principal, error) {
	email = normalizeEmail(email)
	displayName = strings.TrimSpace(displayName)

	if err := validateSignUp(email, password, displayName); err != nil {
		return nil, err
	}

	created, err := a.service.CreateUserWithPassword(ctx, email, password)
	if err != nil {
		return nil, normalizeServiceError(err)
	}

	p, err := a.service.UpdateDisplayName(ctx, displayName)
	if err != nil {
		a.logger.Error("sign-up display name update failed", "uid", created.UID, "error", err)
		return nil, normalizeServiceError(err)
	}

	a.record(ctx, ActivityEventSignUp, p.UID, map[string]any{
		"provider": p.ProviderTag,
	})
	return p.Clone(), nil
}

// RequestPasswordReset asks the service to send a reset message to email.
func (a *IdentityAdapter) RequestPasswordReset(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	err := validation.Validate(email, validation.Required, is.Email)
	if err != nil {
		return WithMeta(ErrValidation, err, map[string]any{"field": "email"})
	}

	if err := a.service.SendPasswordReset(ctx, email); err != nil {
		return normalizeServiceError(err)
	}

	a.record(ctx, ActivityEventPasswordResetRequest, "", map[string]any{
		"email": email,
	})
	return nil
}

// SignOut ends the session. Failures are logged only.
func (a *IdentityAdapter) SignOut(ctx context.Context) {
	var uid string
	if p := a.service.CurrentPrincipal(); p != nil {
		uid = p.UID
	}

	if err := a.service.SignOut(ctx); err != nil {
		a.logger.Error("sign-out failed", "error", err)
		return
	}
	a.record(ctx, ActivityEventSignOut, uid, nil)
}

func (a *IdentityAdapter) record(ctx context.Context, eventType ActivityEventType, uid string, meta map[string]any) {
	recordActivity(ctx, a.activitySink, a.logger, ActivityEvent{
		EventType:  eventType,
		UserID:     uid,
		Metadata:   meta,
		OccurredAt: a.now(),
	})
}

type credentialsInput struct {
	Email       string
	Password    string
	DisplayName string
}

// validateCredentials only checks presence and shape. Password rules are
// enforced on sign-up; on sign-in the provider decides.
func validateCredentials(email, password string) error {
	in := credentialsInput{Email: email, Password: password}
	err := validation.ValidateStruct(&in,
		validation.Field(&in.Email, validation.Required, is.Email),
		validation.Field(&in.Password, validation.Required),
	)
	if err != nil {
		return WithMeta(ErrValidation, err, validationMeta(err))
	}
	return nil
}

func validateSignUp(email, password, displayName string) error {
	in := credentialsInput{Email: email, Password: password, DisplayName: displayName}
	err := validation.ValidateStruct(&in,
		validation.Field(&in.Email, validation.Required, is.Email),
		validation.Field(&in.Password, validation.Required, validation.Length(MinPasswordLength, 0)),
		validation.Field(&in.DisplayName, validation.Required, validation.Length(1, 120)),
	)
	if err != nil {
		return WithMeta(ErrValidation, err, validationMeta(err))
	}
	return nil
}

func validationMeta(err error) map[string]any {
	meta := map[string]any{}
	if errs, ok := err.(validation.Errors); ok {
		for field, fieldErr := range errs {
			meta[strings.ToLower(field)] = fieldErr.Error()
		}
	}
	return meta
}

// normalizeServiceError keeps typed errors and wraps anything else as a
// provider failure.
func normalizeServiceError(err error) error {
	if err == nil {
		return nil
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return err
	}
	return WithMeta(ErrProviderUnavailable, err, nil)
}

func errorCode(err error) string {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr.TextCode != "" {
		return richErr.TextCode
	}
	return "UNKNOWN"
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
