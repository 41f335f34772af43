package auth

import (
	"context"
)

var principalCtxKey = &contextKey{"principal"}
var profileCtxKey = &contextKey{"profile"}

type contextKey struct {
	name string
}

// WithPrincipal sets the Principal in the given context
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey, p.Clone())
}

// PrincipalFromContext finds the principal from the context.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	raw, ok := ctx.Value(principalCtxKey).(*Principal)
	if !ok || raw == nil {
		return nil, false
	}
	return raw, true
}

// WithProfile sets the ProfileRecord in the given context
func WithProfile(ctx context.Context, profile *ProfileRecord) context.Context {
	return context.WithValue(ctx, profileCtxKey, profile)
}

// ProfileFromContext finds the profile record from the context.
func ProfileFromContext(ctx context.Context) (*ProfileRecord, bool) {
	raw, ok := ctx.Value(profileCtxKey).(*ProfileRecord)
	if !ok || raw == nil {
		return nil, false
	}
	return raw, true
}

// Can reports whether the profile stored in ctx holds at least minRole.
// A context without a profile is treated as holding the default role when a
// principal is present, and no role otherwise.
func Can(ctx context.Context, minRole UserRole) bool {
	if profile, ok := ProfileFromContext(ctx); ok {
		return RequireRole(profile, minRole) == nil
	}
	if _, ok := PrincipalFromContext(ctx); ok {
		return IsAtLeast(DefaultRole, minRole)
	}
	return false
}
