package auth

import (
	"context"
	"fmt"
	"strings"
)

// Logger is the structured logger used across the package. Arguments after
// the message are key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// IdentityStream yields the current principal, or nil when signed out, on
// every login, logout and token refresh. The channel is closed when ctx is
// done. Implementations must deliver at least one value shortly after
// subscription.
type IdentityStream interface {
	Subscribe(ctx context.Context) (<-chan *Principal, error)
}

// IdentityService is the hosted identity contract wrapped by IdentityAdapter.
type IdentityService interface {
	IdentityStream

	SignInWithPassword(ctx context.Context, email, password string) (*Principal, error)
	CreateUserWithPassword(ctx context.Context, email, password string) (*Principal, error)
	UpdateDisplayName(ctx context.Context, displayName string) (*Principal, error)
	SignInWithFederated(ctx context.Context) (*Principal, error)
	SendPasswordReset(ctx context.Context, email string) error
	SignOut(ctx context.Context) error
	CurrentPrincipal() *Principal
}

// ProfileStore persists Profile Records keyed by principal UID.
type ProfileStore interface {
	// GetProfile returns ErrProfileNotFound when no record exists.
	GetProfile(ctx context.Context, uid string) (*ProfileRecord, error)
	// CreateProfile inserts the record only if no record with the same UID
	// exists, returning ErrProfileExists otherwise.
	CreateProfile(ctx context.Context, record *ProfileRecord) error
	// UpdateProfileLogin writes the login fields only.
	UpdateProfileLogin(ctx context.Context, uid string, update ProfileLoginUpdate) error
}

// ProfileAdmin covers the out-of-band administrative operations.
type ProfileAdmin interface {
	ProfileStore
	ListProfiles(ctx context.Context) ([]*ProfileRecord, error)
	SetRole(ctx context.Context, uid string, role UserRole) (*ProfileRecord, error)
	SetStatus(ctx context.Context, uid string, status ProfileStatus) (*ProfileRecord, error)
}

// SettingsStore persists the site settings document.
type SettingsStore interface {
	// GetSetting returns ErrSettingNotFound when the key is unknown.
	GetSetting(ctx context.Context, key string) (*Setting, error)
	PutSetting(ctx context.Context, setting *Setting) error
	ListSettings(ctx context.Context) ([]*Setting, error)
}

type defLogger struct{}

func (d defLogger) Debug(msg string, args ...any) {
	fmt.Print("[DBG] AUTH " + line(msg, args))
}

func (d defLogger) Info(msg string, args ...any) {
	fmt.Print("[INF] AUTH " + line(msg, args))
}

func (d defLogger) Warn(msg string, args ...any) {
	fmt.Print("[WRN] AUTH " + line(msg, args))
}

func (d defLogger) Error(msg string, args ...any) {
	fmt.Print("[ERR] AUTH " + line(msg, args))
}

func line(msg string, args []any) string {
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
			continue
		}
		fmt.Fprintf(&b, " %v", args[i])
	}
	b.WriteString("\n")
	return b.String()
}

func normalizeLogger(l Logger) Logger {
	if l == nil {
		return defLogger{}
	}
	return l
}
