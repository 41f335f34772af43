package auth

import (
	"context"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// ProfileUpsertOp names the write a reconciliation performed.
type ProfileUpsertOp string

const (
	ProfileUpsertNone   ProfileUpsertOp = "none"
	ProfileUpsertCreate ProfileUpsertOp = "create"
	ProfileUpsertUpdate ProfileUpsertOp = "update"
)

// ProfileReconciler reconciles the Profile Record of an authenticated principal.
type ProfileReconciler interface {
	Upsert(ctx context.Context, p Principal) (ProfileUpsertOp, error)
}

// DefaultProfileWriteTimeout bounds a single reconciliation.
const DefaultProfileWriteTimeout = 10 * time.Second

// ProfileUpserter creates a Profile Record on first sight and afterwards
// refreshes only the login fields. It makes a single attempt per call.
type ProfileUpserter struct {
	store        ProfileStore
	logger       Logger
	activitySink ActivitySink
	now          func() time.Time
	timeout      time.Duration
}

// ProfileUpserterOption customizes a ProfileUpserter.
type ProfileUpserterOption func(*ProfileUpserter)

// WithProfileUpserterLogger overrides the logger.
func WithProfileUpserterLogger(logger Logger) ProfileUpserterOption {
	return func(u *ProfileUpserter) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// WithProfileUpserterActivitySink sets the sink for profile events.
func WithProfileUpserterActivitySink(sink ActivitySink) ProfileUpserterOption {
	return func(u *ProfileUpserter) {
		u.activitySink = normalizeActivitySink(sink)
	}
}

// WithProfileUpserterClock injects a custom clock (useful for tests).
func WithProfileUpserterClock(clock func() time.Time) ProfileUpserterOption {
	return func(u *ProfileUpserter) {
		if clock != nil {
			u.now = clock
		}
	}
}

// WithProfileWriteTimeout bounds each reconciliation. Zero disables the bound.
func WithProfileWriteTimeout(d time.Duration) ProfileUpserterOption {
	return func(u *ProfileUpserter) {
		u.timeout = d
	}
}

// NewProfileUpserter returns a ProfileUpserter backed by store.
func NewProfileUpserter(store ProfileStore, opts ...ProfileUpserterOption) *ProfileUpserter {
	u := &ProfileUpserter{
		store:        store,
		logger:       defLogger{},
		activitySink: noopActivitySink{},
		now:          time.Now,
		timeout:      DefaultProfileWriteTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(u)
		}
	}
	return u
}

// Upsert looks the record up by UID, creates it when absent and otherwise
// updates display name, avatar and last login. A create that loses a race to
// a concurrent creator falls back to the update.
func (u *ProfileUpserter) Upsert(ctx context.Context, p Principal) (ProfileUpsertOp, error) {
	if strings.TrimSpace(p.UID) == "" {
		return ProfileUpsertNone, ErrInvalidPrincipal
	}

	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	now := u.now().UTC()

	_, err := u.store.GetProfile(ctx, p.UID)
	switch {
	case err == nil:
		return ProfileUpsertUpdate, u.update(ctx, p, now)
	case !IsProfileNotFound(err):
		return ProfileUpsertNone, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load profile").
			WithMetadata(map[string]any{"uid": p.UID})
	}

	record := NewProfileRecord(p, now)
	if err := u.store.CreateProfile(ctx, record); err != nil {
		if IsProfileExists(err) {
			u.logger.Debug("profile created concurrently, updating instead", "uid", p.UID)
			return ProfileUpsertUpdate, u.update(ctx, p, now)
		}
		return ProfileUpsertCreate, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create profile").
			WithMetadata(map[string]any{"uid": p.UID})
	}

	recordActivity(ctx, u.activitySink, u.logger, ActivityEvent{
		EventType:  ActivityEventProfileCreated,
		UserID:     p.UID,
		OccurredAt: now,
		Metadata: map[string]any{
			"role":     record.Role,
			"provider": record.ProviderTag,
		},
	})

	return ProfileUpsertCreate, nil
}

func (u *ProfileUpserter) update(ctx context.Context, p Principal, now time.Time) error {
	update := ProfileLoginUpdate{
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
		LastLoginAt: now,
	}

	if err := u.store.UpdateProfileLogin(ctx, p.UID, update); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to update profile").
			WithMetadata(map[string]any{"uid": p.UID})
	}

	recordActivity(ctx, u.activitySink, u.logger, ActivityEvent{
		EventType:  ActivityEventProfileUpdated,
		UserID:     p.UID,
		OccurredAt: now,
	})
	return nil
}
