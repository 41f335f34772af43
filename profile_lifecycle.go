package auth

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeInvalidTransition = "INVALID_PROFILE_STATUS_TRANSITION"
)

// ErrInvalidTransition is returned when a requested status change is not allowed.
var ErrInvalidTransition = goerrors.New("invalid profile status transition", goerrors.CategoryValidation).
	WithTextCode(TextCodeInvalidTransition).
	WithCode(goerrors.CodeBadRequest)

// ActorRef identifies who or what triggered an administrative change.
type ActorRef struct {
	ID   string
	Type string
}

// TransitionContext is passed into hooks.
type TransitionContext struct {
	Actor   ActorRef
	Profile *ProfileRecord
	From    ProfileStatus
	To      ProfileStatus
	Reason  string
}

// TransitionHook is executed before or after a status change is stored.
type TransitionHook func(ctx context.Context, tc TransitionContext) error

// TransitionOption customizes a single transition.
type TransitionOption func(*transitionOptions)

type transitionOptions struct {
	reason      string
	beforeHooks []TransitionHook
	afterHooks  []TransitionHook
}

// WithTransitionReason sets the human-readable reason for the transition.
func WithTransitionReason(reason string) TransitionOption {
	return func(opts *transitionOptions) {
		opts.reason = reason
	}
}

// WithBeforeTransitionHook adds a hook executed before the status update.
// An error aborts the transition.
func WithBeforeTransitionHook(h TransitionHook) TransitionOption {
	return func(opts *transitionOptions) {
		if h != nil {
			opts.beforeHooks = append(opts.beforeHooks, h)
		}
	}
}

// WithAfterTransitionHook adds a hook executed after the status update.
func WithAfterTransitionHook(h TransitionHook) TransitionOption {
	return func(opts *transitionOptions) {
		if h != nil {
			opts.afterHooks = append(opts.afterHooks, h)
		}
	}
}

// ProfileLifecycle performs the out-of-band administrative writes on
// Profile Records: role changes and status transitions. Sign-in never goes
// through it.
type ProfileLifecycle struct {
	store        ProfileAdmin
	transitions  map[ProfileStatus]map[ProfileStatus]struct{}
	now          func() time.Time
	activitySink ActivitySink
	logger       Logger
}

// ProfileLifecycleOption customizes a ProfileLifecycle.
type ProfileLifecycleOption func(*ProfileLifecycle)

// WithProfileLifecycleClock injects a custom clock (useful for tests).
func WithProfileLifecycleClock(clock func() time.Time) ProfileLifecycleOption {
	return func(l *ProfileLifecycle) {
		if clock != nil {
			l.now = clock
		}
	}
}

// WithProfileLifecycleActivitySink sets the sink for role and status events.
func WithProfileLifecycleActivitySink(sink ActivitySink) ProfileLifecycleOption {
	return func(l *ProfileLifecycle) {
		l.activitySink = normalizeActivitySink(sink)
	}
}

// WithProfileLifecycleLogger overrides the logger.
func WithProfileLifecycleLogger(logger Logger) ProfileLifecycleOption {
	return func(l *ProfileLifecycle) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewProfileLifecycle returns a lifecycle backed by store.
func NewProfileLifecycle(store ProfileAdmin, opts ...ProfileLifecycleOption) *ProfileLifecycle {
	l := &ProfileLifecycle{
		store: store,
		transitions: map[ProfileStatus]map[ProfileStatus]struct{}{
			ProfileStatusActive: {
				ProfileStatusSuspended: {},
			},
			ProfileStatusSuspended: {
				ProfileStatusActive: {},
			},
		},
		now:          time.Now,
		activitySink: noopActivitySink{},
		logger:       defLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// SetRole changes the role of uid and records who did it.
func (l *ProfileLifecycle) SetRole(ctx context.Context, actor ActorRef, uid string, role UserRole) (*ProfileRecord, error) {
	current, err := l.store.GetProfile(ctx, uid)
	if err != nil {
		return nil, err
	}

	updated, err := l.store.SetRole(ctx, uid, role)
	if err != nil {
		return nil, err
	}

	if current.Role != updated.Role {
		l.record(ctx, ActivityEvent{
			EventType: ActivityEventProfileRoleChanged,
			UserID:    uid,
			Metadata: map[string]any{
				"actor": actorLabel(actor),
				"from":  current.Role,
				"to":    updated.Role,
			},
		})
	}
	return updated, nil
}

// Suspend moves an active profile to suspended.
func (l *ProfileLifecycle) Suspend(ctx context.Context, actor ActorRef, uid string, opts ...TransitionOption) (*ProfileRecord, error) {
	return l.Transition(ctx, actor, uid, ProfileStatusSuspended, opts...)
}

// Reinstate moves a suspended profile back to active.
func (l *ProfileLifecycle) Reinstate(ctx context.Context, actor ActorRef, uid string, opts ...TransitionOption) (*ProfileRecord, error) {
	return l.Transition(ctx, actor, uid, ProfileStatusActive, opts...)
}

// Transition changes the status of uid to target. Moving to the current
// status is a no-op.
func (l *ProfileLifecycle) Transition(ctx context.Context, actor ActorRef, uid string, target ProfileStatus, opts ...TransitionOption) (*ProfileRecord, error) {
	if target == "" {
		return nil, WithMeta(ErrInvalidTransition, nil, map[string]any{"reason": "target status is empty"})
	}

	profile, err := l.store.GetProfile(ctx, uid)
	if err != nil {
		return nil, err
	}

	from := profile.Status
	if from == "" {
		from = ProfileStatusActive
	}
	if from == target {
		return profile, nil
	}
	if !l.canTransition(from, target) {
		return nil, WithMeta(ErrInvalidTransition, nil, map[string]any{
			"uid":  uid,
			"from": from,
			"to":   target,
		})
	}

	options := &transitionOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}

	tc := TransitionContext{
		Actor:   actor,
		Profile: profile,
		From:    from,
		To:      target,
		Reason:  options.reason,
	}

	if err := runHooks(ctx, options.beforeHooks, tc); err != nil {
		return nil, err
	}

	updated, err := l.store.SetStatus(ctx, uid, target)
	if err != nil {
		return nil, err
	}
	tc.Profile = updated

	meta := map[string]any{
		"actor": actorLabel(actor),
		"from":  from,
		"to":    target,
	}
	if options.reason != "" {
		meta["reason"] = options.reason
	}
	l.record(ctx, ActivityEvent{
		EventType: ActivityEventProfileStatusChanged,
		UserID:    uid,
		Metadata:  meta,
	})

	if err := runHooks(ctx, options.afterHooks, tc); err != nil {
		l.logger.Warn("after transition hook failed", "uid", uid, "error", err)
	}
	return updated, nil
}

func (l *ProfileLifecycle) canTransition(from, to ProfileStatus) bool {
	allowed, ok := l.transitions[from]
	if !ok {
		return false
	}
	_, exists := allowed[to]
	return exists
}

func (l *ProfileLifecycle) record(ctx context.Context, event ActivityEvent) {
	event.OccurredAt = l.now()
	recordActivity(ctx, l.activitySink, l.logger, event)
}

func runHooks(ctx context.Context, hooks []TransitionHook, tc TransitionContext) error {
	for _, hook := range hooks {
		if err := hook(ctx, tc); err != nil {
			return err
		}
	}
	return nil
}

func actorLabel(actor ActorRef) string {
	switch {
	case actor.ID != "" && actor.Type != "":
		return actor.Type + ":" + actor.ID
	case actor.ID != "":
		return actor.ID
	case actor.Type != "":
		return actor.Type
	}
	return "system"
}
