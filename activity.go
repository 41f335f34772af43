package auth

import (
	"context"
	"errors"
	"time"
)

// ActivityEventType enumerates supported activity categories.
type ActivityEventType string

const (
	ActivityEventLoginSuccess         ActivityEventType = "auth.login.success"
	ActivityEventLoginFailure         ActivityEventType = "auth.login.failure"
	ActivityEventFederatedLogin       ActivityEventType = "auth.federated.login"
	ActivityEventSignUp               ActivityEventType = "auth.signup"
	ActivityEventSignOut              ActivityEventType = "auth.signout"
	ActivityEventPasswordResetRequest ActivityEventType = "auth.password.reset_requested"
	ActivityEventProfileCreated       ActivityEventType = "profile.created"
	ActivityEventProfileUpdated       ActivityEventType = "profile.updated"
	ActivityEventProfileRoleChanged   ActivityEventType = "profile.role.changed"
	ActivityEventProfileStatusChanged ActivityEventType = "profile.status.changed"
	ActivityEventSettingChanged       ActivityEventType = "settings.changed"
)

// ActivityEvent captures audit-friendly information about an action.
type ActivityEvent struct {
	EventType  ActivityEventType
	UserID     string
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink consumes activity events for auditing/telemetry purposes.
// Sinks run best-effort: failures are logged and never block the caller's
// flow.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}

func recordActivity(ctx context.Context, sink ActivitySink, logger Logger, event ActivityEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	if err := sink.Record(ctx, event); err != nil {
		logger.Warn("activity sink failed", "event", string(event.EventType), "error", err)
	}
}

// MultiActivitySink fans every event out to sinks in order. Nil sinks are
// skipped and the joined errors of failing sinks are returned.
func MultiActivitySink(sinks ...ActivitySink) ActivitySink {
	kept := make([]ActivitySink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return ActivitySinkFunc(func(ctx context.Context, event ActivityEvent) error {
		var errs []error
		for _, s := range kept {
			if err := s.Record(ctx, event); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// LoggingActivitySink writes every event to a Logger at info level.
func LoggingActivitySink(logger Logger) ActivitySink {
	logger = normalizeLogger(logger)
	return ActivitySinkFunc(func(_ context.Context, event ActivityEvent) error {
		args := []any{"event", string(event.EventType), "user_id", event.UserID}
		for k, v := range event.Metadata {
			args = append(args, k, v)
		}
		logger.Info("activity", args...)
		return nil
	})
}
