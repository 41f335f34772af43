package activitymap

import (
	"strings"
	"time"

	auth "github.com/projetometanoia/metanoia-auth"
)

const (
	// MetadataKeyActor is where ProfileLifecycle stores the acting party.
	MetadataKeyActor = "actor"
	// MetadataKeySettingKey is where SettingsCache stores the changed key.
	MetadataKeySettingKey = "key"
)

const (
	ObjectTypeProfile = "profile"
	ObjectTypeSetting = "setting"

	defaultChannel = "auth"
	defaultActorID = "system"
)

// Normalized is a transport-agnostic activity shape for the admin feed and
// downstream systems.
type Normalized struct {
	ActorID    string         `json:"actor_id"`
	Verb       string         `json:"verb"`
	ObjectType string         `json:"object_type,omitempty"`
	ObjectID   string         `json:"object_id,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Option customizes normalization behavior.
type Option func(*normalizeOptions)

type normalizeOptions struct {
	actorFallback string
	now           func() time.Time
}

// WithActorFallback sets the actor id used when an event names nobody.
func WithActorFallback(actorID string) Option {
	return func(opts *normalizeOptions) {
		if actorID = strings.TrimSpace(actorID); actorID != "" {
			opts.actorFallback = actorID
		}
	}
}

// WithClock sets the time used for events without OccurredAt.
func WithClock(now func() time.Time) Option {
	return func(opts *normalizeOptions) {
		if now != nil {
			opts.now = now
		}
	}
}

// Normalize converts an auth.ActivityEvent into the normalized shape. The
// channel is the event type prefix, e.g. "profile" for "profile.created".
// Setting changes point at the setting key, everything else at the user.
func Normalize(event auth.ActivityEvent, opts ...Option) Normalized {
	options := normalizeOptions{actorFallback: defaultActorID, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = options.now()
	}

	channel := channelOf(event.EventType)
	out := Normalized{
		Verb:       string(event.EventType),
		ObjectType: ObjectTypeProfile,
		ObjectID:   strings.TrimSpace(event.UserID),
		Channel:    channel,
		Metadata:   cloneMap(event.Metadata),
		OccurredAt: occurredAt.UTC(),
	}

	actor := metadataString(event.Metadata, MetadataKeyActor)
	if channel == "settings" {
		out.ObjectType = ObjectTypeSetting
		out.ObjectID = metadataString(event.Metadata, MetadataKeySettingKey)
	}
	out.ActorID = firstNonEmpty(actor, strings.TrimSpace(event.UserID), options.actorFallback)

	return out
}

func channelOf(t auth.ActivityEventType) string {
	verb := string(t)
	if i := strings.IndexByte(verb, '.'); i > 0 {
		return verb[:i]
	}
	return defaultChannel
}

func metadataString(meta map[string]any, key string) string {
	if v, ok := meta[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func cloneMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
