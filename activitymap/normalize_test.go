package activitymap_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	auth "github.com/projetometanoia/metanoia-auth"
	"github.com/projetometanoia/metanoia-auth/activitymap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRoleChange(t *testing.T) {
	ts := time.Date(2026, 1, 10, 9, 30, 0, 0, time.UTC)
	event := auth.ActivityEvent{
		EventType:  auth.ActivityEventProfileRoleChanged,
		UserID:     "user-100",
		OccurredAt: ts,
		Metadata: map[string]any{
			"actor": "cli:ana",
			"from":  "user",
			"to":    "admin",
		},
	}

	out := activitymap.Normalize(event)

	assert.Equal(t, "cli:ana", out.ActorID)
	assert.Equal(t, string(auth.ActivityEventProfileRoleChanged), out.Verb)
	assert.Equal(t, activitymap.ObjectTypeProfile, out.ObjectType)
	assert.Equal(t, "user-100", out.ObjectID)
	assert.Equal(t, "profile", out.Channel)
	assert.True(t, out.OccurredAt.Equal(ts))
	assert.Equal(t, "admin", out.Metadata["to"])
}

func TestNormalizeSettingChange(t *testing.T) {
	out := activitymap.Normalize(auth.ActivityEvent{
		EventType: auth.ActivityEventSettingChanged,
		UserID:    "admin-1",
		Metadata:  map[string]any{"key": "site_title"},
	})

	assert.Equal(t, "admin-1", out.ActorID)
	assert.Equal(t, activitymap.ObjectTypeSetting, out.ObjectType)
	assert.Equal(t, "site_title", out.ObjectID)
	assert.Equal(t, "settings", out.Channel)
}

func TestNormalizeFallbacks(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	out := activitymap.Normalize(auth.ActivityEvent{EventType: "custom"},
		activitymap.WithActorFallback("scheduler"),
		activitymap.WithClock(func() time.Time { return now }),
	)

	assert.Equal(t, "scheduler", out.ActorID)
	assert.Equal(t, "auth", out.Channel)
	assert.True(t, out.OccurredAt.Equal(now))
	assert.Nil(t, out.Metadata)

	out = activitymap.Normalize(auth.ActivityEvent{EventType: auth.ActivityEventSignOut})
	assert.Equal(t, "system", out.ActorID)
}

func TestNormalizeDoesNotAliasMetadata(t *testing.T) {
	meta := map[string]any{"key": "a"}
	out := activitymap.Normalize(auth.ActivityEvent{EventType: auth.ActivityEventSettingChanged, Metadata: meta})

	out.Metadata["key"] = "b"
	assert.Equal(t, "a", meta["key"])
}

func TestRecorderKeepsNewestFirst(t *testing.T) {
	rec := activitymap.NewRecorder(3)
	ctx := context.Background()

	assert.Empty(t, rec.Recent(0))

	for i := 0; i < 5; i++ {
		require.NoError(t, rec.Record(ctx, auth.ActivityEvent{
			EventType: auth.ActivityEventLoginSuccess,
			UserID:    fmt.Sprintf("u%d", i),
		}))
	}

	recent := rec.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "u4", recent[0].ObjectID)
	assert.Equal(t, "u3", recent[1].ObjectID)
	assert.Equal(t, "u2", recent[2].ObjectID)

	assert.Len(t, rec.Recent(2), 2)
	assert.Len(t, rec.Recent(10), 3)
}
