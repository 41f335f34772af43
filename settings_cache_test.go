package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	auth "github.com/projetometanoia/metanoia-auth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsCache_ReadThrough(t *testing.T) {
	store := newMemSettingsStore()
	require.NoError(t, store.PutSetting(context.Background(), &auth.Setting{Key: "site_title", Value: "Metanoia"}))

	metrics := auth.NewMetrics(prometheus.NewRegistry())
	cache := auth.NewSettingsCache(store,
		auth.WithSettingsCacheLogger(nopLogger{}),
		auth.WithSettingsCacheMetrics(metrics),
	)

	for i := 0; i < 3; i++ {
		setting, err := cache.Get(context.Background(), "site_title")
		require.NoError(t, err)
		assert.Equal(t, "Metanoia", setting.Value)
	}

	assert.Equal(t, 1, store.getCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SettingsLoads.WithLabelValues("miss")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.SettingsLoads.WithLabelValues("hit")))
}

func TestSettingsCache_ConcurrentMissesShareOneRead(t *testing.T) {
	store := newMemSettingsStore()
	store.getDelay = 50 * time.Millisecond
	require.NoError(t, store.PutSetting(context.Background(), &auth.Setting{Key: "theme", Value: "dark"}))

	cache := auth.NewSettingsCache(store, auth.WithSettingsCacheLogger(nopLogger{}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			setting, err := cache.Get(context.Background(), "theme")
			assert.NoError(t, err)
			assert.Equal(t, "dark", setting.Value)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, store.getCount(), 2)
}

func TestSettingsCache_NotFound(t *testing.T) {
	cache := auth.NewSettingsCache(newMemSettingsStore(), auth.WithSettingsCacheLogger(nopLogger{}))

	_, err := cache.Get(context.Background(), "missing")
	assert.True(t, auth.IsSettingNotFound(err))

	_, err = cache.Get(context.Background(), " ")
	assert.True(t, auth.IsSettingNotFound(err))
}

func TestSettingsCache_SetWritesThrough(t *testing.T) {
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	store := newMemSettingsStore()
	sink := &recordingSink{}
	cache := auth.NewSettingsCache(store,
		auth.WithSettingsCacheLogger(nopLogger{}),
		auth.WithSettingsCacheActivitySink(sink),
		auth.WithSettingsCacheClock(fixedClock(now)),
	)

	setting, err := cache.Set(context.Background(), "banner", "hello", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, now, setting.UpdatedAt)
	assert.Equal(t, "admin-1", setting.UpdatedBy)

	got, err := cache.Get(context.Background(), "banner")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Value)
	assert.Zero(t, store.getCount())
	assert.Equal(t, []auth.ActivityEventType{auth.ActivityEventSettingChanged}, sink.types())
}

func TestSettingsCache_SetFailureEvicts(t *testing.T) {
	store := newMemSettingsStore()
	require.NoError(t, store.PutSetting(context.Background(), &auth.Setting{Key: "banner", Value: "old"}))
	cache := auth.NewSettingsCache(store, auth.WithSettingsCacheLogger(nopLogger{}))

	_, err := cache.Get(context.Background(), "banner")
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Len())

	store.putErr = errors.New("read-only")
	_, err = cache.Set(context.Background(), "banner", "new", "admin-1")
	require.Error(t, err)
	assert.Zero(t, cache.Len())
}

func TestSettingsCache_InvalidateAndTTL(t *testing.T) {
	store := newMemSettingsStore()
	require.NoError(t, store.PutSetting(context.Background(), &auth.Setting{Key: "k", Value: "v1"}))
	cache := auth.NewSettingsCache(store,
		auth.WithSettingsCacheLogger(nopLogger{}),
		auth.WithSettingsCacheTTL(30*time.Millisecond),
	)

	_, err := cache.Get(context.Background(), "k")
	require.NoError(t, err)

	require.NoError(t, store.PutSetting(context.Background(), &auth.Setting{Key: "k", Value: "v2"}))
	cache.Invalidate("k")

	got, err := cache.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Value)

	require.NoError(t, store.PutSetting(context.Background(), &auth.Setting{Key: "k", Value: "v3"}))
	require.Eventually(t, func() bool {
		got, err := cache.Get(context.Background(), "k")
		return err == nil && got.Value == "v3"
	}, time.Second, 10*time.Millisecond)
}

func TestSettingsCache_ListPrimesCache(t *testing.T) {
	store := newMemSettingsStore()
	require.NoError(t, store.PutSetting(context.Background(), &auth.Setting{Key: "a", Value: "1"}))
	require.NoError(t, store.PutSetting(context.Background(), &auth.Setting{Key: "b", Value: "2"}))
	cache := auth.NewSettingsCache(store, auth.WithSettingsCacheLogger(nopLogger{}))

	settings, err := cache.List(context.Background())
	require.NoError(t, err)
	require.Len(t, settings, 2)
	assert.Equal(t, "a", settings[0].Key)

	_, err = cache.Get(context.Background(), "b")
	require.NoError(t, err)
	assert.Zero(t, store.getCount())
}

func TestSettingsCache_SlowLoadDoesNotOverwriteNewerWrite(t *testing.T) {
	store := newMemSettingsStore()
	require.NoError(t, store.PutSetting(context.Background(), &auth.Setting{Key: "k", Value: "old"}))
	store.loaded = make(chan struct{})
	store.release = make(chan struct{})

	cache := auth.NewSettingsCache(store, auth.WithSettingsCacheLogger(nopLogger{}))

	done := make(chan *auth.Setting, 1)
	go func() {
		setting, err := cache.Get(context.Background(), "k")
		assert.NoError(t, err)
		done <- setting
	}()

	<-store.loaded
	_, err := cache.Set(context.Background(), "k", "new", "admin-1")
	require.NoError(t, err)
	close(store.release)

	select {
	case stale := <-done:
		assert.Equal(t, "old", stale.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("load never returned")
	}

	setting, err := cache.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "new", setting.Value)
	assert.Equal(t, 1, store.getCount())
}

func TestSettingsCache_InvalidateDuringLoadDropsResult(t *testing.T) {
	store := newMemSettingsStore()
	require.NoError(t, store.PutSetting(context.Background(), &auth.Setting{Key: "k", Value: "v1"}))
	store.loaded = make(chan struct{}, 1)
	store.release = make(chan struct{})

	cache := auth.NewSettingsCache(store, auth.WithSettingsCacheLogger(nopLogger{}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := cache.Get(context.Background(), "k")
		assert.NoError(t, err)
	}()

	<-store.loaded
	cache.Invalidate("k")
	close(store.release)
	<-done

	assert.Equal(t, 0, cache.Len())
}
