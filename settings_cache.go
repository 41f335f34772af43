package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultSettingsCacheSize = 256
	DefaultSettingsCacheTTL  = 5 * time.Minute
)

// SettingsCache is a read-through cache over a SettingsStore. Concurrent
// misses for the same key share one store read.
type SettingsCache struct {
	store        SettingsStore
	cache        *expirable.LRU[string, *Setting]
	group        singleflight.Group
	mu           sync.Mutex
	versions     map[string]uint64
	logger       Logger
	metrics      *Metrics
	activitySink ActivitySink
	now          func() time.Time
}

// SettingsCacheOption customizes a SettingsCache.
type SettingsCacheOption func(*settingsCacheConfig)

type settingsCacheConfig struct {
	size         int
	ttl          time.Duration
	logger       Logger
	metrics      *Metrics
	activitySink ActivitySink
	now          func() time.Time
}

// WithSettingsCacheSize caps the number of cached keys.
func WithSettingsCacheSize(size int) SettingsCacheOption {
	return func(c *settingsCacheConfig) {
		if size > 0 {
			c.size = size
		}
	}
}

// WithSettingsCacheTTL sets how long entries stay fresh.
func WithSettingsCacheTTL(ttl time.Duration) SettingsCacheOption {
	return func(c *settingsCacheConfig) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithSettingsCacheLogger overrides the logger.
func WithSettingsCacheLogger(logger Logger) SettingsCacheOption {
	return func(c *settingsCacheConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSettingsCacheMetrics records hit and miss counters.
func WithSettingsCacheMetrics(m *Metrics) SettingsCacheOption {
	return func(c *settingsCacheConfig) {
		c.metrics = m
	}
}

// WithSettingsCacheActivitySink records settings changes.
func WithSettingsCacheActivitySink(sink ActivitySink) SettingsCacheOption {
	return func(c *settingsCacheConfig) {
		c.activitySink = normalizeActivitySink(sink)
	}
}

// WithSettingsCacheClock injects a custom clock (useful for tests).
func WithSettingsCacheClock(clock func() time.Time) SettingsCacheOption {
	return func(c *settingsCacheConfig) {
		if clock != nil {
			c.now = clock
		}
	}
}

// NewSettingsCache returns a cache backed by store.
func NewSettingsCache(store SettingsStore, opts ...SettingsCacheOption) *SettingsCache {
	cfg := settingsCacheConfig{
		size:         DefaultSettingsCacheSize,
		ttl:          DefaultSettingsCacheTTL,
		logger:       defLogger{},
		activitySink: noopActivitySink{},
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return &SettingsCache{
		store:        store,
		cache:        expirable.NewLRU[string, *Setting](cfg.size, nil, cfg.ttl),
		versions:     map[string]uint64{},
		logger:       cfg.logger,
		metrics:      cfg.metrics,
		activitySink: cfg.activitySink,
		now:          cfg.now,
	}
}

// Get returns the setting for key, reading the store on a miss.
func (c *SettingsCache) Get(ctx context.Context, key string) (*Setting, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, WithMeta(ErrSettingNotFound, nil, map[string]any{"key": key})
	}

	if setting, ok := c.cache.Get(key); ok {
		c.metrics.settingsLoad("hit")
		return cloneSetting(setting), nil
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		version := c.version(key)
		setting, err := c.store.GetSetting(ctx, key)
		if err != nil {
			return nil, err
		}
		c.addIfUnchanged(key, setting, version)
		return setting, nil
	})
	if err != nil {
		if IsSettingNotFound(err) {
			c.metrics.settingsLoad("not_found")
			return nil, WithMeta(ErrSettingNotFound, err, map[string]any{"key": key})
		}
		c.metrics.settingsLoad("error")
		return nil, err
	}

	c.metrics.settingsLoad("miss")
	if shared {
		c.logger.Debug("settings load shared", "key", key)
	}
	return cloneSetting(v.(*Setting)), nil
}

// Set writes value through to the store and refreshes the cached entry.
func (c *SettingsCache) Set(ctx context.Context, key, value, updatedBy string) (*Setting, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, WithMeta(ErrValidation, nil, map[string]any{"key": "cannot be blank"})
	}

	setting := &Setting{
		Key:       key,
		Value:     value,
		UpdatedBy: updatedBy,
		UpdatedAt: c.now().UTC(),
	}
	err := c.store.PutSetting(ctx, setting)

	c.mu.Lock()
	c.versions[key]++
	if err != nil {
		c.cache.Remove(key)
	} else {
		c.cache.Add(key, setting)
	}
	c.mu.Unlock()
	c.group.Forget(key)

	if err != nil {
		return nil, err
	}

	recordActivity(ctx, c.activitySink, c.logger, ActivityEvent{
		EventType:  ActivityEventSettingChanged,
		UserID:     updatedBy,
		OccurredAt: setting.UpdatedAt,
		Metadata:   map[string]any{"key": key},
	})
	return cloneSetting(setting), nil
}

// Invalidate drops key from the cache.
func (c *SettingsCache) Invalidate(key string) {
	key = strings.TrimSpace(key)

	c.mu.Lock()
	c.versions[key]++
	c.cache.Remove(key)
	c.mu.Unlock()
	c.group.Forget(key)
}

// List reads every setting from the store and primes the cache.
// Entries written or invalidated while the list was loading are not primed.
func (c *SettingsCache) List(ctx context.Context) ([]*Setting, error) {
	c.mu.Lock()
	before := make(map[string]uint64, len(c.versions))
	for k, v := range c.versions {
		before[k] = v
	}
	c.mu.Unlock()

	settings, err := c.store.ListSettings(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Setting, 0, len(settings))
	for _, s := range settings {
		c.addIfUnchanged(s.Key, s, before[s.Key])
		out = append(out, cloneSetting(s))
	}
	return out, nil
}

func (c *SettingsCache) version(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versions[key]
}

// addIfUnchanged caches a loaded value unless Set or Invalidate touched the
// key after the load started.
func (c *SettingsCache) addIfUnchanged(key string, setting *Setting, version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.versions[key] != version {
		c.logger.Debug("settings load discarded after concurrent write", "key", key)
		return
	}
	c.cache.Add(key, setting)
}

// Len returns the number of cached entries.
func (c *SettingsCache) Len() int {
	return c.cache.Len()
}

func cloneSetting(s *Setting) *Setting {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}
