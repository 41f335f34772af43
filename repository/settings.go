package repository

import (
	"context"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	auth "github.com/projetometanoia/metanoia-auth"
	"github.com/uptrace/bun"
)

// SettingsRepository stores the site settings document as key/value rows.
type SettingsRepository struct {
	db  bun.IDB
	now func() time.Time
}

var _ auth.SettingsStore = (*SettingsRepository)(nil)

func NewSettingsRepository(db bun.IDB) *SettingsRepository {
	return &SettingsRepository{db: db, now: time.Now}
}

func (r *SettingsRepository) GetSetting(ctx context.Context, key string) (*auth.Setting, error) {
	key = strings.TrimSpace(key)
	setting := &auth.Setting{}
	err := r.db.NewSelect().
		Model(setting).
		Where("?TableAlias.key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if auth.IsSettingNotFound(err) {
			return nil, auth.WithMeta(auth.ErrSettingNotFound, nil, map[string]any{"key": key})
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load setting").
			WithMetadata(map[string]any{"key": key})
	}
	return setting, nil
}

// PutSetting inserts or replaces the value stored under setting.Key.
func (r *SettingsRepository) PutSetting(ctx context.Context, setting *auth.Setting) error {
	if setting == nil || strings.TrimSpace(setting.Key) == "" {
		return auth.WithMeta(auth.ErrValidation, nil, map[string]any{"field": "key"})
	}
	setting.Key = strings.TrimSpace(setting.Key)
	if setting.UpdatedAt.IsZero() {
		setting.UpdatedAt = r.now().UTC()
	}

	_, err := r.db.NewInsert().
		Model(setting).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("updated_by = EXCLUDED.updated_by").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to store setting").
			WithMetadata(map[string]any{"key": setting.Key})
	}
	return nil
}

// ListSettings returns all settings ordered by key.
func (r *SettingsRepository) ListSettings(ctx context.Context) ([]*auth.Setting, error) {
	var settings []*auth.Setting
	if err := r.db.NewSelect().Model(&settings).Order("key ASC").Scan(ctx); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to list settings")
	}
	return settings, nil
}
