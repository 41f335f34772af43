package repository

import (
	"context"

	goerrors "github.com/goliatone/go-errors"
	auth "github.com/projetometanoia/metanoia-auth"
	"github.com/uptrace/bun"
)

// CreateSchema creates the profiles and settings tables when missing.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	models := []any{
		(*auth.ProfileRecord)(nil),
		(*auth.Setting)(nil),
	}
	for _, model := range models {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create table").
				WithMetadata(map[string]any{"model": model})
		}
	}

	_, err := db.NewCreateIndex().
		Model((*auth.ProfileRecord)(nil)).
		Index("profiles_role_idx").
		Column("role").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create index")
	}
	return nil
}
