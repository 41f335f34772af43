package repository

import (
	"context"
	"database/sql"

	"github.com/uptrace/bun"
)

// Manager owns the database handle and the repositories built on it.
type Manager interface {
	Profiles() *ProfileRepository
	Settings() *SettingsRepository
	Migrate(ctx context.Context) error
	RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error
	Close() error
}

type mngr struct {
	db       *bun.DB
	profiles *ProfileRepository
	settings *SettingsRepository
}

// NewManager wires the repositories for db.
func NewManager(db *bun.DB) Manager {
	return &mngr{
		db:       db,
		profiles: NewProfileRepository(db),
		settings: NewSettingsRepository(db),
	}
}

func (m mngr) Profiles() *ProfileRepository {
	return m.profiles
}

func (m mngr) Settings() *SettingsRepository {
	return m.settings
}

func (m mngr) Migrate(ctx context.Context) error {
	return CreateSchema(ctx, m.db)
}

func (m mngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	return m.db.RunInTx(ctx, opts, f)
}

func (m mngr) Close() error {
	return m.db.Close()
}
