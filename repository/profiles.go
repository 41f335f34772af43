package repository

import (
	"context"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	auth "github.com/projetometanoia/metanoia-auth"
	"github.com/uptrace/bun"
)

// ProfileRepository stores Profile Records keyed by principal UID.
type ProfileRepository struct {
	repository.Repository[*auth.ProfileRecord]
	db bun.IDB
}

var _ auth.ProfileAdmin = (*ProfileRepository)(nil)

// NewProfileRepository returns a repository bound to db.
func NewProfileRepository(db *bun.DB) *ProfileRepository {
	repo := repository.NewRepository[*auth.ProfileRecord](db, repository.ModelHandlers[*auth.ProfileRecord]{
		NewRecord: func() *auth.ProfileRecord { return &auth.ProfileRecord{} },
		GetID: func(p *auth.ProfileRecord) uuid.UUID {
			if p == nil {
				return uuid.Nil
			}
			return p.ID
		},
		SetID: func(p *auth.ProfileRecord, id uuid.UUID) {
			if p != nil {
				p.ID = id
			}
		},
	})

	return &ProfileRepository{
		Repository: repo,
		db:         db,
	}
}

// GetProfile returns auth.ErrProfileNotFound when uid has no record.
func (r *ProfileRepository) GetProfile(ctx context.Context, uid string) (*auth.ProfileRecord, error) {
	return r.GetProfileTx(ctx, r.db, uid)
}

func (r *ProfileRepository) GetProfileTx(ctx context.Context, tx bun.IDB, uid string) (*auth.ProfileRecord, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return nil, auth.ErrInvalidPrincipal
	}

	record := &auth.ProfileRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.uid = ?", uid).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if auth.IsProfileNotFound(err) {
			return nil, auth.WithMeta(auth.ErrProfileNotFound,
				repository.NewRecordNotFound().WithMetadata(map[string]any{"uid": uid}),
				map[string]any{"uid": uid},
			)
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load profile").
			WithMetadata(map[string]any{"uid": uid})
	}
	return record, nil
}

// CreateProfile inserts record unless a record for the same UID exists, in
// which case it returns auth.ErrProfileExists and leaves the stored record
// untouched.
func (r *ProfileRepository) CreateProfile(ctx context.Context, record *auth.ProfileRecord) error {
	if record == nil || strings.TrimSpace(record.UID) == "" {
		return auth.ErrInvalidPrincipal
	}
	if record.ID == uuid.Nil {
		record.ID = auth.ProfileID(record.UID)
	}
	if record.Role == "" {
		record.Role = auth.DefaultRole
	}
	if record.Status == "" {
		record.Status = auth.ProfileStatusActive
	}

	res, err := r.db.NewInsert().
		Model(record).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create profile").
			WithMetadata(map[string]any{"uid": record.UID})
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.WithMeta(auth.ErrProfileExists, nil, map[string]any{"uid": record.UID})
	}
	return nil
}

// UpdateProfileLogin writes display name, avatar and last login time. Role,
// status and creation time are never part of the statement.
func (r *ProfileRepository) UpdateProfileLogin(ctx context.Context, uid string, update auth.ProfileLoginUpdate) error {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return auth.ErrInvalidPrincipal
	}

	res, err := r.db.NewUpdate().
		Model((*auth.ProfileRecord)(nil)).
		Set("display_name = ?", update.DisplayName).
		Set("avatar_url = ?", update.AvatarURL).
		Set("last_login_at = ?", update.LastLoginAt).
		Where("uid = ?", uid).
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to update profile").
			WithMetadata(map[string]any{"uid": uid})
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.WithMeta(auth.ErrProfileNotFound, nil, map[string]any{"uid": uid})
	}
	return nil
}

// ListProfiles returns every record, oldest first.
func (r *ProfileRepository) ListProfiles(ctx context.Context) ([]*auth.ProfileRecord, error) {
	var records []*auth.ProfileRecord
	err := r.db.NewSelect().
		Model(&records).
		Order("created_at ASC", "uid ASC").
		Scan(ctx)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to list profiles")
	}
	return records, nil
}

// SetRole changes the role of an existing record. It is the only write path
// for roles after creation.
func (r *ProfileRepository) SetRole(ctx context.Context, uid string, role auth.UserRole) (*auth.ProfileRecord, error) {
	parsed, err := auth.ParseRole(role)
	if err != nil {
		return nil, err
	}

	var updated *auth.ProfileRecord
	err = r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := r.GetProfileTx(ctx, tx, uid)
		if err != nil {
			return err
		}
		if record.Role == parsed {
			updated = record
			return nil
		}

		record.Role = parsed
		updated, err = r.Repository.UpdateTx(ctx, tx, record, repository.UpdateByID(record.ID.String()))
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetStatus changes the lifecycle status of an existing record.
func (r *ProfileRepository) SetStatus(ctx context.Context, uid string, status auth.ProfileStatus) (*auth.ProfileRecord, error) {
	if status != auth.ProfileStatusActive && status != auth.ProfileStatusSuspended {
		return nil, auth.WithMeta(auth.ErrValidation, nil, map[string]any{"status": status})
	}

	var updated *auth.ProfileRecord
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*auth.ProfileRecord)(nil)).
			Set("status = ?", status).
			Where("uid = ?", uid).
			Exec(ctx)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to update profile status").
				WithMetadata(map[string]any{"uid": uid})
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return auth.WithMeta(auth.ErrProfileNotFound, nil, map[string]any{"uid": uid})
		}

		updated, err = r.GetProfileTx(ctx, tx, uid)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
