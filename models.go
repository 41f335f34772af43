package auth

import (
	"strings"
	"time"

	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ProfileStatus is the lifecycle status of a Profile Record
type ProfileStatus = string

const (
	ProfileStatusActive    ProfileStatus = "active"
	ProfileStatusSuspended ProfileStatus = "suspended"
)

// ProfileRecord mirrors a principal's profile and authorization role.
// Role and CreatedAt are written once, on creation.
type ProfileRecord struct {
	bun.BaseModel `bun:"table:profiles,alias:prf"`
	ID            uuid.UUID     `bun:"id,pk,type:uuid" json:"id"`
	UID           string        `bun:"uid,notnull,unique" json:"uid"`
	DisplayName   string        `bun:"display_name" json:"display_name,omitempty"`
	Email         string        `bun:"email" json:"email,omitempty"`
	AvatarURL     string        `bun:"avatar_url" json:"avatar_url,omitempty"`
	ProviderTag   string        `bun:"provider" json:"provider,omitempty"`
	Status        ProfileStatus `bun:"status,notnull" json:"status"`
	Role          UserRole      `bun:"role,notnull" json:"role"`
	CreatedAt     time.Time     `bun:"created_at,notnull" json:"created_at"`
	LastLoginAt   time.Time     `bun:"last_login_at,notnull" json:"last_login_at"`
}

// ProfileLoginUpdate is the only payload the reconciliation path writes to an
// existing record. It has no role, status or creation fields on purpose.
type ProfileLoginUpdate struct {
	DisplayName string
	AvatarURL   string
	LastLoginAt time.Time
}

// NewProfileRecord builds the first record for a principal.
func NewProfileRecord(p Principal, now time.Time) *ProfileRecord {
	return &ProfileRecord{
		ID:          ProfileID(p.UID),
		UID:         p.UID,
		DisplayName: p.DisplayName,
		Email:       p.Email,
		AvatarURL:   p.AvatarURL,
		ProviderTag: p.ProviderTag,
		Status:      ProfileStatusActive,
		Role:        DefaultRole,
		CreatedAt:   now,
		LastLoginAt: now,
	}
}

// ProfileID derives the stable record key for a UID so that concurrent
// creators compute the same primary key.
func ProfileID(uid string) uuid.UUID {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return uuid.Nil
	}
	id, err := hashid.NewUUID(uid)
	if err != nil {
		return uuid.NewSHA1(uuid.NameSpaceURL, []byte("metanoia:profile:"+uid))
	}
	return id
}

// Setting is one entry of the site settings document.
type Setting struct {
	bun.BaseModel `bun:"table:settings,alias:stg"`
	Key           string    `bun:"key,pk" json:"key"`
	Value         string    `bun:"value,notnull" json:"value"`
	UpdatedBy     string    `bun:"updated_by" json:"updated_by,omitempty"`
	UpdatedAt     time.Time `bun:"updated_at,notnull" json:"updated_at"`
}
