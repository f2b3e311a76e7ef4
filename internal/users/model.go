package users

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// InternalUser is the portal's own user record, keyed by a generated UUID.
// JSON names follow the data API's portal_users columns.
type InternalUser struct {
	PortalUserID uuid.UUID  `gorm:"column:portal_user_id;type:uuid;primaryKey" json:"portal_user_id"`
	Email        string     `gorm:"column:portal_user_email;size:320" json:"portal_user_email"`
	SignedUp     bool       `gorm:"column:signed_up;not null;default:false" json:"signed_up"`
	IsAdmin      bool       `gorm:"column:portal_admin;not null;default:false" json:"portal_admin"`
	DeletedAt    *time.Time `gorm:"column:deleted_at" json:"deleted_at"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName exposes the table backing internal users.
func (InternalUser) TableName() string {
	return "portal_users"
}

// IdentityMapping binds one provider identity to one internal user.
// The composite primary key enforces uniqueness of (provider, external id).
type IdentityMapping struct {
	AuthProvider       string    `gorm:"column:auth_provider;primaryKey;size:32;not null"`
	AuthProviderUserID string    `gorm:"column:auth_provider_user_id;primaryKey;size:190;not null"`
	PortalUserID       uuid.UUID `gorm:"column:portal_user_id;type:uuid;not null;index"`
	AuthType           string    `gorm:"column:auth_type;size:64;not null"`
	Federated          bool      `gorm:"column:federated;not null;default:false"`
	CreatedAt          time.Time `gorm:"column:created_at;not null"`

	User *InternalUser `gorm:"foreignKey:PortalUserID;references:PortalUserID;constraint:OnDelete:CASCADE"`
}

// TableName exposes the table backing identity mappings.
func (IdentityMapping) TableName() string {
	return "portal_user_auth"
}

// normalize value helper used across mapper implementations.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
