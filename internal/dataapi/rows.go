package dataapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/portal-bridge/internal/users"
	"github.com/google/uuid"
)

// PostgREST renders timestamptz with an offset and plain timestamp without
// one; both shapes are accepted.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

type portalUserRow struct {
	PortalUserID uuid.UUID `json:"portal_user_id"`
	Email        string    `json:"portal_user_email"`
	SignedUp     bool      `json:"signed_up"`
	PortalAdmin  bool      `json:"portal_admin"`
	DeletedAt    *rowTime  `json:"deleted_at"`
	CreatedAt    rowTime   `json:"created_at"`
	UpdatedAt    rowTime   `json:"updated_at"`
}

func (r portalUserRow) toInternalUser() users.InternalUser {
	user := users.InternalUser{
		PortalUserID: r.PortalUserID,
		Email:        r.Email,
		SignedUp:     r.SignedUp,
		IsAdmin:      r.PortalAdmin,
		CreatedAt:    r.CreatedAt.Time,
		UpdatedAt:    r.UpdatedAt.Time,
	}
	if r.DeletedAt != nil && !r.DeletedAt.IsZero() {
		deletedAt := r.DeletedAt.Time
		user.DeletedAt = &deletedAt
	}
	return user
}

type rowTime struct {
	time.Time
}

func (t *rowTime) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("dataapi: unrecognised timestamp %q", raw)
}
