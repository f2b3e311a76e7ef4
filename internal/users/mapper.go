package users

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrInvalidMappingRequest indicates the request lacked a provider or external id.
var ErrInvalidMappingRequest = errors.New("users: invalid mapping request")

// MappingRequest describes the external identity to resolve.
type MappingRequest struct {
	Provider       string
	AuthType       string
	ExternalUserID string
	Email          string
	Federated      bool
}

// Normalized trims every string field.
func (r MappingRequest) Normalized() MappingRequest {
	return MappingRequest{
		Provider:       normalize(r.Provider),
		AuthType:       normalize(r.AuthType),
		ExternalUserID: normalize(r.ExternalUserID),
		Email:          normalize(r.Email),
		Federated:      r.Federated,
	}
}

// Validate reports ErrInvalidMappingRequest when required fields are blank.
func (r MappingRequest) Validate() error {
	if normalize(r.Provider) == "" || normalize(r.ExternalUserID) == "" || normalize(r.AuthType) == "" {
		return ErrInvalidMappingRequest
	}
	return nil
}

// Mapper resolves an external identity to a stable internal user id,
// creating the user and mapping on first sight. Repeated or concurrent calls
// for the same (provider, external id) return the same id.
type Mapper interface {
	ResolveOrCreate(ctx context.Context, request MappingRequest) (uuid.UUID, error)
}
