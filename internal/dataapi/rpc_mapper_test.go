package dataapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/MarcoPoloResearchLab/portal-bridge/internal/apperrors"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/users"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdminIssuer struct {
	token  string
	err    error
	issued int
}

func (s *stubAdminIssuer) IssueAdminToken() (string, error) {
	s.issued++
	return s.token, s.err
}

func TestRPCMapperCallsProcedureWithNormalizedIdentity(t *testing.T) {
	var params EnsureUserParams
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer admin-jwt", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		_, _ = w.Write([]byte(`[{"portal_user_id":"` + knownPortalUserID + `"}]`))
	}, 0)
	issuer := &stubAdminIssuer{token: "admin-jwt"}

	mapper, err := NewRPCMapper(RPCMapperConfig{Client: client, Signer: issuer})
	require.NoError(t, err)

	portalUserID, err := mapper.ResolveOrCreate(context.Background(), users.MappingRequest{
		Provider:       " clerk ",
		AuthType:       "oauth",
		ExternalUserID: " user_2abc ",
		Email:          " user@example.com ",
	})
	require.NoError(t, err)
	assert.Equal(t, uuid.MustParse(knownPortalUserID), portalUserID)
	assert.Equal(t, "clerk", params.AuthProvider)
	assert.Equal(t, "user_2abc", params.AuthProviderUserID)
	assert.Equal(t, "user@example.com", params.Email)
	assert.Equal(t, 1, issuer.issued)
}

func TestRPCMapperRejectsIncompleteIdentity(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected")
	}, 0)
	mapper, err := NewRPCMapper(RPCMapperConfig{Client: client, Signer: &stubAdminIssuer{token: "admin-jwt"}})
	require.NoError(t, err)

	_, err = mapper.ResolveOrCreate(context.Background(), users.MappingRequest{Provider: "clerk", AuthType: "oauth"})
	require.ErrorIs(t, err, apperrors.ErrMapping)
	assert.ErrorIs(t, err, users.ErrInvalidMappingRequest)
}

func TestRPCMapperSurfacesSignerFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected")
	}, 0)
	mapper, err := NewRPCMapper(RPCMapperConfig{Client: client, Signer: &stubAdminIssuer{err: errors.New("no key")}})
	require.NoError(t, err)

	_, err = mapper.ResolveOrCreate(context.Background(), users.MappingRequest{
		Provider: "clerk", AuthType: "oauth", ExternalUserID: "user_2abc",
	})
	require.ErrorIs(t, err, apperrors.ErrMapping)
}

func TestNewRPCMapperRequiresDependencies(t *testing.T) {
	_, err := NewRPCMapper(RPCMapperConfig{})
	require.Error(t, err)
}
