package lookup

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/portal-bridge/internal/apperrors"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/users"
	"go.uber.org/zap"
)

const bearerPrefix = "Bearer "

const (
	messageMissingAuthorization = "Missing or invalid authorization header"
	messageMissingPortalUserID  = "Portal user ID is required as query parameter"
)

var errMissingRows = errors.New("lookup: row source required")

// RowSource reads one portal_users row on behalf of a bearer token.
type RowSource interface {
	GetPortalUser(ctx context.Context, bearerToken, portalUserID string) (users.InternalUser, error)
}

// Service answers authorized single-user lookups. It never inspects the
// bearer token; the data API enforces row-level access with it.
type Service struct {
	rows   RowSource
	logger *zap.Logger
}

// NewService constructs the lookup service.
func NewService(rows RowSource, logger *zap.Logger) (*Service, error) {
	if rows == nil {
		return nil, errMissingRows
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{rows: rows, logger: logger}, nil
}

// GetUser validates the Authorization header and id, then forwards the token.
func (s *Service) GetUser(ctx context.Context, authorizationHeader, portalUserID string) (users.InternalUser, error) {
	if !strings.HasPrefix(authorizationHeader, bearerPrefix) {
		return users.InternalUser{}, apperrors.Unauthenticated(messageMissingAuthorization, nil)
	}
	token := strings.TrimSpace(strings.TrimPrefix(authorizationHeader, bearerPrefix))
	if token == "" {
		return users.InternalUser{}, apperrors.Unauthenticated(messageMissingAuthorization, nil)
	}
	portalUserID = strings.TrimSpace(portalUserID)
	if portalUserID == "" {
		return users.InternalUser{}, apperrors.BadRequest(messageMissingPortalUserID)
	}

	user, err := s.rows.GetPortalUser(ctx, token, portalUserID)
	if err != nil {
		if apperrors.KindOf(err) != apperrors.KindNotFound {
			s.logger.Error("portal user lookup failed",
				zap.String("portal_user_id", portalUserID),
				zap.Error(err))
		}
		return users.InternalUser{}, err
	}
	return user, nil
}
