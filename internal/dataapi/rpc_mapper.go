package dataapi

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/portal-bridge/internal/apperrors"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/metrics"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/users"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const strategyRPC = "rpc"

// AdminTokenIssuer mints the short-lived elevated token the RPC requires.
type AdminTokenIssuer interface {
	IssueAdminToken() (string, error)
}

// RPCMapperConfig describes the dependencies of the remote-procedure mapper.
type RPCMapperConfig struct {
	Client  *Client
	Signer  AdminTokenIssuer
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// RPCMapper delegates identity resolution to the ensure_portal_user
// procedure, which is idempotent on the data API side.
type RPCMapper struct {
	client  *Client
	signer  AdminTokenIssuer
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRPCMapper validates dependencies and constructs the mapper.
func NewRPCMapper(cfg RPCMapperConfig) (*RPCMapper, error) {
	if cfg.Client == nil {
		return nil, errors.New("dataapi: client required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("dataapi: admin token issuer required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RPCMapper{
		client:  cfg.Client,
		signer:  cfg.Signer,
		logger:  logger,
		metrics: cfg.Metrics,
	}, nil
}

// ResolveOrCreate mints a fresh admin token per call and invokes the RPC.
func (m *RPCMapper) ResolveOrCreate(ctx context.Context, request users.MappingRequest) (uuid.UUID, error) {
	request = request.Normalized()
	if err := request.Validate(); err != nil {
		return uuid.Nil, apperrors.Mapping("invalid identity", err)
	}

	adminToken, err := m.signer.IssueAdminToken()
	if err != nil {
		m.metrics.ObserveMapping(strategyRPC, "error")
		return uuid.Nil, apperrors.Mapping("issue admin token", err)
	}

	portalUserID, err := m.client.EnsurePortalUser(ctx, adminToken, EnsureUserParams{
		Email:              request.Email,
		AuthProvider:       request.Provider,
		AuthType:           request.AuthType,
		AuthProviderUserID: request.ExternalUserID,
		Federated:          request.Federated,
	})
	if err != nil {
		m.metrics.ObserveMapping(strategyRPC, "error")
		m.logger.Error("ensure_portal_user failed",
			zap.String("auth_provider", request.Provider),
			zap.Error(err))
		return uuid.Nil, err
	}

	m.metrics.ObserveMapping(strategyRPC, "resolved")
	return portalUserID, nil
}
