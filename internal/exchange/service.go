package exchange

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/portal-bridge/internal/apperrors"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/auth"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/metrics"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/users"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	outcomeOK              = "ok"
	outcomeUnauthenticated = "unauthenticated"
	outcomeEmailRequired   = "email_required"
	outcomeKeysUnavailable = "keys_unavailable"
	outcomeProfileFailed   = "profile_error"
	outcomeMappingFailed   = "mapping_error"
	outcomeTokenFailed     = "token_error"
)

var (
	errMissingVerifier = errors.New("exchange: session verifier required")
	errMissingMapper   = errors.New("exchange: identity mapper required")
	errMissingIssuer   = errors.New("exchange: token issuer required")
	errMissingProvider = errors.New("exchange: identity provider required")
	errMissingAuthType = errors.New("exchange: auth type required")
)

// SessionVerifier authenticates the identity-provider session attached to a request.
type SessionVerifier interface {
	VerifyRequest(r *http.Request) (auth.ExternalPrincipal, error)
}

// ProfileLookup fetches the primary email of an external user.
type ProfileLookup interface {
	PrimaryEmail(ctx context.Context, userID string) (string, error)
}

// TokenIssuer mints the user-role data API token.
type TokenIssuer interface {
	IssueUserToken(email, subject string) (string, time.Time, error)
}

// Config describes the exchange service dependencies.
type Config struct {
	Verifier     SessionVerifier
	Profiles     ProfileLookup
	Mapper       users.Mapper
	Tokens       TokenIssuer
	Provider     string
	AuthType     string
	Federated    bool
	RequireEmail bool
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Result is a successful exchange.
type Result struct {
	Token        string
	ExpiresAt    time.Time
	PortalUserID uuid.UUID
}

// Service turns a verified identity-provider session into a data API token.
type Service struct {
	verifier     SessionVerifier
	profiles     ProfileLookup
	mapper       users.Mapper
	tokens       TokenIssuer
	provider     string
	authType     string
	federated    bool
	requireEmail bool
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

// NewService validates the configuration. Profiles may be nil, in which case
// sessions without an email claim proceed with an empty email.
func NewService(cfg Config) (*Service, error) {
	if cfg.Verifier == nil {
		return nil, errMissingVerifier
	}
	if cfg.Mapper == nil {
		return nil, errMissingMapper
	}
	if cfg.Tokens == nil {
		return nil, errMissingIssuer
	}
	provider := strings.TrimSpace(cfg.Provider)
	if provider == "" {
		return nil, errMissingProvider
	}
	authType := strings.TrimSpace(cfg.AuthType)
	if authType == "" {
		return nil, errMissingAuthType
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		verifier:     cfg.Verifier,
		profiles:     cfg.Profiles,
		mapper:       cfg.Mapper,
		tokens:       cfg.Tokens,
		provider:     provider,
		authType:     authType,
		federated:    cfg.Federated,
		requireEmail: cfg.RequireEmail,
		logger:       logger,
		metrics:      cfg.Metrics,
	}, nil
}

// Exchange verifies the session on r, resolves the internal user and mints a
// user-role token for it.
func (s *Service) Exchange(ctx context.Context, r *http.Request) (Result, error) {
	principal, err := s.verifier.VerifyRequest(r)
	if err != nil {
		if errors.Is(err, auth.ErrKeySetUnavailable) {
			s.metrics.ObserveExchange(outcomeKeysUnavailable)
			s.logger.Error("session keys unavailable", zap.Error(err))
			return Result{}, apperrors.Upstream("session verification unavailable", err, true)
		}
		s.metrics.ObserveExchange(outcomeUnauthenticated)
		s.logger.Debug("session rejected", zap.Error(err))
		return Result{}, apperrors.Unauthenticated("unauthorized", err)
	}
	if strings.TrimSpace(principal.ProviderUserID) == "" || strings.TrimSpace(principal.SessionID) == "" {
		s.metrics.ObserveExchange(outcomeUnauthenticated)
		return Result{}, apperrors.Unauthenticated("unauthorized", auth.ErrMissingSessionIdentity)
	}

	email, err := s.resolveEmail(ctx, principal)
	if err != nil {
		s.metrics.ObserveExchange(outcomeProfileFailed)
		s.logger.Error("profile lookup failed",
			zap.String("provider_user_id", principal.ProviderUserID),
			zap.Error(err))
		return Result{}, apperrors.Upstream("profile lookup failed", err, isTimeout(err))
	}
	if email == "" && s.requireEmail {
		s.metrics.ObserveExchange(outcomeEmailRequired)
		return Result{}, apperrors.BadRequest("email_required")
	}

	portalUserID, err := s.mapper.ResolveOrCreate(ctx, users.MappingRequest{
		Provider:       s.provider,
		AuthType:       s.authType,
		ExternalUserID: principal.ProviderUserID,
		Email:          email,
		Federated:      s.federated,
	})
	if err != nil {
		s.metrics.ObserveExchange(outcomeMappingFailed)
		if apperrors.KindOf(err) == apperrors.KindInternal {
			err = apperrors.Mapping("identity mapping failed", err)
		}
		return Result{}, err
	}

	token, expiresAt, err := s.tokens.IssueUserToken(email, principal.ProviderUserID)
	if err != nil {
		s.metrics.ObserveExchange(outcomeTokenFailed)
		s.logger.Error("user token signing failed", zap.Error(err))
		return Result{}, err
	}

	s.metrics.ObserveExchange(outcomeOK)
	s.logger.Info("session exchanged",
		zap.String("portal_user_id", portalUserID.String()),
		zap.String("session_id", principal.SessionID))
	return Result{Token: token, ExpiresAt: expiresAt, PortalUserID: portalUserID}, nil
}

// resolveEmail prefers the session claim and falls back to the profile.
func (s *Service) resolveEmail(ctx context.Context, principal auth.ExternalPrincipal) (string, error) {
	if email := strings.TrimSpace(principal.Email); email != "" {
		return email, nil
	}
	if s.profiles == nil {
		return "", nil
	}
	email, err := s.profiles.PrimaryEmail(ctx, principal.ProviderUserID)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(email), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}
