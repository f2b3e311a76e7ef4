package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultUserRole      = "authenticated_user"
	defaultAdminRole     = "portal_db_admin"
	defaultUserTokenTTL  = time.Hour
	defaultAdminTokenTTL = 5 * time.Minute

	claimRole     = "role"
	claimAudience = "aud"
	claimIssuedAt = "iat"
	claimExpiry   = "exp"
	claimSubject  = "sub"
	claimEmail    = "email"
)

var (
	errMissingSigningSecret = errors.New("token signer: signing secret must be provided")
	errMissingAudience      = errors.New("token signer: audience must be provided")
	errMissingRole          = errors.New("token signer: role must be provided")
	errNonPositiveTTL       = errors.New("token signer: ttl must be positive")
	errMissingSubjectClaim  = errors.New("token signer: subject claim must be provided")
)

// TokenSignerConfig configures the HS256 signer for data API tokens.
type TokenSignerConfig struct {
	SigningSecret []byte
	Audience      string
	UserRole      string
	AdminRole     string
	UserTokenTTL  time.Duration
	AdminTokenTTL time.Duration
	Clock         func() time.Time
}

// TokenSigner mints tokens the data API verifies with the shared secret.
type TokenSigner struct {
	secret        []byte
	audience      string
	userRole      string
	adminRole     string
	userTokenTTL  time.Duration
	adminTokenTTL time.Duration
	clock         func() time.Time
}

// NewTokenSigner validates the configuration and fills role/ttl defaults.
func NewTokenSigner(cfg TokenSignerConfig) (*TokenSigner, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, errMissingAudience
	}
	userRole := strings.TrimSpace(cfg.UserRole)
	if userRole == "" {
		userRole = defaultUserRole
	}
	adminRole := strings.TrimSpace(cfg.AdminRole)
	if adminRole == "" {
		adminRole = defaultAdminRole
	}
	userTTL := cfg.UserTokenTTL
	if userTTL == 0 {
		userTTL = defaultUserTokenTTL
	}
	adminTTL := cfg.AdminTokenTTL
	if adminTTL == 0 {
		adminTTL = defaultAdminTokenTTL
	}
	if userTTL < 0 || adminTTL < 0 {
		return nil, errNonPositiveTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenSigner{
		secret:        append([]byte(nil), cfg.SigningSecret...),
		audience:      audience,
		userRole:      userRole,
		adminRole:     adminRole,
		userTokenTTL:  userTTL,
		adminTokenTTL: adminTTL,
		clock:         clock,
	}, nil
}

// Audience returns the configured aud claim.
func (s *TokenSigner) Audience() string {
	return s.audience
}

// Sign produces an HS256 token carrying claims plus role, aud, iat and exp.
// The reserved claims always win over values supplied in claims.
func (s *TokenSigner) Sign(claims map[string]any, role string, ttl time.Duration) (string, time.Time, error) {
	role = strings.TrimSpace(role)
	if role == "" {
		return "", time.Time{}, errMissingRole
	}
	if ttl <= 0 {
		return "", time.Time{}, errNonPositiveTTL
	}

	now := s.clock().UTC()
	expiresAt := now.Add(ttl)

	mapClaims := make(jwt.MapClaims, len(claims)+4)
	for key, value := range claims {
		mapClaims[key] = value
	}
	mapClaims[claimRole] = role
	mapClaims[claimAudience] = s.audience
	mapClaims[claimIssuedAt] = jwt.NewNumericDate(now)
	mapClaims[claimExpiry] = jwt.NewNumericDate(expiresAt)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mapClaims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token signer: %w", err)
	}
	return signed, expiresAt, nil
}

// IssueUserToken mints the user-role token handed back to the caller.
func (s *TokenSigner) IssueUserToken(email, subject string) (string, time.Time, error) {
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, errMissingSubjectClaim
	}
	return s.Sign(map[string]any{
		claimEmail:   email,
		claimSubject: subject,
	}, s.userRole, s.userTokenTTL)
}

// IssueAdminToken mints the short-lived elevated token used for server-to-server RPC.
func (s *TokenSigner) IssueAdminToken() (string, error) {
	token, _, err := s.Sign(nil, s.adminRole, s.adminTokenTTL)
	return token, err
}

// Verify parses a token minted by this signer and returns its claims.
func (s *TokenSigner) Verify(tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(s.audience),
		jwt.WithTimeFunc(s.clock),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
