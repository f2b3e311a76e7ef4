package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	defaultClerkSessionCookie = "__session"
	bearerPrefix              = "Bearer "
)

var (
	ErrInvalidClerkVerifierConfig = errors.New("auth: invalid clerk verifier config")
	ErrMissingSessionToken        = errors.New("clerk session: token required")
	ErrInvalidSessionToken        = errors.New("clerk session: invalid token")
	ErrExpiredSessionToken        = errors.New("clerk session: token expired")
	ErrMissingSessionIdentity     = errors.New("clerk session: subject and session id required")

	errMissingJWKSURL       = errors.New("jwks url configuration required")
	errMissingIssuer        = errors.New("issuer configuration required")
	errUnauthorizedParty    = errors.New("token authorized party not allowed")
	errMissingKeyIdentifier = errors.New("token missing key identifier")
)

// ClerkSessionClaims mirrors the session JWT Clerk attaches to browser requests.
// Email is only present when the instance adds it as a custom session claim.
type ClerkSessionClaims struct {
	SessionID       string `json:"sid"`
	AuthorizedParty string `json:"azp"`
	Email           string `json:"email"`
	jwt.RegisteredClaims
}

// ClerkVerifierConfig describes how Clerk session tokens are validated.
type ClerkVerifierConfig struct {
	JWKSURL           string
	Issuer            string
	AuthorizedParties []string
	SessionCookie     string
	HTTPClient        *http.Client
	CacheTTL          time.Duration
	Logger            *zap.Logger
	Clock             func() time.Time
	AllowedClockSkew  time.Duration
}

// ClerkVerifier validates Clerk session tokens offline against the instance JWKS.
type ClerkVerifier struct {
	issuer        string
	parties       map[string]struct{}
	sessionCookie string
	clock         func() time.Time
	leeway        time.Duration
	keys          *keySet
}

// NewClerkVerifier constructs a verifier with validated configuration.
func NewClerkVerifier(cfg ClerkVerifierConfig) (*ClerkVerifier, error) {
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClerkVerifierConfig, errMissingJWKSURL)
	}
	issuer := strings.TrimRight(strings.TrimSpace(cfg.Issuer), "/")
	if issuer == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClerkVerifierConfig, errMissingIssuer)
	}

	sessionCookie := strings.TrimSpace(cfg.SessionCookie)
	if sessionCookie == "" {
		sessionCookie = defaultClerkSessionCookie
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	parties := make(map[string]struct{}, len(cfg.AuthorizedParties))
	for _, party := range cfg.AuthorizedParties {
		if normalized := strings.TrimSpace(party); normalized != "" {
			parties[normalized] = struct{}{}
		}
	}

	return &ClerkVerifier{
		issuer:        issuer,
		parties:       parties,
		sessionCookie: sessionCookie,
		clock:         clock,
		leeway:        cfg.AllowedClockSkew,
		keys:          newKeySet(jwksURL, httpClient, cfg.CacheTTL, logger, clock),
	}, nil
}

// VerifyRequest extracts the Clerk session token from the session cookie, or
// from the Authorization header when no cookie is present, and verifies it.
func (v *ClerkVerifier) VerifyRequest(r *http.Request) (ExternalPrincipal, error) {
	if r == nil {
		return ExternalPrincipal{}, ErrMissingSessionToken
	}
	return v.VerifyToken(r.Context(), v.sessionToken(r))
}

func (v *ClerkVerifier) sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(v.sessionCookie); err == nil && cookie != nil && strings.TrimSpace(cookie.Value) != "" {
		return strings.TrimSpace(cookie.Value)
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	}
	return ""
}

// VerifyToken validates a raw Clerk session token and returns the principal.
func (v *ClerkVerifier) VerifyToken(ctx context.Context, rawToken string) (ExternalPrincipal, error) {
	token := strings.TrimSpace(rawToken)
	if token == "" {
		return ExternalPrincipal{}, ErrMissingSessionToken
	}

	claims := &ClerkSessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			keyID, _ := t.Header["kid"].(string)
			if keyID == "" {
				return nil, errMissingKeyIdentifier
			}
			return v.keys.lookup(ctx, keyID)
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithTimeFunc(v.clock),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, ErrKeySetUnavailable) {
			return ExternalPrincipal{}, err
		}
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ExternalPrincipal{}, ErrExpiredSessionToken
		}
		return ExternalPrincipal{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return ExternalPrincipal{}, ErrInvalidSessionToken
	}
	if len(v.parties) > 0 && claims.AuthorizedParty != "" {
		if _, allowed := v.parties[claims.AuthorizedParty]; !allowed {
			return ExternalPrincipal{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, errUnauthorizedParty)
		}
	}

	subject := strings.TrimSpace(claims.Subject)
	sessionID := strings.TrimSpace(claims.SessionID)
	if subject == "" || sessionID == "" {
		return ExternalPrincipal{}, ErrMissingSessionIdentity
	}

	return ExternalPrincipal{
		ProviderUserID: subject,
		SessionID:      sessionID,
		Email:          strings.TrimSpace(claims.Email),
	}, nil
}
