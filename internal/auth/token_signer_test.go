package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSignerSecret   = "super-secret"
	testSignerAudience = "postgrest"
)

func newTestSigner(t *testing.T, clock func() time.Time) *TokenSigner {
	t.Helper()
	signer, err := NewTokenSigner(TokenSignerConfig{
		SigningSecret: []byte(testSignerSecret),
		Audience:      testSignerAudience,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return signer
}

func TestTokenSignerIssuesUserTokens(t *testing.T) {
	mintedAt := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	signer := newTestSigner(t, func() time.Time { return mintedAt })

	tokenString, expiresAt, err := signer.IssueUserToken("user@example.com", "user_2abc")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(mintedAt.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithTimeFunc(func() time.Time { return mintedAt }))
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			t.Fatalf("unexpected algorithm %s", token.Method.Alg())
		}
		return []byte(testSignerSecret), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}

	if claims["role"] != "authenticated_user" {
		t.Fatalf("unexpected role %v", claims["role"])
	}
	if claims["email"] != "user@example.com" {
		t.Fatalf("unexpected email %v", claims["email"])
	}
	if claims["sub"] != "user_2abc" {
		t.Fatalf("unexpected subject %v", claims["sub"])
	}
	if claims["aud"] != testSignerAudience {
		t.Fatalf("unexpected audience %v", claims["aud"])
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		t.Fatalf("expected expiry claim: %v", err)
	}
	drift := exp.Time.Sub(mintedAt.Add(time.Hour))
	if drift < -2*time.Second || drift > 2*time.Second {
		t.Fatalf("expiry drifted from one hour by %s", drift)
	}
}

func TestTokenSignerRoundTripsThroughVerify(t *testing.T) {
	signer := newTestSigner(t, nil)

	tokenString, _, err := signer.IssueUserToken("user@example.com", "user_2abc")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	claims, err := signer.Verify(tokenString)
	if err != nil {
		t.Fatalf("expected verification success: %v", err)
	}
	subject, err := claims.GetSubject()
	if err != nil || subject != "user_2abc" {
		t.Fatalf("unexpected subject %q (%v)", subject, err)
	}
	issuedAt, _ := claims.GetIssuedAt()
	expiresAt, _ := claims.GetExpirationTime()
	if issuedAt == nil || expiresAt == nil {
		t.Fatalf("expected iat and exp claims")
	}
	if lifetime := expiresAt.Sub(issuedAt.Time); lifetime != time.Hour {
		t.Fatalf("unexpected token lifetime %s", lifetime)
	}

	if _, err := signer.Verify("invalid.token"); err == nil {
		t.Fatalf("expected validation to fail for malformed token")
	}
}

func TestTokenSignerAdminTokenIsShortLived(t *testing.T) {
	mintedAt := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	current := mintedAt
	signer := newTestSigner(t, func() time.Time { return current })

	tokenString, err := signer.IssueAdminToken()
	if err != nil {
		t.Fatalf("unexpected error issuing admin token: %v", err)
	}
	claims, err := signer.Verify(tokenString)
	if err != nil {
		t.Fatalf("expected admin token to verify: %v", err)
	}
	if claims["role"] != "portal_db_admin" {
		t.Fatalf("unexpected admin role %v", claims["role"])
	}
	if _, hasSubject := claims["sub"]; hasSubject {
		t.Fatalf("admin token must not carry a subject")
	}

	current = mintedAt.Add(6 * time.Minute)
	if _, err := signer.Verify(tokenString); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected admin token to expire after five minutes, got %v", err)
	}
}

func TestTokenSignerReservedClaimsCannotBeOverridden(t *testing.T) {
	signer := newTestSigner(t, nil)

	tokenString, _, err := signer.Sign(map[string]any{
		"role":  "postgres",
		"aud":   "somebody-else",
		"email": "user@example.com",
	}, "authenticated_user", time.Minute)
	if err != nil {
		t.Fatalf("unexpected sign error: %v", err)
	}

	claims, err := signer.Verify(tokenString)
	if err != nil {
		t.Fatalf("expected verification success: %v", err)
	}
	if claims["role"] != "authenticated_user" {
		t.Fatalf("caller overrode role: %v", claims["role"])
	}
	if claims["aud"] != testSignerAudience {
		t.Fatalf("caller overrode audience: %v", claims["aud"])
	}
}

func TestTokenSignerRejectsWrongAudience(t *testing.T) {
	signer := newTestSigner(t, nil)
	other, err := NewTokenSigner(TokenSignerConfig{
		SigningSecret: []byte(testSignerSecret),
		Audience:      "another-api",
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, _, err := other.IssueUserToken("user@example.com", "user_2abc")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	if _, err := signer.Verify(tokenString); !errors.Is(err, jwt.ErrTokenInvalidAudience) {
		t.Fatalf("expected audience mismatch, got %v", err)
	}
}

func TestNewTokenSignerValidatesConfig(t *testing.T) {
	if _, err := NewTokenSigner(TokenSignerConfig{Audience: testSignerAudience}); err == nil {
		t.Fatalf("expected constructor error for missing secret")
	}
	if _, err := NewTokenSigner(TokenSignerConfig{SigningSecret: []byte("secret"), Audience: " "}); err == nil {
		t.Fatalf("expected error for missing audience")
	}
	if _, err := NewTokenSigner(TokenSignerConfig{
		SigningSecret: []byte("secret"),
		Audience:      testSignerAudience,
		UserTokenTTL:  -time.Minute,
	}); err == nil {
		t.Fatalf("expected error for negative ttl")
	}
}

func TestTokenSignerRequiresSubjectAndRole(t *testing.T) {
	signer := newTestSigner(t, nil)

	if _, _, err := signer.IssueUserToken("user@example.com", " "); err == nil {
		t.Fatalf("expected error for missing subject")
	}
	if _, _, err := signer.Sign(nil, "", time.Minute); err == nil {
		t.Fatalf("expected error for missing role")
	}
	if _, _, err := signer.Sign(nil, "authenticated_user", 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}
