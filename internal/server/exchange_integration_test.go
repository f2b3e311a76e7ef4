package server_test

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/portal-bridge/internal/auth"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/dataapi"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/database"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/exchange"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/lookup"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/server"
	"github.com/MarcoPoloResearchLab/portal-bridge/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	integrationSigningSecret = "integration-secret"
	integrationIssuer        = "https://clerk.integration.example.com"
	integrationKeyID         = "ins_integration"
	integrationUserID        = "user_integration"
	integrationSessionID     = "sess_integration"
	integrationEmail         = "member@example.com"
)

type integrationEnvironment struct {
	portal     *httptest.Server
	db         *gorm.DB
	signer     *auth.TokenSigner
	privateKey *rsa.PrivateKey
}

func TestExchangeThenLookupFlow(testContext *testing.T) {
	env := newIntegrationEnvironment(testContext)

	sessionToken := env.mintSessionToken(testContext, time.Now())
	exchangeReq, _ := http.NewRequest(http.MethodPost, env.portal.URL+"/auth/exchange", http.NoBody)
	exchangeReq.AddCookie(&http.Cookie{Name: "__session", Value: sessionToken})

	exchangeResp, err := http.DefaultClient.Do(exchangeReq)
	if err != nil {
		testContext.Fatalf("exchange request failed: %v", err)
	}
	defer exchangeResp.Body.Close()
	if exchangeResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected exchange status: %d", exchangeResp.StatusCode)
	}

	var exchangePayload struct {
		Token        string `json:"token"`
		PortalUserID string `json:"portalUserId"`
	}
	if err := json.NewDecoder(exchangeResp.Body).Decode(&exchangePayload); err != nil {
		testContext.Fatalf("failed to decode exchange response: %v", err)
	}
	claims, err := env.signer.Verify(exchangePayload.Token)
	if err != nil {
		testContext.Fatalf("exchanged token failed verification: %v", err)
	}
	if claims["sub"] != integrationUserID || claims["email"] != integrationEmail || claims["role"] != "authenticated_user" {
		testContext.Fatalf("unexpected token claims: %v", claims)
	}

	repeatReq, _ := http.NewRequest(http.MethodPost, env.portal.URL+"/auth/exchange", http.NoBody)
	repeatReq.Header.Set("Authorization", "Bearer "+sessionToken)
	repeatResp, err := http.DefaultClient.Do(repeatReq)
	if err != nil {
		testContext.Fatalf("repeat exchange failed: %v", err)
	}
	defer repeatResp.Body.Close()
	var repeatPayload struct {
		PortalUserID string `json:"portalUserId"`
	}
	if err := json.NewDecoder(repeatResp.Body).Decode(&repeatPayload); err != nil {
		testContext.Fatalf("failed to decode repeat response: %v", err)
	}
	if repeatPayload.PortalUserID != exchangePayload.PortalUserID {
		testContext.Fatalf("expected stable portal user id, got %s then %s", exchangePayload.PortalUserID, repeatPayload.PortalUserID)
	}

	lookupReq, _ := http.NewRequest(http.MethodGet, env.portal.URL+"/user?portal_user_id="+exchangePayload.PortalUserID, http.NoBody)
	lookupReq.Header.Set("Authorization", "Bearer "+exchangePayload.Token)
	lookupResp, err := http.DefaultClient.Do(lookupReq)
	if err != nil {
		testContext.Fatalf("lookup request failed: %v", err)
	}
	defer lookupResp.Body.Close()
	if lookupResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected lookup status: %d", lookupResp.StatusCode)
	}
	var lookupPayload struct {
		User struct {
			PortalUserID string `json:"portal_user_id"`
			Email        string `json:"portal_user_email"`
			SignedUp     bool   `json:"signed_up"`
		} `json:"user"`
	}
	if err := json.NewDecoder(lookupResp.Body).Decode(&lookupPayload); err != nil {
		testContext.Fatalf("failed to decode lookup response: %v", err)
	}
	if lookupPayload.User.PortalUserID != exchangePayload.PortalUserID || lookupPayload.User.Email != integrationEmail || !lookupPayload.User.SignedUp {
		testContext.Fatalf("unexpected user payload: %+v", lookupPayload.User)
	}

	var mappings int64
	if err := env.db.Model(&users.IdentityMapping{}).Count(&mappings).Error; err != nil {
		testContext.Fatalf("failed to count mappings: %v", err)
	}
	if mappings != 1 {
		testContext.Fatalf("expected exactly one mapping, got %d", mappings)
	}
}

func TestExchangeRejectsMissingSession(testContext *testing.T) {
	env := newIntegrationEnvironment(testContext)

	resp, err := http.Post(env.portal.URL+"/auth/exchange", "application/json", strings.NewReader("{}"))
	if err != nil {
		testContext.Fatalf("exchange request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		testContext.Fatalf("failed to decode error: %v", err)
	}
	if payload["error"] != "unauthorized" {
		testContext.Fatalf("unexpected error body: %v", payload)
	}
}

func TestLookupDeniedByDataAPIForForeignToken(testContext *testing.T) {
	env := newIntegrationEnvironment(testContext)

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "intruder", "exp": time.Now().Add(time.Hour).Unix()})
	foreignToken, _ := foreign.SignedString([]byte("not-the-secret"))

	lookupReq, _ := http.NewRequest(http.MethodGet, env.portal.URL+"/user?portal_user_id=5b0f7f32-6a8e-4c1e-9d55-0c1f2f0a9a41", http.NoBody)
	lookupReq.Header.Set("Authorization", "Bearer "+foreignToken)
	resp, err := http.DefaultClient.Do(lookupReq)
	if err != nil {
		testContext.Fatalf("lookup request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		testContext.Fatalf("expected upstream failure status, got %d", resp.StatusCode)
	}
}

func newIntegrationEnvironment(testContext *testing.T) integrationEnvironment {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		testContext.Fatalf("failed to generate key: %v", err)
	}
	clerk := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []any{map[string]string{
				"kty": "RSA",
				"alg": "RS256",
				"kid": integrationKeyID,
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(privateKey.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(privateKey.PublicKey.E)).Bytes()),
			}},
		})
	}))
	testContext.Cleanup(clerk.Close)

	db, err := database.Open(filepath.Join(testContext.TempDir(), "portal.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	signer, err := auth.NewTokenSigner(auth.TokenSignerConfig{
		SigningSecret: []byte(integrationSigningSecret),
		Audience:      "postgrest",
	})
	if err != nil {
		testContext.Fatalf("failed to construct signer: %v", err)
	}

	// The data API stand-in enforces row access the way row-level security
	// would: only a valid token whose subject maps to the row may read it.
	dataAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := signer.Verify(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if err != nil {
			http.Error(w, `{"message":"JWSError"}`, http.StatusUnauthorized)
			return
		}
		subject, _ := claims["sub"].(string)
		portalUserID := strings.TrimPrefix(r.URL.Query().Get("portal_user_id"), "eq.")
		var rows []users.InternalUser
		err = db.Joins("JOIN portal_user_auth ON portal_user_auth.portal_user_id = portal_users.portal_user_id").
			Where("portal_users.portal_user_id = ? AND portal_user_auth.auth_provider_user_id = ?", portalUserID, subject).
			Find(&rows).Error
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(rows)
	}))
	testContext.Cleanup(dataAPI.Close)

	verifier, err := auth.NewClerkVerifier(auth.ClerkVerifierConfig{
		JWKSURL:    clerk.URL + "/.well-known/jwks.json",
		Issuer:     integrationIssuer,
		HTTPClient: clerk.Client(),
	})
	if err != nil {
		testContext.Fatalf("failed to construct verifier: %v", err)
	}
	mapper, err := users.NewStoreMapper(users.StoreMapperConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to construct mapper: %v", err)
	}
	exchangeService, err := exchange.NewService(exchange.Config{
		Verifier: verifier,
		Mapper:   mapper,
		Tokens:   signer,
		Provider: "clerk",
		AuthType: "oauth",
	})
	if err != nil {
		testContext.Fatalf("failed to construct exchange service: %v", err)
	}
	client, err := dataapi.NewClient(dataapi.ClientConfig{BaseURL: dataAPI.URL, HTTPClient: dataAPI.Client()})
	if err != nil {
		testContext.Fatalf("failed to construct data api client: %v", err)
	}
	lookupService, err := lookup.NewService(client, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to construct lookup service: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Exchange: exchangeService,
		Lookup:   lookupService,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	portal := httptest.NewServer(handler)
	testContext.Cleanup(portal.Close)

	return integrationEnvironment{portal: portal, db: db, signer: signer, privateKey: privateKey}
}

func (env integrationEnvironment) mintSessionToken(testContext *testing.T, now time.Time) string {
	testContext.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   integrationIssuer,
		"sub":   integrationUserID,
		"sid":   integrationSessionID,
		"email": integrationEmail,
		"iat":   now.Add(-time.Minute).Unix(),
		"nbf":   now.Add(-time.Minute).Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})
	token.Header["kid"] = integrationKeyID
	signed, err := token.SignedString(env.privateKey)
	if err != nil {
		testContext.Fatalf("failed to sign session token: %v", err)
	}
	return signed
}
