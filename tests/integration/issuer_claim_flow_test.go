package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/badger/internal/auth"
	"github.com/MarcoPoloResearchLab/badger/internal/badges"
	"github.com/MarcoPoloResearchLab/badger/internal/database"
	"github.com/MarcoPoloResearchLab/badger/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	operatorSigningSecret = "integration-secret"
	tokenAudience         = "badger-api"
	publicOrigin          = "https://badges.example.org"
	claimantID            = "maker@example.org"
	jsonContentType       = "application/json"
)

func TestIssuerClaimCodeFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := database.Open(database.Options{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(testContext.TempDir(), "badger.db"),
	}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	defer sqlDB.Close()

	store, err := badges.NewGormStore(db)
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	badgeService, err := badges.NewService(badges.ServiceConfig{
		Store:        store,
		IDProvider:   badges.NewUUIDProvider(),
		PublicOrigin: publicOrigin,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build badge service: %v", err)
	}
	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(operatorSigningSecret),
		Issuer:        "badger",
		Audience:      tokenAudience,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}
	issuerTokens, err := auth.NewIssuerTokenValidator(auth.IssuerTokenValidatorConfig{
		Secrets:  server.NewIssuerSecretSource(badgeService),
		Audience: tokenAudience,
	})
	if err != nil {
		testContext.Fatalf("failed to build issuer token validator: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Badges:       badgeService,
		TokenManager: tokenManager,
		IssuerTokens: issuerTokens,
		Awards:       server.NewAwardDispatcher(),
		Logger:       zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	operatorToken, _, err := tokenManager.IssueToken(context.Background(), "integration")
	if err != nil {
		testContext.Fatalf("failed to issue operator token: %v", err)
	}

	var issuer struct {
		ID     string `json:"id"`
		Secret string `json:"secret"`
	}
	doJSON(testContext, testServer.URL, http.MethodPost, "/v1/issuers", operatorToken, map[string]any{
		"name":    "Mozilla Webmaker",
		"org":     "Mozilla",
		"contact": "webmaker@example.org",
	}, http.StatusCreated, &issuer)
	if issuer.ID == "" || issuer.Secret == "" {
		testContext.Fatalf("expected issuer id and secret, got %#v", issuer)
	}

	issuerToken := mustMintIssuerToken(testContext, issuer.Secret, issuer.ID, time.Now())

	var badge struct {
		Shortname string `json:"shortname"`
		IssuerID  string `json:"issuer_id"`
		Criteria  string `json:"criteria"`
	}
	doJSON(testContext, testServer.URL, http.MethodPost, "/v1/badges", issuerToken, map[string]any{
		"name":        "Maker Party",
		"description": "Attended a maker party.",
	}, http.StatusCreated, &badge)
	if badge.Shortname != "maker-party" || badge.IssuerID != issuer.ID {
		testContext.Fatalf("unexpected badge %#v", badge)
	}
	if badge.Criteria != publicOrigin+"/badge/criteria/maker-party" {
		testContext.Fatalf("unexpected criteria url %s", badge.Criteria)
	}

	var generated struct {
		Codes []string `json:"codes"`
	}
	doJSON(testContext, testServer.URL, http.MethodPost, "/v1/badges/maker-party/claim-codes/generate", issuerToken, map[string]any{
		"count": 2,
	}, http.StatusOK, &generated)
	if len(generated.Codes) != 2 || generated.Codes[0] == generated.Codes[1] {
		testContext.Fatalf("expected two distinct codes, got %v", generated.Codes)
	}

	var claim struct {
		Redeemed bool   `json:"redeemed"`
		Badge    string `json:"badge"`
	}
	doJSON(testContext, testServer.URL, http.MethodPost, "/v1/claims", operatorToken, map[string]any{
		"code": generated.Codes[0],
		"user": claimantID,
	}, http.StatusOK, &claim)
	if !claim.Redeemed || claim.Badge != "maker-party" {
		testContext.Fatalf("expected the claim to succeed, got %#v", claim)
	}

	var summary struct {
		Badges []struct {
			ID    string `json:"id"`
			Badge string `json:"badge"`
			Hash  string `json:"hash"`
		} `json:"badges"`
	}
	doJSON(testContext, testServer.URL, http.MethodGet, "/v1/users/"+claimantID, operatorToken, nil, http.StatusOK, &summary)
	if len(summary.Badges) != 1 || summary.Badges[0].Badge != "maker-party" {
		testContext.Fatalf("expected a single maker-party award, got %#v", summary.Badges)
	}

	var assertion struct {
		Recipient string `json:"recipient"`
		Salt      string `json:"salt"`
		Badge     struct {
			Version string `json:"version"`
			Issuer  struct {
				Name   string `json:"name"`
				Origin string `json:"origin"`
			} `json:"issuer"`
		} `json:"badge"`
	}
	doJSON(testContext, testServer.URL, http.MethodGet, "/v1/assertions/"+summary.Badges[0].ID, operatorToken, nil, http.StatusOK, &assertion)
	if assertion.Recipient != summary.Badges[0].Hash || !strings.HasPrefix(assertion.Recipient, "sha256$") {
		testContext.Fatalf("unexpected assertion recipient %s", assertion.Recipient)
	}
	if assertion.Recipient != badges.HashRecipient(claimantID, assertion.Salt) {
		testContext.Fatalf("assertion recipient does not match its salt")
	}
	if assertion.Badge.Issuer.Name != "Mozilla Webmaker" || assertion.Badge.Issuer.Origin != publicOrigin {
		testContext.Fatalf("unexpected assertion issuer %#v", assertion.Badge.Issuer)
	}
}

func doJSON(testContext *testing.T, baseURL, method, path, token string, body any, expectedStatus int, target any) {
	testContext.Helper()
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			testContext.Fatalf("failed to encode body: %v", err)
		}
		payload = encoded
	}
	request, err := http.NewRequest(method, baseURL+path, bytes.NewReader(payload))
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode != expectedStatus {
		testContext.Fatalf("%s %s: expected status %d, got %d", method, path, expectedStatus, response.StatusCode)
	}
	if target != nil {
		if err := json.NewDecoder(response.Body).Decode(target); err != nil {
			testContext.Fatalf("failed to decode %s response: %v", path, err)
		}
	}
}

func mustMintIssuerToken(testContext *testing.T, secret, issuerID string, now time.Time) string {
	testContext.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    issuerID,
		Subject:   issuerID,
		Audience:  jwt.ClaimStrings{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		testContext.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
