package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testIssuerID       = "issuer-123"
	testIssuerSecret   = "issuer-secret"
	testIssuerAudience = "badger-api"
)

type staticIssuerSecrets map[string]string

func (s staticIssuerSecrets) IssuerSecret(_ context.Context, issuerID string) ([]byte, error) {
	secret, ok := s[issuerID]
	if !ok {
		return nil, ErrUnknownIssuer
	}
	return []byte(secret), nil
}

func newTestIssuerValidator(t *testing.T, now time.Time) *IssuerTokenValidator {
	t.Helper()
	validator, err := NewIssuerTokenValidator(IssuerTokenValidatorConfig{
		Secrets:  staticIssuerSecrets{testIssuerID: testIssuerSecret},
		Audience: testIssuerAudience,
		Clock:    func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func TestIssuerTokenValidatorAcceptsSignedTokens(t *testing.T) {
	clockNow := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestIssuerValidator(t, clockNow)

	signed, err := SignIssuerToken(testIssuerID, []byte(testIssuerSecret), testIssuerAudience, time.Hour, clockNow)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	issuerID, err := validator.ValidateToken(context.Background(), signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if issuerID != testIssuerID {
		t.Fatalf("unexpected issuer id: %s", issuerID)
	}
}

func TestIssuerTokenValidatorRejectsExpiredTokens(t *testing.T) {
	clockNow := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestIssuerValidator(t, clockNow)

	signed, err := SignIssuerToken(testIssuerID, []byte(testIssuerSecret), testIssuerAudience, time.Minute, clockNow.Add(-time.Hour))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := validator.ValidateToken(context.Background(), signed); !errors.Is(err, ErrExpiredIssuerToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestIssuerTokenValidatorRejectsWrongSecret(t *testing.T) {
	clockNow := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestIssuerValidator(t, clockNow)

	signed, err := SignIssuerToken(testIssuerID, []byte("someone-else"), testIssuerAudience, time.Hour, clockNow)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := validator.ValidateToken(context.Background(), signed); !errors.Is(err, ErrInvalidIssuerToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestIssuerTokenValidatorRejectsUnknownIssuer(t *testing.T) {
	clockNow := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestIssuerValidator(t, clockNow)

	signed, err := SignIssuerToken("issuer-unknown", []byte(testIssuerSecret), testIssuerAudience, time.Hour, clockNow)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := validator.ValidateToken(context.Background(), signed); !errors.Is(err, ErrUnknownIssuer) {
		t.Fatalf("expected unknown issuer error, got %v", err)
	}
}

func TestIssuerTokenValidatorRejectsOtherAlgorithms(t *testing.T) {
	clockNow := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestIssuerValidator(t, clockNow)

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject:   testIssuerID,
		Audience:  []string{testIssuerAudience},
		ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testIssuerSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := validator.ValidateToken(context.Background(), signed); !errors.Is(err, ErrInvalidIssuerToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestIssuerTokenValidatorRejectsMissingToken(t *testing.T) {
	validator := newTestIssuerValidator(t, time.Now())
	if _, err := validator.ValidateToken(context.Background(), "  "); !errors.Is(err, ErrMissingIssuerToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
	if _, err := validator.ValidateToken(context.Background(), "not-a-jwt"); !errors.Is(err, ErrInvalidIssuerToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestNewIssuerTokenValidatorRequiresDependencies(t *testing.T) {
	if _, err := NewIssuerTokenValidator(IssuerTokenValidatorConfig{Audience: testIssuerAudience}); !errors.Is(err, ErrMissingIssuerSecrets) {
		t.Fatalf("expected missing secrets error, got %v", err)
	}
	if _, err := NewIssuerTokenValidator(IssuerTokenValidatorConfig{Secrets: staticIssuerSecrets{}}); !errors.Is(err, ErrMissingIssuerAudience) {
		t.Fatalf("expected missing audience error, got %v", err)
	}
}
