package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingIssuerSecrets  = errors.New("issuer tokens: secret source required")
	ErrMissingIssuerAudience = errors.New("issuer tokens: audience required")
	ErrMissingIssuerToken    = errors.New("issuer tokens: token required")
	ErrInvalidIssuerToken    = errors.New("issuer tokens: invalid token")
	ErrExpiredIssuerToken    = errors.New("issuer tokens: token expired")
	ErrUnknownIssuer         = errors.New("issuer tokens: unknown issuer")
)

// IssuerSecretSource resolves the API secret of a badge issuer.
// Implementations return ErrUnknownIssuer when the issuer does not exist.
type IssuerSecretSource interface {
	IssuerSecret(ctx context.Context, issuerID string) ([]byte, error)
}

// IssuerTokenValidatorConfig describes how to validate issuer-signed JWTs.
type IssuerTokenValidatorConfig struct {
	Secrets  IssuerSecretSource
	Audience string
	Clock    func() time.Time
}

// IssuerTokenValidator validates HS256 JWTs signed with an issuer's own secret.
// The token subject names the issuer whose secret verifies it.
type IssuerTokenValidator struct {
	secrets  IssuerSecretSource
	audience string
	clock    func() time.Time
}

// NewIssuerTokenValidator constructs a validator with the provided configuration.
func NewIssuerTokenValidator(cfg IssuerTokenValidatorConfig) (*IssuerTokenValidator, error) {
	if cfg.Secrets == nil {
		return nil, ErrMissingIssuerSecrets
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingIssuerAudience
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &IssuerTokenValidator{
		secrets:  cfg.Secrets,
		audience: audience,
		clock:    clock,
	}, nil
}

// ValidateToken verifies the token against the secret of the issuer it names and
// returns that issuer's id.
func (v *IssuerTokenValidator) ValidateToken(ctx context.Context, tokenString string) (string, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return "", ErrMissingIssuerToken
	}

	unverified := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, unverified); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIssuerToken, err)
	}
	issuerID := strings.TrimSpace(unverified.Subject)
	if issuerID == "" {
		return "", ErrInvalidIssuerToken
	}
	secret, err := v.secrets.IssuerSecret(ctx, issuerID)
	if err != nil {
		return "", err
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return secret, nil
		},
		jwt.WithAudience(v.audience),
		jwt.WithTimeFunc(v.clock),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredIssuerToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidIssuerToken, err)
	}
	if parsed == nil || !parsed.Valid || claims.Subject != issuerID {
		return "", ErrInvalidIssuerToken
	}
	return issuerID, nil
}

// SignIssuerToken mints a token that IssuerTokenValidator accepts for the issuer.
func SignIssuerToken(issuerID string, secret []byte, audience string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(issuerID) == "" {
		return "", errMissingSubjectClaim
	}
	if len(secret) == 0 {
		return "", errMissingSigningSecret
	}
	if ttl <= 0 {
		return "", errInvalidTokenTTL
	}
	claims := jwt.RegisteredClaims{
		Subject:   issuerID,
		Audience:  []string{audience},
		IssuedAt:  jwt.NewNumericDate(now.UTC()),
		ExpiresAt: jwt.NewNumericDate(now.UTC().Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
