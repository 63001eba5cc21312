package badges

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"
)

const (
	// AssertionVersion is the credential document schema version.
	AssertionVersion = "0.5.0"
	// RecipientHashAlgorithm prefixes every recipient hash.
	RecipientHashAlgorithm = "sha256"

	criteriaPathPrefix = "/badge/criteria/"
	imagePathPrefix    = "/badge/image/"
	imageExtension     = ".png"
)

// IssuerSnapshot is the issuer as embedded in an assertion at render time.
type IssuerSnapshot struct {
	Name    string `json:"name"`
	Org     string `json:"org"`
	Contact string `json:"contact"`
	Origin  string `json:"origin"`
}

// AssertionBadge is the badge section of an assertion.
type AssertionBadge struct {
	Version     string         `json:"version"`
	Criteria    string         `json:"criteria"`
	Image       string         `json:"image"`
	Description string         `json:"description"`
	Name        string         `json:"name"`
	Issuer      IssuerSnapshot `json:"issuer"`
}

// AssertionDocument is the portable credential. Salt is published so verifiers can
// recompute the recipient hash.
type AssertionDocument struct {
	Recipient string         `json:"recipient"`
	Salt      string         `json:"salt"`
	Badge     AssertionBadge `json:"badge"`
}

// AssertionOptions names the recipient and the salt used to hash it.
type AssertionOptions struct {
	Recipient string
	Salt      string
}

// HashRecipient returns "sha256$" followed by the hex digest of recipient+salt.
func HashRecipient(recipient, salt string) string {
	sum := sha256.Sum256([]byte(recipient + salt))
	return RecipientHashAlgorithm + "$" + hex.EncodeToString(sum[:])
}

// CriteriaURL returns the absolute criteria URL for the badge under origin.
func (b BadgeDefinition) CriteriaURL(origin string) string {
	return strings.TrimRight(origin, "/") + criteriaPathPrefix + b.Shortname
}

// ImageURL returns the absolute image URL for the badge under origin.
func (b BadgeDefinition) ImageURL(origin string) string {
	return strings.TrimRight(origin, "/") + imagePathPrefix + b.Shortname + imageExtension
}

// Snapshot copies the issuer fields rendered into assertions.
func (i Issuer) Snapshot(origin string) IssuerSnapshot {
	return IssuerSnapshot{
		Name:    i.Name,
		Org:     i.Org,
		Contact: i.Contact,
		Origin:  strings.TrimRight(origin, "/"),
	}
}

// MakeAssertion renders the credential document. The output depends only on its inputs.
func MakeAssertion(badge BadgeDefinition, issuer Issuer, origin string, options AssertionOptions) AssertionDocument {
	return AssertionDocument{
		Recipient: HashRecipient(options.Recipient, options.Salt),
		Salt:      options.Salt,
		Badge: AssertionBadge{
			Version:     AssertionVersion,
			Criteria:    badge.CriteriaURL(origin),
			Image:       badge.ImageURL(origin),
			Description: badge.Description,
			Name:        badge.Name,
			Issuer:      issuer.Snapshot(origin),
		},
	}
}

// JSON encodes the document with a fixed field order.
func (d AssertionDocument) JSON() ([]byte, error) {
	return json.Marshal(d)
}

// MakeAssertion renders an assertion against the service's public origin.
func (s *Service) MakeAssertion(badge BadgeDefinition, issuer Issuer, options AssertionOptions) AssertionDocument {
	return MakeAssertion(badge, issuer, s.origin, options)
}

// AssertionForInstance renders the assertion for a stored award using the salt recorded
// when it was issued and the badge's current issuer.
func (s *Service) AssertionForInstance(ctx context.Context, instanceID string) (AssertionDocument, error) {
	instance, err := s.store.FindBadgeInstanceByID(ctx, instanceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AssertionDocument{}, newServiceError(opAssertionForAward, reasonAwardNotFound, err)
		}
		s.logError(opAssertionForAward, reasonStoreFailed, err, zap.String(fieldInstanceID, instanceID))
		return AssertionDocument{}, newServiceError(opAssertionForAward, reasonStoreFailed, err)
	}
	badge, err := s.requireBadge(ctx, opAssertionForAward, instance.BadgeID)
	if err != nil {
		return AssertionDocument{}, err
	}
	issuer := Issuer{}
	if badge.IssuerID != "" {
		issuer, err = s.store.FindIssuerByID(ctx, badge.IssuerID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return AssertionDocument{}, newServiceError(opAssertionForAward, reasonIssuerNotFound, err)
			}
			s.logError(opAssertionForAward, reasonStoreFailed, err, zap.String("issuer_id", badge.IssuerID))
			return AssertionDocument{}, newServiceError(opAssertionForAward, reasonStoreFailed, err)
		}
	}
	return s.MakeAssertion(badge, issuer, AssertionOptions{
		Recipient: instance.UserID,
		Salt:      instance.Salt,
	}), nil
}
