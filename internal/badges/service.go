package badges

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultMaxGenerateAttempts = 16

var (
	errMissingStore      = errors.New("store is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingOrigin     = errors.New("public origin is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError wraps a failure with a stable "<operation>.<reason>" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew          = "badges.service.new"
	opCredit              = "badges.credit"
	opAward               = "badges.award"
	opAwardOrFind         = "badges.award_or_find"
	opAddClaimCodes       = "badges.add_claim_codes"
	opGenerateClaimCodes  = "badges.generate_claim_codes"
	opRedeemClaimCode     = "badges.redeem_claim_code"
	opRemoveClaimCode     = "badges.remove_claim_code"
	opFindByClaimCode     = "badges.find_by_claim_code"
	opSaveBadge           = "badges.save_badge"
	opRemoveBehavior      = "badges.remove_behavior"
	opSaveIssuer          = "badges.save_issuer"
	opCreditsAndBadges    = "badges.credits_and_badges"
	opAssertionForAward   = "badges.assertion_for_instance"
	opCatalog             = "badges.catalog"
	reasonInvalidInput    = "invalid_input"
	reasonStoreFailed     = "store_failed"
	reasonBadgeNotFound   = "badge_not_found"
	reasonIDFailed        = "id_generation_failed"
	reasonSaltFailed      = "salt_generation_failed"
	reasonCodeFailed      = "code_generation_failed"
	reasonCodesExhausted  = "code_space_exhausted"
	reasonIssuerNotFound  = "issuer_not_found"
	reasonAwardNotFound   = "instance_not_found"
	reasonSecretFailed    = "secret_generation_failed"
	fieldUserID           = "user_id"
	fieldBadgeID          = "badge_id"
	fieldCode             = "code"
	fieldInstanceID       = "instance_id"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for badges, issuers and awards.
type IDProvider interface {
	NewID() (string, error)
}

// AwardNotifier is told about every newly created award.
type AwardNotifier interface {
	NotifyAward(instance BadgeInstance)
}

// ServiceConfig describes the dependencies of the badge engine.
type ServiceConfig struct {
	Store               Store
	Clock               func() time.Time
	IDProvider          IDProvider
	CodeGenerator       CodeGenerator
	PublicOrigin        string
	MaxGenerateAttempts int
	Notifier            AwardNotifier
	Logger              *zap.Logger
}

// Service exposes the credit, award, claim-code and assertion operations.
type Service struct {
	store       Store
	clock       func() time.Time
	idProvider  IDProvider
	codes       CodeGenerator
	origin      string
	maxAttempts int
	notifier    AwardNotifier
	logger      *zap.Logger
}

// NewService validates the configuration and builds a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	origin := strings.TrimRight(strings.TrimSpace(cfg.PublicOrigin), "/")
	if origin == "" {
		return nil, newServiceError(opServiceNew, "missing_origin", errMissingOrigin)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	codes := cfg.CodeGenerator
	if codes == nil {
		codes = NewWordCodeGenerator()
	}
	maxAttempts := cfg.MaxGenerateAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxGenerateAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:       cfg.Store,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		codes:       codes,
		origin:      origin,
		maxAttempts: maxAttempts,
		notifier:    cfg.Notifier,
		logger:      logger,
	}, nil
}

// PublicOrigin returns the origin used for absolute URLs.
func (s *Service) PublicOrigin() string {
	return s.origin
}

// FindBadgeByID returns a badge with its behaviors and claim codes.
func (s *Service) FindBadgeByID(ctx context.Context, badgeID string) (BadgeDefinition, error) {
	badge, err := s.store.FindBadgeByID(ctx, badgeID)
	if err != nil {
		return BadgeDefinition{}, s.catalogError(err, zap.String(fieldBadgeID, badgeID))
	}
	return badge, nil
}

// FindBadgeByShortname returns a badge by its slug.
func (s *Service) FindBadgeByShortname(ctx context.Context, shortname string) (BadgeDefinition, error) {
	badge, err := s.store.FindBadgeByShortname(ctx, shortname)
	if err != nil {
		return BadgeDefinition{}, s.catalogError(err, zap.String("shortname", shortname))
	}
	return badge, nil
}

// AllBadges returns the catalog keyed by shortname.
func (s *Service) AllBadges(ctx context.Context) (map[string]BadgeDefinition, error) {
	badges, err := s.store.FindAllBadges(ctx)
	if err != nil {
		return nil, s.catalogError(err)
	}
	catalog := make(map[string]BadgeDefinition, len(badges))
	for _, badge := range badges {
		catalog[badge.Shortname] = badge
	}
	return catalog, nil
}

// FindBadgesByBehavior returns every badge that requires any of the behaviors.
func (s *Service) FindBadgesByBehavior(ctx context.Context, behaviors ...string) ([]BadgeDefinition, error) {
	badges, err := s.store.FindBadgesByBehavior(ctx, behaviors)
	if err != nil {
		return nil, s.catalogError(err)
	}
	return badges, nil
}

// AllClaimCodes lists every claim code across the catalog.
func (s *Service) AllClaimCodes(ctx context.Context) ([]string, error) {
	codes, err := s.store.FindAllClaimCodes(ctx)
	if err != nil {
		return nil, s.catalogError(err)
	}
	return codes, nil
}

func (s *Service) catalogError(err error, fields ...zap.Field) error {
	if errors.Is(err, ErrNotFound) {
		return newServiceError(opCatalog, reasonBadgeNotFound, err)
	}
	s.logError(opCatalog, reasonStoreFailed, err, fields...)
	return newServiceError(opCatalog, reasonStoreFailed, err)
}

// SaveBadge validates and stores a badge definition. A missing shortname is derived from
// the name and a missing id is generated. Claim codes on the input are ignored.
func (s *Service) SaveBadge(ctx context.Context, badge BadgeDefinition) (BadgeDefinition, error) {
	if strings.TrimSpace(badge.Shortname) == "" {
		badge.Shortname = Slugify(badge.Name)
	}
	if err := validateBadge(badge); err != nil {
		return BadgeDefinition{}, newServiceError(opSaveBadge, reasonInvalidInput, err)
	}
	if badge.ID == "" {
		id, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opSaveBadge, reasonIDFailed, err)
			return BadgeDefinition{}, newServiceError(opSaveBadge, reasonIDFailed, err)
		}
		badge.ID = id
		badge.CreatedAt = s.clock().UTC()
	} else if existing, err := s.store.FindBadgeByID(ctx, badge.ID); err == nil {
		badge.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, ErrNotFound) {
		s.logError(opSaveBadge, reasonStoreFailed, err, zap.String(fieldBadgeID, badge.ID))
		return BadgeDefinition{}, newServiceError(opSaveBadge, reasonStoreFailed, err)
	}
	if badge.IssuerID != "" {
		if _, err := s.store.FindIssuerByID(ctx, badge.IssuerID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return BadgeDefinition{}, newServiceError(opSaveBadge, reasonIssuerNotFound, err)
			}
			s.logError(opSaveBadge, reasonStoreFailed, err, zap.String("issuer_id", badge.IssuerID))
			return BadgeDefinition{}, newServiceError(opSaveBadge, reasonStoreFailed, err)
		}
	}

	if err := s.store.SaveBadgeDefinition(ctx, badge); err != nil {
		s.logError(opSaveBadge, reasonStoreFailed, err, zap.String(fieldBadgeID, badge.ID))
		return BadgeDefinition{}, newServiceError(opSaveBadge, reasonStoreFailed, err)
	}
	saved, err := s.store.FindBadgeByID(ctx, badge.ID)
	if err != nil {
		s.logError(opSaveBadge, reasonStoreFailed, err, zap.String(fieldBadgeID, badge.ID))
		return BadgeDefinition{}, newServiceError(opSaveBadge, reasonStoreFailed, err)
	}
	return saved, nil
}

// RemoveBehavior drops a behavior requirement from a stored badge.
func (s *Service) RemoveBehavior(ctx context.Context, badgeID, shortname string) (BadgeDefinition, error) {
	badge, err := s.store.FindBadgeByID(ctx, badgeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return BadgeDefinition{}, newServiceError(opRemoveBehavior, reasonBadgeNotFound, err)
		}
		s.logError(opRemoveBehavior, reasonStoreFailed, err, zap.String(fieldBadgeID, badgeID))
		return BadgeDefinition{}, newServiceError(opRemoveBehavior, reasonStoreFailed, err)
	}
	badge.RemoveBehavior(shortname)
	if err := s.store.SaveBadgeDefinition(ctx, badge); err != nil {
		s.logError(opRemoveBehavior, reasonStoreFailed, err, zap.String(fieldBadgeID, badgeID))
		return BadgeDefinition{}, newServiceError(opRemoveBehavior, reasonStoreFailed, err)
	}
	return badge, nil
}

// SaveIssuer validates and stores an issuer, generating its id and API secret when absent.
func (s *Service) SaveIssuer(ctx context.Context, issuer Issuer) (Issuer, error) {
	if err := validateIssuer(issuer); err != nil {
		return Issuer{}, newServiceError(opSaveIssuer, reasonInvalidInput, err)
	}
	if issuer.ID == "" {
		id, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opSaveIssuer, reasonIDFailed, err)
			return Issuer{}, newServiceError(opSaveIssuer, reasonIDFailed, err)
		}
		issuer.ID = id
		issuer.CreatedAt = s.clock().UTC()
	}
	if issuer.JWTSecret == "" {
		secret, err := randomHex(issuerSecretBytes)
		if err != nil {
			s.logError(opSaveIssuer, reasonSecretFailed, err)
			return Issuer{}, newServiceError(opSaveIssuer, reasonSecretFailed, err)
		}
		issuer.JWTSecret = secret
	}
	if err := s.store.SaveIssuer(ctx, issuer); err != nil {
		s.logError(opSaveIssuer, reasonStoreFailed, err, zap.String("issuer_id", issuer.ID))
		return Issuer{}, newServiceError(opSaveIssuer, reasonStoreFailed, err)
	}
	return issuer, nil
}

// FindIssuer returns a stored issuer.
func (s *Service) FindIssuer(ctx context.Context, issuerID string) (Issuer, error) {
	issuer, err := s.store.FindIssuerByID(ctx, issuerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Issuer{}, newServiceError(opCatalog, reasonIssuerNotFound, err)
		}
		s.logError(opCatalog, reasonStoreFailed, err, zap.String("issuer_id", issuerID))
		return Issuer{}, newServiceError(opCatalog, reasonStoreFailed, err)
	}
	return issuer, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("badges service error", attrs...)
}
