package badges

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var (
	// ErrCodeSpaceExhausted indicates that generation kept colliding with codes in use.
	ErrCodeSpaceExhausted = errors.New("badges: claim code generation exhausted retries")

	errCodeCollision = errors.New("claim code collision")
)

// AddClaimCodes adds candidate codes to a badge in input order. Repeated candidates are
// considered once. A candidate is rejected when the code is already in use or when
// batch.Limit codes have been accepted already.
func (s *Service) AddClaimCodes(ctx context.Context, badgeID string, batch ClaimCodeBatch) (accepted []string, rejected []string, err error) {
	if err := validateClaimCodes(batch.Codes); err != nil {
		return nil, nil, newServiceError(opAddClaimCodes, reasonInvalidInput, err)
	}
	if _, err := s.requireBadge(ctx, opAddClaimCodes, badgeID); err != nil {
		return nil, nil, err
	}

	accepted = []string{}
	rejected = []string{}
	for _, code := range dedupeCodes(batch.Codes) {
		if batch.Limit > 0 && len(accepted) >= batch.Limit {
			rejected = append(rejected, code)
			continue
		}
		inserted, err := s.store.InsertClaimCodeIfAbsent(ctx, badgeID, code, s.clock())
		if err != nil {
			s.logError(opAddClaimCodes, reasonStoreFailed, err,
				zap.String(fieldBadgeID, badgeID),
				zap.String(fieldCode, code))
			return nil, nil, newServiceError(opAddClaimCodes, reasonStoreFailed, err)
		}
		if inserted {
			accepted = append(accepted, code)
		} else {
			rejected = append(rejected, code)
		}
	}
	return accepted, rejected, nil
}

// GenerateClaimCodes creates count fresh codes on the badge. Each candidate is reserved
// through the global unique code index; collisions are retried up to the configured
// attempt bound before failing with ErrCodeSpaceExhausted.
func (s *Service) GenerateClaimCodes(ctx context.Context, badgeID string, count int) ([]string, error) {
	if count < 0 {
		return nil, newServiceError(opGenerateClaimCodes, reasonInvalidInput,
			&ValidationError{Fields: map[string]string{"count": "min"}})
	}
	if count > MaxGenerateCount {
		return nil, newServiceError(opGenerateClaimCodes, reasonInvalidInput,
			&ValidationError{Fields: map[string]string{"count": "max"}})
	}
	if _, err := s.requireBadge(ctx, opGenerateClaimCodes, badgeID); err != nil {
		return nil, err
	}

	codes := make([]string, 0, count)
	for len(codes) < count {
		code, err := s.reserveCode(ctx, badgeID)
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	s.loggerOrDefault().Info("claim codes generated",
		zap.String(fieldBadgeID, badgeID),
		zap.Int("count", len(codes)))
	return codes, nil
}

func (s *Service) reserveCode(ctx context.Context, badgeID string) (string, error) {
	var reserved string
	attempt := func() error {
		candidate, err := s.codes.NewCode()
		if err != nil {
			return backoff.Permanent(newServiceError(opGenerateClaimCodes, reasonCodeFailed, err))
		}
		inserted, err := s.store.InsertClaimCodeIfAbsent(ctx, badgeID, candidate, s.clock())
		if err != nil {
			s.logError(opGenerateClaimCodes, reasonStoreFailed, err, zap.String(fieldBadgeID, badgeID))
			return backoff.Permanent(newServiceError(opGenerateClaimCodes, reasonStoreFailed, err))
		}
		if !inserted {
			return errCodeCollision
		}
		reserved = candidate
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(s.maxAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(attempt, policy); err != nil {
		if errors.Is(err, errCodeCollision) {
			s.logError(opGenerateClaimCodes, reasonCodesExhausted, err,
				zap.String(fieldBadgeID, badgeID),
				zap.Int("attempts", s.maxAttempts))
			return "", newServiceError(opGenerateClaimCodes, reasonCodesExhausted, ErrCodeSpaceExhausted)
		}
		return "", err
	}
	return reserved, nil
}

// RedeemClaimCode binds the code to the user and awards the badge. It returns true for
// the first claimant and for repeat redemptions by that same claimant, false when the
// code is unknown on this badge or belongs to someone else.
func (s *Service) RedeemClaimCode(ctx context.Context, badgeID, code, userID string) (bool, error) {
	if err := validateIdentifier(fieldUserID, userID); err != nil {
		return false, newServiceError(opRedeemClaimCode, reasonInvalidInput, err)
	}
	badge, err := s.store.FindBadgeByID(ctx, badgeID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		s.logError(opRedeemClaimCode, reasonStoreFailed, err, zap.String(fieldBadgeID, badgeID))
		return false, newServiceError(opRedeemClaimCode, reasonStoreFailed, err)
	}

	outcome, err := s.store.RedeemClaimCode(ctx, badgeID, code, userID, s.clock().UTC())
	if err != nil {
		s.logError(opRedeemClaimCode, reasonStoreFailed, err,
			zap.String(fieldBadgeID, badgeID),
			zap.String(fieldCode, code))
		return false, newServiceError(opRedeemClaimCode, reasonStoreFailed, err)
	}

	switch outcome {
	case RedeemClaimed, RedeemAlreadyClaimedBySame:
		// A repeat redemption also repairs an award lost after the code was bound.
		if _, err := s.awardOrFind(ctx, opRedeemClaimCode, userID, badge); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, nil
	}
}

// RemoveClaimCode deletes the code from the badge whether or not it was claimed.
func (s *Service) RemoveClaimCode(ctx context.Context, badgeID, code string) error {
	if err := s.store.DeleteClaimCode(ctx, badgeID, code); err != nil {
		s.logError(opRemoveClaimCode, reasonStoreFailed, err,
			zap.String(fieldBadgeID, badgeID),
			zap.String(fieldCode, code))
		return newServiceError(opRemoveClaimCode, reasonStoreFailed, err)
	}
	return nil
}

// FindByClaimCode searches the whole catalog; it returns nil when no badge owns the code.
func (s *Service) FindByClaimCode(ctx context.Context, code string) (*BadgeDefinition, error) {
	badge, err := s.store.FindBadgeByClaimCode(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opFindByClaimCode, reasonStoreFailed, err, zap.String(fieldCode, code))
		return nil, newServiceError(opFindByClaimCode, reasonStoreFailed, err)
	}
	return &badge, nil
}

func (s *Service) requireBadge(ctx context.Context, operation, badgeID string) (BadgeDefinition, error) {
	badge, err := s.store.FindBadgeByID(ctx, badgeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return BadgeDefinition{}, newServiceError(operation, reasonBadgeNotFound, err)
		}
		s.logError(operation, reasonStoreFailed, err, zap.String(fieldBadgeID, badgeID))
		return BadgeDefinition{}, newServiceError(operation, reasonStoreFailed, err)
	}
	return badge, nil
}

func dedupeCodes(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	unique := make([]string, 0, len(codes))
	for _, code := range codes {
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		unique = append(unique, code)
	}
	return unique
}
