package badges

import (
	"context"

	"go.uber.org/zap"
)

// Award grants the badge to the user. It returns nil without error when the user
// already holds the badge.
func (s *Service) Award(ctx context.Context, userID, badgeID string) (*BadgeInstance, error) {
	if err := validateIdentifier(fieldUserID, userID); err != nil {
		return nil, newServiceError(opAward, reasonInvalidInput, err)
	}
	badge, err := s.requireBadge(ctx, opAward, badgeID)
	if err != nil {
		return nil, err
	}
	instance, inserted, err := s.insertAward(ctx, opAward, userID, badge)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, nil
	}
	return &instance, nil
}

// AwardOrFind grants the badge or returns the award the user already holds.
func (s *Service) AwardOrFind(ctx context.Context, userID, badgeID string) (BadgeInstance, error) {
	if err := validateIdentifier(fieldUserID, userID); err != nil {
		return BadgeInstance{}, newServiceError(opAwardOrFind, reasonInvalidInput, err)
	}
	badge, err := s.requireBadge(ctx, opAwardOrFind, badgeID)
	if err != nil {
		return BadgeInstance{}, err
	}
	return s.awardOrFind(ctx, opAwardOrFind, userID, badge)
}

func (s *Service) awardOrFind(ctx context.Context, operation, userID string, badge BadgeDefinition) (BadgeInstance, error) {
	instance, inserted, err := s.insertAward(ctx, operation, userID, badge)
	if err != nil {
		return BadgeInstance{}, err
	}
	if inserted {
		return instance, nil
	}
	existing, err := s.store.FindBadgeInstance(ctx, userID, badge.ID)
	if err != nil {
		s.logError(operation, reasonStoreFailed, err,
			zap.String(fieldUserID, userID),
			zap.String(fieldBadgeID, badge.ID))
		return BadgeInstance{}, newServiceError(operation, reasonStoreFailed, err)
	}
	return existing, nil
}

// insertAward is the single insert-if-absent path every award goes through.
func (s *Service) insertAward(ctx context.Context, operation, userID string, badge BadgeDefinition) (BadgeInstance, bool, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, reasonIDFailed, err)
		return BadgeInstance{}, false, newServiceError(operation, reasonIDFailed, err)
	}
	salt, err := randomHex(saltBytes)
	if err != nil {
		s.logError(operation, reasonSaltFailed, err)
		return BadgeInstance{}, false, newServiceError(operation, reasonSaltFailed, err)
	}
	instance := BadgeInstance{
		ID:             id,
		UserID:         userID,
		BadgeID:        badge.ID,
		BadgeShortname: badge.Shortname,
		Salt:           salt,
		RecipientHash:  HashRecipient(userID, salt),
		IssuedAt:       s.clock().UTC(),
	}
	inserted, err := s.store.InsertBadgeInstanceIfAbsent(ctx, instance)
	if err != nil {
		s.logError(operation, reasonStoreFailed, err,
			zap.String(fieldUserID, userID),
			zap.String(fieldBadgeID, badge.ID))
		return BadgeInstance{}, false, newServiceError(operation, reasonStoreFailed, err)
	}
	if !inserted {
		return BadgeInstance{}, false, nil
	}
	s.loggerOrDefault().Info("badge awarded",
		zap.String(fieldUserID, userID),
		zap.String("badge", badge.Shortname),
		zap.String(fieldInstanceID, instance.ID))
	if s.notifier != nil {
		s.notifier.NotifyAward(instance)
	}
	return instance, true, nil
}
