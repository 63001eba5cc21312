package badges

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Credit adds one unit of credit per supplied behavior (repeats count repeatedly), awards
// every touched badge that is now fully earned and reports progress on the rest.
// Badges the user already holds never appear in the progress list.
func (s *Service) Credit(ctx context.Context, userID string, behaviors []string) (CreditResult, error) {
	if err := validateIdentifier(fieldUserID, userID); err != nil {
		return CreditResult{}, newServiceError(opCredit, reasonInvalidInput, err)
	}
	if err := validateBehaviorNames(behaviors); err != nil {
		return CreditResult{}, newServiceError(opCredit, reasonInvalidInput, err)
	}

	increments := make(map[string]int, len(behaviors))
	for _, behavior := range behaviors {
		increments[behavior]++
	}

	credit, err := s.store.UpsertUserCredit(ctx, userID, increments, s.clock())
	if err != nil {
		s.logError(opCredit, reasonStoreFailed, err, zap.String(fieldUserID, userID))
		return CreditResult{}, newServiceError(opCredit, reasonStoreFailed, err)
	}

	result := CreditResult{
		Credit:     credit,
		Awarded:    []BadgeInstance{},
		InProgress: []Progress{},
	}
	if len(increments) == 0 {
		return result, nil
	}

	candidates, err := s.store.FindBadgesByBehavior(ctx, sortedKeys(increments))
	if err != nil {
		s.logError(opCredit, reasonStoreFailed, err, zap.String(fieldUserID, userID))
		return CreditResult{}, newServiceError(opCredit, reasonStoreFailed, err)
	}
	held, err := s.heldBadges(ctx, userID)
	if err != nil {
		s.logError(opCredit, reasonStoreFailed, err, zap.String(fieldUserID, userID))
		return CreditResult{}, newServiceError(opCredit, reasonStoreFailed, err)
	}

	for _, badge := range candidates {
		if _, owned := held[badge.ID]; owned {
			continue
		}
		if badge.EarnableBy(credit) {
			instance, inserted, err := s.insertAward(ctx, opCredit, userID, badge)
			if err != nil {
				return CreditResult{}, err
			}
			if inserted {
				result.Awarded = append(result.Awarded, instance)
			}
			continue
		}
		result.InProgress = append(result.InProgress, Progress{
			Badge:     badge,
			Remaining: badge.CreditsUntilAward(credit),
		})
	}
	return result, nil
}

// CreditsAndBadges returns a user's ledger and awards. Unknown users get an empty summary.
func (s *Service) CreditsAndBadges(ctx context.Context, userID string) (UserSummary, error) {
	if err := validateIdentifier(fieldUserID, userID); err != nil {
		return UserSummary{}, newServiceError(opCreditsAndBadges, reasonInvalidInput, err)
	}
	credit, err := s.store.FindUserCredit(ctx, userID)
	if err != nil {
		s.logError(opCreditsAndBadges, reasonStoreFailed, err, zap.String(fieldUserID, userID))
		return UserSummary{}, newServiceError(opCreditsAndBadges, reasonStoreFailed, err)
	}
	instances, err := s.store.FindBadgeInstancesByUser(ctx, userID)
	if err != nil {
		s.logError(opCreditsAndBadges, reasonStoreFailed, err, zap.String(fieldUserID, userID))
		return UserSummary{}, newServiceError(opCreditsAndBadges, reasonStoreFailed, err)
	}
	if instances == nil {
		instances = []BadgeInstance{}
	}
	return UserSummary{Behaviors: credit.Behaviors, Badges: instances}, nil
}

func (s *Service) heldBadges(ctx context.Context, userID string) (map[string]struct{}, error) {
	instances, err := s.store.FindBadgeInstancesByUser(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	held := make(map[string]struct{}, len(instances))
	for _, instance := range instances {
		held[instance.BadgeID] = struct{}{}
	}
	return held, nil
}
