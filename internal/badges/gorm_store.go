package badges

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryBadgeID        = "badge_id = ?"
	queryBadgeCode      = "badge_id = ? AND code = ?"
	queryUserID         = "user_id = ?"
	queryUserBadge      = "user_id = ? AND badge_id = ?"
	orderBehaviors      = "position ASC"
	orderClaimCodes     = "added_at ASC, code ASC"
	columnCodesVersion  = "claim_codes_version"
	bumpCodesVersionSQL = "claim_codes_version + 1"
)

var errMissingDatabase = errors.New("database handle is required")

// GormStore implements Store on top of gorm. Atomicity relies on primary keys and
// unique indexes with ON CONFLICT clauses plus conditional UPDATEs.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps a migrated gorm connection.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormStore{db: db}, nil
}

// Models lists every table the store needs migrated.
func Models() []interface{} {
	return []interface{}{
		&BadgeDefinition{},
		&BehaviorRequirement{},
		&ClaimCode{},
		&UserAccount{},
		&CreditEntry{},
		&BadgeInstance{},
		&Issuer{},
	}
}

func (s *GormStore) withCatalog(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Preload("Behaviors", func(db *gorm.DB) *gorm.DB { return db.Order(orderBehaviors) }).
		Preload("ClaimCodes", func(db *gorm.DB) *gorm.DB { return db.Order(orderClaimCodes) })
}

func translateNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *GormStore) FindBadgeByID(ctx context.Context, badgeID string) (BadgeDefinition, error) {
	var badge BadgeDefinition
	if err := s.withCatalog(ctx).Where("id = ?", badgeID).Take(&badge).Error; err != nil {
		return BadgeDefinition{}, translateNotFound(err)
	}
	return badge, nil
}

func (s *GormStore) FindBadgeByShortname(ctx context.Context, shortname string) (BadgeDefinition, error) {
	var badge BadgeDefinition
	if err := s.withCatalog(ctx).Where("shortname = ?", shortname).Take(&badge).Error; err != nil {
		return BadgeDefinition{}, translateNotFound(err)
	}
	return badge, nil
}

func (s *GormStore) FindAllBadges(ctx context.Context) ([]BadgeDefinition, error) {
	var badges []BadgeDefinition
	if err := s.withCatalog(ctx).Order("shortname ASC").Find(&badges).Error; err != nil {
		return nil, err
	}
	return badges, nil
}

func (s *GormStore) FindBadgesByBehavior(ctx context.Context, behaviors []string) ([]BadgeDefinition, error) {
	if len(behaviors) == 0 {
		return nil, nil
	}
	matching := s.db.WithContext(ctx).
		Model(&BehaviorRequirement{}).
		Select("badge_id").
		Where("shortname IN ?", behaviors)
	var badges []BadgeDefinition
	if err := s.withCatalog(ctx).
		Where("id IN (?)", matching).
		Order("shortname ASC").
		Find(&badges).Error; err != nil {
		return nil, err
	}
	return badges, nil
}

func (s *GormStore) FindBadgeByClaimCode(ctx context.Context, code string) (BadgeDefinition, error) {
	var claim ClaimCode
	if err := s.db.WithContext(ctx).Where("code = ?", code).Take(&claim).Error; err != nil {
		return BadgeDefinition{}, translateNotFound(err)
	}
	return s.FindBadgeByID(ctx, claim.BadgeID)
}

func (s *GormStore) FindAllClaimCodes(ctx context.Context) ([]string, error) {
	var codes []string
	if err := s.db.WithContext(ctx).
		Model(&ClaimCode{}).
		Order(orderClaimCodes).
		Pluck("code", &codes).Error; err != nil {
		return nil, err
	}
	return codes, nil
}

func (s *GormStore) SaveBadgeDefinition(ctx context.Context, badge BadgeDefinition) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		definition := badge
		definition.Behaviors = nil
		definition.ClaimCodes = nil
		if err := tx.Omit(clause.Associations, columnCodesVersion).Save(&definition).Error; err != nil {
			return err
		}
		if err := tx.Where(queryBadgeID, badge.ID).Delete(&BehaviorRequirement{}).Error; err != nil {
			return err
		}
		if len(badge.Behaviors) == 0 {
			return nil
		}
		requirements := make([]BehaviorRequirement, 0, len(badge.Behaviors))
		for index, requirement := range badge.Behaviors {
			requirements = append(requirements, BehaviorRequirement{
				BadgeID:   badge.ID,
				Shortname: requirement.Shortname,
				Count:     requirement.Count,
				Position:  index,
			})
		}
		return tx.Create(&requirements).Error
	})
}

func (s *GormStore) InsertClaimCodeIfAbsent(ctx context.Context, badgeID, code string, addedAt time.Time) (bool, error) {
	inserted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ClaimCode{
			Code:    code,
			BadgeID: badgeID,
			AddedAt: addedAt.UTC(),
		})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		inserted = true
		return bumpCodesVersion(tx, badgeID)
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (s *GormStore) RedeemClaimCode(ctx context.Context, badgeID, code, userID string, claimedAt time.Time) (RedeemOutcome, error) {
	outcome := RedeemMissing
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&ClaimCode{}).
			Where("badge_id = ? AND code = ? AND claimed_by IS NULL", badgeID, code).
			Updates(map[string]interface{}{
				"claimed_by": userID,
				"claimed_at": claimedAt.UTC(),
				"revision":   gorm.Expr("revision + 1"),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 1 {
			outcome = RedeemClaimed
			return bumpCodesVersion(tx, badgeID)
		}

		var existing ClaimCode
		err := tx.Where(queryBadgeCode, badgeID, code).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			outcome = RedeemMissing
		case err != nil:
			return err
		case existing.Claimant() == userID:
			outcome = RedeemAlreadyClaimedBySame
		default:
			outcome = RedeemClaimedByOther
		}
		return nil
	})
	if err != nil {
		return RedeemMissing, err
	}
	return outcome, nil
}

func (s *GormStore) DeleteClaimCode(ctx context.Context, badgeID, code string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where(queryBadgeCode, badgeID, code).Delete(&ClaimCode{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		return bumpCodesVersion(tx, badgeID)
	})
}

func bumpCodesVersion(tx *gorm.DB, badgeID string) error {
	return tx.Model(&BadgeDefinition{}).
		Where("id = ?", badgeID).
		UpdateColumn(columnCodesVersion, gorm.Expr(bumpCodesVersionSQL)).Error
}

func (s *GormStore) UpsertUserCredit(ctx context.Context, userID string, increments map[string]int, now time.Time) (UserCredit, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account := UserAccount{UserID: userID, CreatedAt: now.UTC()}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&account).Error; err != nil {
			return err
		}
		for _, behavior := range sortedKeys(increments) {
			entry := CreditEntry{UserID: userID, Behavior: behavior, Count: int64(increments[behavior])}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "user_id"}, {Name: "behavior"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"credit_count": gorm.Expr("user_credits.credit_count + excluded.credit_count"),
				}),
			}).Create(&entry).Error
			if err != nil {
				return fmt.Errorf("increment %s: %w", behavior, err)
			}
		}
		return nil
	})
	if err != nil {
		return UserCredit{}, err
	}
	return s.FindUserCredit(ctx, userID)
}

func (s *GormStore) FindUserCredit(ctx context.Context, userID string) (UserCredit, error) {
	var entries []CreditEntry
	if err := s.db.WithContext(ctx).Where(queryUserID, userID).Find(&entries).Error; err != nil {
		return UserCredit{}, err
	}
	credit := UserCredit{UserID: userID, Behaviors: make(map[string]int, len(entries))}
	for _, entry := range entries {
		credit.Behaviors[entry.Behavior] = int(entry.Count)
	}
	return credit, nil
}

func (s *GormStore) InsertBadgeInstanceIfAbsent(ctx context.Context, instance BadgeInstance) (bool, error) {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&instance)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *GormStore) FindBadgeInstance(ctx context.Context, userID, badgeID string) (BadgeInstance, error) {
	var instance BadgeInstance
	if err := s.db.WithContext(ctx).Where(queryUserBadge, userID, badgeID).Take(&instance).Error; err != nil {
		return BadgeInstance{}, translateNotFound(err)
	}
	return instance, nil
}

func (s *GormStore) FindBadgeInstanceByID(ctx context.Context, instanceID string) (BadgeInstance, error) {
	var instance BadgeInstance
	if err := s.db.WithContext(ctx).Where("id = ?", instanceID).Take(&instance).Error; err != nil {
		return BadgeInstance{}, translateNotFound(err)
	}
	return instance, nil
}

func (s *GormStore) FindBadgeInstancesByUser(ctx context.Context, userID string) ([]BadgeInstance, error) {
	var instances []BadgeInstance
	if err := s.db.WithContext(ctx).
		Where(queryUserID, userID).
		Order("issued_at ASC").
		Find(&instances).Error; err != nil {
		return nil, err
	}
	return instances, nil
}

func (s *GormStore) SaveIssuer(ctx context.Context, issuer Issuer) error {
	return s.db.WithContext(ctx).Save(&issuer).Error
}

func (s *GormStore) FindIssuerByID(ctx context.Context, issuerID string) (Issuer, error) {
	var issuer Issuer
	if err := s.db.WithContext(ctx).Where("id = ?", issuerID).Take(&issuer).Error; err != nil {
		return Issuer{}, translateNotFound(err)
	}
	return issuer, nil
}
