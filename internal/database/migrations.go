package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/badger/internal/badges"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationDropOrphanedClaimCodes = "2026-10-01_drop_orphaned_claim_codes"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationDropOrphanedClaimCodes, apply: dropOrphanedClaimCodes},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// dropOrphanedClaimCodes removes codes whose badge was deleted out from under them.
// Foreign keys are not enforced, so nothing else cleans these up.
func dropOrphanedClaimCodes(db *gorm.DB) error {
	badgeIDs := db.Model(&badges.BadgeDefinition{}).Select("id")
	return db.Where("badge_id NOT IN (?)", badgeIDs).Delete(&badges.ClaimCode{}).Error
}
