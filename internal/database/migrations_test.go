package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/badger/internal/badges"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openMigrationDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(append(badges.Models(), &migrationRecord{})...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsDropsOrphanedClaimCodes(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	badge := badges.BadgeDefinition{ID: "badge-1", Shortname: "kept", Name: "Kept"}
	if err := database.Omit("Behaviors", "ClaimCodes").Create(&badge).Error; err != nil {
		testContext.Fatalf("failed to insert badge: %v", err)
	}
	now := time.Now().UTC()
	codes := []badges.ClaimCode{
		{Code: "kept-code", BadgeID: "badge-1", AddedAt: now},
		{Code: "orphan-code", BadgeID: "badge-gone", AddedAt: now},
	}
	if err := database.Create(&codes).Error; err != nil {
		testContext.Fatalf("failed to insert codes: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var remaining []string
	if err := database.Model(&badges.ClaimCode{}).Order("code").Pluck("code", &remaining).Error; err != nil {
		testContext.Fatalf("failed to reload codes: %v", err)
	}
	if len(remaining) != 1 || remaining[0] != "kept-code" {
		testContext.Fatalf("expected only kept-code to survive, got %v", remaining)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationDropOrphanedClaimCodes).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	for attempt := 0; attempt < 2; attempt++ {
		if err := applyMigrations(database, zap.NewNop()); err != nil {
			testContext.Fatalf("failed to apply migrations (attempt %d): %v", attempt+1, err)
		}
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected one migration record, got %d", count)
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(Options{Driver: "mysql"}, zap.NewNop()); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
}

func TestOpenSQLiteMigratesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "badger.db")
	database, err := Open(Options{Driver: DriverSQLite, Path: databasePath}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	defer sqlDB.Close()

	for _, table := range []string{"badges", "badge_behaviors", "claim_codes", "user_credits", "badge_instances", "issuers", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
}
