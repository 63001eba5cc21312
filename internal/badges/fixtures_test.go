package badges

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testOrigin = "http://example.org"

var samplePNG = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 64)...)

type fixtureSet struct {
	service *Service
	store   *GormStore
	issuer  Issuer
	badges  map[string]BadgeDefinition
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err, "open sqlite")
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(Models()...), "migrate schema")
	return db
}

func newTestService(t *testing.T, mutate func(*ServiceConfig)) (*Service, *GormStore) {
	t.Helper()
	store, err := NewGormStore(openTestDatabase(t))
	require.NoError(t, err)
	cfg := ServiceConfig{
		Store:        store,
		Clock:        func() time.Time { return time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC) },
		IDProvider:   NewUUIDProvider(),
		PublicOrigin: testOrigin,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	service, err := NewService(cfg)
	require.NoError(t, err)
	return service, store
}

// loadFixtures seeds the catalog used across the suites.
func loadFixtures(t *testing.T) fixtureSet {
	t.Helper()
	return loadFixturesWith(t, nil)
}

func loadFixturesWith(t *testing.T, mutate func(*ServiceConfig)) fixtureSet {
	t.Helper()
	service, store := newTestService(t, mutate)
	ctx := context.Background()

	issuer, err := service.SaveIssuer(ctx, Issuer{
		Name:    "Badge Authority",
		Org:     "Some Org",
		Contact: "brian@example.org",
	})
	require.NoError(t, err)

	definitions := []BadgeDefinition{
		{Name: "Link Badge, basic", Shortname: "link-basic", Description: "For doing links.",
			Behaviors: []BehaviorRequirement{{Shortname: "link", Count: 5}}},
		{Name: "Link Badge, advanced", Shortname: "link-advanced", Description: "For doing lots of links.",
			Behaviors: []BehaviorRequirement{{Shortname: "link", Count: 10}}},
		{Name: "Commenting badge", Shortname: "comment", Description: "For doing lots of comments.",
			Behaviors: []BehaviorRequirement{{Shortname: "comment", Count: 5}}},
		{Name: "Linking and commenting badge", Shortname: "link-comment", Description: "For doing lots of comments and links",
			Behaviors: []BehaviorRequirement{{Shortname: "comment", Count: 5}, {Shortname: "link", Count: 5}}},
		{Name: "Offline badge", Shortname: "offline-badge", Description: "For doing stuff offline"},
		{Name: "Other Offline badge", Shortname: "other-offline-badge", Description: "For doing more offline stuff"},
		{Name: "Random code badge", Shortname: "random-badge", Description: "For doing random stuff"},
	}
	saved := make(map[string]BadgeDefinition, len(definitions))
	for _, definition := range definitions {
		definition.Image = samplePNG
		definition.IssuerID = issuer.ID
		badge, err := service.SaveBadge(ctx, definition)
		require.NoError(t, err, "save %s", definition.Shortname)
		saved[badge.Shortname] = badge
	}

	seedCodes := map[string][]string{
		"offline-badge":       {"already-claimed", "never-claim", "will-claim", "remove-claim"},
		"other-offline-badge": {"slothstronaut", "bearstronaut", "catstronaut"},
	}
	for shortname, codes := range seedCodes {
		accepted, rejected, err := service.AddClaimCodes(ctx, saved[shortname].ID, ClaimCodeBatch{Codes: codes})
		require.NoError(t, err)
		require.Equal(t, codes, accepted)
		require.Empty(t, rejected)
	}
	outcome, err := store.RedeemClaimCode(ctx, saved["offline-badge"].ID, "already-claimed", "brian@example.org", time.Now())
	require.NoError(t, err)
	require.Equal(t, RedeemClaimed, outcome)

	for shortname := range saved {
		badge, err := store.FindBadgeByShortname(ctx, shortname)
		require.NoError(t, err)
		saved[shortname] = badge
	}

	return fixtureSet{service: service, store: store, issuer: issuer, badges: saved}
}

func (f fixtureSet) reload(t *testing.T, shortname string) BadgeDefinition {
	t.Helper()
	badge, err := f.store.FindBadgeByShortname(context.Background(), shortname)
	require.NoError(t, err)
	return badge
}

func serviceErrorCode(t *testing.T, err error) string {
	t.Helper()
	var serviceErr *ServiceError
	require.True(t, errors.As(err, &serviceErr), "expected service error, got %v", err)
	return serviceErr.Code()
}

func codesOf(badge BadgeDefinition) []string {
	codes := make([]string, 0, len(badge.ClaimCodes))
	for _, claim := range badge.ClaimCodes {
		codes = append(codes, claim.Code)
	}
	return codes
}
