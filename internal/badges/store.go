package badges

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates that the requested badge, issuer or award does not exist.
var ErrNotFound = errors.New("badges: not found")

// Store is the persistence boundary of the badge engine. Every mutating method must be a
// single atomic operation at the storage layer: conditional inserts and compare-and-swap
// updates, never read-then-write pairs.
type Store interface {
	FindBadgeByID(ctx context.Context, badgeID string) (BadgeDefinition, error)
	FindBadgeByShortname(ctx context.Context, shortname string) (BadgeDefinition, error)
	FindAllBadges(ctx context.Context) ([]BadgeDefinition, error)
	// FindBadgesByBehavior returns badges with at least one requirement on any behavior.
	FindBadgesByBehavior(ctx context.Context, behaviors []string) ([]BadgeDefinition, error)
	FindBadgeByClaimCode(ctx context.Context, code string) (BadgeDefinition, error)
	FindAllClaimCodes(ctx context.Context) ([]string, error)
	// SaveBadgeDefinition upserts the definition and replaces its behaviors. Claim codes
	// are only changed through the claim-code methods.
	SaveBadgeDefinition(ctx context.Context, badge BadgeDefinition) error

	// InsertClaimCodeIfAbsent adds the code unless it is already in use on any badge.
	InsertClaimCodeIfAbsent(ctx context.Context, badgeID, code string, addedAt time.Time) (bool, error)
	// RedeemClaimCode binds an unclaimed code to userID in one conditional update.
	RedeemClaimCode(ctx context.Context, badgeID, code, userID string, claimedAt time.Time) (RedeemOutcome, error)
	DeleteClaimCode(ctx context.Context, badgeID, code string) error

	// UpsertUserCredit atomically adds increments to the user's counters, creating the
	// user on first sight, and returns the full ledger afterwards.
	UpsertUserCredit(ctx context.Context, userID string, increments map[string]int, now time.Time) (UserCredit, error)
	FindUserCredit(ctx context.Context, userID string) (UserCredit, error)

	// InsertBadgeInstanceIfAbsent stores the instance unless (user, badge) is already
	// awarded; it reports whether a row was created.
	InsertBadgeInstanceIfAbsent(ctx context.Context, instance BadgeInstance) (bool, error)
	FindBadgeInstance(ctx context.Context, userID, badgeID string) (BadgeInstance, error)
	FindBadgeInstanceByID(ctx context.Context, instanceID string) (BadgeInstance, error)
	FindBadgeInstancesByUser(ctx context.Context, userID string) ([]BadgeInstance, error)

	SaveIssuer(ctx context.Context, issuer Issuer) error
	FindIssuerByID(ctx context.Context, issuerID string) (Issuer, error)
}
