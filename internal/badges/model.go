package badges

import (
	"encoding/base64"
	"fmt"
	"sort"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

const (
	maxIdentifierLength = 320
	maxClaimCodeLength  = 128
	maxBehaviorLength   = 64
)

// MaxGenerateCount bounds a single claim code generation request.
const MaxGenerateCount = 10000

// BehaviorRequirement is the credit threshold a user must reach for one behavior.
type BehaviorRequirement struct {
	BadgeID   string `gorm:"column:badge_id;primaryKey;size:190;not null" json:"-"`
	Shortname string `gorm:"column:shortname;primaryKey;size:64;not null;index:idx_badge_behaviors_shortname" json:"shortname" validate:"required,max=64,behavior"`
	Count     int    `gorm:"column:credit_count;not null" json:"count" validate:"gt=0"`
	Position  int    `gorm:"column:position;not null;default:0" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (BehaviorRequirement) TableName() string {
	return "badge_behaviors"
}

// ClaimCode is a one-time code that awards its badge to the first claimant.
// ClaimedBy is nil until the code is redeemed and never changes afterwards.
type ClaimCode struct {
	Code      string     `gorm:"column:code;primaryKey;size:128;not null" json:"code"`
	BadgeID   string     `gorm:"column:badge_id;size:190;not null;index" json:"-"`
	ClaimedBy *string    `gorm:"column:claimed_by;size:320" json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `gorm:"column:claimed_at" json:"claimed_at,omitempty"`
	Revision  int64      `gorm:"column:revision;not null;default:0" json:"-"`
	AddedAt   time.Time  `gorm:"column:added_at;not null;index" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (ClaimCode) TableName() string {
	return "claim_codes"
}

// IsClaimed reports whether the code has been redeemed.
func (c ClaimCode) IsClaimed() bool {
	return c.ClaimedBy != nil && *c.ClaimedBy != ""
}

// Claimant returns the redeeming user or an empty string.
func (c ClaimCode) Claimant() string {
	if c.ClaimedBy == nil {
		return ""
	}
	return *c.ClaimedBy
}

// BadgeDefinition is a catalog entry. Behaviors and ClaimCodes are owned by the badge;
// ClaimCodesVersion increases on every claim-code mutation.
type BadgeDefinition struct {
	ID                string                `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Shortname         string                `gorm:"column:shortname;size:190;not null;uniqueIndex" json:"shortname" validate:"required,max=190,slug"`
	Name              string                `gorm:"column:name;size:128;not null" json:"name" validate:"required,max=128"`
	Description       string                `gorm:"column:description;size:128;not null;default:''" json:"description" validate:"max=128"`
	Image             []byte                `gorm:"column:image" json:"image,omitempty" validate:"max=262144"`
	IssuerID          string                `gorm:"column:issuer_id;size:190;index" json:"issuer_id,omitempty"`
	ClaimCodesVersion int64                 `gorm:"column:claim_codes_version;not null;default:0" json:"claim_codes_version"`
	Behaviors         []BehaviorRequirement `gorm:"foreignKey:BadgeID;references:ID" json:"behaviors" validate:"dive"`
	ClaimCodes        []ClaimCode           `gorm:"foreignKey:BadgeID;references:ID" json:"claim_codes,omitempty" validate:"-"`
	CreatedAt         time.Time             `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time             `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (BadgeDefinition) TableName() string {
	return "badges"
}

// EarnableBy reports whether the credit satisfies every behavior requirement.
func (b BadgeDefinition) EarnableBy(credit UserCredit) bool {
	for _, requirement := range b.Behaviors {
		if credit.Count(requirement.Shortname) < requirement.Count {
			return false
		}
	}
	return true
}

// CreditsUntilAward maps each unmet requirement to the credit still missing.
func (b BadgeDefinition) CreditsUntilAward(credit UserCredit) map[string]int {
	remaining := make(map[string]int)
	for _, requirement := range b.Behaviors {
		have := credit.Count(requirement.Shortname)
		if have < requirement.Count {
			remaining[requirement.Shortname] = requirement.Count - have
		}
	}
	return remaining
}

// HasBehavior reports whether any requirement targets the behavior.
func (b BadgeDefinition) HasBehavior(shortname string) bool {
	for _, requirement := range b.Behaviors {
		if requirement.Shortname == shortname {
			return true
		}
	}
	return false
}

// RemoveBehavior drops the requirement with the given shortname, keeping order.
func (b *BadgeDefinition) RemoveBehavior(shortname string) {
	kept := b.Behaviors[:0]
	for _, requirement := range b.Behaviors {
		if requirement.Shortname != shortname {
			kept = append(kept, requirement)
		}
	}
	b.Behaviors = kept
}

// HasClaimCode reports whether the code belongs to this badge.
func (b BadgeDefinition) HasClaimCode(code string) bool {
	return b.GetClaimCode(code) != nil
}

// GetClaimCode returns the claim code entry or nil.
func (b BadgeDefinition) GetClaimCode(code string) *ClaimCode {
	for index := range b.ClaimCodes {
		if b.ClaimCodes[index].Code == code {
			claim := b.ClaimCodes[index]
			return &claim
		}
	}
	return nil
}

// ClaimCodeIsClaimed returns whether the code was redeemed; ok is false when the
// code does not exist on this badge.
func (b BadgeDefinition) ClaimCodeIsClaimed(code string) (claimed bool, ok bool) {
	claim := b.GetClaimCode(code)
	if claim == nil {
		return false, false
	}
	return claim.IsClaimed(), true
}

// ImageDataURI renders the badge image as a data URI using the sniffed content type.
func (b BadgeDefinition) ImageDataURI() string {
	mime := mimetype.Detect(b.Image)
	return fmt.Sprintf("data:%s;base64,%s", mime.String(), base64.StdEncoding.EncodeToString(b.Image))
}

// ImageContentType returns the sniffed content type of the badge image.
func (b BadgeDefinition) ImageContentType() string {
	return mimetype.Detect(b.Image).String()
}

// UserCredit is the per-user behavior ledger.
type UserCredit struct {
	UserID    string         `json:"user"`
	Behaviors map[string]int `json:"credit"`
}

// Count returns the accumulated credit for a behavior.
func (c UserCredit) Count(behavior string) int {
	if c.Behaviors == nil {
		return 0
	}
	return c.Behaviors[behavior]
}

// UserAccount marks a user as known to the ledger.
type UserAccount struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:320;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (UserAccount) TableName() string {
	return "user_accounts"
}

// CreditEntry stores one counter of the behavior ledger.
type CreditEntry struct {
	UserID   string `gorm:"column:user_id;primaryKey;size:320;not null"`
	Behavior string `gorm:"column:behavior;primaryKey;size:64;not null"`
	Count    int64  `gorm:"column:credit_count;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (CreditEntry) TableName() string {
	return "user_credits"
}

// BadgeInstance is the award record. At most one exists per (user, badge).
type BadgeInstance struct {
	ID             string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	UserID         string    `gorm:"column:user_id;size:320;not null;uniqueIndex:idx_badge_instances_user_badge,priority:1" json:"user"`
	BadgeID        string    `gorm:"column:badge_id;size:190;not null;uniqueIndex:idx_badge_instances_user_badge,priority:2" json:"badge_id"`
	BadgeShortname string    `gorm:"column:badge_shortname;size:190;not null" json:"badge"`
	Salt           string    `gorm:"column:salt;size:64;not null" json:"-"`
	RecipientHash  string    `gorm:"column:recipient_hash;size:128;not null" json:"hash"`
	IssuedAt       time.Time `gorm:"column:issued_at;not null" json:"issued_at"`
}

// TableName provides the explicit table binding for GORM.
func (BadgeInstance) TableName() string {
	return "badge_instances"
}

// Issuer owns badges and signs API traffic with JWTSecret.
type Issuer struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Name      string    `gorm:"column:name;size:128;not null" json:"name" validate:"required,max=128"`
	Org       string    `gorm:"column:org;size:128;not null;default:''" json:"org" validate:"max=128"`
	Contact   string    `gorm:"column:contact;size:320;not null" json:"contact" validate:"required,email"`
	JWTSecret string    `gorm:"column:jwt_secret;size:128;not null" json:"-"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Issuer) TableName() string {
	return "issuers"
}

// Progress describes a badge the user is working toward.
type Progress struct {
	Badge     BadgeDefinition `json:"badge"`
	Remaining map[string]int  `json:"remaining"`
}

// CreditResult is the outcome of crediting behaviors to a user.
type CreditResult struct {
	Credit     UserCredit      `json:"credit"`
	Awarded    []BadgeInstance `json:"awarded"`
	InProgress []Progress      `json:"in_progress"`
}

// UserSummary lists a user's behavior credit and awarded badges.
type UserSummary struct {
	Behaviors map[string]int  `json:"behaviors"`
	Badges    []BadgeInstance `json:"badges"`
}

// ClaimCodeBatch is the input to AddClaimCodes. Limit caps the number of accepted
// codes; zero or negative means unbounded.
type ClaimCodeBatch struct {
	Codes []string `json:"codes"`
	Limit int      `json:"limit"`
}

// RedeemOutcome is the result of the atomic claim-code check-and-set.
type RedeemOutcome int

const (
	// RedeemMissing means the code does not exist on the badge.
	RedeemMissing RedeemOutcome = iota
	// RedeemClaimed means this call bound the code to the user.
	RedeemClaimed
	// RedeemAlreadyClaimedBySame means the same user redeemed the code before.
	RedeemAlreadyClaimedBySame
	// RedeemClaimedByOther means another user owns the code.
	RedeemClaimedByOther
)

func sortedKeys(values map[string]int) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
