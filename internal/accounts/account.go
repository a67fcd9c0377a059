package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Tier is the entitlement tier an account holds.
type Tier string

const (
	// TierFree is the default entitlement.
	TierFree Tier = "free"
	// TierPlus is the paid entitlement with extended revision retention.
	TierPlus Tier = "plus"
)

// Revision retention windows per tier: a trailing count, not time-based.
const (
	retentionFree = 10
	retentionPlus = 25
)

// RetentionFor returns the revision retention window for a tier. Unknown
// tiers fall back to the free window.
func RetentionFor(tier Tier) int {
	if tier == TierPlus {
		return retentionPlus
	}
	return retentionFree
}

// Account is the durable record for one user.
type Account struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email            string `gorm:"column:email;size:320;not null;default:''"`
	DisplayName      string `gorm:"column:display_name;size:320;not null;default:''"`
	Tier             string `gorm:"column:tier;size:16;not null;default:'free'"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "accounts"
}

// ErrInvalidUserID indicates an empty user identifier.
var ErrInvalidUserID = errors.New("accounts: invalid user id")

// ServiceConfig describes the dependencies for the account service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages account records and their entitlement tiers.
type Service struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("accounts: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, clock: clock}, nil
}

// Ensure returns the account for userID, creating a free-tier record on
// first touch.
func (s *Service) Ensure(ctx context.Context, userID string) (Account, error) {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return Account{}, ErrInvalidUserID
	}
	now := s.clock().UTC().Unix()
	account := Account{
		UserID:           trimmed,
		Tier:             string(TierFree),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&account).Error
	if err != nil {
		return Account{}, err
	}
	return s.Get(ctx, trimmed)
}

// Get returns the account for userID.
func (s *Service) Get(ctx context.Context, userID string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&account).Error
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// SetTier changes an account's entitlement tier.
func (s *Service) SetTier(ctx context.Context, userID string, tier Tier) error {
	result := s.db.WithContext(ctx).Model(&Account{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"tier":         string(tier),
			"updated_at_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// TierForUser returns the tier recorded for userID, defaulting to free
// when no account row exists.
func TierForUser(tx *gorm.DB, userID string) Tier {
	var account Account
	err := tx.Where("user_id = ?", userID).Take(&account).Error
	if err != nil {
		return TierFree
	}
	return Tier(account.Tier)
}
