package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/seatsync/internal/auditlog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxExternalIDLength = 190

var (
	// ErrAccountNotFound indicates that a realm has no billing account.
	ErrAccountNotFound = errors.New("accounts: billing account not found")
	// ErrInvalidExternalID indicates that a provider account id is empty or too long.
	ErrInvalidExternalID = errors.New("accounts: invalid external account id")
	errMissingDatabase   = errors.New("accounts: database handle is required")
)

// Account maps a realm to its payment provider customer.
type Account struct {
	RealmID                int64     `gorm:"column:realm_id;primaryKey;autoIncrement:false"`
	ExternalAccountID      string    `gorm:"column:external_account_id;size:190;not null;uniqueIndex"`
	HasBillingRelationship bool      `gorm:"column:has_billing_relationship;not null;default:false"`
	CreatedAt              time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt              time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "billing_accounts"
}

// Directory resolves realms to billing accounts.
type Directory struct {
	db *gorm.DB
}

// NewDirectory constructs a Directory over the given database handle.
func NewDirectory(db *gorm.DB) (*Directory, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Directory{db: db}, nil
}

// GetAccount returns the account for realmID or ErrAccountNotFound.
func (d *Directory) GetAccount(ctx context.Context, realmID auditlog.RealmID) (Account, error) {
	var account Account
	err := d.db.WithContext(ctx).Where("realm_id = ?", realmID.Int64()).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, fmt.Errorf("%w: realm %d", ErrAccountNotFound, realmID.Int64())
	}
	if err != nil {
		return Account{}, fmt.Errorf("accounts: get realm %d: %w", realmID.Int64(), err)
	}
	return account, nil
}

// Upsert links realmID to externalAccountID, creating or replacing the mapping.
func (d *Directory) Upsert(ctx context.Context, realmID auditlog.RealmID, externalAccountID string, hasBillingRelationship bool) (Account, error) {
	trimmed := strings.TrimSpace(externalAccountID)
	if trimmed == "" {
		return Account{}, fmt.Errorf("%w: empty", ErrInvalidExternalID)
	}
	if len(trimmed) > maxExternalIDLength {
		return Account{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidExternalID, maxExternalIDLength)
	}
	account := Account{
		RealmID:                realmID.Int64(),
		ExternalAccountID:      trimmed,
		HasBillingRelationship: hasBillingRelationship,
	}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "realm_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"external_account_id", "has_billing_relationship", "updated_at"}),
	}).Create(&account).Error
	if err != nil {
		return Account{}, fmt.Errorf("accounts: upsert realm %d: %w", realmID.Int64(), err)
	}
	return d.GetAccount(ctx, realmID)
}

// SetBillingRelationship records the start or end of a realm's relationship with the provider.
func (d *Directory) SetBillingRelationship(ctx context.Context, realmID auditlog.RealmID, active bool) error {
	result := d.db.WithContext(ctx).Model(&Account{}).
		Where("realm_id = ?", realmID.Int64()).
		Update("has_billing_relationship", active)
	if result.Error != nil {
		return fmt.Errorf("accounts: update realm %d: %w", realmID.Int64(), result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: realm %d", ErrAccountNotFound, realmID.Int64())
	}
	return nil
}
