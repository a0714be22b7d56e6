package quota

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/storage"
)

const (
	opGet       = "quota.get"
	opOpen      = "quota.open"
	opIncrement = "quota.increment"
	opSaveReset = "quota.save_reset"
)

var errMissingDatabase = errors.New("quota: database handle is required")

// Store persists quota accounts. AtomicIncrement must apply the delta
// atomically on the backend; the sufficiency check made by callers is not.
type Store interface {
	Get(ctx context.Context, userID string) (Account, error)
	Open(ctx context.Context, account Account) (Account, error)
	AtomicIncrement(ctx context.Context, userID string, delta int) (int, error)
	SaveReset(ctx context.Context, userID string, pixelQuota int, resetAt time.Time) error
}

// GormStore keeps accounts in the user_quotas table.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore constructs a GormStore.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormStore{db: db}, nil
}

// Get loads an account. A missing account matches storage.ErrNotFound.
func (s *GormStore) Get(ctx context.Context, userID string) (Account, error) {
	var account Account
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&account).Error; err != nil {
		return Account{}, storage.Classify(opGet, err)
	}
	return account, nil
}

// Open inserts the account unless one already exists, and returns the stored row.
func (s *GormStore) Open(ctx context.Context, account Account) (Account, error) {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&account).Error
	if err != nil {
		return Account{}, storage.Classify(opOpen, err)
	}
	return s.Get(ctx, account.UserID)
}

// AtomicIncrement adds delta to the balance in one UPDATE and returns the new balance.
func (s *GormStore) AtomicIncrement(ctx context.Context, userID string, delta int) (int, error) {
	var balance int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Account{}).
			Where("user_id = ?", userID).
			Update("pixel_quota", gorm.Expr("pixel_quota + ?", delta))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		var account Account
		if err := tx.Select("pixel_quota").Where("user_id = ?", userID).Take(&account).Error; err != nil {
			return err
		}
		balance = account.PixelQuota
		return nil
	})
	if err != nil {
		return 0, storage.Classify(opIncrement, err)
	}
	return balance, nil
}

// SaveReset stores a replenished balance together with its reset time.
func (s *GormStore) SaveReset(ctx context.Context, userID string, pixelQuota int, resetAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{"pixel_quota": pixelQuota, "last_quota_reset": resetAt})
	if result.Error != nil {
		return storage.Classify(opSaveReset, result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.NewNotFound(opSaveReset, nil)
	}
	return nil
}
