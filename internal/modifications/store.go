package modifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/storage"
)

const (
	// DefaultListLimit bounds history queries without an explicit limit.
	DefaultListLimit = 50
	// MaxListLimit is the largest accepted history page.
	MaxListLimit = 1000

	opStoreNew        = "modifications.store.new"
	opStoreAppend     = "modifications.append"
	opStoreList       = "modifications.list"
	opStoreListOrder  = "modifications.list_ordered"
	opStoreGet        = "modifications.get"
	opStoreSetEnabled = "modifications.set_enabled"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries an operation.reason code around a classified storage error.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Filter narrows a history query.
type Filter struct {
	Limit  int
	UserID string
	Since  time.Time
}

// Store persists the append-only modification log.
type Store interface {
	Append(ctx context.Context, record *Record) error
	ListOrdered(ctx context.Context, boardID string) ([]Record, error)
	List(ctx context.Context, boardID string, filter Filter) ([]Record, error)
	Get(ctx context.Context, boardID string, modificationID ModificationID) (Record, error)
	SetEnabled(ctx context.Context, boardID string, modificationID ModificationID, enabled bool) error
}

// GormStore implements Store on a relational database.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore constructs a GormStore.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if db == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &GormStore{db: db, logger: logger}, nil
}

// Append inserts a record. The storage sequence is assigned on insert.
func (s *GormStore) Append(ctx context.Context, record *Record) error {
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		classified := storage.Classify(opStoreAppend, err)
		s.logError(opStoreAppend, "insert_failed", classified,
			zap.String("board_id", record.BoardID),
			zap.String("modification_id", record.ID))
		return newServiceError(opStoreAppend, "insert_failed", classified)
	}
	return nil
}

// ListOrdered returns the whole board log in replay order.
func (s *GormStore) ListOrdered(ctx context.Context, boardID string) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where("board_id = ?", boardID).
		Order("created_at_ms ASC").
		Order("sequence ASC").
		Find(&records).Error
	if err != nil {
		classified := storage.Classify(opStoreListOrder, err)
		s.logError(opStoreListOrder, "query_failed", classified, zap.String("board_id", boardID))
		return nil, newServiceError(opStoreListOrder, "query_failed", classified)
	}
	return records, nil
}

// List returns the newest records first.
func (s *GormStore) List(ctx context.Context, boardID string, filter Filter) ([]Record, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)

	query := s.db.WithContext(ctx).Where("board_id = ?", boardID)
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if !filter.Since.IsZero() {
		query = query.Where("created_at_ms > ?", filter.Since.UnixMilli())
	}

	var records []Record
	err := query.
		Order("created_at_ms DESC").
		Order("sequence DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		classified := storage.Classify(opStoreList, err)
		s.logError(opStoreList, "query_failed", classified, zap.String("board_id", boardID))
		return nil, newServiceError(opStoreList, "query_failed", classified)
	}
	return records, nil
}

// Get loads one record of a board. A missing record matches storage.ErrNotFound.
func (s *GormStore) Get(ctx context.Context, boardID string, modificationID ModificationID) (Record, error) {
	var record Record
	err := s.db.WithContext(ctx).
		Where("board_id = ? AND modification_id = ?", boardID, modificationID.String()).
		Take(&record).Error
	if err != nil {
		classified := storage.Classify(opStoreGet, err)
		if storage.KindOf(classified) != storage.KindNotFound {
			s.logError(opStoreGet, "query_failed", classified,
				zap.String("board_id", boardID),
				zap.String("modification_id", modificationID.String()))
		}
		return Record{}, newServiceError(opStoreGet, "query_failed", classified)
	}
	return record, nil
}

// SetEnabled flips the only mutable field of a record.
func (s *GormStore) SetEnabled(ctx context.Context, boardID string, modificationID ModificationID, enabled bool) error {
	result := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("board_id = ? AND modification_id = ?", boardID, modificationID.String()).
		Update("enabled", enabled)
	if result.Error != nil {
		classified := storage.Classify(opStoreSetEnabled, result.Error)
		s.logError(opStoreSetEnabled, "update_failed", classified,
			zap.String("board_id", boardID),
			zap.String("modification_id", modificationID.String()))
		return newServiceError(opStoreSetEnabled, "update_failed", classified)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opStoreSetEnabled, "not_found", storage.NewNotFound(opStoreSetEnabled, nil))
	}
	return nil
}

func (s *GormStore) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger := noOpLogger
	if s != nil && s.logger != nil {
		logger = s.logger
	}
	logger.Error("modifications store error", attrs...)
}
