package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/modifications"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/pixelcodec"
)

const (
	migrationBackfillChangedPixelCounts = "2026-03-01_backfill_changed_pixel_counts"
	backfillBatchSize                   = 500
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
	apply func(*gorm.DB, *zap.Logger) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillChangedPixelCounts, apply: backfillChangedPixelCounts},
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
		if err := migration.apply(db, logger); err != nil {
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

// backfillChangedPixelCounts recounts non-transparent cells for records
// imported without a changed pixel count. Undecodable payloads are left at zero.
func backfillChangedPixelCounts(db *gorm.DB, logger *zap.Logger) error {
	var pending []modifications.Record
	return db.Model(&modifications.Record{}).
		Select("sequence", "modification_id", "w", "h", "pixels").
		Where("changed_pixels_count = 0").
		FindInBatches(&pending, backfillBatchSize, func(tx *gorm.DB, _ int) error {
			for _, record := range pending {
				count, err := countPlacedCells(record.Pixels, record.W*record.H)
				if err != nil {
					if logger != nil {
						logger.Warn("changed pixel backfill skipped record",
							zap.String("modification_id", record.ID),
							zap.Error(err))
					}
					continue
				}
				if count == 0 {
					continue
				}
				err = tx.Model(&modifications.Record{}).
					Where("sequence = ?", record.Sequence).
					Update("changed_pixels_count", count).Error
				if err != nil {
					return err
				}
			}
			return nil
		}).Error
}

func countPlacedCells(payload string, maxCells int) (int, error) {
	encoded, err := pixelcodec.DecompressLimit(payload, maxCells)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, cell := range pixelcodec.DecodeIndices(encoded) {
		if !cell.IsTransparent() {
			count++
		}
	}
	return count, nil
}
