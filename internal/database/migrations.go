package database

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/panels/internal/docstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillProgressSeriesSlug = "2026-09-14_backfill_progress_series_slug"

const (
	progressCollectionPrefix = "progress/"
	progressCollectionSuffix = "/chapters"
	seriesSlugField          = "seriesSlug"
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
		{name: migrationBackfillProgressSeriesSlug, apply: backfillProgressSeriesSlug},
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

// backfillProgressSeriesSlug stamps seriesSlug on progress documents written
// before the field was stored; the slug is recovered from the collection path.
func backfillProgressSeriesSlug(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var records []docstore.Record
		if err := tx.Where("collection LIKE ?", progressCollectionPrefix+"%"+progressCollectionSuffix).Find(&records).Error; err != nil {
			return err
		}
		for _, record := range records {
			slug := strings.TrimSuffix(strings.TrimPrefix(record.Collection, progressCollectionPrefix), progressCollectionSuffix)
			if slug == "" {
				continue
			}
			body := map[string]any{}
			if err := json.Unmarshal([]byte(record.BodyJSON), &body); err != nil {
				continue
			}
			if existing, ok := body[seriesSlugField].(string); ok && existing != "" {
				continue
			}
			body[seriesSlugField] = slug
			encoded, err := json.Marshal(body)
			if err != nil {
				return err
			}
			if err := tx.Model(&docstore.Record{}).
				Where("user_id = ? AND collection = ? AND doc_id = ?", record.UserID, record.Collection, record.DocID).
				Update("body_json", string(encoded)).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
