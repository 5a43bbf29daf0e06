package database

import (
	"errors"
	"time"

	"github.com/teamcare/intake/internal/visits"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeVisitStatus = "2026-08-12_normalize_visit_status"

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
		{name: migrationNormalizeVisitStatus, apply: normalizeVisitStatus},
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

// normalizeVisitStatus backfills rows imported before status values were
// constrained to the draft/validated pair.
func normalizeVisitStatus(db *gorm.DB) error {
	return db.Model(&visits.Visit{}).
		Where("status NOT IN ?", []string{string(visits.StatusDraft), string(visits.StatusValidated)}).
		Update("status", string(visits.StatusDraft)).Error
}
