package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizePageRotation = "2026-09-14_normalize_page_rotation"
	migrationBackfillFileOwner     = "2026-09-21_backfill_document_file_owner"
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

// applyMigrations runs each named data migration once. Schema changes are left
// to AutoMigrate.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizePageRotation, apply: normalizePageRotation},
		{name: migrationBackfillFileOwner, apply: backfillDocumentFileOwner},
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

// normalizePageRotation folds rotations written before the 0..359 rule into range.
func normalizePageRotation(db *gorm.DB) error {
	if !db.Migrator().HasTable("pages") {
		return nil
	}
	return db.Table("pages").
		Where("rotation < 0 OR rotation >= 360").
		Update("rotation", gorm.Expr("((rotation % 360) + 360) % 360")).Error
}

// backfillDocumentFileOwner keys storage of documents created before
// file_owner_id existed on their current owner.
func backfillDocumentFileOwner(db *gorm.DB) error {
	if !db.Migrator().HasTable("documents") || !db.Migrator().HasTable("ownerships") {
		return nil
	}
	return db.Table("documents").
		Where("file_owner_id = '' OR file_owner_id IS NULL").
		Update("file_owner_id", gorm.Expr(
			"(SELECT o.owner_id FROM ownerships o WHERE o.resource_type = 'node' AND o.resource_id = documents.id)",
		)).Error
}
