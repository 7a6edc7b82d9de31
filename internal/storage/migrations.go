package storage

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationPurgeOrphanVersionKeys = "2026-09-14_purge_orphan_version_keys"

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
		{name: migrationPurgeOrphanVersionKeys, apply: purgeOrphanVersionKeys},
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

// purgeOrphanVersionKeys drops version stamps whose collection payload is gone,
// so a stale stamp can never mask a missing collection.
func purgeOrphanVersionKeys(db *gorm.DB) error {
	var versionEntries []Entry
	if err := db.Where("entry_key LIKE ?", "%_"+suffixVersion).Find(&versionEntries).Error; err != nil {
		return err
	}
	for _, entry := range versionEntries {
		if !strings.HasSuffix(entry.Key, namespaceKeySeparator+suffixVersion) {
			continue
		}
		dataKey := strings.TrimSuffix(entry.Key, suffixVersion) + suffixData
		var count int64
		if err := db.Model(&Entry{}).Where(queryKey, dataKey).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		if err := db.Where(queryKey, entry.Key).Delete(&Entry{}).Error; err != nil {
			return err
		}
	}
	return nil
}
