package database

import (
	"time"

	"github.com/MarcoPoloResearchLab/storefront/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationPurgeMalformedEntries = "2026-10-12_purge_malformed_store_entries"
	migrationDropEmptyScopes       = "2026-10-14_drop_empty_scope_entries"
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
		{name: migrationPurgeMalformedEntries, apply: purgeMalformedEntries},
		{name: migrationDropEmptyScopes, apply: dropEmptyScopeEntries},
	}

	for _, migration := range migrations {
		var applied int64
		if err := db.Model(&migrationRecord{}).Where("name = ?", migration.name).Count(&applied).Error; err != nil {
			return err
		}
		if applied > 0 {
			continue
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

// Identity blobs, credential lists, chat histories and cart snapshots are all
// JSON documents.
// Rows written by earlier builds that no longer parse are dropped so readers
// start from the "absent" state.
func purgeMalformedEntries(db *gorm.DB) error {
	jsonKeys := []string{
		store.IdentityKey().String(),
		store.LocalUsersKey().String(),
		store.ChatMessagesKey().String(),
	}
	if err := db.Where("entry_key IN ? AND json_valid(value) = 0", jsonKeys).
		Delete(&store.Entry{}).Error; err != nil {
		return err
	}
	return db.Where(`entry_key LIKE ? ESCAPE '\' AND json_valid(value) = 0`, store.CartKeyPattern()).
		Delete(&store.Entry{}).Error
}

func dropEmptyScopeEntries(db *gorm.DB) error {
	return db.Where("TRIM(scope) = ''").Delete(&store.Entry{}).Error
}
