package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxScopeLength = 190

// Entry is one persisted key-value pair inside a scope.
type Entry struct {
	Scope            string `gorm:"column:scope;primaryKey;size:190;not null"`
	Key              string `gorm:"column:entry_key;primaryKey;size:400;not null"`
	Value            string `gorm:"column:value;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "store_entries"
}

// SQLiteBackend persists scopes in the store_entries table.
type SQLiteBackend struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLiteBackend wraps an already migrated database handle.
func NewSQLiteBackend(db *gorm.DB, clock func() time.Time) (*SQLiteBackend, error) {
	if db == nil {
		return nil, fmt.Errorf("store: database handle required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &SQLiteBackend{db: db, clock: clock}, nil
}

// Scope returns a Store bound to scopeID.
func (b *SQLiteBackend) Scope(scopeID string) (Store, error) {
	scope, err := normalizeScope(scopeID)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{backend: b, scope: scope}, nil
}

type sqliteStore struct {
	backend *SQLiteBackend
	scope   string
}

func (s *sqliteStore) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	if err := validateKeys(key); err != nil {
		return nil, false, err
	}
	var entry Entry
	result := s.backend.db.WithContext(ctx).
		Where("scope = ? AND entry_key = ?", s.scope, key.String()).
		Limit(1).
		Find(&entry)
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, false, nil
	}
	return []byte(entry.Value), true, nil
}

func (s *sqliteStore) Put(ctx context.Context, key Key, value []byte) error {
	if err := validateKeys(key); err != nil {
		return err
	}
	entry := Entry{
		Scope:            s.scope,
		Key:              key.String(),
		Value:            string(value),
		UpdatedAtSeconds: s.backend.clock().UTC().Unix(),
	}
	return s.backend.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "scope"}, {Name: "entry_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_s"}),
		}).
		Create(&entry).Error
}

func (s *sqliteStore) Delete(ctx context.Context, keys ...Key) error {
	if len(keys) == 0 {
		return nil
	}
	if err := validateKeys(keys...); err != nil {
		return err
	}
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, key.String())
	}
	return s.backend.db.WithContext(ctx).
		Where("scope = ? AND entry_key IN ?", s.scope, names).
		Delete(&Entry{}).Error
}
