package db

import (
	"errors"

	"github.com/SecureAI-Team/creator-sub000/internal/db/migration"

	"gorm.io/gorm"
)

// SyncSchema creates/updates tables and indexes from models.
func SyncSchema(db *gorm.DB) error {
	if db == nil {
		return errors.New("db is required")
	}
	return db.AutoMigrate(
		&Dispatch{},
		&Instance{},
		&WorkspaceFile{},
	)
}

// MigrateUp syncs schema then runs the registered data steps.
func MigrateUp(db *gorm.DB) error {
	if err := SyncSchema(db); err != nil {
		return err
	}
	return migration.RunAll(db)
}
