package db

import (
	"gorm.io/gorm"

	jobtypes "github.com/foundryworks/capiforge/internal/domain/jobs"
)

// AutoMigrateAll creates/updates every table this service owns. It is safe
// to call on every boot; gorm's AutoMigrate only adds, it never drops.
func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&jobtypes.Job{},
		&jobtypes.StageRecord{},
		&jobtypes.LogEntry{},
	)
}

// EnsureJobIndexes adds the composite indexes AutoMigrate can't express from
// struct tags: history listing filters on (owner_id, status) and orders by
// created_at, and the per-owner stats query scans (owner_id, created_at).
func EnsureJobIndexes(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_job_owner_status_created
		ON job(owner_id, status, created_at DESC);
	`).Error; err != nil {
		return err
	}
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_job_owner_created
		ON job(owner_id, created_at DESC);
	`).Error; err != nil {
		return err
	}
	return nil
}
