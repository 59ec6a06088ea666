package db

import (
	"fmt"

	"gorm.io/gorm"

	types "github.com/yungbote/rendivia-backend/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(types.Models()...); err != nil {
		return err
	}
	return EnsureRenderIndexes(db)
}

// EnsureRenderIndexes adds the partial indexes gorm tags cannot express.
// Both statements are portable between postgres and sqlite.
func EnsureRenderIndexes(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_render_job_in_flight
		ON render_job (render_status, render_heartbeat_at)
		WHERE render_status IN ('queued', 'rendering');
	`).Error; err != nil {
		return fmt.Errorf("create idx_render_job_in_flight: %w", err)
	}
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_caption_job_in_flight
		ON caption_job (render_status, render_heartbeat_at)
		WHERE render_status IN ('queued', 'rendering');
	`).Error; err != nil {
		return fmt.Errorf("create idx_caption_job_in_flight: %w", err)
	}
	return nil
}
