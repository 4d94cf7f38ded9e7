package db

import (
	"fmt"

	"gorm.io/gorm"

	types "github.com/tetrix-ml/autotrain/internal/domain"
)

func (s *PostgresService) AutoMigrateAll() error {
	return AutoMigrateAll(s.db)
}

func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&types.Document{},
		&types.TrainingBatch{},
		&types.TrainingConfig{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	// One non-terminal batch per processor. This partial unique index is the
	// serialization point for concurrent training triggers: the second insert
	// hits a unique violation instead of racing past the claim.
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS uniq_training_batch_active_processor
		ON training_batch (processor_id)
		WHERE status NOT IN ('training_failed', 'deploy_failed', 'completed', 'cancelled', 'failed');
	`).Error; err != nil {
		return fmt.Errorf("create active batch index: %w", err)
	}
	return nil
}
