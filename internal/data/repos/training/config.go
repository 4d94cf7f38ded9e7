package training

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	types "github.com/tetrix-ml/autotrain/internal/domain"
	"github.com/tetrix-ml/autotrain/internal/pkg/dbctx"
	"github.com/tetrix-ml/autotrain/internal/pkg/logger"
)

type ConfigRepo interface {
	// GetOrCreate returns the processor's training config, seeding a default
	// row on first contact so new processors work without manual setup.
	GetOrCreate(dbc dbctx.Context, processorID string) (*types.TrainingConfig, error)
	UpdateFields(dbc dbctx.Context, processorID string, updates map[string]interface{}) error
}

type configRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConfigRepo(db *gorm.DB, baseLog *logger.Logger) ConfigRepo {
	return &configRepo{
		db:  db,
		log: baseLog.With("repo", "ConfigRepo"),
	}
}

func (r *configRepo) conn(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func defaultConfig(processorID string) *types.TrainingConfig {
	return &types.TrainingConfig{
		ProcessorID:                    processorID,
		Enabled:                        true,
		MinDocumentsForInitialTraining: 3,
		MinDocumentsForIncremental:     2,
		MinAccuracyForDeployment:       0.7,
		CheckIntervalMinutes:           60,
	}
}

func (r *configRepo) GetOrCreate(dbc dbctx.Context, processorID string) (*types.TrainingConfig, error) {
	if processorID == "" {
		return nil, fmt.Errorf("processor id required")
	}
	var cfg types.TrainingConfig
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("processor_id = ?", processorID).
		First(&cfg).Error
	if err == nil {
		return &cfg, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	seeded := defaultConfig(processorID)
	if err := r.conn(dbc).WithContext(dbc.Ctx).Create(seeded).Error; err != nil {
		// Lost a seed race; the winner's row is authoritative.
		var again types.TrainingConfig
		if err2 := r.conn(dbc).WithContext(dbc.Ctx).
			Where("processor_id = ?", processorID).
			First(&again).Error; err2 == nil {
			return &again, nil
		}
		return nil, err
	}
	r.log.Info("Seeded default training config", "processor_id", processorID)
	return seeded, nil
}

func (r *configRepo) UpdateFields(dbc dbctx.Context, processorID string, updates map[string]interface{}) error {
	if processorID == "" {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.TrainingConfig{}).
		Where("processor_id = ?", processorID).
		Updates(updates).Error
}
