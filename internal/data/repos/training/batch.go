package training

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	types "github.com/tetrix-ml/autotrain/internal/domain"
	"github.com/tetrix-ml/autotrain/internal/pkg/dbctx"
	apperrors "github.com/tetrix-ml/autotrain/internal/pkg/errors"
	"github.com/tetrix-ml/autotrain/internal/pkg/logger"
)

type BatchRepo interface {
	// CreateExclusive inserts a batch and relies on the partial unique index
	// over non-terminal batches per processor. A concurrent peer holding the
	// slot surfaces as apperrors.ErrConflict.
	CreateExclusive(dbc dbctx.Context, batch *types.TrainingBatch) (*types.TrainingBatch, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.TrainingBatch, error)
	FindNonTerminal(dbc dbctx.Context, processorID string) (*types.TrainingBatch, error)
	List(dbc dbctx.Context, processorID string, limit int) ([]*types.TrainingBatch, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	// UpdateFieldsUnlessTerminal guards every transition: once a batch reaches
	// a terminal status no write regresses it.
	UpdateFieldsUnlessTerminal(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error)
	CountByStatus(dbc dbctx.Context, processorID string) (map[string]int64, error)
}

type batchRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewBatchRepo(db *gorm.DB, baseLog *logger.Logger) BatchRepo {
	return &batchRepo{
		db:  db,
		log: baseLog.With("repo", "BatchRepo"),
	}
}

func (r *batchRepo) conn(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *batchRepo) CreateExclusive(dbc dbctx.Context, batch *types.TrainingBatch) (*types.TrainingBatch, error) {
	if batch == nil {
		return nil, nil
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).Create(batch).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, apperrors.ErrConflict
		}
		return nil, err
	}
	return batch, nil
}

func (r *batchRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.TrainingBatch, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var batch types.TrainingBatch
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&batch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (r *batchRepo) FindNonTerminal(dbc dbctx.Context, processorID string) (*types.TrainingBatch, error) {
	if processorID == "" {
		return nil, nil
	}
	var batch types.TrainingBatch
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("processor_id = ? AND status IN ?", processorID, types.NonTerminalBatchStatuses).
		Order("started_at DESC").
		Limit(1).
		Find(&batch).Error
	if err != nil {
		return nil, err
	}
	if batch.ID == uuid.Nil {
		return nil, nil
	}
	return &batch, nil
}

func (r *batchRepo) List(dbc dbctx.Context, processorID string, limit int) ([]*types.TrainingBatch, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*types.TrainingBatch
	q := r.conn(dbc).WithContext(dbc.Ctx).Order("started_at DESC").Limit(limit)
	if processorID != "" {
		q = q.Where("processor_id = ?", processorID)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *batchRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.TrainingBatch{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *batchRepo) UpdateFieldsUnlessTerminal(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.TrainingBatch{}).
		Where("id = ? AND status IN ?", id, types.NonTerminalBatchStatuses).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *batchRepo) CountByStatus(dbc dbctx.Context, processorID string) (map[string]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	q := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.TrainingBatch{}).
		Select("status, count(*) as n").
		Group("status")
	if processorID != "" {
		q = q.Where("processor_id = ?", processorID)
	}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
