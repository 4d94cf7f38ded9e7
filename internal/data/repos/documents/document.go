package documents

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/tetrix-ml/autotrain/internal/domain"
	"github.com/tetrix-ml/autotrain/internal/pkg/dbctx"
	"github.com/tetrix-ml/autotrain/internal/pkg/logger"
)

type DocumentRepo interface {
	Create(dbc dbctx.Context, doc *types.Document) (*types.Document, error)
	GetByDocumentID(dbc dbctx.Context, documentID string) (*types.Document, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Document, error)
	CountPendingInitial(dbc dbctx.Context, processorID string) (int64, error)
	CountUnusedLabeled(dbc dbctx.Context, processorID string) (int64, error)
	ListEligible(dbc dbctx.Context, processorID string, trainingType types.TrainingType, limit int) ([]*types.Document, error)
	MarkUsedForTraining(dbc dbctx.Context, ids []uuid.UUID, batchID uuid.UUID) error
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	CountTotals(dbc dbctx.Context, processorID string) (Totals, error)
}

// Totals feeds the statistics endpoint.
type Totals struct {
	Total int64 `json:"total"`
	Used  int64 `json:"used_for_training"`
}

type documentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDocumentRepo(db *gorm.DB, baseLog *logger.Logger) DocumentRepo {
	return &documentRepo{
		db:  db,
		log: baseLog.With("repo", "DocumentRepo"),
	}
}

func (r *documentRepo) conn(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *documentRepo) Create(dbc dbctx.Context, doc *types.Document) (*types.Document, error) {
	if doc == nil {
		return nil, nil
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).Create(doc).Error; err != nil {
		return nil, err
	}
	return doc, nil
}

func (r *documentRepo) GetByDocumentID(dbc dbctx.Context, documentID string) (*types.Document, error) {
	if documentID == "" {
		return nil, nil
	}
	var doc types.Document
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("document_id = ?", documentID).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *documentRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Document, error) {
	var out []*types.Document
	if len(ids) == 0 {
		return out, nil
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("id IN ?", ids).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *documentRepo) CountPendingInitial(dbc dbctx.Context, processorID string) (int64, error) {
	var count int64
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.Document{}).
		Where("processor_id = ? AND status = ? AND used_for_training = false",
			processorID, types.DocumentStatusPendingInitialTraining).
		Count(&count).Error
	return count, err
}

func (r *documentRepo) CountUnusedLabeled(dbc dbctx.Context, processorID string) (int64, error) {
	var count int64
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.Document{}).
		Where("processor_id = ? AND status = ? AND used_for_training = false AND label <> ''",
			processorID, types.DocumentStatusCompleted).
		Count(&count).Error
	return count, err
}

func (r *documentRepo) ListEligible(dbc dbctx.Context, processorID string, trainingType types.TrainingType, limit int) ([]*types.Document, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.conn(dbc).WithContext(dbc.Ctx).
		Where("processor_id = ? AND used_for_training = false", processorID)
	switch trainingType {
	case types.TrainingTypeInitial:
		q = q.Where("status = ?", types.DocumentStatusPendingInitialTraining)
	case types.TrainingTypeIncremental:
		q = q.Where("status = ? AND label <> ''", types.DocumentStatusCompleted)
	default:
		return nil, fmt.Errorf("unknown training type %q", trainingType)
	}
	var out []*types.Document
	if err := q.Order("created_at ASC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// MarkUsedForTraining commits the claim for every document of a batch in one
// statement. Re-running it is a no-op for rows already marked, which is what
// makes finalize retries safe.
func (r *documentRepo) MarkUsedForTraining(dbc dbctx.Context, ids []uuid.UUID, batchID uuid.UUID) error {
	if len(ids) == 0 || batchID == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.Document{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"used_for_training": true,
			"training_batch_id": batchID,
			"updated_at":        now,
		}).Error
}

func (r *documentRepo) CountTotals(dbc dbctx.Context, processorID string) (Totals, error) {
	var t Totals
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.Document{}).
		Where("processor_id = ?", processorID).
		Count(&t.Total).Error
	if err != nil {
		return t, err
	}
	err = r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.Document{}).
		Where("processor_id = ? AND used_for_training = true", processorID).
		Count(&t.Used).Error
	return t, err
}

func (r *documentRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.Document{}).
		Where("id = ?", id).
		Updates(updates).Error
}
