package training

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/tetrix-ml/autotrain/internal/data/repos/documents"
	types "github.com/tetrix-ml/autotrain/internal/domain"
	"github.com/tetrix-ml/autotrain/internal/pkg/dbctx"
	apperrors "github.com/tetrix-ml/autotrain/internal/pkg/errors"
	"github.com/tetrix-ml/autotrain/internal/pkg/logger"
)

func testLogger() *logger.Logger {
	return &logger.Logger{SugaredLogger: zap.NewNop().Sugar()}
}

// ---------- document repo ----------

type fakeDocumentRepo struct {
	mu   sync.Mutex
	docs map[uuid.UUID]*types.Document

	markCalls int
}

func newFakeDocumentRepo(docs ...*types.Document) *fakeDocumentRepo {
	r := &fakeDocumentRepo{docs: map[uuid.UUID]*types.Document{}}
	for _, d := range docs {
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		r.docs[d.ID] = d
	}
	return r
}

func (r *fakeDocumentRepo) Create(dbc dbctx.Context, doc *types.Document) (*types.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	r.docs[doc.ID] = doc
	return doc, nil
}

func (r *fakeDocumentRepo) GetByDocumentID(dbc dbctx.Context, documentID string) (*types.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.docs {
		if d.DocumentID == documentID {
			return d, nil
		}
	}
	return nil, nil
}

func (r *fakeDocumentRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Document
	for _, id := range ids {
		if d, ok := r.docs[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *fakeDocumentRepo) CountPendingInitial(dbc dbctx.Context, processorID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, d := range r.docs {
		if d.ProcessorID == processorID &&
			d.Status == types.DocumentStatusPendingInitialTraining && !d.UsedForTraining {
			n++
		}
	}
	return n, nil
}

func (r *fakeDocumentRepo) CountUnusedLabeled(dbc dbctx.Context, processorID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, d := range r.docs {
		if d.ProcessorID == processorID &&
			d.Status == types.DocumentStatusCompleted && !d.UsedForTraining && d.Label != "" {
			n++
		}
	}
	return n, nil
}

func (r *fakeDocumentRepo) ListEligible(dbc dbctx.Context, processorID string, trainingType types.TrainingType, limit int) ([]*types.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Document
	for _, d := range r.docs {
		if d.ProcessorID != processorID || d.UsedForTraining {
			continue
		}
		switch trainingType {
		case types.TrainingTypeInitial:
			if d.Status == types.DocumentStatusPendingInitialTraining {
				out = append(out, d)
			}
		case types.TrainingTypeIncremental:
			if d.Status == types.DocumentStatusCompleted && d.Label != "" {
				out = append(out, d)
			}
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *fakeDocumentRepo) MarkUsedForTraining(dbc dbctx.Context, ids []uuid.UUID, batchID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markCalls++
	for _, id := range ids {
		if d, ok := r.docs[id]; ok {
			d.UsedForTraining = true
			bid := batchID
			d.TrainingBatchID = &bid
		}
	}
	return nil
}

func (r *fakeDocumentRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	return nil
}

func (r *fakeDocumentRepo) CountTotals(dbc dbctx.Context, processorID string) (documents.Totals, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var t documents.Totals
	for _, d := range r.docs {
		if d.ProcessorID != processorID {
			continue
		}
		t.Total++
		if d.UsedForTraining {
			t.Used++
		}
	}
	return t, nil
}

func (r *fakeDocumentRepo) usedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.docs {
		if d.UsedForTraining {
			n++
		}
	}
	return n
}

// ---------- batch repo ----------

type fakeBatchRepo struct {
	mu      sync.Mutex
	batches map[uuid.UUID]*types.TrainingBatch
}

func newFakeBatchRepo() *fakeBatchRepo {
	return &fakeBatchRepo{batches: map[uuid.UUID]*types.TrainingBatch{}}
}

func (r *fakeBatchRepo) CreateExclusive(dbc dbctx.Context, batch *types.TrainingBatch) (*types.TrainingBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.batches {
		if b.ProcessorID == batch.ProcessorID && !b.Status.Terminal() {
			return nil, apperrors.ErrConflict
		}
	}
	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	cp := *batch
	r.batches[batch.ID] = &cp
	return batch, nil
}

func (r *fakeBatchRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.TrainingBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (r *fakeBatchRepo) FindNonTerminal(dbc dbctx.Context, processorID string) (*types.TrainingBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.batches {
		if b.ProcessorID == processorID && !b.Status.Terminal() {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeBatchRepo) List(dbc dbctx.Context, processorID string, limit int) ([]*types.TrainingBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.TrainingBatch
	for _, b := range r.batches {
		if b.ProcessorID == processorID {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeBatchRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return fmt.Errorf("batch %s not found", id)
	}
	applyBatchUpdates(b, updates)
	return nil
}

func (r *fakeBatchRepo) UpdateFieldsUnlessTerminal(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return false, nil
	}
	if b.Status.Terminal() {
		return false, nil
	}
	applyBatchUpdates(b, updates)
	return true, nil
}

func (r *fakeBatchRepo) CountByStatus(dbc dbctx.Context, processorID string) (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]int64{}
	for _, b := range r.batches {
		if b.ProcessorID == processorID {
			out[string(b.Status)]++
		}
	}
	return out, nil
}

func applyBatchUpdates(b *types.TrainingBatch, updates map[string]interface{}) {
	for k, v := range updates {
		switch k {
		case "status":
			b.Status = v.(types.BatchStatus)
		case "document_ids":
			b.DocumentIDs = v.(datatypes.JSON)
		case "label_distribution":
			b.LabelDistribution = v.(datatypes.JSON)
		case "operation_ref":
			b.OperationRef = v.(string)
		case "deploy_operation_ref":
			b.DeployOperationRef = v.(string)
		case "model_version_name":
			b.ModelVersionName = v.(string)
		case "model_display_name":
			b.ModelDisplayName = v.(string)
		case "error_kind":
			b.ErrorKind = v.(string)
		case "error_message":
			b.ErrorMessage = v.(string)
		case "completed_at":
			t := v.(time.Time)
			b.CompletedAt = &t
		}
	}
}

func (r *fakeBatchRepo) get(id uuid.UUID) *types.TrainingBatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[id]
}

func documentIDsOf(b *types.TrainingBatch) []uuid.UUID {
	var ids []uuid.UUID
	_ = json.Unmarshal(b.DocumentIDs, &ids)
	return ids
}

// ---------- config repo ----------

type fakeConfigRepo struct {
	cfg *types.TrainingConfig
}

func (r *fakeConfigRepo) GetOrCreate(dbc dbctx.Context, processorID string) (*types.TrainingConfig, error) {
	if r.cfg == nil {
		r.cfg = &types.TrainingConfig{
			ProcessorID:                    processorID,
			Enabled:                        true,
			MinDocumentsForInitialTraining: 3,
			MinDocumentsForIncremental:     2,
			MinAccuracyForDeployment:       0.7,
			CheckIntervalMinutes:           60,
		}
	}
	return r.cfg, nil
}

func (r *fakeConfigRepo) UpdateFields(dbc dbctx.Context, processorID string, updates map[string]interface{}) error {
	return nil
}

// ---------- trainer ----------

type fakeTrainer struct {
	mu sync.Mutex

	deployed      bool
	latestVersion string

	submitErr   error
	submitted   []TrainRequest
	deployErr   error
	deployCalls []string
	defaultErr  error
	defaults    []string

	// per-ref sequences, popped front on each Operation call; the last entry
	// repeats once the sequence drains.
	ops map[string][]OperationStatus
}

func newFakeTrainer() *fakeTrainer {
	return &fakeTrainer{ops: map[string][]OperationStatus{}}
}

func (f *fakeTrainer) HasDeployedVersion(ctx context.Context, processorID string) (bool, error) {
	return f.deployed, nil
}

func (f *fakeTrainer) LatestDeployedVersion(ctx context.Context, processorID string) (string, error) {
	return f.latestVersion, nil
}

func (f *fakeTrainer) SubmitTraining(ctx context.Context, req TrainRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return "op/train-1", nil
}

func (f *fakeTrainer) DeployVersion(ctx context.Context, versionName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deployErr != nil {
		return "", f.deployErr
	}
	f.deployCalls = append(f.deployCalls, versionName)
	return "op/deploy-1", nil
}

func (f *fakeTrainer) SetDefaultVersion(ctx context.Context, processorID, versionName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.defaultErr != nil {
		return f.defaultErr
	}
	f.defaults = append(f.defaults, versionName)
	return nil
}

func (f *fakeTrainer) Operation(ctx context.Context, ref string) (OperationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := f.ops[ref]
	if len(seq) == 0 {
		return OperationStatus{}, nil
	}
	st := seq[0]
	if len(seq) > 1 {
		f.ops[ref] = seq[1:]
	}
	return st, nil
}

// ---------- notifier ----------

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotifier) record(ev string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeNotifier) BatchStarted(ctx context.Context, batch *types.TrainingBatch) {
	f.record("batch_started")
}

func (f *fakeNotifier) BatchCompleted(ctx context.Context, batch *types.TrainingBatch, documentCount int) {
	f.record("batch_completed")
}

func (f *fakeNotifier) BatchFailed(ctx context.Context, batch *types.TrainingBatch, stage, errorMessage string) {
	f.record("batch_failed")
}

func (f *fakeNotifier) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}
