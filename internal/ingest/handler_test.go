package ingest

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tetrix-ml/autotrain/internal/clients/gcp"
	"github.com/tetrix-ml/autotrain/internal/data/repos/documents"
	types "github.com/tetrix-ml/autotrain/internal/domain"
	"github.com/tetrix-ml/autotrain/internal/pkg/dbctx"
	apperrors "github.com/tetrix-ml/autotrain/internal/pkg/errors"
	"github.com/tetrix-ml/autotrain/internal/pkg/logger"
	"github.com/tetrix-ml/autotrain/internal/training"
)

const testProcessor = "proc-1"

func testLogger() *logger.Logger {
	return &logger.Logger{SugaredLogger: zap.NewNop().Sugar()}
}

// memDocs is a map-backed DocumentRepo.
type memDocs struct {
	mu   sync.Mutex
	docs map[uuid.UUID]*types.Document
}

func newMemDocs() *memDocs { return &memDocs{docs: map[uuid.UUID]*types.Document{}} }

func (r *memDocs) Create(dbc dbctx.Context, doc *types.Document) (*types.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	r.docs[doc.ID] = doc
	return doc, nil
}

func (r *memDocs) GetByDocumentID(dbc dbctx.Context, documentID string) (*types.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.docs {
		if d.DocumentID == documentID {
			return d, nil
		}
	}
	return nil, nil
}

func (r *memDocs) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Document, error) {
	return nil, nil
}

func (r *memDocs) CountPendingInitial(dbc dbctx.Context, processorID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, d := range r.docs {
		if d.Status == types.DocumentStatusPendingInitialTraining && !d.UsedForTraining {
			n++
		}
	}
	return n, nil
}

func (r *memDocs) CountUnusedLabeled(dbc dbctx.Context, processorID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, d := range r.docs {
		if d.Status == types.DocumentStatusCompleted && !d.UsedForTraining && d.Label != "" {
			n++
		}
	}
	return n, nil
}

func (r *memDocs) ListEligible(dbc dbctx.Context, processorID string, trainingType types.TrainingType, limit int) ([]*types.Document, error) {
	return nil, nil
}

func (r *memDocs) MarkUsedForTraining(dbc dbctx.Context, ids []uuid.UUID, batchID uuid.UUID) error {
	return nil
}

func (r *memDocs) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok {
		return nil
	}
	if v, ok := updates["status"]; ok {
		d.Status = v.(types.DocumentStatus)
	}
	if v, ok := updates["label"]; ok {
		d.Label = v.(string)
	}
	return nil
}

func (r *memDocs) CountTotals(dbc dbctx.Context, processorID string) (documents.Totals, error) {
	return documents.Totals{}, nil
}

func (r *memDocs) byDocumentID(t *testing.T, documentID string) *types.Document {
	t.Helper()
	d, _ := r.GetByDocumentID(dbctx.Context{Ctx: context.Background()}, documentID)
	if d == nil {
		t.Fatalf("document %q not stored", documentID)
	}
	return d
}

// memBatches always reports a held slot, which keeps background training
// runs inert and the evaluator below threshold decisions deterministic.
type memBatches struct {
	active *types.TrainingBatch
}

func (r *memBatches) CreateExclusive(dbc dbctx.Context, batch *types.TrainingBatch) (*types.TrainingBatch, error) {
	return nil, apperrors.ErrConflict
}

func (r *memBatches) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.TrainingBatch, error) {
	return nil, nil
}

func (r *memBatches) FindNonTerminal(dbc dbctx.Context, processorID string) (*types.TrainingBatch, error) {
	return r.active, nil
}

func (r *memBatches) List(dbc dbctx.Context, processorID string, limit int) ([]*types.TrainingBatch, error) {
	return nil, nil
}

func (r *memBatches) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	return nil
}

func (r *memBatches) UpdateFieldsUnlessTerminal(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error) {
	return false, nil
}

func (r *memBatches) CountByStatus(dbc dbctx.Context, processorID string) (map[string]int64, error) {
	return map[string]int64{}, nil
}

type memConfig struct{}

func (memConfig) GetOrCreate(dbc dbctx.Context, processorID string) (*types.TrainingConfig, error) {
	return &types.TrainingConfig{
		ProcessorID:                    processorID,
		Enabled:                        true,
		MinDocumentsForInitialTraining: 3,
		MinDocumentsForIncremental:     2,
	}, nil
}

func (memConfig) UpdateFields(dbc dbctx.Context, processorID string, updates map[string]interface{}) error {
	return nil
}

// stubClassifier doubles as the trainer for evaluator/orchestrator wiring.
type stubClassifier struct {
	deployed   bool
	inference  *gcp.InferenceResult
	inferErr   error
	classified int
}

func (s *stubClassifier) HasDeployedVersion(ctx context.Context, processorID string) (bool, error) {
	return s.deployed, nil
}

func (s *stubClassifier) ClassifyStored(ctx context.Context, processorID, gcsURI string) (*gcp.InferenceResult, error) {
	s.classified++
	if s.inferErr != nil {
		return nil, s.inferErr
	}
	return s.inference, nil
}

func (s *stubClassifier) LatestDeployedVersion(ctx context.Context, processorID string) (string, error) {
	return "", nil
}

func (s *stubClassifier) SubmitTraining(ctx context.Context, req training.TrainRequest) (string, error) {
	return "", nil
}

func (s *stubClassifier) DeployVersion(ctx context.Context, versionName string) (string, error) {
	return "", nil
}

func (s *stubClassifier) SetDefaultVersion(ctx context.Context, processorID, versionName string) error {
	return nil
}

func (s *stubClassifier) Operation(ctx context.Context, ref string) (training.OperationStatus, error) {
	return training.OperationStatus{}, nil
}

func newTestHandler(docs *memDocs, cls *stubClassifier) *Handler {
	log := testLogger()
	batches := &memBatches{}
	evaluator := training.NewEvaluator(docs, batches, memConfig{}, cls, log)
	orch := training.NewOrchestrator(docs, batches, cls, nil, training.Options{}, log)
	return NewHandler(docs, cls, evaluator, orch, log)
}

func TestHandle_SkipsNonDocumentObjects(t *testing.T) {
	h := newTestHandler(newMemDocs(), &stubClassifier{})
	res, err := h.Handle(context.Background(), testProcessor, StorageEvent{
		Bucket: "b", Name: "uploads/readme.txt", ContentType: "text/plain",
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Status != StatusSkipped {
		t.Fatalf("expected skip, got %+v", res)
	}
}

func TestHandle_FolderLabelMeansCompleted(t *testing.T) {
	docs := newMemDocs()
	h := newTestHandler(docs, &stubClassifier{})

	res, err := h.Handle(context.Background(), testProcessor, StorageEvent{
		Bucket: "b", Name: "documents/INVOICE/a.pdf", ContentType: "application/pdf",
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Status != StatusProcessed {
		t.Fatalf("expected processed, got %+v", res)
	}

	d := docs.byDocumentID(t, res.DocumentID)
	if d.Status != types.DocumentStatusCompleted {
		t.Fatalf("folder-labeled document must be completed, got %s", d.Status)
	}
	if d.Label != "INVOICE" {
		t.Fatalf("unexpected label %q", d.Label)
	}
	if d.StorageURI != "gs://b/documents/INVOICE/a.pdf" {
		t.Fatalf("unexpected storage uri %q", d.StorageURI)
	}
}

func TestHandle_UnlabeledMeansPendingInitial(t *testing.T) {
	docs := newMemDocs()
	h := newTestHandler(docs, &stubClassifier{})

	res, err := h.Handle(context.Background(), testProcessor, StorageEvent{
		Bucket: "b", Name: "documents/loose.pdf", ContentType: "application/pdf",
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	d := docs.byDocumentID(t, res.DocumentID)
	if d.Status != types.DocumentStatusPendingInitialTraining {
		t.Fatalf("unlabeled document must be pending_initial_training, got %s", d.Status)
	}
}

func TestHandle_AlreadyCompletedIsSkipped(t *testing.T) {
	docs := newMemDocs()
	h := newTestHandler(docs, &stubClassifier{})
	ev := StorageEvent{Bucket: "b", Name: "documents/INVOICE/a.pdf", ContentType: "application/pdf"}

	first, err := h.Handle(context.Background(), testProcessor, ev)
	if err != nil || first.Status != StatusProcessed {
		t.Fatalf("first ingest: %v %+v", err, first)
	}
	second, err := h.Handle(context.Background(), testProcessor, ev)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if second.Status != StatusSkipped || second.Reason != "already processed" {
		t.Fatalf("re-upload of completed document must skip, got %+v", second)
	}
}

func TestHandle_InferenceFailureDoesNotBlock(t *testing.T) {
	docs := newMemDocs()
	cls := &stubClassifier{deployed: true, inferErr: training.Transient("quota", nil)}
	h := newTestHandler(docs, cls)

	res, err := h.Handle(context.Background(), testProcessor, StorageEvent{
		Bucket: "b", Name: "documents/INVOICE/a.pdf", ContentType: "application/pdf",
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Status != StatusProcessed {
		t.Fatalf("inference failure must not block ingestion, got %+v", res)
	}
	if cls.classified != 1 {
		t.Fatalf("expected one classification attempt, got %d", cls.classified)
	}
}

func TestHandle_InferenceFillsMissingLabel(t *testing.T) {
	docs := newMemDocs()
	cls := &stubClassifier{
		deployed:  true,
		inference: &gcp.InferenceResult{Label: "RECEIPT", Confidence: 0.93},
	}
	h := newTestHandler(docs, cls)

	res, err := h.Handle(context.Background(), testProcessor, StorageEvent{
		Bucket: "b", Name: "documents/loose.pdf", ContentType: "application/pdf",
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	d := docs.byDocumentID(t, res.DocumentID)
	if d.Label != "RECEIPT" {
		t.Fatalf("expected inferred label, got %q", d.Label)
	}
	// the inferred label does not upgrade the status rule
	if d.Status != types.DocumentStatusPendingInitialTraining {
		t.Fatalf("status follows folder convention only, got %s", d.Status)
	}
	if d.Confidence != 0.93 {
		t.Fatalf("expected confidence persisted, got %v", d.Confidence)
	}
}

func TestHandle_NonFinalizeEventSkipped(t *testing.T) {
	h := newTestHandler(newMemDocs(), &stubClassifier{})
	res, err := h.Handle(context.Background(), testProcessor, StorageEvent{
		Bucket: "b", Name: "documents/INVOICE/a.pdf", ContentType: "application/pdf",
		EventType: "google.storage.object.delete",
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Status != StatusSkipped {
		t.Fatalf("delete events must be ignored, got %+v", res)
	}
}
