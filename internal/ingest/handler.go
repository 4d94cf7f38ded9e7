package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/tetrix-ml/autotrain/internal/clients/gcp"
	"github.com/tetrix-ml/autotrain/internal/data/repos/documents"
	types "github.com/tetrix-ml/autotrain/internal/domain"
	"github.com/tetrix-ml/autotrain/internal/pkg/dbctx"
	"github.com/tetrix-ml/autotrain/internal/pkg/logger"
	"github.com/tetrix-ml/autotrain/internal/training"
)

// Classifier is the slice of the Document AI binding ingestion needs:
// a deployed-version probe and best-effort online classification.
type Classifier interface {
	HasDeployedVersion(ctx context.Context, processorID string) (bool, error)
	ClassifyStored(ctx context.Context, processorID, gcsURI string) (*gcp.InferenceResult, error)
}

// StorageEvent is the finalize notification shape pushed by the object store.
type StorageEvent struct {
	Bucket      string `json:"bucket"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	EventType   string `json:"eventType,omitempty"`
}

type Result struct {
	Status            string             `json:"status"`
	Reason            string             `json:"reason,omitempty"`
	DocumentID        string             `json:"document_id,omitempty"`
	TrainingTriggered bool               `json:"training_triggered"`
	TrainingType      types.TrainingType `json:"training_type,omitempty"`
}

const (
	StatusProcessed = "processed"
	StatusSkipped   = "skipped"
)

// Handler turns storage notifications into document records and pokes the
// evaluator afterwards. Each event is handled independently: one bad object
// never affects another.
type Handler struct {
	log        *logger.Logger
	docs       documents.DocumentRepo
	classifier Classifier
	evaluator  *training.Evaluator
	orch       *training.Orchestrator
}

func NewHandler(
	docs documents.DocumentRepo,
	classifier Classifier,
	evaluator *training.Evaluator,
	orch *training.Orchestrator,
	baseLog *logger.Logger,
) *Handler {
	return &Handler{
		log:        baseLog.With("component", "IngestionHandler"),
		docs:       docs,
		classifier: classifier,
		evaluator:  evaluator,
		orch:       orch,
	}
}

// Handle ingests one finalized object. Training, if warranted, is kicked off
// in the background: ingestion never blocks on a batch.
func (h *Handler) Handle(ctx context.Context, processorID string, ev StorageEvent) (*Result, error) {
	if processorID == "" {
		return nil, training.Validationf("processor id required")
	}
	if ev.EventType != "" && !strings.HasSuffix(strings.ToLower(ev.EventType), "finalize") {
		return &Result{Status: StatusSkipped, Reason: "not a finalize event"}, nil
	}
	if !IsTrainingObject(ev.Name, ev.ContentType) {
		return &Result{Status: StatusSkipped, Reason: "not a document PDF"}, nil
	}

	dbc := dbctx.Context{Ctx: ctx}
	docID := DocumentIDFor(ev.Name)
	log := h.log.With("processor_id", processorID, "document_id", docID, "object", ev.Name)

	existing, err := h.docs.GetByDocumentID(dbc, docID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == types.DocumentStatusCompleted {
		log.Info("Document already processed, skipping")
		return &Result{Status: StatusSkipped, Reason: "already processed", DocumentID: docID}, nil
	}

	label := LabelFor(ev.Name)
	doc := &types.Document{
		DocumentID:  docID,
		ProcessorID: processorID,
		StorageURI:  fmt.Sprintf("gs://%s/%s", ev.Bucket, ev.Name),
		Bucket:      ev.Bucket,
		ObjectName:  ev.Name,
		Label:       label,
	}
	if label != "" {
		doc.Status = types.DocumentStatusCompleted
	} else {
		doc.Status = types.DocumentStatusPendingInitialTraining
	}

	h.enrich(ctx, log, doc)

	if existing != nil {
		err = h.docs.UpdateFields(dbc, existing.ID, map[string]interface{}{
			"storage_uri":    doc.StorageURI,
			"bucket":         doc.Bucket,
			"object_name":    doc.ObjectName,
			"label":          doc.Label,
			"status":         doc.Status,
			"confidence":     doc.Confidence,
			"extracted_data": doc.ExtractedData,
			"processed_at":   doc.ProcessedAt,
		})
	} else {
		_, err = h.docs.Create(dbc, doc)
	}
	if err != nil {
		return nil, err
	}
	log.Info("Document ingested", "label", doc.Label, "status", doc.Status)

	res := &Result{Status: StatusProcessed, DocumentID: docID}
	decision, err := h.evaluator.Evaluate(ctx, processorID)
	if err != nil {
		log.Warn("Threshold evaluation failed", "error", err)
		return res, nil
	}
	if decision.ShouldTrain {
		res.TrainingTriggered = true
		res.TrainingType = decision.TrainingType
		go func() {
			if _, err := h.orch.Run(context.Background(), processorID, decision.TrainingType); err != nil {
				h.log.Error("Background training run failed",
					"processor_id", processorID, "error", err)
			}
		}()
	}
	return res, nil
}

// enrich runs best-effort classification against the current default model.
// Any failure here downgrades to a log line; the folder label alone makes the
// document trainable.
func (h *Handler) enrich(ctx context.Context, log *logger.Logger, doc *types.Document) {
	deployed, err := h.classifier.HasDeployedVersion(ctx, doc.ProcessorID)
	if err != nil {
		log.Warn("Deployed version probe failed, skipping inference", "error", err)
		return
	}
	if !deployed {
		return
	}

	inf, err := h.classifier.ClassifyStored(ctx, doc.ProcessorID, doc.StorageURI)
	if err != nil {
		log.Warn("Inference failed, keeping folder label only", "error", err)
		return
	}
	now := time.Now().UTC()
	doc.ProcessedAt = &now
	doc.Confidence = inf.Confidence
	if len(inf.ExtractedData) > 0 {
		doc.ExtractedData = datatypes.JSON(inf.ExtractedData)
	}
	if doc.Label == "" && inf.Label != "" {
		doc.Label = inf.Label
	}
}

// Backfill walks the documents/ folder and ingests anything the event path
// missed, one object at a time. Used at startup or on demand; errors are
// isolated per object.
func (h *Handler) Backfill(ctx context.Context, processorID string, bucket gcp.BucketService) (int, error) {
	objects, err := bucket.ListObjects(ctx, ObjectPrefix)
	if err != nil {
		return 0, err
	}
	ingested := 0
	for _, obj := range objects {
		res, err := h.Handle(ctx, processorID, StorageEvent{
			Bucket:      obj.Bucket,
			Name:        obj.Name,
			ContentType: obj.ContentType,
		})
		if err != nil {
			h.log.Warn("Backfill ingest failed", "object", obj.Name, "error", err)
			continue
		}
		if res.Status == StatusProcessed {
			ingested++
		}
	}
	return ingested, nil
}
