package training

import (
	"context"

	"github.com/tetrix-ml/autotrain/internal/data/repos/documents"
	trainingrepos "github.com/tetrix-ml/autotrain/internal/data/repos/training"
	types "github.com/tetrix-ml/autotrain/internal/domain"
	"github.com/tetrix-ml/autotrain/internal/pkg/dbctx"
	"github.com/tetrix-ml/autotrain/internal/pkg/logger"
)

// Decision is the evaluator's verdict for one processor at one point in time.
// Reason is human-facing and shows up in the status endpoint and the logs.
type Decision struct {
	ShouldTrain   bool               `json:"should_train"`
	TrainingType  types.TrainingType `json:"training_type,omitempty"`
	DocumentCount int64              `json:"document_count"`
	Threshold     int                `json:"threshold"`
	Reason        string             `json:"reason"`
}

// Evaluator answers one question: does this processor have enough fresh
// labeled documents to justify a training run right now. It reads, never
// writes, except for the config row seeded on first contact.
type Evaluator struct {
	log     *logger.Logger
	docs    documents.DocumentRepo
	batches trainingrepos.BatchRepo
	configs trainingrepos.ConfigRepo
	trainer Trainer
}

func NewEvaluator(
	docs documents.DocumentRepo,
	batches trainingrepos.BatchRepo,
	configs trainingrepos.ConfigRepo,
	trainer Trainer,
	baseLog *logger.Logger,
) *Evaluator {
	return &Evaluator{
		log:     baseLog.With("component", "ThresholdEvaluator"),
		docs:    docs,
		batches: batches,
		configs: configs,
		trainer: trainer,
	}
}

// Evaluate applies the trigger rule: disabled config or an in-flight batch
// short-circuits to no; otherwise the deployed-version probe picks the
// training type and the matching document count is compared to its threshold.
func (e *Evaluator) Evaluate(ctx context.Context, processorID string) (Decision, error) {
	if processorID == "" {
		return Decision{}, Validationf("processor id required")
	}
	dbc := dbctx.Context{Ctx: ctx}
	log := e.log.With("processor_id", processorID)

	cfg, err := e.configs.GetOrCreate(dbc, processorID)
	if err != nil {
		return Decision{}, err
	}
	if !cfg.Enabled {
		return Decision{Reason: "auto-training disabled for processor"}, nil
	}

	active, err := e.batches.FindNonTerminal(dbc, processorID)
	if err != nil {
		return Decision{}, err
	}
	if active != nil {
		return Decision{
			Reason: "training batch " + active.ID.String() + " already in progress (" + string(active.Status) + ")",
		}, nil
	}

	deployed, err := e.trainer.HasDeployedVersion(ctx, processorID)
	if err != nil {
		return Decision{}, FromRPC("probe deployed version", err)
	}

	var (
		trainingType types.TrainingType
		count        int64
		threshold    int
	)
	if deployed {
		trainingType = types.TrainingTypeIncremental
		threshold = cfg.MinDocumentsForIncremental
		count, err = e.docs.CountUnusedLabeled(dbc, processorID)
	} else {
		trainingType = types.TrainingTypeInitial
		threshold = cfg.MinDocumentsForInitialTraining
		count, err = e.docs.CountPendingInitial(dbc, processorID)
	}
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		TrainingType:  trainingType,
		DocumentCount: count,
		Threshold:     threshold,
	}
	if count < int64(threshold) {
		d.Reason = "below threshold"
		log.Debug("Threshold not met",
			"training_type", trainingType, "count", count, "threshold", threshold)
		return d, nil
	}

	d.ShouldTrain = true
	d.Reason = "threshold met"
	log.Info("Threshold met, training warranted",
		"training_type", trainingType, "count", count, "threshold", threshold)
	return d, nil
}
