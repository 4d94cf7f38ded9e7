package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/tetrix-ml/autotrain/internal/data/repos/documents"
	trainingrepos "github.com/tetrix-ml/autotrain/internal/data/repos/training"
	types "github.com/tetrix-ml/autotrain/internal/domain"
	"github.com/tetrix-ml/autotrain/internal/notify"
	"github.com/tetrix-ml/autotrain/internal/pkg/dbctx"
	apperrors "github.com/tetrix-ml/autotrain/internal/pkg/errors"
	"github.com/tetrix-ml/autotrain/internal/pkg/logger"
)

type Options struct {
	// SelectionLimit caps how many documents one batch claims.
	SelectionLimit int
	PollInterval   time.Duration
	TrainTimeout   time.Duration
	DeployTimeout  time.Duration
	// SubmitRetries bounds retries of remote submissions on transient errors.
	SubmitRetries int
	RetryBase     time.Duration
}

func (o Options) withDefaults() Options {
	if o.SelectionLimit <= 0 {
		o.SelectionLimit = 100
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.TrainTimeout <= 0 {
		o.TrainTimeout = 2 * time.Hour
	}
	if o.DeployTimeout <= 0 {
		o.DeployTimeout = 1 * time.Hour
	}
	if o.SubmitRetries <= 0 {
		o.SubmitRetries = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 2 * time.Second
	}
	return o
}

// Orchestrator drives one training batch through its lifecycle:
// preparing -> selecting_documents -> training -> deploying -> deployed ->
// finalizing -> completed, with training_failed / deploy_failed / cancelled
// as terminal exits. Exclusivity comes from the batch table's partial unique
// index; the orchestrator itself holds no locks.
type Orchestrator struct {
	log     *logger.Logger
	docs    documents.DocumentRepo
	batches trainingrepos.BatchRepo
	trainer Trainer
	poller  *Poller
	bus     notify.Notifier
	opts    Options
}

func NewOrchestrator(
	docs documents.DocumentRepo,
	batches trainingrepos.BatchRepo,
	trainer Trainer,
	bus notify.Notifier,
	opts Options,
	baseLog *logger.Logger,
) *Orchestrator {
	if bus == nil {
		bus = notify.Noop{}
	}
	return &Orchestrator{
		log:     baseLog.With("component", "TrainingOrchestrator"),
		docs:    docs,
		batches: batches,
		trainer: trainer,
		poller:  NewPoller(trainer, baseLog),
		bus:     bus,
		opts:    opts.withDefaults(),
	}
}

// selection is the claimed document set. It is fixed the moment the batch row
// records document_ids and never re-derived from live tables afterwards.
type selection struct {
	IDs          []uuid.UUID
	Docs         []TrainDocument
	Distribution map[string]int
}

// Run executes one full batch for the processor. Losing the exclusivity race
// is not an error: it returns (nil, nil) and the winner's batch carries on.
// The returned batch is terminal except when an in-flight cancel won a
// transition race, in which case its refreshed state is returned as-is.
func (o *Orchestrator) Run(ctx context.Context, processorID string, trainingType types.TrainingType) (*types.TrainingBatch, error) {
	if processorID == "" {
		return nil, Validationf("processor id required")
	}
	dbc := dbctx.Context{Ctx: ctx}
	log := o.log.With("processor_id", processorID, "training_type", trainingType)

	batch, err := o.batches.CreateExclusive(dbc, &types.TrainingBatch{
		ProcessorID:  processorID,
		TrainingType: trainingType,
		Status:       types.BatchStatusPreparing,
		StartedAt:    time.Now().UTC(),
	})
	if err != nil {
		if apperrors.IsConflict(err) {
			log.Info("Another batch already active, yielding")
			return nil, nil
		}
		return nil, err
	}
	log = log.With("batch_id", batch.ID)
	log.Info("Training batch started")
	o.bus.BatchStarted(ctx, batch)

	if ok, err := o.transition(dbc, batch, types.BatchStatusSelectingDocuments, nil); err != nil || !ok {
		return batch, err
	}

	sel, err := o.selectDocuments(dbc, batch)
	if err != nil {
		return batch, o.fail(ctx, batch, types.BatchStatusFailed, "selection", err)
	}
	if len(sel.IDs) == 0 {
		log.Info("No eligible labeled documents, cancelling batch")
		return batch, o.finish(dbc, batch, types.BatchStatusCancelled, map[string]interface{}{
			"error_message": "no eligible labeled documents",
		})
	}
	log.Info("Documents claimed", "count", len(sel.IDs), "labels", len(sel.Distribution))

	return o.train(ctx, batch, sel)
}

func (o *Orchestrator) selectDocuments(dbc dbctx.Context, batch *types.TrainingBatch) (*selection, error) {
	docs, err := o.docs.ListEligible(dbc, batch.ProcessorID, batch.TrainingType, o.opts.SelectionLimit)
	if err != nil {
		return nil, err
	}

	sel := &selection{Distribution: map[string]int{}}
	for _, d := range docs {
		if d.Label == "" {
			continue
		}
		sel.IDs = append(sel.IDs, d.ID)
		sel.Docs = append(sel.Docs, TrainDocument{StorageURI: d.StorageURI, Label: d.Label})
		sel.Distribution[d.Label]++
	}
	if len(sel.IDs) == 0 {
		return sel, nil
	}

	rawIDs, err := json.Marshal(sel.IDs)
	if err != nil {
		return nil, err
	}
	rawDist, err := json.Marshal(sel.Distribution)
	if err != nil {
		return nil, err
	}
	if err := o.batches.UpdateFields(dbc, batch.ID, map[string]interface{}{
		"document_ids":       datatypes.JSON(rawIDs),
		"label_distribution": datatypes.JSON(rawDist),
	}); err != nil {
		return nil, err
	}
	batch.DocumentIDs = datatypes.JSON(rawIDs)
	batch.LabelDistribution = datatypes.JSON(rawDist)
	return sel, nil
}

func (o *Orchestrator) train(ctx context.Context, batch *types.TrainingBatch, sel *selection) (*types.TrainingBatch, error) {
	dbc := dbctx.Context{Ctx: ctx}
	log := o.log.With("batch_id", batch.ID)

	var baseVersion string
	if batch.TrainingType == types.TrainingTypeIncremental {
		err := o.withBackoff(ctx, "latest deployed version", func() error {
			var err error
			baseVersion, err = o.trainer.LatestDeployedVersion(ctx, batch.ProcessorID)
			return err
		})
		if err != nil {
			return batch, o.fail(ctx, batch, types.BatchStatusTrainingFailed, "training", err)
		}
	}

	displayName := fmt.Sprintf("auto-train-%s-%s",
		batch.ID.String()[:8], time.Now().UTC().Format("20060102-150405"))

	var opRef string
	err := o.withBackoff(ctx, "submit training", func() error {
		var err error
		opRef, err = o.trainer.SubmitTraining(ctx, TrainRequest{
			ProcessorID: batch.ProcessorID,
			DisplayName: displayName,
			Documents:   sel.Docs,
			BaseVersion: baseVersion,
		})
		return err
	})
	if err != nil {
		return batch, o.fail(ctx, batch, types.BatchStatusTrainingFailed, "training", err)
	}

	if ok, err := o.transition(dbc, batch, types.BatchStatusTraining, map[string]interface{}{
		"operation_ref":      opRef,
		"model_display_name": displayName,
	}); err != nil || !ok {
		return batch, err
	}
	batch.OperationRef = opRef
	batch.ModelDisplayName = displayName
	log.Info("Training submitted", "operation", opRef, "display_name", displayName)

	return o.awaitTraining(ctx, batch, sel)
}

func (o *Orchestrator) awaitTraining(ctx context.Context, batch *types.TrainingBatch, sel *selection) (*types.TrainingBatch, error) {
	dbc := dbctx.Context{Ctx: ctx}
	log := o.log.With("batch_id", batch.ID)

	st, err := o.poller.Await(ctx, batch.OperationRef, o.opts.PollInterval, o.opts.TrainTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return batch, ctx.Err()
		}
		return batch, o.fail(ctx, batch, types.BatchStatusTrainingFailed, "training", err)
	}
	if st.Err != nil {
		return batch, o.fail(ctx, batch, types.BatchStatusTrainingFailed, "training", st.Err)
	}
	if st.ModelVersionName == "" {
		return batch, o.fail(ctx, batch, types.BatchStatusTrainingFailed, "training",
			Terminal("training finished without a model version", nil))
	}

	if err := o.batches.UpdateFields(dbc, batch.ID, map[string]interface{}{
		"model_version_name": st.ModelVersionName,
	}); err != nil {
		return batch, err
	}
	batch.ModelVersionName = st.ModelVersionName
	log.Info("Training finished", "model_version", st.ModelVersionName)

	return o.deploy(ctx, batch, sel)
}

func (o *Orchestrator) deploy(ctx context.Context, batch *types.TrainingBatch, sel *selection) (*types.TrainingBatch, error) {
	dbc := dbctx.Context{Ctx: ctx}

	var deployRef string
	err := o.withBackoff(ctx, "submit deploy", func() error {
		var err error
		deployRef, err = o.trainer.DeployVersion(ctx, batch.ModelVersionName)
		return err
	})
	if err != nil {
		return batch, o.failDeploy(ctx, batch, sel, err)
	}

	if ok, err := o.transition(dbc, batch, types.BatchStatusDeploying, map[string]interface{}{
		"deploy_operation_ref": deployRef,
	}); err != nil || !ok {
		return batch, err
	}
	batch.DeployOperationRef = deployRef
	o.log.Info("Deploy submitted", "batch_id", batch.ID, "operation", deployRef)

	return o.awaitDeploy(ctx, batch, sel)
}

func (o *Orchestrator) awaitDeploy(ctx context.Context, batch *types.TrainingBatch, sel *selection) (*types.TrainingBatch, error) {
	st, err := o.poller.Await(ctx, batch.DeployOperationRef, o.opts.PollInterval, o.opts.DeployTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return batch, ctx.Err()
		}
		return batch, o.failDeploy(ctx, batch, sel, err)
	}
	if st.Err != nil {
		return batch, o.failDeploy(ctx, batch, sel, st.Err)
	}

	if ok, err := o.transition(dbctx.Context{Ctx: ctx}, batch, types.BatchStatusDeployed, nil); err != nil || !ok {
		return batch, err
	}
	return o.promote(ctx, batch, sel)
}

// promote makes the freshly deployed version the processor default, then
// hands over to finalize.
func (o *Orchestrator) promote(ctx context.Context, batch *types.TrainingBatch, sel *selection) (*types.TrainingBatch, error) {
	err := o.withBackoff(ctx, "set default version", func() error {
		return o.trainer.SetDefaultVersion(ctx, batch.ProcessorID, batch.ModelVersionName)
	})
	if err != nil {
		return batch, o.failDeploy(ctx, batch, sel, err)
	}
	o.log.Info("Model version promoted to default",
		"batch_id", batch.ID, "model_version", batch.ModelVersionName)
	return o.finalize(ctx, batch, sel)
}

func (o *Orchestrator) finalize(ctx context.Context, batch *types.TrainingBatch, sel *selection) (*types.TrainingBatch, error) {
	dbc := dbctx.Context{Ctx: ctx}

	if ok, err := o.transition(dbc, batch, types.BatchStatusFinalizing, nil); err != nil || !ok {
		return batch, err
	}

	err := o.withBackoff(ctx, "mark documents used", func() error {
		return o.docs.MarkUsedForTraining(dbc, sel.IDs, batch.ID)
	})
	if err != nil {
		return batch, o.fail(ctx, batch, types.BatchStatusFailed, "finalizing", err)
	}

	if err := o.finish(dbc, batch, types.BatchStatusCompleted, nil); err != nil {
		return batch, err
	}
	o.log.Info("Training batch completed",
		"batch_id", batch.ID, "documents", len(sel.IDs), "model_version", batch.ModelVersionName)
	o.bus.BatchCompleted(ctx, batch, len(sel.IDs))
	return batch, nil
}

// Resume picks up the processor's non-terminal batch after a restart and
// re-enters the lifecycle at the recorded stage. Batches interrupted before
// submission are cancelled: nothing was claimed or spent yet, and the next
// evaluation re-triggers cleanly.
func (o *Orchestrator) Resume(ctx context.Context, processorID string) (*types.TrainingBatch, error) {
	dbc := dbctx.Context{Ctx: ctx}
	batch, err := o.batches.FindNonTerminal(dbc, processorID)
	if err != nil || batch == nil {
		return nil, err
	}
	log := o.log.With("processor_id", processorID, "batch_id", batch.ID, "status", batch.Status)
	log.Info("Resuming interrupted training batch")

	sel, err := o.selectionFromBatch(dbc, batch)
	if err != nil {
		return batch, o.fail(ctx, batch, types.BatchStatusFailed, "resume", err)
	}

	switch batch.Status {
	case types.BatchStatusPreparing, types.BatchStatusSelectingDocuments:
		return batch, o.finish(dbc, batch, types.BatchStatusCancelled, map[string]interface{}{
			"error_message": "interrupted before training submission",
		})
	case types.BatchStatusTraining:
		if batch.OperationRef == "" {
			return batch, o.finish(dbc, batch, types.BatchStatusCancelled, map[string]interface{}{
				"error_message": "interrupted before training submission",
			})
		}
		return o.awaitTraining(ctx, batch, sel)
	case types.BatchStatusDeploying:
		if batch.DeployOperationRef != "" {
			return o.awaitDeploy(ctx, batch, sel)
		}
		if batch.ModelVersionName == "" {
			return batch, o.fail(ctx, batch, types.BatchStatusFailed, "resume",
				Terminal("deploying batch has no model version", nil))
		}
		return o.deploy(ctx, batch, sel)
	case types.BatchStatusDeployed:
		return o.promote(ctx, batch, sel)
	case types.BatchStatusFinalizing:
		return o.finalize(ctx, batch, sel)
	}
	return batch, nil
}

// Cancel force-terminates a batch. The guard on the status column makes this
// race-safe against a live run: whichever transition lands first wins and the
// loser aborts. Returns apperrors.ErrConflict when the batch is already
// terminal.
func (o *Orchestrator) Cancel(ctx context.Context, batchID uuid.UUID, reason string) (*types.TrainingBatch, error) {
	dbc := dbctx.Context{Ctx: ctx}
	batch, err := o.batches.GetByID(dbc, batchID)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, apperrors.ErrNotFound
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	if err := o.finish(dbc, batch, types.BatchStatusCancelled, map[string]interface{}{
		"error_message": reason,
	}); err != nil {
		return nil, err
	}
	if batch.Status != types.BatchStatusCancelled {
		return batch, apperrors.ErrConflict
	}
	o.log.Info("Training batch cancelled", "batch_id", batch.ID, "reason", reason)
	return batch, nil
}

func (o *Orchestrator) selectionFromBatch(dbc dbctx.Context, batch *types.TrainingBatch) (*selection, error) {
	sel := &selection{Distribution: map[string]int{}}
	if len(batch.DocumentIDs) == 0 {
		return sel, nil
	}
	if err := json.Unmarshal(batch.DocumentIDs, &sel.IDs); err != nil {
		return nil, fmt.Errorf("decode document_ids: %w", err)
	}
	if len(batch.LabelDistribution) > 0 {
		if err := json.Unmarshal(batch.LabelDistribution, &sel.Distribution); err != nil {
			return nil, fmt.Errorf("decode label_distribution: %w", err)
		}
	}
	docs, err := o.docs.GetByIDs(dbc, sel.IDs)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		sel.Docs = append(sel.Docs, TrainDocument{StorageURI: d.StorageURI, Label: d.Label})
	}
	return sel, nil
}

// transition moves the batch forward unless a concurrent cancel already made
// it terminal. ok=false means the run must stop quietly.
func (o *Orchestrator) transition(dbc dbctx.Context, batch *types.TrainingBatch, to types.BatchStatus, extra map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	ok, err := o.batches.UpdateFieldsUnlessTerminal(dbc, batch.ID, updates)
	if err != nil {
		return false, err
	}
	if !ok {
		o.refresh(dbc, batch)
		o.log.Info("Batch became terminal mid-run, stopping",
			"batch_id", batch.ID, "status", batch.Status)
		return false, nil
	}
	batch.Status = to
	return true, nil
}

// finish lands the batch in a terminal status and stamps completed_at.
func (o *Orchestrator) finish(dbc dbctx.Context, batch *types.TrainingBatch, to types.BatchStatus, extra map[string]interface{}) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":       to,
		"completed_at": now,
	}
	for k, v := range extra {
		updates[k] = v
	}
	ok, err := o.batches.UpdateFieldsUnlessTerminal(dbc, batch.ID, updates)
	if err != nil {
		return err
	}
	if !ok {
		o.refresh(dbc, batch)
		return nil
	}
	batch.Status = to
	batch.CompletedAt = &now
	if msg, yes := extra["error_message"].(string); yes {
		batch.ErrorMessage = msg
	}
	return nil
}

// fail records a terminal failure and notifies. It returns nil: the failure
// is captured on the batch row, not propagated as a Run error, so callers can
// distinguish "the batch failed" from "the orchestrator broke".
func (o *Orchestrator) fail(ctx context.Context, batch *types.TrainingBatch, to types.BatchStatus, stage string, cause error) error {
	dbc := dbctx.Context{Ctx: ctx}
	kind := KindOf(cause)
	msg := cause.Error()
	o.log.Error("Training batch failed",
		"batch_id", batch.ID, "stage", stage, "kind", kind, "error", cause)

	if err := o.finish(dbc, batch, to, map[string]interface{}{
		"error_kind":    string(kind),
		"error_message": msg,
	}); err != nil {
		return err
	}
	batch.ErrorKind = string(kind)
	o.bus.BatchFailed(ctx, batch, stage, msg)
	return nil
}

// failDeploy handles any failure at or past the deploy stage. The model was
// already trained on the claimed documents, so they are consumed: marking
// them used prevents the same set from training a second nearly identical
// version on the next trigger.
func (o *Orchestrator) failDeploy(ctx context.Context, batch *types.TrainingBatch, sel *selection, cause error) error {
	dbc := dbctx.Context{Ctx: ctx}
	if len(sel.IDs) > 0 {
		if err := o.docs.MarkUsedForTraining(dbc, sel.IDs, batch.ID); err != nil {
			o.log.Error("Mark documents used after deploy failure",
				"batch_id", batch.ID, "error", err)
		}
	}
	return o.fail(ctx, batch, types.BatchStatusDeployFailed, "deploying", cause)
}

func (o *Orchestrator) refresh(dbc dbctx.Context, batch *types.TrainingBatch) {
	if fresh, err := o.batches.GetByID(dbc, batch.ID); err == nil && fresh != nil {
		*batch = *fresh
	}
}

// withBackoff retries fn on transient failures with doubling sleeps. Terminal
// errors and context cancellation stop immediately.
func (o *Orchestrator) withBackoff(ctx context.Context, what string, fn func() error) error {
	delay := o.opts.RetryBase
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var se *ServiceError
		if !errors.As(err, &se) {
			se = FromRPC(what, err)
		}
		if se.Kind != KindTransientService || attempt >= o.opts.SubmitRetries {
			return se
		}
		o.log.Warn("Transient failure, retrying",
			"what", what, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
