package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tetrix-ml/autotrain/internal/data/repos/documents"
	trainingrepos "github.com/tetrix-ml/autotrain/internal/data/repos/training"
	types "github.com/tetrix-ml/autotrain/internal/domain"
	"github.com/tetrix-ml/autotrain/internal/pkg/dbctx"
	apperrors "github.com/tetrix-ml/autotrain/internal/pkg/errors"
	"github.com/tetrix-ml/autotrain/internal/pkg/logger"
	"github.com/tetrix-ml/autotrain/internal/training"
)

type TrainingHandler struct {
	log        *logger.Logger
	docs       documents.DocumentRepo
	batches    trainingrepos.BatchRepo
	configs    trainingrepos.ConfigRepo
	evaluator  *training.Evaluator
	orch       *training.Orchestrator
	staleAfter time.Duration
}

func NewTrainingHandler(
	docs documents.DocumentRepo,
	batches trainingrepos.BatchRepo,
	configs trainingrepos.ConfigRepo,
	evaluator *training.Evaluator,
	orch *training.Orchestrator,
	staleAfter time.Duration,
	baseLog *logger.Logger,
) *TrainingHandler {
	if staleAfter <= 0 {
		staleAfter = 12 * time.Hour
	}
	return &TrainingHandler{
		log:        baseLog.With("handler", "TrainingHandler"),
		docs:       docs,
		batches:    batches,
		configs:    configs,
		evaluator:  evaluator,
		orch:       orch,
		staleAfter: staleAfter,
	}
}

// POST /api/processors/:id/training/check
//
// Runs the evaluator and, when the threshold is met, starts the batch in the
// background. Training runs span minutes to hours; the request only reports
// whether one was kicked off.
func (h *TrainingHandler) Check(c *gin.Context) {
	processorID := c.Param("id")
	decision, err := h.evaluator.Evaluate(c.Request.Context(), processorID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "evaluate_failed", err)
		return
	}
	if decision.ShouldTrain {
		go func() {
			if _, err := h.orch.Run(context.Background(), processorID, decision.TrainingType); err != nil {
				h.log.Error("Background training run failed",
					"processor_id", processorID, "error", err)
			}
		}()
	}
	RespondOK(c, gin.H{
		"decision":         decision,
		"training_started": decision.ShouldTrain,
	})
}

// GET /api/processors/:id/training/status
func (h *TrainingHandler) Status(c *gin.Context) {
	processorID := c.Param("id")
	dbc := dbctx.Context{Ctx: c.Request.Context()}

	cfg, err := h.configs.GetOrCreate(dbc, processorID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "config_load_failed", err)
		return
	}
	pendingInitial, err := h.docs.CountPendingInitial(dbc, processorID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "count_failed", err)
		return
	}
	unusedLabeled, err := h.docs.CountUnusedLabeled(dbc, processorID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "count_failed", err)
		return
	}
	active, err := h.batches.FindNonTerminal(dbc, processorID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "batch_load_failed", err)
		return
	}

	RespondOK(c, gin.H{
		"config":                cfg,
		"pending_initial_count": pendingInitial,
		"unused_labeled_count":  unusedLabeled,
		"active_batch":          active,
		"training_in_progress":  active != nil,
	})
}

// GET /api/processors/:id/training/stats
func (h *TrainingHandler) Stats(c *gin.Context) {
	processorID := c.Param("id")
	dbc := dbctx.Context{Ctx: c.Request.Context()}

	totals, err := h.docs.CountTotals(dbc, processorID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "count_failed", err)
		return
	}
	byStatus, err := h.batches.CountByStatus(dbc, processorID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "count_failed", err)
		return
	}

	var totalBatches, successful, failed int64
	for status, n := range byStatus {
		totalBatches += n
		switch types.BatchStatus(status) {
		case types.BatchStatusCompleted:
			successful += n
		case types.BatchStatusTrainingFailed, types.BatchStatusDeployFailed, types.BatchStatusFailed:
			failed += n
		}
	}
	successRate := 0.0
	if totalBatches > 0 {
		successRate = float64(successful) / float64(totalBatches)
	}

	var last *types.TrainingBatch
	if recent, err := h.batches.List(dbc, processorID, 1); err == nil && len(recent) > 0 {
		last = recent[0]
	}

	RespondOK(c, gin.H{
		"total_documents":             totals.Total,
		"documents_used_for_training": totals.Used,
		"total_batches":               totalBatches,
		"successful_batches":          successful,
		"failed_batches":              failed,
		"success_rate":                successRate,
		"batches_by_status":           byStatus,
		"last_batch":                  last,
	})
}

// GET /api/processors/:id/batches
func (h *TrainingHandler) ListBatches(c *gin.Context) {
	processorID := c.Param("id")
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	batches, err := h.batches.List(dbctx.Context{Ctx: c.Request.Context()}, processorID, limit)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "batch_list_failed", err)
		return
	}
	RespondOK(c, gin.H{"batches": batches})
}

type cancelRequest struct {
	Reason string `json:"reason"`
	Force  bool   `json:"force"`
}

// POST /api/batches/:id/cancel
//
// Maintenance operation. Without force it only touches batches stuck past
// the stale age bound; force-cancelling a batch that is still legitimately
// running is the operator's deliberate call.
func (h *TrainingHandler) CancelBatch(c *gin.Context) {
	batchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_batch_id", err)
		return
	}
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	dbc := dbctx.Context{Ctx: c.Request.Context()}
	batch, err := h.batches.GetByID(dbc, batchID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "batch_load_failed", err)
		return
	}
	if batch == nil {
		RespondError(c, http.StatusNotFound, "batch_not_found",
			fmt.Errorf("batch %s not found", batchID))
		return
	}
	if !req.Force && time.Since(batch.StartedAt) < h.staleAfter {
		RespondError(c, http.StatusConflict, "batch_not_stale",
			fmt.Errorf("batch younger than %s; pass force to cancel anyway", h.staleAfter))
		return
	}

	cancelled, err := h.orch.Cancel(c.Request.Context(), batchID, req.Reason)
	if apperrors.IsConflict(err) {
		RespondError(c, http.StatusConflict, "batch_terminal",
			fmt.Errorf("batch already in terminal status %s", cancelled.Status))
		return
	}
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "cancel_failed", err)
		return
	}
	RespondOK(c, gin.H{"batch": cancelled})
}
