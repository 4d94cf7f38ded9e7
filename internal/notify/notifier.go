package notify

import (
	"context"
	"time"

	types "github.com/tetrix-ml/autotrain/internal/domain"
)

const (
	EventBatchStarted   = "batch_started"
	EventBatchCompleted = "batch_completed"
	EventBatchFailed    = "batch_failed"
)

// Message is the wire shape consumed by external dashboards. The core only
// emits; nothing in this repo reacts to these events.
type Message struct {
	Event         string             `json:"event"`
	ProcessorID   string             `json:"processor_id"`
	BatchID       string             `json:"batch_id"`
	TrainingType  types.TrainingType `json:"training_type"`
	BatchStatus   types.BatchStatus  `json:"batch_status"`
	DocumentCount int                `json:"document_count,omitempty"`
	Stage         string             `json:"stage,omitempty"`
	Error         string             `json:"error,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}

type Notifier interface {
	BatchStarted(ctx context.Context, batch *types.TrainingBatch)
	BatchCompleted(ctx context.Context, batch *types.TrainingBatch, documentCount int)
	BatchFailed(ctx context.Context, batch *types.TrainingBatch, stage, errorMessage string)
}

// Noop satisfies Notifier when no sink is configured (local runs, tests).
type Noop struct{}

func (Noop) BatchStarted(context.Context, *types.TrainingBatch)                {}
func (Noop) BatchCompleted(context.Context, *types.TrainingBatch, int)         {}
func (Noop) BatchFailed(context.Context, *types.TrainingBatch, string, string) {}
