package scheduler

import (
	"context"
	"time"

	trainingrepos "github.com/tetrix-ml/autotrain/internal/data/repos/training"
	"github.com/tetrix-ml/autotrain/internal/pkg/dbctx"
	"github.com/tetrix-ml/autotrain/internal/pkg/envutil"
	"github.com/tetrix-ml/autotrain/internal/pkg/logger"
	"github.com/tetrix-ml/autotrain/internal/training"
)

// Scheduler is the periodic trigger: one goroutine per configured processor,
// each running evaluate-then-train on that processor's configured interval.
// Processors tick independently so a long training run on one never delays
// evaluation of another.
type Scheduler struct {
	log        *logger.Logger
	configs    trainingrepos.ConfigRepo
	evaluator  *training.Evaluator
	orch       *training.Orchestrator
	processors []string
}

func NewScheduler(
	configs trainingrepos.ConfigRepo,
	evaluator *training.Evaluator,
	orch *training.Orchestrator,
	baseLog *logger.Logger,
) *Scheduler {
	return &Scheduler{
		log:        baseLog.With("component", "TrainingScheduler"),
		configs:    configs,
		evaluator:  evaluator,
		orch:       orch,
		processors: envutil.Strings("PROCESSOR_IDS"),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if len(s.processors) == 0 {
		s.log.Warn("No processors configured, scheduler idle")
		return
	}
	for _, pid := range s.processors {
		go s.runLoop(ctx, pid)
	}
}

// ResumeAll re-enters any batch left non-terminal by a previous process.
// Called once at startup before the tick loops begin.
func (s *Scheduler) ResumeAll(ctx context.Context) {
	for _, pid := range s.processors {
		batch, err := s.orch.Resume(ctx, pid)
		if err != nil {
			s.log.Error("Resume failed", "processor_id", pid, "error", err)
			continue
		}
		if batch != nil {
			s.log.Info("Resumed batch settled",
				"processor_id", pid, "batch_id", batch.ID, "status", batch.Status)
		}
	}
}

func (s *Scheduler) runLoop(ctx context.Context, processorID string) {
	log := s.log.With("processor_id", processorID)
	interval := s.checkInterval(ctx, processorID)
	log.Info("Scheduler loop started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, processorID)
			// interval is a config knob; pick up changes between ticks
			if next := s.checkInterval(ctx, processorID); next != interval {
				interval = next
				ticker.Reset(interval)
				log.Info("Check interval changed", "interval", interval)
			}
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, processorID string) {
	log := s.log.With("processor_id", processorID)
	decision, err := s.evaluator.Evaluate(ctx, processorID)
	if err != nil {
		log.Warn("Evaluation failed", "error", err)
		return
	}
	if !decision.ShouldTrain {
		return
	}
	batch, err := s.orch.Run(ctx, processorID, decision.TrainingType)
	if err != nil {
		log.Error("Training run failed", "error", err)
		return
	}
	if batch != nil {
		log.Info("Training run finished", "batch_id", batch.ID, "status", batch.Status)
	}
}

func (s *Scheduler) checkInterval(ctx context.Context, processorID string) time.Duration {
	cfg, err := s.configs.GetOrCreate(dbctx.Context{Ctx: ctx}, processorID)
	if err != nil {
		s.log.Warn("Load training config failed, using default interval",
			"processor_id", processorID, "error", err)
		return time.Hour
	}
	return cfg.CheckInterval()
}
