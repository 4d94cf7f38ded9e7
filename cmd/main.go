package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tetrix-ml/autotrain/internal/clients/gcp"
	"github.com/tetrix-ml/autotrain/internal/data/db"
	"github.com/tetrix-ml/autotrain/internal/data/repos/documents"
	trainingrepos "github.com/tetrix-ml/autotrain/internal/data/repos/training"
	"github.com/tetrix-ml/autotrain/internal/handlers"
	"github.com/tetrix-ml/autotrain/internal/ingest"
	"github.com/tetrix-ml/autotrain/internal/notify"
	"github.com/tetrix-ml/autotrain/internal/pkg/envutil"
	"github.com/tetrix-ml/autotrain/internal/pkg/logger"
	"github.com/tetrix-ml/autotrain/internal/scheduler"
	"github.com/tetrix-ml/autotrain/internal/server"
	"github.com/tetrix-ml/autotrain/internal/training"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Fatal("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up repos from main...")
	documentRepo := documents.NewDocumentRepo(thePG, log)
	batchRepo := trainingrepos.NewBatchRepo(thePG, log)
	configRepo := trainingrepos.NewConfigRepo(thePG, log)

	// Clients
	log.Info("Setting up clients from main...")
	trainer, err := gcp.NewTrainerService(log)
	if err != nil {
		log.Fatal("Could not init Document AI trainer", "error", err)
	}
	defer trainer.Close()

	bucketService, err := gcp.NewBucketService(log)
	if err != nil {
		log.Warn("Could not init BucketService, backfill disabled", "error", err)
	}

	var bus notify.Notifier
	bus, err = notify.NewRedisNotifier(log)
	if err != nil {
		log.Warn("Could not init redis notifier, batch events disabled", "error", err)
		bus = notify.Noop{}
	}

	// Core
	log.Info("Setting up training core from main...")
	orch := training.NewOrchestrator(documentRepo, batchRepo, trainer, bus, training.Options{
		SelectionLimit: envutil.Int("TRAINING_SELECTION_LIMIT", 100),
		PollInterval:   envutil.Duration("TRAINING_POLL_INTERVAL", 30*time.Second),
		TrainTimeout:   envutil.Duration("TRAINING_POLL_TIMEOUT", 2*time.Hour),
		DeployTimeout:  envutil.Duration("DEPLOY_POLL_TIMEOUT", time.Hour),
	}, log)
	evaluator := training.NewEvaluator(documentRepo, batchRepo, configRepo, trainer, log)
	ingestHandler := ingest.NewHandler(documentRepo, trainer, evaluator, orch, log)
	sched := scheduler.NewScheduler(configRepo, evaluator, orch, log)

	// Router
	log.Info("Setting up router from main...")
	staleAfter := envutil.Duration("BATCH_STALE_AFTER", 12*time.Hour)
	router := server.NewRouter(server.RouterConfig{
		EventsHandler: handlers.NewEventsHandler(ingestHandler),
		TrainingHandler: handlers.NewTrainingHandler(
			documentRepo, batchRepo, configRepo, evaluator, orch, staleAfter, log),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched.ResumeAll(ctx)
	if bucketService != nil && envutil.Bool("BACKFILL_ON_START", false) {
		for _, pid := range envutil.Strings("PROCESSOR_IDS") {
			if n, err := ingestHandler.Backfill(ctx, pid, bucketService); err != nil {
				log.Warn("Backfill failed", "processor_id", pid, "error", err)
			} else {
				log.Info("Backfill finished", "processor_id", pid, "ingested", n)
			}
		}
	}
	sched.Start(ctx)

	port := envutil.String("PORT", "8080")
	srv := &http.Server{Addr: ":" + port, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error("Server failed", "error", err)
	}
}
