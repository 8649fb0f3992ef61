package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	jobsapp "github.com/supplysync/backend/internal/application/jobs"
	"github.com/supplysync/backend/internal/application/reconcile"
	"github.com/supplysync/backend/internal/infrastructure/commerce"
	"github.com/supplysync/backend/internal/infrastructure/config"
	"github.com/supplysync/backend/internal/infrastructure/extraction"
	"github.com/supplysync/backend/internal/infrastructure/ledger"
	"github.com/supplysync/backend/internal/infrastructure/logger"
	"github.com/supplysync/backend/internal/infrastructure/persistence"
	"github.com/supplysync/backend/internal/infrastructure/scheduler"
	"github.com/supplysync/backend/internal/infrastructure/storage"
	"github.com/supplysync/backend/internal/interfaces/http/handler"
	"github.com/supplysync/backend/internal/interfaces/http/router"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting supplysync worker",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.HTTP.Port))

	gormLog := logger.NewGormLogger(log, gormlogger.Warn)
	db, err := persistence.NewDatabase(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	if err := db.Migrate(); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}
	log.Info("Database connected")

	documents, err := storage.NewDocumentStore(&cfg.Storage, log)
	if err != nil {
		log.Fatal("Failed to initialize document storage", zap.Error(err))
	}
	if err := documents.EnsureBucket(context.Background()); err != nil {
		log.Fatal("Failed to ensure storage bucket", zap.Error(err))
	}

	cred, err := ledger.NewCredential(&cfg.Ledger)
	if err != nil {
		log.Fatal("Failed to select ledger credential", zap.Error(err))
	}
	log.Info("Ledger credential selected",
		zap.String("strategy", cred.Name()),
		zap.Bool("writable", cred.CanWrite()))

	ledgerClient := ledger.NewClient(&cfg.Ledger, cred, log)
	inventoryClient := commerce.NewInventoryClient(&cfg.Commerce, log)
	engine := reconcile.NewEngine(ledgerClient, inventoryClient, cfg.Ledger.SheetName, log)

	jobRepo := persistence.NewJobRepository(db.DB)
	invoiceRepo := persistence.NewInvoiceRepository(db.DB)

	dispatcher := extraction.DefaultDispatcher()
	runner := extraction.NewExecRunner(&cfg.Extraction, log)

	extractionHandler := jobsapp.NewExtractionHandler(
		jobRepo, invoiceRepo, documents, dispatcher, runner, cfg.Extraction.WorkDir, log)
	reconciliationHandler := jobsapp.NewReconciliationHandler(
		jobRepo, invoiceRepo, engine, log)

	worker := scheduler.NewWorker(
		scheduler.WorkerConfig{
			PollInterval:      cfg.Worker.PollInterval,
			MaxConcurrentJobs: cfg.Worker.MaxConcurrentJobs,
		},
		jobRepo,
		[]scheduler.Handler{extractionHandler, reconciliationHandler},
		scheduler.NewRealClock(),
		log,
	)

	workerCtx, stopWorker := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := worker.Run(workerCtx); err != nil && err != context.Canceled {
			log.Error("Worker stopped with error", zap.Error(err))
		}
	}()

	jobService := jobsapp.NewService(jobRepo, cfg.Worker.MaxAttempts, log)

	r := router.New(cfg.App.Env, log)
	handler.NewHealthHandler(db).RegisterRoutes(r.Engine())
	r.Register(handler.NewJobHandler(jobService))
	r.Setup()

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      r.Engine(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	stopWorker()
	select {
	case <-workerDone:
	case <-time.After(30 * time.Second):
		log.Warn("Worker did not drain in time")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Exited gracefully")
}
