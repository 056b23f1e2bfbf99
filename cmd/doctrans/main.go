package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/seekhub/doctrans/internal/config"
	"github.com/seekhub/doctrans/internal/httpapi"
	"github.com/seekhub/doctrans/internal/jobs"
	"github.com/seekhub/doctrans/internal/persistence"
	"github.com/seekhub/doctrans/internal/pipeline"
	"github.com/seekhub/doctrans/internal/storage"
	"github.com/seekhub/doctrans/internal/translate"
	"github.com/seekhub/doctrans/pkg/log"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.NewFromEnv()
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}
	log.InitLogger(log.ParseLevel(cfg.System.LogLevel))

	store, err := persistence.NewSQLiteStore(cfg.System.DBPath)
	if err != nil {
		log.Fatal("Failed to open database: %v", err)
	}
	defer store.Close()

	docs, err := storage.NewLocal(cfg.System.DataDir)
	if err != nil {
		log.Fatal("Failed to open document storage: %v", err)
	}

	backend, err := translate.NewHTTPBackend(translate.BackendConfig{
		APIURL:  cfg.Translate.APIURL,
		APIKey:  cfg.Translate.APIKey,
		Timeout: time.Duration(cfg.Translate.Timeout) * time.Second,
	})
	if err != nil {
		log.Fatal("Failed to build translation backend: %v", err)
	}

	cache := translate.NewCache(cfg.Cache.TTL, cfg.Cache.Capacity, store)
	orchestrator := translate.NewOrchestrator(backend, cache)
	orchestrator.BatchSize = cfg.Translate.BatchSize
	orchestrator.MaxBatchChars = cfg.Translate.BatchChars
	orchestrator.Concurrency = cfg.Translate.Concurrency
	orchestrator.MaxAttempts = cfg.Translate.MaxAttempts

	queue := jobs.NewQueue(cfg.Jobs.Workers, cfg.Jobs.QueueSize, store)
	queue.DefaultTargetLanguage = cfg.Translate.DefaultTarget.String()
	runner := pipeline.NewRunner(docs, orchestrator, queue)
	runner.DefaultTimeout = cfg.Jobs.Timeout

	queue.Start(runner.Execute)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Cache.SweepCron, func() {
		cache.Sweep()
		if n, err := store.DeleteExpiredTranslations(context.Background(), cfg.Cache.TTL); err != nil {
			log.Warn("Cache sweep: durable purge failed: %v", err)
		} else if n > 0 {
			log.Debug("Cache sweep: purged %d durable entries", n)
		}
	}); err != nil {
		log.Fatal("Failed to schedule cache sweep: %v", err)
	}
	scheduler.Start()

	server := httpapi.NewServer(queue)
	go func() {
		log.Info("Listening on %s", cfg.System.HTTPAddr)
		if err := server.ListenAndServe(cfg.System.HTTPAddr); err != nil {
			log.Error("HTTP server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown: %v", err)
	}
	scheduler.Stop()
	queue.Stop()
}
