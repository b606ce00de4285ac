// Command downloader consumes download-requested events, advances a job
// through the downloading phase, and emits either a ready event (no
// translation needed) or forwards it on for translation. The actual
// subtitle download is out of scope for this core; the handler only
// drives the job state machine and event emission around it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/subtitlework/pipeline-core/internal/broker"
	"github.com/subtitlework/pipeline-core/internal/config"
	"github.com/subtitlework/pipeline-core/internal/domain"
	"github.com/subtitlework/pipeline-core/internal/health"
	"github.com/subtitlework/pipeline-core/internal/retry"
	"github.com/subtitlework/pipeline-core/internal/runtime"
	"github.com/subtitlework/pipeline-core/internal/shutdown"
	"github.com/subtitlework/pipeline-core/internal/store"
)

const queueName = "downloader.subtitle.requests"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load("downloader")
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	redisOpts, err := goredis.ParseURL(cfg.StoreURL)
	if err != nil {
		logger.Fatal("parse STORE_URL", zap.Error(err))
	}

	storeClient := store.NewClient(redisOpts, retry.Config{
		InitialDelay: cfg.Store.InitialDelay,
		MaxDelay:     cfg.Store.MaxDelay,
		MaxAttempts:  cfg.Store.MaxRetries,
	}, logger, store.WithHealthCheckInterval(cfg.Store.HealthCheckInterval))

	brokerClient := broker.NewClient(cfg.BrokerURL, retry.Config{
		InitialDelay: cfg.Broker.InitialDelay,
		MaxDelay:     cfg.Broker.MaxDelay,
		MaxAttempts:  cfg.Broker.MaxRetries,
	}, logger)

	sm, err := shutdown.New(cfg.Shutdown.Timeout, logger)
	if err != nil {
		logger.Fatal("construct shutdown manager", zap.Error(err))
	}

	handler := func(ctx context.Context, d *broker.Delivery) error {
		var job domain.Job
		if err := json.Unmarshal(d.Body, &job); err != nil {
			logger.Warn("downloader: malformed job payload", zap.Error(err))
			return nil
		}

		needsTranslation := job.Metadata.SourceLanguage != job.Metadata.TargetLanguage
		next := domain.StatusCompleted
		event := domain.EventReady
		if needsTranslation {
			next = domain.StatusTranslating
			event = domain.EventTranslated
		}

		if !storeClient.UpdatePhase(ctx, job.ID, domain.StatusDownloading, "downloader", nil) {
			return fmt.Errorf("downloader: advance job %s to downloading", job.ID)
		}
		if !storeClient.UpdatePhase(ctx, job.ID, next, "downloader", nil) {
			return fmt.Errorf("downloader: advance job %s to %s", job.ID, next)
		}

		updated, _ := storeClient.GetJob(ctx, job.ID)
		brokerClient.Publish(ctx, event, updated)
		return nil
	}

	rt := runtime.New(runtime.Config{
		Queue:          queueName,
		Bindings:       []string{domain.EventDownloadRequested},
		HealthInterval: cfg.Broker.HealthCheckInterval,
	}, brokerClient, storeClient, sm, handler, logger)

	rt.Start(context.Background())

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	httpHandler := health.New(brokerClient, storeClient, logger).Register(engine)
	server := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort), Handler: httpHandler}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server error", zap.Error(err))
		}
	}()
	sm.RegisterCleanupCallback(func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	rt.Run(context.Background())

	cleanupCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
	defer cancel()
	if err := sm.ExecuteCleanup(cleanupCtx); err != nil {
		logger.Error("cleanup error", zap.Error(err))
		os.Exit(1)
	}
}
