// Command mediadiscovery scans for newly available media and emits a
// download-requested event for each one found. The scan itself (talking to
// whatever catalog or filesystem the deployment watches) is out of scope
// for this core; this entry point only demonstrates the wiring every
// service shares, per spec.md §1's "their differences are purely in the
// message-handler callback".
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

const queueName = "manager.subtitle.requests"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load("mediadiscovery")
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
		var meta domain.Metadata
		if err := decodeMetadata(d.Body, &meta); err != nil {
			logger.Warn("mediadiscovery: malformed discovery payload", zap.Error(err))
			return nil // not transient; acking a bad payload avoids a poison-message loop.
		}

		job := domain.NewJob(meta)
		if !storeClient.SaveJob(ctx, job) {
			return fmt.Errorf("mediadiscovery: save job %s", job.ID)
		}
		storeClient.RecordEvent(ctx, job.ID, domain.EventRecord{
			EventType: domain.EventDownloadRequested,
			Source:    "mediadiscovery",
		})
		brokerClient.Publish(ctx, domain.EventDownloadRequested, job)
		return nil
	}

	rt := runtime.New(runtime.Config{
		Queue:          queueName,
		Bindings:       []string{"subtitle.*"},
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

func decodeMetadata(body []byte, meta *domain.Metadata) error {
	return json.Unmarshal(body, meta)
}
