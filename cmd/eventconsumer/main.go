// Command eventconsumer binds to the subtitle.*, job.* and translation.*
// routing keys on the shared topic exchange (each "*" matches exactly one
// segment, so keys such as subtitle.download.requested are not received)
// and appends each delivery to its job's event log, independent
// of the phase-change events internal/store.UpdatePhase already records.
// This is the audit/event-schema sink the spec's Non-goals call out as
// external business logic — here it only demonstrates that the core's
// wildcard binding and event-log append are enough to build one on.
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

const queueName = "subtitle.events.consumer"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load("eventconsumer")
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
		var payload struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(d.Body, &payload); err != nil || payload.ID == "" {
			// Not every event carries a job id (e.g. discovery-level events);
			// there's nothing to append the event to.
			return nil
		}

		var raw map[string]any
		_ = json.Unmarshal(d.Body, &raw)

		if !storeClient.RecordEvent(ctx, payload.ID, domain.EventRecord{
			EventType: d.RoutingKey,
			Source:    "eventconsumer",
			Payload:   raw,
		}) {
			return fmt.Errorf("eventconsumer: record event for job %s", payload.ID)
		}
		return nil
	}

	rt := runtime.New(runtime.Config{
		Queue:          queueName,
		Bindings:       []string{"subtitle.*", "job.*", "translation.*"},
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
