// Package health implements the two-tier HTTP health surface (C6): a
// startup probe that is always 200 so dependent containers can start
// before the broker/store are reachable, a deep probe whose status code
// reflects real dependency health, and a legacy simple probe.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/subtitlework/pipeline-core/internal/broker"
	"github.com/subtitlework/pipeline-core/internal/metrics"
	"github.com/subtitlework/pipeline-core/internal/store"
)

const deepCheckTimeout = 3 * time.Second

// Handler wires a broker and store client into the gin routes below.
// Either may be nil for a service that does not own that dependency
// (spec.md §4.6 lists orchestrator/consumer/publisher/store as the checks
// a given service reports, not every service reporting every check).
type Handler struct {
	logger *zap.Logger
	broker *broker.Client
	store  *store.Client
}

// New constructs a Handler.
func New(b *broker.Client, s *store.Client, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{logger: logger, broker: b, store: s}
}

// Register installs the health routes and /metrics onto engine, wrapping
// the whole engine with otelhttp for request tracing (ambient
// observability carried regardless of the spec's non-goals around the
// business-logic layer).
func (h *Handler) Register(engine *gin.Engine) http.Handler {
	engine.Use(requestID(h.logger))
	engine.GET("/health/startup", h.startup)
	engine.GET("/health", h.deep)
	engine.GET("/health/simple", h.simple)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return otelhttp.NewHandler(engine, "pipeline-core")
}

// startup always reports 200 while the process is alive, per spec.md
// §4.6's container-orchestration rationale.
func (h *Handler) startup(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

// simple reports 200/503 from the same checks deep uses, without the
// per-component detail payload.
func (h *Handler) simple(c *gin.Context) {
	ok, _, _ := h.probe(c.Request.Context(), requestLogger(c))
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// deep performs the real dependency checks and reports their status code
// truthfully: 200 healthy, 503 a dependency is unreachable. A probe that
// panics outright (as opposed to reporting unreachable) surfaces as 500
// via the gin.Recovery middleware every cmd/ entry point installs ahead
// of Register, rather than being caught here.
func (h *Handler) deep(c *gin.Context) {
	ok, checks, details := h.probe(c.Request.Context(), requestLogger(c))

	status := "healthy"
	code := http.StatusOK
	if !ok {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":  status,
		"checks":  checks,
		"details": details,
	})
}

// probe runs the store and broker checks. For the store it calls
// EnsureConnected (bounded by deepCheckTimeout) and then IsHealthy, which
// is true only when a handle exists and the last successful ping (from
// Connect or the store's background health task) is within the store's
// health-check interval; probe itself sends no ping. For the broker, check
// the handle and not-closed state (IsHealthy already encodes that).
func (h *Handler) probe(ctx context.Context, logger *zap.Logger) (bool, map[string]bool, map[string]string) {
	checks := make(map[string]bool)
	details := make(map[string]string)
	healthy := true

	if h.store != nil {
		pingCtx, cancel := context.WithTimeout(ctx, deepCheckTimeout)
		connected := h.store.EnsureConnected(pingCtx) && h.store.IsHealthy()
		cancel()
		checks["store"] = connected
		if connected {
			metrics.HealthProbeTotal.WithLabelValues("store", "ok").Inc()
			details["store"] = "ok"
		} else {
			metrics.HealthProbeTotal.WithLabelValues("store", "error").Inc()
			details["store"] = "unreachable"
			healthy = false
			logger.Warn("deep health probe: store unreachable")
		}
	}

	if h.broker != nil {
		ok := h.broker.IsHealthy()
		checks["publisher"] = ok
		checks["consumer"] = ok
		if ok {
			metrics.HealthProbeTotal.WithLabelValues("broker", "ok").Inc()
			details["broker"] = "ok"
		} else {
			metrics.HealthProbeTotal.WithLabelValues("broker", "error").Inc()
			details["broker"] = "disconnected"
			healthy = false
			logger.Warn("deep health probe: broker disconnected")
		}
	}

	checks["orchestrator"] = true
	return healthy, checks, details
}
