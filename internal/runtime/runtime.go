// Package runtime wires the broker client (C2), job store client (C3), and
// shutdown manager (C4) into a consume loop: connection-tolerant startup,
// a select over one queue's delivery channel and the shutdown channel, so
// the shutdown flag is observed while idle as well as between messages,
// and LIFO cleanup. The loop does not poll with a timeout.
package runtime

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/subtitlework/pipeline-core/internal/broker"
	"github.com/subtitlework/pipeline-core/internal/metrics"
	"github.com/subtitlework/pipeline-core/internal/shutdown"
	"github.com/subtitlework/pipeline-core/internal/store"
)

var errHandlerPanicked = errors.New("runtime: handler panicked")

// Named loop timing defaults. EmptyQueueSleep is the pause Run takes after
// a failed reconnect or Consume; DefaultHealthInterval is the health-probe
// ticker default. PollTimeout is exported but not used by Run or drain.
const (
	PollTimeout           = 1 * time.Second
	EmptyQueueSleep       = 100 * time.Millisecond
	DefaultHealthInterval = 30 * time.Second
)

// Handler processes one delivery. Returning a non-nil error causes the
// runtime to nack-requeue the message; returning nil acks it. Handler is
// the seam every cmd/ entry point installs its domain-specific logic
// through (subtitle parsing, translation calls, etc. stay external).
type Handler func(ctx context.Context, d *broker.Delivery) error

// Config parameterizes a Runtime's consume loop.
type Config struct {
	Queue          string
	Bindings       []string
	QueueOptions   broker.QueueOptions
	HealthInterval time.Duration
}

// Runtime is the glue component described in spec.md §4.5: one queue, one
// handler, one broker client, one store client, one shutdown manager.
type Runtime struct {
	cfg      Config
	broker   *broker.Client
	store    *store.Client
	shutdown *shutdown.Manager
	handler  Handler
	logger   *zap.Logger
}

// New constructs a Runtime. It does not connect anything; call Start.
func New(cfg Config, b *broker.Client, s *store.Client, sm *shutdown.Manager, handler Handler, logger *zap.Logger) *Runtime {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{cfg: cfg, broker: b, store: s, shutdown: sm, handler: handler, logger: logger}
}

// Store returns the runtime's store client, for cmd/ entry points that
// need it for their handler closures.
func (r *Runtime) Store() *store.Client { return r.store }

// Broker returns the runtime's broker client, for cmd/ entry points that
// publish from within their handler.
func (r *Runtime) Broker() *broker.Client { return r.broker }

// Start performs the connection-tolerant startup sequence from spec.md
// §4.5: install signal handlers, attempt store then broker connect
// (logging and continuing on failure rather than aborting the process),
// declare the runtime's queue, and register LIFO cleanup.
func (r *Runtime) Start(ctx context.Context) {
	r.shutdown.SetupSignalHandlers()

	if err := r.store.Connect(ctx); err != nil {
		r.logger.Warn("runtime startup: store connect failed, continuing in degraded mode", zap.Error(err))
	}
	if err := r.broker.Connect(ctx); err != nil {
		r.logger.Warn("runtime startup: broker connect failed, continuing in degraded mode", zap.Error(err))
	} else if err := r.broker.DeclareQueue(r.cfg.Queue, r.cfg.Bindings, r.cfg.QueueOptions); err != nil {
		r.logger.Warn("runtime startup: declare queue failed", zap.String("queue", r.cfg.Queue), zap.Error(err))
	}

	r.shutdown.RegisterCleanupCallback(func(context.Context) error { return r.broker.Close() })
	r.shutdown.RegisterCleanupCallback(func(context.Context) error { return r.store.Close() })
}

// Run drives the consume loop until shutdown is requested or ctx is
// cancelled. Each outer iteration ensures the broker connection is healthy
// (reconnecting under backoff if not) and then drains deliveries until the
// delivery channel closes (connection lost, handled by reconnecting in the
// next outer iteration) or shutdown fires.
func (r *Runtime) Run(ctx context.Context) {
	for {
		select {
		case <-r.shutdown.Done():
			return
		case <-ctx.Done():
			return
		default:
		}

		if !r.broker.IsHealthy() {
			if !r.broker.EnsureConnected(ctx) {
				time.Sleep(EmptyQueueSleep)
				continue
			}
			if err := r.broker.DeclareQueue(r.cfg.Queue, r.cfg.Bindings, r.cfg.QueueOptions); err != nil {
				r.logger.Warn("runtime: redeclare queue after reconnect failed", zap.Error(err))
			}
		}

		deliveries, err := r.broker.Consume(ctx, r.cfg.Queue)
		if err != nil {
			r.logger.Warn("runtime: consume failed, retrying", zap.String("queue", r.cfg.Queue), zap.Error(err))
			time.Sleep(EmptyQueueSleep)
			continue
		}

		r.drain(ctx, deliveries)
	}
}

// drain reads from deliveries until it closes (connection lost — the outer
// Run loop reconnects) or shutdown/ctx fires. It polls health on a ticker
// rather than per-message so a slow consumer doesn't starve the probe.
func (r *Runtime) drain(ctx context.Context, deliveries <-chan *broker.Delivery) {
	ticker := time.NewTicker(r.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.shutdown.Done():
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.shutdown.IsShutdownRequested() {
				continue
			}
			if !r.store.IsHealthy() || !r.broker.IsHealthy() {
				r.logger.Warn("runtime: health probe failed mid-consumption, reconnecting")
				return
			}
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			r.handleDelivery(ctx, d)
		}
	}
}

// handleDelivery runs the handler under the shutdown manager's
// shutdown_timeout, nacking with requeue on error or timeout and acking on
// success. A delivery that arrives after shutdown was already requested is
// nacked-requeued immediately without invoking the handler (spec.md §4.5:
// "if shutdown.requested: nack_requeue(msg); break").
func (r *Runtime) handleDelivery(ctx context.Context, d *broker.Delivery) {
	if r.shutdown.IsShutdownRequested() {
		if err := d.Nack(true); err != nil {
			r.logger.Warn("runtime: nack on shutdown failed", zap.Error(err))
		}
		return
	}

	metrics.InFlightMessages.WithLabelValues(r.cfg.Queue).Inc()
	defer metrics.InFlightMessages.WithLabelValues(r.cfg.Queue).Dec()

	hctx, cancel := context.WithTimeout(ctx, r.shutdown.Timeout())
	defer cancel()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("runtime: handler panicked", zap.Any("panic", rec))
				errCh <- errHandlerPanicked
			}
		}()
		errCh <- r.handler(hctx, d)
	}()

	select {
	case err := <-errCh:
		elapsed := time.Since(start).Seconds()
		if err != nil {
			metrics.HandlerDuration.WithLabelValues(r.cfg.Queue, "error").Observe(elapsed)
			r.logger.Warn("runtime: handler failed, nacking with requeue", zap.String("routing_key", d.RoutingKey), zap.Error(err))
			if nackErr := d.Nack(true); nackErr != nil {
				r.logger.Warn("runtime: nack failed", zap.Error(nackErr))
			}
			return
		}
		metrics.HandlerDuration.WithLabelValues(r.cfg.Queue, "success").Observe(elapsed)
		if ackErr := d.Ack(); ackErr != nil {
			r.logger.Warn("runtime: ack failed", zap.Error(ackErr))
		}
	case <-hctx.Done():
		metrics.HandlerDuration.WithLabelValues(r.cfg.Queue, "timeout").Observe(time.Since(start).Seconds())
		r.logger.Warn("runtime: handler exceeded shutdown_timeout, nacking with requeue", zap.String("routing_key", d.RoutingKey))
		if nackErr := d.Nack(true); nackErr != nil {
			r.logger.Warn("runtime: nack after timeout failed", zap.Error(nackErr))
		}
	}
}
