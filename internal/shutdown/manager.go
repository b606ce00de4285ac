// Package shutdown implements the per-process graceful-shutdown state
// machine (C4): signal handling, LIFO cleanup callbacks, and the
// fast-cleanup path a second signal takes so an impatient operator cannot
// lose in-flight writes by forcing a hard exit.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// State is a position in the shutdown state machine:
// not_started -> initiated -> in_progress -> completed.
type State int32

const (
	NotStarted State = iota
	Initiated
	InProgress
	Completed
)

func (s State) String() string {
	switch s {
	case Initiated:
		return "initiated"
	case InProgress:
		return "in_progress"
	case Completed:
		return "completed"
	default:
		return "not_started"
	}
}

// fastCleanupDeadline bounds the second-signal cleanup path, per spec.md
// §4.4's "5 s hard wait-for".
const fastCleanupDeadline = 5 * time.Second

// Manager is the per-process shutdown singleton. Construct one per process
// and share it with every component that needs to observe or participate
// in shutdown.
type Manager struct {
	timeout time.Duration
	logger  *zap.Logger

	mu          sync.Mutex
	state       State
	callbacks   []func(context.Context) error
	done        chan struct{}
	doneClosed  bool
	signalCount int
	handlersSet bool
	sigCh       chan os.Signal
}

// New constructs a Manager. shutdownTimeout must fall in [1s, 300s]
// (spec.md §4.4); an out-of-range value is a fatal configuration error
// reported here rather than panicking at some later call site.
func New(shutdownTimeout time.Duration, logger *zap.Logger) (*Manager, error) {
	if shutdownTimeout < time.Second || shutdownTimeout > 300*time.Second {
		return nil, fmt.Errorf("shutdown: shutdown_timeout %s out of range [1s, 300s]", shutdownTimeout)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		timeout: shutdownTimeout,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Timeout returns the configured shutdown_timeout, used by C5's
// per-message handler deadline.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// SetupSignalHandlers installs SIGINT/SIGTERM handling. It is idempotent:
// calling it more than once leaves the existing handler in place
// (not_started -> not_started per spec.md §4.4's state diagram).
func (m *Manager) SetupSignalHandlers() {
	m.mu.Lock()
	if m.handlersSet {
		m.mu.Unlock()
		return
	}
	m.handlersSet = true
	m.sigCh = make(chan os.Signal, 2)
	m.mu.Unlock()

	signal.Notify(m.sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		for sig := range m.sigCh {
			m.handleSignal(sig)
		}
	}()
}

func (m *Manager) handleSignal(sig os.Signal) {
	m.mu.Lock()
	m.signalCount++
	count := m.signalCount
	m.mu.Unlock()

	if count == 1 {
		m.logger.Info("shutdown: signal received, initiating graceful shutdown", zap.String("signal", sig.String()))
		m.RequestShutdown()
		return
	}

	m.logger.Warn("shutdown: second signal received, forcing fast cleanup", zap.String("signal", sig.String()))
	m.fastCleanup()
}

// fastCleanup runs ExecuteCleanup under a hard deadline and exits the
// process non-zero if it errors or times out — the mitigation for the
// naive second-signal hard exit that could lose in-flight writes.
func (m *Manager) fastCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), fastCleanupDeadline)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- m.ExecuteCleanup(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			m.logger.Error("shutdown: fast cleanup failed", zap.Error(err))
			os.Exit(1)
		}
		os.Exit(0)
	case <-ctx.Done():
		m.logger.Error("shutdown: fast cleanup timed out")
		os.Exit(1)
	}
}

// IsShutdownRequested is a non-blocking snapshot of whether shutdown has
// been requested (state is initiated or later).
func (m *Manager) IsShutdownRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != NotStarted
}

// State returns the current shutdown state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RequestShutdown is the programmatic trigger equivalent to a first
// signal. It is idempotent beyond the first call.
func (m *Manager) RequestShutdown() {
	m.mu.Lock()
	if m.state != NotStarted {
		m.mu.Unlock()
		return
	}
	m.state = Initiated
	if !m.doneClosed {
		close(m.done)
		m.doneClosed = true
	}
	m.mu.Unlock()
}

// RegisterCleanupCallback registers fn to run during ExecuteCleanup.
// Callbacks run in LIFO order: the most recently registered cleanup runs
// first, mirroring resource-acquisition order (spec.md §4.4, §4.5
// "Cleanup order").
func (m *Manager) RegisterCleanupCallback(fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// ExecuteCleanup runs every registered callback in LIFO order. A callback
// that returns an error or panics does not stop the remaining callbacks
// from running; all errors are logged and the first one is returned.
// ExecuteCleanup transitions the state to completed once every callback
// has run.
func (m *Manager) ExecuteCleanup(ctx context.Context) error {
	m.mu.Lock()
	m.state = InProgress
	callbacks := make([]func(context.Context) error, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	var firstErr error
	for i := len(callbacks) - 1; i >= 0; i-- {
		if err := m.runCallback(ctx, callbacks[i]); err != nil {
			m.logger.Error("shutdown: cleanup callback failed", zap.Int("index", i), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	m.mu.Lock()
	m.state = Completed
	m.mu.Unlock()
	m.logger.Info("shutdown: cleanup complete")
	return firstErr
}

func (m *Manager) runCallback(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("shutdown: cleanup callback panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// WaitForShutdown blocks until shutdown has been requested or ctx is
// cancelled, whichever comes first.
func (m *Manager) WaitForShutdown(ctx context.Context) {
	select {
	case <-m.done:
	case <-ctx.Done():
	}
}

// Done returns a channel closed once shutdown has been requested, for
// callers that want to select on it directly (internal/runtime's consume
// loop).
func (m *Manager) Done() <-chan struct{} {
	return m.done
}
