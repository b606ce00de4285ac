// Package retry implements the exponential-backoff retry primitive, the
// transient-error classifier, and the single-flight reconnect guard shared
// by the broker and store clients.
package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrRetryExhausted wraps the last error observed after Config.MaxAttempts
// transient failures.
type ErrRetryExhausted struct {
	Attempts int
	Last     error
}

func (e *ErrRetryExhausted) Error() string {
	return fmt.Sprintf("retry: exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ErrRetryExhausted) Unwrap() error { return e.Last }

// Config parameterizes the backoff schedule described in spec.md §4.1.
type Config struct {
	// InitialDelay is D0, the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay is D_max, the ceiling every computed delay is capped at.
	MaxDelay time.Duration
	// MaxAttempts is N_max, the number of attempts (including the first)
	// before Retry gives up and returns ErrRetryExhausted.
	MaxAttempts int
	// EscalatorThreshold is the number of consecutive failures that must be
	// exceeded before the escalator doubles the computed delay, counting
	// the in-flight attempt itself. Zero means the default of 4: three
	// prior failures plus the attempt currently being scheduled, since
	// every real caller feeds consecutiveFail in lockstep with attempt
	// (the attempt about to run is already reflected in the count).
	EscalatorThreshold int
}

func (c Config) threshold() int {
	if c.EscalatorThreshold <= 0 {
		return 4
	}
	return c.EscalatorThreshold
}

// NextDelay computes the per-attempt delay for a 1-indexed attempt number,
// given how many consecutive failures have been observed so far, inclusive
// of the attempt this delay is for (also 1-indexed on the first failure).
// It implements min(D0 * 2^(attempt-1), Dmax), then doubles that value
// (capped again at Dmax) once consecutiveFail exceeds the escalator
// threshold.
//
// For D0=3s, Dmax=30s this produces 3, 6, 12, 24, 30, 30, ... matching the
// sequence in spec.md §8 invariant 8 — the escalator's first possible
// trigger point (the 5th attempt) falls after the cap is already reached,
// so it never visibly fires in that worked example.
func (c Config) NextDelay(attempt, consecutiveFail int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(c.InitialDelay)
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= float64(c.MaxDelay) {
			base = float64(c.MaxDelay)
			break
		}
	}
	delay := time.Duration(base)
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}

	if consecutiveFail > c.threshold() {
		delay *= 2
		if delay > c.MaxDelay {
			delay = c.MaxDelay
		}
	}
	return delay
}

// zeroJitterBackOff adapts Config.NextDelay to cenkalti/backoff's BackOff
// interface. The spec explicitly forbids jitter ("if added later it must be
// deterministic in tests"), so this intentionally does not use
// backoff.ExponentialBackOff, whose RandomizationFactor is non-deterministic
// by default; cenkalti/backoff still drives the retry loop itself (attempt
// budget, context cancellation, Permanent-error short-circuit) around this
// deterministic schedule.
//
// attempt and consecutiveFail move in lockstep for a continuous retry
// run (every attempt so far has failed, including the one this delay is
// being computed for), so a single counter feeds both of NextDelay's
// parameters. Config.threshold's default accounts for that inclusive
// counting.
type zeroJitterBackOff struct {
	cfg     Config
	attempt int
}

func (b *zeroJitterBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt >= b.cfg.MaxAttempts {
		return backoff.Stop
	}
	return b.cfg.NextDelay(b.attempt, b.attempt)
}

func (b *zeroJitterBackOff) Reset() {
	b.attempt = 0
}

// TransientFn classifies an error as retryable (true) or fatal (false).
type TransientFn func(error) bool

// Retry runs op, retrying failures that transient classifies as retryable
// under the Config schedule. Fatal errors (transient returns false)
// propagate immediately without consuming a retry attempt. After
// cfg.MaxAttempts transient failures, Retry returns an *ErrRetryExhausted
// wrapping the last error.
func Retry(ctx context.Context, cfg Config, transient TransientFn, op func() error) error {
	if transient == nil {
		transient = DefaultTransient
	}

	bo := &zeroJitterBackOff{cfg: cfg}
	wrapped := backoff.WithContext(bo, ctx)

	attempts := 0
	fatal := false
	var lastErr error

	operation := func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if !transient(err) {
			fatal = true
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation, wrapped)
	if err == nil {
		return nil
	}

	// backoff.Retry unwraps a PermanentError itself, so a fatal error comes
	// back as op's own error; the flag identifies that case.
	if fatal {
		return lastErr
	}

	return &ErrRetryExhausted{Attempts: attempts, Last: lastErr}
}

// SingleFlight ensures that concurrent callers who observe a broken
// connection do not each start an independent reconnect: the first caller
// runs fn while holding the lock; later arrivals block on the same lock and,
// once it releases, simply see the connection already restored (the caller
// re-checks health after SingleFlight.Do returns, per the
// ensure_connected()/double-check pattern in spec.md §4.3).
type SingleFlight struct {
	mu sync.Mutex
}

// Do runs fn under the single-flight mutex. If another goroutine is already
// running fn, this call blocks until it finishes and then returns nil
// without running fn again — the caller is expected to re-check whatever
// condition fn was meant to fix (e.g. IsHealthy) after Do returns.
func (s *SingleFlight) Do(fn func() error) error {
	if !s.mu.TryLock() {
		s.mu.Lock()
		s.mu.Unlock()
		return nil
	}
	defer s.mu.Unlock()
	return fn()
}
