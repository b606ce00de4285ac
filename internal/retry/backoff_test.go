package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/subtitlework/pipeline-core/internal/retry"
)

func TestNextDelay_Sequence(t *testing.T) {
	cfg := retry.Config{
		InitialDelay: 3 * time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  10,
	}

	want := []time.Duration{
		3 * time.Second,
		6 * time.Second,
		12 * time.Second,
		24 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}

	for i, w := range want {
		attempt := i + 1
		got := cfg.NextDelay(attempt, attempt)
		if got != w {
			t.Errorf("attempt %d: got %v, want %v", attempt, got, w)
		}
	}
}

func TestNextDelay_EscalatorDoublesAfterThreshold(t *testing.T) {
	cfg := retry.Config{
		InitialDelay:       1 * time.Second,
		MaxDelay:           1 * time.Hour,
		MaxAttempts:        10,
		EscalatorThreshold: 3,
	}

	// attempt=1, consecutiveFail=4 (caller-supplied failure streak exceeds
	// threshold independently of attempt count): base = 1s, escalated = 2s.
	got := cfg.NextDelay(1, 4)
	if got != 2*time.Second {
		t.Errorf("got %v, want 2s", got)
	}

	// consecutiveFail at the threshold itself must not escalate.
	got = cfg.NextDelay(1, 3)
	if got != 1*time.Second {
		t.Errorf("got %v, want 1s (no escalation at threshold)", got)
	}
}

func TestRetry_SucceedsWithoutRetrying(t *testing.T) {
	cfg := retry.Config{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 3}
	calls := 0
	err := retry.Retry(context.Background(), cfg, retry.DefaultTransient, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_FatalErrorPropagatesImmediately(t *testing.T) {
	cfg := retry.Config{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 5}
	fatal := errors.New("validation failed")
	calls := 0
	err := retry.Retry(context.Background(), cfg, retry.DefaultTransient, func() error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error to propagate, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call for a fatal error, got %d", calls)
	}
}

func TestRetry_ExhaustsAfterMaxAttempts(t *testing.T) {
	cfg := retry.Config{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 3}
	transientErr := errors.New("connection refused")
	calls := 0
	err := retry.Retry(context.Background(), cfg, retry.DefaultTransient, func() error {
		calls++
		return transientErr
	})

	var exhausted *retry.ErrRetryExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}
	if calls != cfg.MaxAttempts {
		t.Errorf("expected %d calls, got %d", cfg.MaxAttempts, calls)
	}
	if !errors.Is(err, transientErr) {
		t.Errorf("expected wrapped transient error, got %v", err)
	}
}

func TestSingleFlight_ConcurrentCallersRunOnce(t *testing.T) {
	var sf retry.SingleFlight
	var runs int
	release := make(chan struct{})
	started := make(chan struct{})

	done := make(chan struct{})
	go func() {
		_ = sf.Do(func() error {
			runs++
			close(started)
			<-release
			return nil
		})
		close(done)
	}()

	<-started

	// A concurrent caller observes the in-flight attempt and must not run
	// fn itself.
	waiterDone := make(chan struct{})
	go func() {
		_ = sf.Do(func() error {
			runs++
			return nil
		})
		close(waiterDone)
	}()

	// Give the waiter time to reach Do while the first call still holds
	// the lock.
	time.Sleep(50 * time.Millisecond)
	close(release)
	<-done
	<-waiterDone

	if runs != 1 {
		t.Errorf("expected fn to run exactly once under single-flight, got %d", runs)
	}
}
