package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/subtitlework/pipeline-core/internal/broker"
	"github.com/subtitlework/pipeline-core/internal/shutdown"
)

func testDelivery() (*broker.Delivery, *int32, *int32) {
	var acked, nacked int32
	return &broker.Delivery{
		RoutingKey: "subtitle.ready",
		Body:       []byte(`{}`),
		Ack: func() error {
			atomic.AddInt32(&acked, 1)
			return nil
		},
		Nack: func(requeue bool) error {
			atomic.AddInt32(&nacked, 1)
			return nil
		},
	}, &acked, &nacked
}

func testRuntime(t *testing.T, handler Handler) *Runtime {
	t.Helper()
	sm, err := shutdown.New(time.Second, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return &Runtime{
		cfg:      Config{Queue: "test-queue", HealthInterval: time.Hour},
		shutdown: sm,
		handler:  handler,
		logger:   zap.NewNop(),
	}
}

func TestHandleDelivery_AcksOnSuccess(t *testing.T) {
	d, acked, nacked := testDelivery()
	r := testRuntime(t, func(ctx context.Context, d *broker.Delivery) error { return nil })

	r.handleDelivery(context.Background(), d)

	if atomic.LoadInt32(acked) != 1 {
		t.Errorf("expected ack, got acked=%d nacked=%d", *acked, *nacked)
	}
}

func TestHandleDelivery_NacksWithRequeueOnHandlerError(t *testing.T) {
	d, acked, nacked := testDelivery()
	r := testRuntime(t, func(ctx context.Context, d *broker.Delivery) error { return errors.New("boom") })

	r.handleDelivery(context.Background(), d)

	if atomic.LoadInt32(nacked) != 1 || atomic.LoadInt32(acked) != 0 {
		t.Errorf("expected nack only, got acked=%d nacked=%d", *acked, *nacked)
	}
}

func TestHandleDelivery_NacksOnHandlerTimeout(t *testing.T) {
	d, acked, nacked := testDelivery()
	sm, err := shutdown.New(time.Second, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	r := &Runtime{
		cfg:      Config{Queue: "test-queue", HealthInterval: time.Hour},
		shutdown: sm,
		handler: func(ctx context.Context, d *broker.Delivery) error {
			<-ctx.Done()
			return ctx.Err()
		},
		logger: zap.NewNop(),
	}

	r.handleDelivery(context.Background(), d)

	if atomic.LoadInt32(nacked) != 1 || atomic.LoadInt32(acked) != 0 {
		t.Errorf("expected nack on timeout, got acked=%d nacked=%d", *acked, *nacked)
	}
}

func TestHandleDelivery_NacksImmediatelyWhenShutdownAlreadyRequested(t *testing.T) {
	handlerCalled := false
	d, acked, nacked := testDelivery()
	r := testRuntime(t, func(ctx context.Context, d *broker.Delivery) error {
		handlerCalled = true
		return nil
	})
	r.shutdown.RequestShutdown()

	r.handleDelivery(context.Background(), d)

	if handlerCalled {
		t.Error("expected handler not to be invoked once shutdown was requested")
	}
	if atomic.LoadInt32(nacked) != 1 || atomic.LoadInt32(acked) != 0 {
		t.Errorf("expected nack-requeue without invoking handler, got acked=%d nacked=%d", *acked, *nacked)
	}
}

func TestHandleDelivery_RecoversPanickingHandler(t *testing.T) {
	d, acked, nacked := testDelivery()
	r := testRuntime(t, func(ctx context.Context, d *broker.Delivery) error {
		panic("handler exploded")
	})

	r.handleDelivery(context.Background(), d)

	if atomic.LoadInt32(nacked) != 1 || atomic.LoadInt32(acked) != 0 {
		t.Errorf("expected nack after recovered panic, got acked=%d nacked=%d", *acked, *nacked)
	}
}

func TestNew_DefaultsHealthInterval(t *testing.T) {
	sm, err := shutdown.New(time.Second, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	r := New(Config{Queue: "q"}, nil, nil, sm, nil, nil)
	if r.cfg.HealthInterval != DefaultHealthInterval {
		t.Errorf("expected default health interval %v, got %v", DefaultHealthInterval, r.cfg.HealthInterval)
	}
}
