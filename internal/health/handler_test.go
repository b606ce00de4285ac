package health_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/subtitlework/pipeline-core/internal/health"
	"github.com/subtitlework/pipeline-core/internal/retry"
	"github.com/subtitlework/pipeline-core/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestStartup_AlwaysReturns200(t *testing.T) {
	h := health.New(nil, nil, zap.NewNop())
	engine := gin.New()
	handlerFn := h.Register(engine)

	req := httptest.NewRequest(http.MethodGet, "/health/startup", nil)
	rec := httptest.NewRecorder()
	handlerFn.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestDeep_ReportsHealthyWhenStoreReachable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()

	cfg := retry.Config{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 2}
	s := store.NewClient(&redis.Options{Addr: mr.Addr()}, cfg, zap.NewNop())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()

	h := health.New(nil, s, zap.NewNop())
	engine := gin.New()
	handlerFn := h.Register(engine)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handlerFn.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDeep_ReportsUnhealthyWhenStoreUnreachable(t *testing.T) {
	cfg := retry.Config{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 1}
	s := store.NewClient(&redis.Options{Addr: "127.0.0.1:1"}, cfg, zap.NewNop())

	h := health.New(nil, s, zap.NewNop())
	engine := gin.New()
	handlerFn := h.Register(engine)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handlerFn.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestRegister_EchoesOrGeneratesRequestID(t *testing.T) {
	h := health.New(nil, nil, zap.NewNop())
	engine := gin.New()
	handlerFn := h.Register(engine)

	req := httptest.NewRequest(http.MethodGet, "/health/startup", nil)
	req.Header.Set("X-Request-ID", "caller-supplied-id")
	rec := httptest.NewRecorder()
	handlerFn.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "caller-supplied-id" {
		t.Errorf("expected caller-supplied request id to be echoed, got %q", got)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/health/startup", nil)
	rec2 := httptest.NewRecorder()
	handlerFn.ServeHTTP(rec2, req2)

	if got := rec2.Header().Get("X-Request-ID"); got == "" {
		t.Error("expected a generated request id when caller supplies none")
	}
}

func TestSimple_ReturnsStatusOnly(t *testing.T) {
	h := health.New(nil, nil, zap.NewNop())
	engine := gin.New()
	handlerFn := h.Register(engine)

	req := httptest.NewRequest(http.MethodGet, "/health/simple", nil)
	rec := httptest.NewRecorder()
	handlerFn.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with no dependencies wired, got %d", rec.Code)
	}
}
