package health

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"
const loggerContextKey = "health.logger"

// requestID tags every health probe with a correlation id, generating one
// when the caller doesn't supply it, and binds a logger carrying that id
// into the gin context. A flaky deep probe is exactly the kind of failure
// an operator needs to correlate against the broker/store reconnect logs
// it triggers, so the id follows the request into probe()'s warnings
// rather than just echoing back in the response header.
func requestID(base *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			generated, _ := uuid.NewV7()
			id = generated.String()
		}
		c.Set(loggerContextKey, base.With(zap.String("request_id", id)))
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// requestLogger retrieves the per-request logger requestID attached to c,
// falling back to a no-op logger for callers (tests, mainly) that invoke
// probe() without the middleware installed.
func requestLogger(c *gin.Context) *zap.Logger {
	if v, ok := c.Get(loggerContextKey); ok {
		if logger, ok := v.(*zap.Logger); ok {
			return logger
		}
	}
	return zap.NewNop()
}
