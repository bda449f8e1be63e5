package logging

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// TraceHeader carries a caller-supplied trace id.
const TraceHeader = "X-Trace-ID"

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// GinMiddleware attaches a request-scoped logger with a trace id to the
// request context and logs completion. Handlers read it back with
// zerolog.Ctx(c.Request.Context()).
func GinMiddleware(base zerolog.Logger) gin.HandlerFunc {
	base = base.With().Str("component", "HTTP").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		traceID := c.GetHeader(TraceHeader)
		if traceID == "" {
			traceID = GenerateTraceID()
		}
		c.Header(TraceHeader, traceID)

		l := base.With().
			Str("trace_id", traceID).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Logger()
		c.Request = c.Request.WithContext(l.WithContext(c.Request.Context()))

		c.Next()

		event := l.Info()
		if status := c.Writer.Status(); status >= 500 {
			event = l.Error()
		} else if status >= 400 {
			event = l.Warn()
		}
		event.
			Int("status_code", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("remote_addr", c.ClientIP()).
			Msg("Request completed")
	}
}
