package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

const TraceIDHeader = "X-Trace-ID"
const TraceParentHeader = "traceparent"

// quietPaths are hit constantly by health checks and only logged on failure.
var quietPaths = map[string]struct{}{
	"/health":  {},
	"/ready":   {},
	"/metrics": {},
}

// GetTraceID returns the active span's trace id, then the W3C traceparent,
// then X-Trace-ID, generating one as a last resort.
func GetTraceID(c *gin.Context) string {
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		return sc.TraceID().String()
	}

	// traceparent: version-trace_id-parent_id-flags
	if parts := strings.Split(c.GetHeader(TraceParentHeader), "-"); len(parts) == 4 && len(parts[1]) == 32 {
		return parts[1]
	}

	if traceID := c.GetHeader(TraceIDHeader); traceID != "" {
		return traceID
	}

	return generateTraceID()
}

func generateTraceID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// LoggingMiddleware injects a trace-scoped zerolog logger into the request
// context and logs one line per request. The query string is never logged
// because it carries authorization codes and session ids.
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		traceID := GetTraceID(c)
		c.Set("trace_id", traceID)

		logger := log.With().Str("trace_id", traceID).Logger()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))
		c.Header(TraceIDHeader, traceID)

		c.Next()

		status := c.Writer.Status()
		if _, quiet := quietPaths[path]; quiet && status < 400 {
			return
		}

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		default:
			event = logger.Info()
		}

		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}

		event.
			Str("method", method).
			Str("path", path).
			Str("route", c.FullPath()).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Msg("HTTP request")
	}
}
