package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"samgpt/internal/ident"
	"samgpt/internal/logging"
	"samgpt/internal/observability"
)

// RequestIDMiddleware stamps every request with ids the rest of the stack
// logs and traces against. An X-Request-ID supplied by the UI is honored so
// it can correlate API calls with event stream frames.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = ident.NewRequestID()
		}

		ctx := observability.ContextWithRequestID(c.Request.Context(), requestID)
		ctx = observability.ContextWithTraceID(ctx, ident.NewTraceID())
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// ObservabilityMiddleware instruments requests with tracing, metrics and
// latency logging. With neither configured it collapses to a passthrough.
func ObservabilityMiddleware(obs *observability.Observability, latencyLogger logging.Logger) gin.HandlerFunc {
	hasLatencyLogger := !logging.IsNil(latencyLogger)
	latencyLogger = logging.OrNop(latencyLogger)

	return func(c *gin.Context) {
		if obs == nil && !hasLatencyLogger {
			c.Next()
			return
		}

		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		if obs != nil && obs.Tracer != nil {
			spanCtx, span := obs.Tracer.StartSpan(c.Request.Context(), observability.SpanHTTPServer,
				attribute.String("http.route", route),
				attribute.String("http.method", c.Request.Method),
			)
			c.Request = c.Request.WithContext(spanCtx)
			defer func() {
				status := c.Writer.Status()
				span.SetAttributes(attribute.Int("http.status_code", status))
				if status >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, http.StatusText(status))
				}
				span.End()
			}()
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		bytes := int64(c.Writer.Size())
		if bytes < 0 {
			bytes = 0
		}
		if obs != nil {
			obs.Metrics.RecordHTTPServerRequest(c.Request.Context(), c.Request.Method, route, status, latency, bytes)
		}
		if hasLatencyLogger {
			latencyLogger.Info(
				"route=%s method=%s status=%d latency_ms=%.2f bytes=%d",
				route,
				c.Request.Method,
				status,
				float64(latency.Microseconds())/1000.0,
				bytes,
			)
		}
	}
}
