package middleware

import (
	"net/http"
	"time"

	"github.com/helixgate/gateway/internal/logging"
)

// statusRecorder captures the status code a handler wrote, since
// http.ResponseWriter doesn't expose it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// RequestLogging stamps a trace ID onto the context (reusing an inbound
// X-Trace-ID header when present) and logs one line per request,
// mirroring infrastructure/middleware/logging.go's LoggingMiddleware.
func RequestLogging(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get("X-Trace-ID")
			if traceID == "" {
				traceID = logging.NewTraceID()
			}
			ctx := logging.WithTraceID(r.Context(), traceID)
			w.Header().Set("X-Trace-ID", traceID)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r.WithContext(ctx))

			logger.WithContext(ctx).WithField("method", r.Method).
				WithField("path", r.URL.Path).
				WithField("status", rec.status).
				WithField("duration_ms", time.Since(start).Milliseconds()).
				Info("http request")
		})
	}
}
