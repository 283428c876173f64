package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/helixgate/gateway/internal/metrics"
)

// Metrics records request counts and latencies into sink, grounded on
// infrastructure/middleware/metrics.go's MetricsMiddleware.
func Metrics(sink metrics.Sink) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)

			route := r.URL.Path
			sink.IncRequests(route, strconv.Itoa(rec.status))
			sink.ObserveRequestDuration(route, time.Since(start))
		})
	}
}
