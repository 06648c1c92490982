// internal/api/middleware.go
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/servitorhq/servitor/pkg/logging"
	"github.com/servitorhq/servitor/pkg/metrics"
)

// MetricsMiddleware creates middleware that records request metrics.
func MetricsMiddleware(collector *metrics.Metrics, serviceName string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			collector.IncRequestsInFlight(serviceName)
			defer collector.DecRequestsInFlight(serviceName)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			collector.RecordRequest(serviceName, r.Method, r.URL.Path, status, time.Since(start))
		})
	}
}

// LoggingMiddleware creates middleware that logs requests using structured
// logging. The completion line's level tracks the response status.
func LoggingMiddleware(logger *logging.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			requestID := middleware.GetReqID(r.Context())

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			args := []interface{}{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", requestID,
			}

			switch {
			case status >= 500:
				logger.Error("request completed with server error", args...)
			case status >= 400:
				logger.Warn("request completed with client error", args...)
			default:
				logger.Info("request completed", args...)
			}
		})
	}
}

// RecovererWithMetrics recovers from handler panics, logs them, and counts
// them as error metrics.
func RecovererWithMetrics(logger *logging.Logger, collector *metrics.Metrics, serviceName string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						"error", rvr,
						"method", r.Method,
						"path", r.URL.Path,
						"request_id", middleware.GetReqID(r.Context()),
					)

					collector.RecordError(serviceName, "panic", "PANIC")

					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
