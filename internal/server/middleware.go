package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/reelstore/reelstore/internal/metrics"
)

// commonHeaders sets X-Request-Id and Server on every response. It must run
// after middleware.RequestID.
func commonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set("X-Request-Id", id)
		}
		w.Header().Set("Server", "ReelStore")
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request count, duration, request size, and
// response size. The /metrics endpoint is not instrumented.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := metrics.NormalizePath(r.URL.Path)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		if r.ContentLength > 0 {
			metrics.HTTPRequestSize.WithLabelValues(r.Method, path).Observe(float64(r.ContentLength))
		}
		if n := ww.BytesWritten(); n > 0 {
			metrics.HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(n))
		}
	})
}
