// Package metrics defines the Prometheus metrics exported by ReelStore.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = prometheus.ExponentialBuckets(1024, 4, 12) // 1 KiB .. 4 GiB

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelstore_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reelstore_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reelstore_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reelstore_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Blob engine metrics.
var (
	// UploadsTotal counts finished uploads by outcome ("complete" or "failed").
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelstore_uploads_total",
			Help: "Uploads by outcome",
		},
		[]string{"status"},
	)

	// UploadBytesTotal counts bytes committed by successful uploads.
	UploadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reelstore_upload_bytes_total",
			Help: "Bytes committed by successful uploads",
		},
	)

	// ChunksWrittenTotal counts chunks persisted to the chunk store.
	ChunksWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reelstore_chunks_written_total",
			Help: "Chunks written to the chunk store",
		},
	)

	// ReadsTotal counts opened reads by kind ("full" or "range").
	ReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelstore_reads_total",
			Help: "Reads opened by kind",
		},
		[]string{"kind"},
	)

	// ReadBytesTotal counts bytes delivered to readers.
	ReadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reelstore_read_bytes_total",
			Help: "Bytes delivered by readers",
		},
	)

	// ActiveReaders is the number of open readers holding a lease.
	ActiveReaders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reelstore_active_readers",
			Help: "Open readers holding an object lease",
		},
	)

	// DeferredDeletesTotal counts chunk removals postponed until the last
	// reader of a deleted object closed.
	DeferredDeletesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reelstore_deferred_deletes_total",
			Help: "Chunk removals deferred by open readers",
		},
	)

	// ReapedUploadsTotal counts stale uploads marked failed by the reaper.
	ReapedUploadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reelstore_reaped_uploads_total",
			Help: "Stale uploads reaped",
		},
	)

	// ChunkCacheHits counts chunk reads served from the LRU cache.
	ChunkCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reelstore_chunk_cache_hits_total",
			Help: "Chunk reads served from cache",
		},
	)

	// ChunkCacheMisses counts chunk reads that went to the chunk store.
	ChunkCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reelstore_chunk_cache_misses_total",
			Help: "Chunk reads not served from cache",
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			HTTPResponseSize,
			UploadsTotal,
			UploadBytesTotal,
			ChunksWrittenTotal,
			ReadsTotal,
			ReadBytesTotal,
			ActiveReaders,
			DeferredDeletesTotal,
			ReapedUploadsTotal,
			ChunkCacheHits,
			ChunkCacheMisses,
		)
		// Pre-create label values so the series appear before first use.
		for _, s := range []string{"complete", "failed"} {
			UploadsTotal.WithLabelValues(s)
		}
		for _, k := range []string{"full", "range"} {
			ReadsTotal.WithLabelValues(k)
		}
	})
}

// NormalizePath maps request paths to templates suitable for use as
// Prometheus labels, so object ids never become label values.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/readyz", "/metrics", "/openapi.json", "/openapi.yaml":
		return path
	case "/", "":
		return "/"
	case "/objects", "/objects/":
		return "/objects"
	}

	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}
	if strings.HasPrefix(path, "/openapi") {
		return "/openapi"
	}
	if strings.HasPrefix(path, "/objects/") {
		return "/objects/{id}"
	}
	return "/other"
}
