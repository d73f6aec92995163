package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ingest"

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	chunkBytesTotal    *prometheus.CounterVec
	chunksTotal        *prometheus.CounterVec
	assembliesTotal    *prometheus.CounterVec
	archivesAccepted   *prometheus.CounterVec
	progressPollsTotal *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	chunkBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "chunk_bytes_total",
			Help:      "Bytes received in accepted chunks.",
		},
		[]string{"service"},
	)
	chunksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "chunks_total",
			Help:      "Chunk uploads by outcome.",
		},
		[]string{"service", "status"},
	)
	assembliesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "assemblies_total",
			Help:      "Upload assemblies by outcome.",
		},
		[]string{"service", "status"},
	)
	archivesAccepted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "jobs_accepted_total",
			Help:      "Archive jobs accepted for background processing.",
		},
		[]string{"service"},
	)
	progressPollsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "polls_total",
			Help:      "Progress polls by reported status.",
		},
		[]string{"service", "status"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		chunkBytesTotal,
		chunksTotal,
		assembliesTotal,
		archivesAccepted,
		progressPollsTotal,
	)

	return &HTTPServerMetrics{
		registry:           registry,
		requestTotal:       requestTotal,
		requestDuration:    requestDuration,
		requestInFlight:    requestInFlight,
		chunkBytesTotal:    chunkBytesTotal,
		chunksTotal:        chunksTotal,
		assembliesTotal:    assembliesTotal,
		archivesAccepted:   archivesAccepted,
		progressPollsTotal: progressPollsTotal,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath folds ids out of the path so label cardinality stays bounded.
func normalizePath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "uploads":
		parts[2] = "{session_id}"
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "series":
		parts[2] = "{series_id}"
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "chapters":
		parts[2] = "{chapter_id}"
	default:
		return path
	}
	return "/" + strings.Join(parts, "/")
}

func (m *HTTPServerMetrics) RecordChunk(service string, size int64, err error) {
	m.chunksTotal.WithLabelValues(service, outcome(err)).Inc()
	if err == nil && size > 0 {
		m.chunkBytesTotal.WithLabelValues(service).Add(float64(size))
	}
}

func (m *HTTPServerMetrics) RecordAssembly(service string, err error) {
	m.assembliesTotal.WithLabelValues(service, outcome(err)).Inc()
}

func (m *HTTPServerMetrics) RecordArchivesAccepted(service string, n int) {
	if n <= 0 {
		return
	}
	m.archivesAccepted.WithLabelValues(service).Add(float64(n))
}

func (m *HTTPServerMetrics) RecordProgressPoll(service, status string) {
	if status == "" {
		status = "unknown"
	}
	m.progressPollsTotal.WithLabelValues(service, status).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
