package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Streams by terminal outcome: stopped | eof | cancelled | failed | closed.
	StreamsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llama_streams_total",
			Help: "Completion streams by terminal outcome.",
		},
		[]string{"outcome"},
	)

	StreamRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "llama_stream_records_total",
			Help: "Total number of event records decoded from completion streams.",
		},
	)

	// Time from sending the request to the first decoded record: prompt
	// evaluation on the server dominates it.
	TimeToFirstRecordSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "llama_time_to_first_record_seconds",
			Help:    "Latency until the first record of a completion stream.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	StreamDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llama_stream_duration_seconds",
			Help:    "Total duration of completion streams.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llama_breaker_transitions_total",
			Help: "Circuit breaker state changes by target state.",
		},
		[]string{"to"},
	)

	// Counter: how many times we served from exact cache.
	ExactHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exact_hits_total",
			Help: "Total number of exact cache hits.",
		},
	)

	// Histogram: gateway HTTP latency in seconds. For streamed responses
	// this covers the whole stream.
	GatewayLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_latency_seconds",
			Help:    "HTTP request latency for the gateway in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"path", "method", "status_code"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			StreamsTotal,
			StreamRecordsTotal,
			TimeToFirstRecordSeconds,
			StreamDurationSeconds,
			BreakerTransitionsTotal,
			ExactHitsTotal,
			GatewayLatencySeconds,
		)
	})
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures gateway latency for each HTTP request. Paths are
// labelled by chi route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		GatewayLatencySeconds.
			WithLabelValues(path, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.statusCode = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streamed responses flowing through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
