package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "http_requests_total",
	Help: "Total number of HTTP requests labelled by path and status",
}, []string{"path", "status"})

var searchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "search_requests_total",
	Help: "Search requests labelled by mode and outcome",
}, []string{"mode", "outcome"})

var searchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "search_duration_seconds",
	Help:    "End-to-end search latency per mode.",
	Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2, 5},
}, []string{"mode"})

var searchDegradedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "search_degraded_total",
	Help: "Searches that served degraded results, labelled by reason",
}, []string{"reason"})

var ingestStageTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_stage_total",
	Help: "Pipeline stage executions labelled by stage and outcome",
}, []string{"stage", "outcome"})

var ingestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "ingest_duration_seconds",
	Help:    "Wall-clock time to ingest a single source version.",
	Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
})

var embeddedChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "embedded_chunks_total",
	Help: "Chunks successfully embedded",
})

var embedBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "embed_batch_duration_seconds",
	Help:    "Latency of one embedding provider batch call.",
	Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 30},
})

var ingestInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ingest_in_flight",
	Help: "Ingestion runs currently executing",
})

var queryCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "query_embedding_cache_total",
	Help: "Query embedding cache lookups labelled by result",
}, []string{"result"})

func ObserveSearch(mode, outcome string, elapsed time.Duration) {
	searchRequestsTotal.WithLabelValues(mode, outcome).Inc()
	searchDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

func SearchDegraded(reason string) {
	searchDegradedTotal.WithLabelValues(reason).Inc()
}

func IngestStage(stage, outcome string) {
	ingestStageTotal.WithLabelValues(stage, outcome).Inc()
}

func IngestStarted()  { ingestInFlight.Inc() }
func IngestFinished() { ingestInFlight.Dec() }

func ObserveIngest(elapsed time.Duration) {
	ingestDuration.Observe(elapsed.Seconds())
}

func ObserveEmbedBatch(elapsed time.Duration, chunks int) {
	embedBatchDuration.Observe(elapsed.Seconds())
	embeddedChunksTotal.Add(float64(chunks))
}

func CacheHit()  { queryCacheHits.WithLabelValues("hit").Inc() }
func CacheMiss() { queryCacheHits.WithLabelValues("miss").Inc() }

// HTTPStatusRecorder captures the status code a handler writes so request
// metrics can be labelled with it.
type HTTPStatusRecorder struct {
	http.ResponseWriter
	Status int
}

func (r *HTTPStatusRecorder) WriteHeader(code int) {
	r.Status = code
	r.ResponseWriter.WriteHeader(code)
}
