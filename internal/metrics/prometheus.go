package metrics

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IngestionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contract_ingestion_duration_seconds",
			Help:    "Document ingestion pipeline duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"result"},
	)

	IngestionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contract_ingestion_total",
			Help: "Documents ingested by result and failing stage",
		},
		[]string{"result", "stage"},
	)

	ChunksIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contract_chunks_indexed_total",
			Help: "Total chunks written to the vector index",
		},
	)

	EmbeddingRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contract_embedding_retries_total",
			Help: "Embedding batch attempts that were retried",
		},
	)

	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contract_query_duration_seconds",
			Help:    "Query processing duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"state"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contract_query_total",
			Help: "Total number of queries by final state",
		},
		[]string{"state"},
	)

	RelevanceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "contract_query_top_relevance",
			Help:    "Relevance of the best retrieved chunk per query",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	VectorResultsCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "contract_vector_results_count",
			Help:    "Number of ranked chunks per query",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 20},
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contract_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contract_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	GraphProjectionErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contract_graph_projection_errors_total",
			Help: "Graph projection writes that failed",
		},
	)
)

var initOnce sync.Once

func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(IngestionDuration)
		prometheus.MustRegister(IngestionTotal)
		prometheus.MustRegister(ChunksIndexed)
		prometheus.MustRegister(EmbeddingRetries)
		prometheus.MustRegister(QueryDuration)
		prometheus.MustRegister(QueryTotal)
		prometheus.MustRegister(RelevanceScore)
		prometheus.MustRegister(VectorResultsCount)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(GraphProjectionErrors)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}

// Recorder forwards domain events to the collectors above. The zero value is
// ready to use; collectors record even before Init registers them.
type Recorder struct{}

func (Recorder) ObserveIngestion(result, stage string, d time.Duration, chunks int) {
	IngestionDuration.WithLabelValues(result).Observe(d.Seconds())
	IngestionTotal.WithLabelValues(result, stage).Inc()
	if result == "ready" {
		ChunksIndexed.Add(float64(chunks))
	}
}

func (Recorder) ObserveEmbeddingRetry() {
	EmbeddingRetries.Inc()
}

func (Recorder) ObserveQuery(state string, d time.Duration, results int, topRelevance float64) {
	QueryDuration.WithLabelValues(state).Observe(d.Seconds())
	QueryTotal.WithLabelValues(state).Inc()
	VectorResultsCount.Observe(float64(results))
	if results > 0 {
		RelevanceScore.Observe(topRelevance)
	}
}

func (Recorder) ObserveCache(cache string, hits, misses int) {
	if hits > 0 {
		CacheHits.WithLabelValues(cache).Add(float64(hits))
	}
	if misses > 0 {
		CacheMisses.WithLabelValues(cache).Add(float64(misses))
	}
}

func (Recorder) ObserveProjectionError() {
	GraphProjectionErrors.Inc()
}
