package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records engine metrics. Retrieval quality is reported through
// RecordSearch asynchronously by the search path; recording never blocks a
// caller.
type Collector struct {
	// Search metrics
	searchTotal      *prometheus.CounterVec
	searchDuration   prometheus.Histogram
	searchNDCG       prometheus.Histogram
	searchRelevancy  prometheus.Histogram
	searchCandidates prometheus.Histogram
	searchTextWeight prometheus.Histogram

	// Store metrics
	storeOpsTotal  *prometheus.CounterVec
	recordsMerged  prometheus.Counter
	recordsGCed    prometheus.Counter
	decayedRecords prometheus.Counter

	// Consolidation metrics
	consolidationRuns    *prometheus.CounterVec
	consolidationSkipped prometheus.Counter

	// Cache metrics
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector registered on reg. A nil reg uses the
// default Prometheus registerer; a nil logger logs nowhere.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.searchTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_total",
			Help:      "Total number of memory searches",
		},
		[]string{"status"},
	)

	c.searchDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Memory search duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
	)

	c.searchNDCG = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_ndcg",
			Help:      "NDCG of search results",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	c.searchRelevancy = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_average_relevancy",
			Help:      "Average relevancy of search results",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	c.searchCandidates = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_candidates",
			Help:      "Candidate count after filtering",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	c.searchTextWeight = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_text_weight",
			Help:      "Resolved lexical weight per hybrid query",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	c.storeOpsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Total durable store operations",
		},
		[]string{"operation", "status"},
	)

	c.recordsMerged = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_merged_total",
			Help:      "Records merged by dedup instead of inserted",
		},
	)

	c.recordsGCed = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_garbage_collected_total",
			Help:      "Records removed by garbage collection",
		},
	)

	c.decayedRecords = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_decayed_total",
			Help:      "Records touched by decay sweeps",
		},
	)

	c.consolidationRuns = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidation_runs_total",
			Help:      "Total consolidation runs",
		},
		[]string{"status"},
	)

	c.consolidationSkipped = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidation_items_skipped_total",
			Help:      "Items skipped after bounded retries during consolidation",
		},
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordSearch records one search call's latency and quality.
func (c *Collector) RecordSearch(status string, duration time.Duration, ndcg, relevancy, textWeight float64, candidates int) {
	c.searchTotal.WithLabelValues(status).Inc()
	c.searchDuration.Observe(duration.Seconds())
	c.searchNDCG.Observe(ndcg)
	c.searchRelevancy.Observe(relevancy)
	c.searchTextWeight.Observe(textWeight)
	c.searchCandidates.Observe(float64(candidates))
}

// RecordStoreOp records one durable store operation.
func (c *Collector) RecordStoreOp(operation, status string) {
	c.storeOpsTotal.WithLabelValues(operation, status).Inc()
}

// RecordMerge records a dedup merge.
func (c *Collector) RecordMerge() {
	c.recordsMerged.Inc()
}

// RecordGC records garbage-collected rows.
func (c *Collector) RecordGC(removed int) {
	c.recordsGCed.Add(float64(removed))
}

// RecordDecay records decayed rows.
func (c *Collector) RecordDecay(touched int) {
	c.decayedRecords.Add(float64(touched))
}

// RecordConsolidation records a finished consolidation run.
func (c *Collector) RecordConsolidation(status string, skipped int) {
	c.consolidationRuns.WithLabelValues(status).Inc()
	c.consolidationSkipped.Add(float64(skipped))
}

// RecordCacheHit records a cache hit.
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}
