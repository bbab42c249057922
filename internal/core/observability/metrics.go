package observability

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream", "outcome"},
	)

	surfaceMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surface_mutations_total",
			Help: "Rendering surface mutations by op and outcome (ok, recovered, failed).",
		},
		[]string{"op", "outcome"},
	)

	replayDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "style_replay_duration_seconds",
			Help:    "Time from idle to completed desired state replay after a style swap.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)

	replayFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "style_replay_failures_total",
			Help: "Per item failures during style replay.",
		},
		[]string{"kind"},
	)

	staleCompletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stale_completions_total",
			Help: "Async completions discarded because desired state moved on.",
		},
		[]string{"kind"},
	)

	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Cache results by cache and outcome.",
		},
		[]string{"cache", "outcome"},
	)

	persistOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persist_operations_total",
			Help: "Persistence store operations by op and outcome.",
		},
		[]string{"op", "outcome"},
	)

	layerEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "layer_events_total",
			Help: "Layer change events by op and outcome.",
		},
		[]string{"op", "outcome"},
	)

	desiredItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "desired_state_items",
			Help: "Items in the desired state by kind (layers, annotations, overlay_features).",
		},
		[]string{"kind"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mapsync_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

var initOnce sync.Once

// Init additionally registers the collectors on reg, typically the
// metrics.Provider registry. The default registry keeps them either way.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled || reg == nil {
		return
	}
	initOnce.Do(func() {
		reg.MustRegister(
			httpRequestsTotal, httpRequestDurationSeconds, upstreamLatencySeconds,
			surfaceMutations, replayDurationSeconds, replayFailures, staleCompletions,
			cacheResults, persistOps, layerEvents, desiredItems, buildInfo,
		)
	})
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstream(upstream string, err error, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream, outcome(err)).Observe(durationSeconds)
}

func IncSurfaceMutation(op, outcome string) {
	surfaceMutations.WithLabelValues(op, outcome).Inc()
}

func ObserveReplay(durationSeconds float64) {
	replayDurationSeconds.Observe(durationSeconds)
}

func IncReplayFailure(kind string) {
	replayFailures.WithLabelValues(kind).Inc()
}

func IncStale(kind string) {
	staleCompletions.WithLabelValues(kind).Inc()
}

func IncCacheHit(cache string) {
	cacheResults.WithLabelValues(cache, "hit").Inc()
}

func IncCacheMiss(cache string) {
	cacheResults.WithLabelValues(cache, "miss").Inc()
}

func ObservePersist(op string, err error) {
	persistOps.WithLabelValues(op, outcome(err)).Inc()
}

func IncLayerEvent(op, outcome string) {
	layerEvents.WithLabelValues(op, outcome).Inc()
}

func SetDesiredItems(kind string, n int) {
	desiredItems.WithLabelValues(kind).Set(float64(n))
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
