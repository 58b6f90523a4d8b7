package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settlement service.
type Metrics struct {
	// --- Settlement core ---
	SettlementsExecuted *prometheus.CounterVec
	SettlementsRejected *prometheus.CounterVec
	SettlementDuration  prometheus.Histogram
	SettlementWipeouts  prometheus.Counter
	FeeQuantity         prometheus.Counter

	// --- Instruments ---
	ConfigsCreated   prometheus.Counter
	ConfigCacheHits  prometheus.Counter
	ConfigCacheMiss  prometheus.Counter
	ConfigCacheEvict prometheus.Counter
	InstrumentsKnown prometheus.Gauge

	// --- Ingestion ---
	RequestsReceived *prometheus.CounterVec
	ParseErrors      *prometheus.CounterVec
	PublishErrors    prometheus.Counter

	// --- Persistence ---
	PersistRowsWritten prometheus.Counter
	PersistBatchDur    prometheus.Histogram
	PersistErrors      *prometheus.CounterVec
	PersistDrops       prometheus.Counter
}

// NewMetrics creates and registers all metrics on the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		SettlementsExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_settlements_executed_total",
			Help: "Settlements computed successfully",
		}, []string{"payoff", "quote"}),

		SettlementsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_settlements_rejected_total",
			Help: "Settlements aborted, by error kind",
		}, []string{"kind"}),

		SettlementDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fwd_settlement_duration_seconds",
			Help:    "Time to compute a single settlement",
			Buckets: latencyBuckets,
		}),

		SettlementWipeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "fwd_settlement_wipeouts_total",
			Help: "Inverse settlements where the senior side lost the whole pool",
		}),

		FeeQuantity: f.NewCounter(prometheus.CounterOpts{
			Name: "fwd_settlement_fee_quantity_total",
			Help: "Collateral units retained as rounding fee",
		}),

		ConfigsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "fwd_configs_created_total",
			Help: "Instrument configurations initialized",
		}),

		ConfigCacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "fwd_config_cache_hits_total",
			Help: "Config lookups served from memory",
		}),

		ConfigCacheMiss: f.NewCounter(prometheus.CounterOpts{
			Name: "fwd_config_cache_misses_total",
			Help: "Config lookups that went to the store",
		}),

		ConfigCacheEvict: f.NewCounter(prometheus.CounterOpts{
			Name: "fwd_config_cache_evictions_total",
			Help: "Least recently used configs dropped from memory",
		}),

		InstrumentsKnown: f.NewGauge(prometheus.GaugeOpts{
			Name: "fwd_instruments_cached",
			Help: "Instrument configurations held in memory",
		}),

		RequestsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_requests_received_total",
			Help: "Settlement requests received, by transport",
		}, []string{"transport"}),

		ParseErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_request_parse_errors_total",
			Help: "Settlement requests that could not be decoded",
		}, []string{"transport"}),

		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "fwd_result_publish_errors_total",
			Help: "Failed result publications",
		}),

		PersistRowsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "fwd_persist_executions_written_total",
			Help: "Execution rows committed to Postgres",
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fwd_persist_batch_duration_seconds",
			Help:    "Time to write one execution batch",
			Buckets: prometheus.DefBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fwd_persist_errors_total",
			Help: "Persistence failures by stage",
		}, []string{"stage"}),

		PersistDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "fwd_persist_drops_total",
			Help: "Execution records dropped because the persist queue was full",
		}),
	}
}
