package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpVault.
type Metrics struct {
	// --- Core ---
	OpsApplied    *prometheus.CounterVec
	OpsRejected   *prometheus.CounterVec
	OpDuration    *prometheus.HistogramVec
	CoreJournals  *prometheus.CounterVec
	CoreSequence  prometheus.Gauge
	InvariantFail *prometheus.CounterVec

	// --- Economics ---
	OpenInterest     *prometheus.GaugeVec
	VaultBalance     prometheus.Gauge
	VaultShares      prometheus.Gauge
	FeesCollected    *prometheus.CounterVec
	FundingCollected *prometheus.CounterVec
	VaultShortfall   prometheus.Counter

	// --- Liquidation ---
	Liquidations      *prometheus.CounterVec
	LiquidationBounty *prometheus.CounterVec

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Ingestion ---
	PriceUpdates          *prometheus.CounterVec
	KeeperCommands        *prometheus.CounterVec
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Projections ---
	ProjectionDrops     prometheus.Counter
	ProjectionRows      *prometheus.CounterVec
	ProjectionWatermark prometheus.Gauge

	// --- API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	WSClients     prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		OpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_ops_applied_total",
			Help: "Operations committed by the exchange core",
		}, []string{"op"}),

		OpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_ops_rejected_total",
			Help: "Operations rolled back, by error kind",
		}, []string{"op", "kind"}),

		OpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_core_op_duration_seconds",
			Help:    "Time to apply a single operation in core",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_core_sequence",
			Help: "Current global sequence number",
		}),

		InvariantFail: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_invariant_failures_total",
			Help: "Post-check invariant failures (operation rolled back)",
		}, []string{"check"}),

		OpenInterest: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_open_interest",
			Help: "Open interest per product and side (1e8 scale)",
		}, []string{"product_id", "side"}),

		VaultBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_vault_balance",
			Help: "Vault balance (1e8 scale)",
		}),

		VaultShares: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_vault_total_shares",
			Help: "Outstanding vault shares",
		}),

		FeesCollected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_fees_collected_total",
			Help: "Trade fees credited, by bucket",
		}, []string{"bucket"}),

		FundingCollected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_funding_collected_total",
			Help: "Funding charged to positions",
		}, []string{"product_id"}),

		VaultShortfall: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_vault_shortfall_total",
			Help: "Trader profit that the vault balance could not cover",
		}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidations_total",
			Help: "Positions liquidated",
		}, []string{"product_id"}),

		LiquidationBounty: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidation_bounty_total",
			Help: "Bounties paid to liquidators",
		}, []string{"product_id"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		PriceUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_price_updates_total",
			Help: "Oracle price updates received (accepted/stale/invalid)",
		}, []string{"feed", "result"}),

		KeeperCommands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_keeper_commands_total",
			Help: "Keeper liquidation commands handled",
		}, []string{"result"}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_idempotency_duplicates_total",
			Help: "Duplicate commands dropped",
		}, []string{"source"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_projection_drops_total",
			Help: "Events dropped by the history projection buffer",
		}),

		ProjectionRows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_projection_rows_total",
			Help: "History rows written, by source",
		}, []string{"source"}),

		ProjectionWatermark: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_projection_watermark",
			Help: "Highest sequence with every earlier event projected",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_api_requests_total",
			Help: "API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_api_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_ws_clients",
			Help: "Connected websocket clients",
		}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
