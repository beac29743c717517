package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PoolLedger.
type Metrics struct {
	// --- Vault operations ---
	OpsApplied       *prometheus.CounterVec
	OpsRejected      *prometheus.CounterVec
	OpDuration       *prometheus.HistogramVec
	Journals         *prometheus.CounterVec
	StateHashDur     prometheus.Histogram
	Sequence         prometheus.Gauge
	TransferFailures prometheus.Counter

	// --- Pool ---
	PoolBalance       prometheus.Gauge
	ActiveInvestments prometheus.Gauge
	TotalInvested     prometheus.Gauge
	PayoutsTotal      prometheus.Counter
	FeesTotal         prometheus.Counter
	Paused            prometheus.Gauge

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter

	// --- Ingestion ---
	CommandsReceived *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge
	ProjectionUpdateDur    prometheus.Histogram

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
	RateLimited *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ioBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
	}

	return &Metrics{
		OpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_vault_operations_applied_total",
			Help: "Vault operations that committed",
		}, []string{"op"}),

		OpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_vault_operations_rejected_total",
			Help: "Vault operations rejected, by error kind",
		}, []string{"op", "reason"}),

		OpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pool_vault_operation_duration_seconds",
			Help:    "Time to apply a single vault operation including the payout transfer",
			Buckets: ioBuckets,
		}, []string{"op"}),

		Journals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		StateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		Sequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_sequence",
			Help: "Next sequence to be assigned",
		}),

		TransferFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_transfer_failures_total",
			Help: "Payout transfers refused by the settlement substrate (operation rolled back)",
		}),

		PoolBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_current_balance_units",
			Help: "Current pool balance in fixed-point units",
		}),

		ActiveInvestments: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_active_investments",
			Help: "Investments not yet withdrawn",
		}),

		TotalInvested: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_total_invested_units",
			Help: "Sum of principal ever deposited",
		}),

		PayoutsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_payouts_units_total",
			Help: "Value paid out to investors",
		}),

		FeesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_platform_fees_units_total",
			Help: "Value paid to the fee recipient",
		}),

		Paused: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_paused",
			Help: "1 when new investments are paused",
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_channel_size",
			Help: "Current channel buffer usage",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_channel_utilization",
			Help: "Channel size / capacity",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_publish_drops_total",
			Help: "Notifications that could not be published",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_persist_backpressure_total",
			Help: "Times the vault waited on a full persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_idempotency_duplicates_total",
			Help: "Duplicate request IDs detected, by tier",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_dedup_lru_size",
			Help: "Entries in the in-memory dedup cache",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_dedup_tier2_errors_total",
			Help: "Failed lookups against the durable dedup tier",
		}),

		CommandsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_ingest_commands_total",
			Help: "Commands consumed from NATS, by kind and result",
		}, []string{"kind", "result"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_persist_events_written_total",
			Help: "Events written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_persist_journals_written_total",
			Help: "Journals written to the event log",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_persist_batch_size",
			Help:    "Outputs per persistence flush",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_persist_batch_duration_seconds",
			Help:    "Time to write one persistence batch",
			Buckets: ioBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_persist_errors_total",
			Help: "Persistence errors by stage",
		}, []string{"stage"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_persist_retry_total",
			Help: "Persistence flush retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_persist_last_sequence",
			Help: "Highest sequence durably written",
		}),

		ProjectionUpdateDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_projection_update_duration_seconds",
			Help:    "Time to apply one output to the projections",
			Buckets: ioBuckets,
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_snapshot_duration_seconds",
			Help:    "Time to capture and write a snapshot",
			Buckets: ioBuckets,
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_replay_events_total",
			Help: "Events replayed at startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_replay_duration_seconds",
			Help: "Duration of the last startup replay",
		}),

		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_api_requests_total",
			Help: "API requests by method and status code",
		}, []string{"method", "code"}),

		APIDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pool_api_request_duration_seconds",
			Help:    "API request latency",
			Buckets: ioBuckets,
		}, []string{"method"}),

		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_api_rate_limited_total",
			Help: "Requests refused by the per-caller rate limiter",
		}, []string{"surface"}),
	}
}

// SetChannelMetrics updates channel gauges for a named channel.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
