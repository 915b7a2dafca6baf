package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for RaffleLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreSequence       prometheus.Gauge

	// --- Raffle ---
	RoundID           prometheus.Gauge
	RoundState        prometheus.Gauge // 0 = OPEN, 1 = CALCULATING
	RoundTickets      prometheus.Gauge
	RoundPlayers      prometheus.Gauge
	AccumulatedFees   prometheus.Gauge
	HeldBalance       prometheus.Gauge
	PendingRequestAge prometheus.Gauge
	RoundsSettled     prometheus.Counter
	TransferFailures  *prometheus.CounterVec

	// --- Keeper ---
	KeeperChecks   *prometheus.CounterVec
	KeeperDuration prometheus.Histogram

	// --- Ingestion ---
	IngestMessages *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ProjectionDrops prometheus.Counter
	PublishDrops    prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Projection ---
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
	RateLimited   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics with reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	// Core operations include one oracle or treasury round trip
	effectBuckets := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "raffle_core_events_applied_total",
			Help: "Facts successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "raffle_core_commands_rejected_total",
			Help: "Commands rejected (dedup, precondition, failed effect)",
		}, []string{"operation", "reason"}),

		CoreEventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "raffle_core_command_duration_seconds",
			Help:    "Time to execute a command including its external effect",
			Buckets: effectBuckets,
		}, []string{"operation"}),

		CoreJournals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "raffle_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "raffle_core_sequence",
			Help: "Current global sequence number",
		}),

		// Raffle
		RoundID: factory.NewGauge(prometheus.GaugeOpts{
			Name: "raffle_round_id",
			Help: "Current round number",
		}),

		RoundState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "raffle_round_state",
			Help: "Current round state (0=OPEN, 1=CALCULATING)",
		}),

		RoundTickets: factory.NewGauge(prometheus.GaugeOpts{
			Name: "raffle_round_tickets",
			Help: "Tickets sold in the current round",
		}),

		RoundPlayers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "raffle_round_players",
			Help: "Entries accepted in the current round",
		}),

		AccumulatedFees: factory.NewGauge(prometheus.GaugeOpts{
			Name: "raffle_accumulated_fees",
			Help: "Operator fees not yet withdrawn (fixed-point units)",
		}),

		HeldBalance: factory.NewGauge(prometheus.GaugeOpts{
			Name: "raffle_held_balance",
			Help: "Sum of all system accounts (fixed-point units)",
		}),

		PendingRequestAge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "raffle_pending_request_age_seconds",
			Help: "Age of the outstanding randomness request, 0 when none",
		}),

		RoundsSettled: factory.NewCounter(prometheus.CounterOpts{
			Name: "raffle_rounds_settled_total",
			Help: "Rounds settled with a winner",
		}),

		TransferFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "raffle_transfer_failures_total",
			Help: "Failed treasury transfers",
		}, []string{"kind"}),

		// Keeper
		KeeperChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "raffle_keeper_checks_total",
			Help: "Keeper upkeep checks by outcome",
		}, []string{"outcome"}),

		KeeperDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "raffle_keeper_tick_duration_seconds",
			Help:    "Keeper tick duration",
			Buckets: effectBuckets,
		}),

		// Ingestion
		IngestMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "raffle_ingest_messages_total",
			Help: "Inbound NATS messages by kind and disposition (ack/nak/term)",
		}, []string{"kind", "disposition"}),

		// Channel & Backpressure
		ProjectionDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "raffle_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "raffle_publish_drops_total",
			Help: "Notifications dropped due to full publish channel",
		}),

		// Idempotency
		IdempotencyDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "raffle_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "raffle_dedup_lru_size",
			Help: "Idempotency LRU entries",
		}),

		// Persistence
		PersistEventsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "raffle_persist_events_written_total",
			Help: "Facts written to the event log",
		}),

		PersistJournalsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "raffle_persist_journals_written_total",
			Help: "Journal rows written",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "raffle_persist_batch_size",
			Help:    "Facts per persistence batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "raffle_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "raffle_persist_errors_total",
			Help: "Persistence errors by stage",
		}, []string{"stage"}),

		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "raffle_persist_last_sequence",
			Help: "Last sequence committed to Postgres",
		}),

		ProjectionUpdateDur: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "raffle_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Snapshot
		SnapshotTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "raffle_snapshot_taken_total",
			Help: "Snapshots saved",
		}),

		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "raffle_snapshot_duration_seconds",
			Help:    "Snapshot creation duration",
			Buckets: latencyBuckets,
		}),

		SnapshotSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "raffle_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: factory.NewGauge(prometheus.GaugeOpts{
			Name: "raffle_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "raffle_replay_events_total",
			Help: "Facts replayed during recovery",
		}),

		// Query API
		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "raffle_query_requests_total",
			Help: "API requests by method and status code",
		}, []string{"method", "code"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "raffle_query_duration_seconds",
			Help:    "API request duration",
			Buckets: effectBuckets,
		}, []string{"method"}),

		QueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "raffle_query_errors_total",
			Help: "API errors by method and kind",
		}, []string{"method", "kind"}),

		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "raffle_rate_limited_total",
			Help: "Requests rejected by the per-client limiter",
		}, []string{"route"}),
	}
}
