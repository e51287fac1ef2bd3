package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Intent pipeline metrics
	// ============================================
	IntentsAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_intents_admitted_total",
			Help: "Total number of admitted intents",
		},
		[]string{"kind"}, // deposit / withdraw
	)

	IntentsSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_intents_settled_total",
			Help: "Total number of intents that reached terminal success",
		},
		[]string{"kind"},
	)

	IntentsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_intents_failed_total",
			Help: "Total number of intent runs that ended in a retryable failure",
		},
		[]string{"kind", "stage"},
	)

	SettlementDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_settlement_duration_seconds",
			Help:    "Wall time of a finisher run from lock to terminal state",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"kind"},
	)

	LockContention = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_intent_lock_contention_total",
			Help: "Number of tryLock attempts refused by a live lease",
		},
		[]string{"kind"},
	)

	StaleLeaseReclaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_intent_stale_lease_reclaims_total",
			Help: "Number of locks taken over from an expired lease",
		},
		[]string{"kind"},
	)

	// ============================================
	// Bridge metrics
	// ============================================
	BridgePolls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backend_bridge_status_polls_total",
		Help: "Total number of bridge status API polls",
	})

	BridgeWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "backend_bridge_wait_duration_seconds",
		Help:    "Time spent waiting for a bridge transfer to settle",
		Buckets: []float64{6, 30, 60, 120, 300, 600, 720},
	})

	BridgeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_bridge_outcomes_total",
			Help: "Bridge transfer outcomes",
		},
		[]string{"outcome"}, // done / failed / timeout
	)

	// ============================================
	// Chain transaction metrics
	// ============================================
	ChainTxSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_chain_tx_submitted_total",
			Help: "Total transactions submitted by the relayer",
		},
		[]string{"chain", "op"},
	)

	ChainTxFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_chain_tx_failed_total",
			Help: "Total relayer transactions that reverted or never confirmed",
		},
		[]string{"chain", "op"},
	)

	RelayerBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backend_relayer_balance",
			Help: "Relayer address native balance",
		},
		[]string{"chain", "address"},
	)

	// ============================================
	// Infra metrics
	// ============================================
	DBConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_db_connection_status",
		Help: "Database connection status (1=healthy, 0=unhealthy)",
	})

	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_nats_connection_status",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_events_published_total",
			Help: "Total number of lifecycle events published to NATS",
		},
		[]string{"subject"},
	)

	EventsPublishFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_events_publish_failed_total",
			Help: "Total number of lifecycle events that failed to publish",
		},
		[]string{"subject"},
	)

	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_websocket_clients",
		Help: "Number of connected status push clients",
	})
)
