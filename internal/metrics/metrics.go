// Package metrics declares the process-global Prometheus counters
// referenced by the tx-builder and callback-consumer services (§8).
// Counters are the only mutable globals in the system (§9); they
// are strictly monotone and safe for concurrent use. SSEClientsGauge is
// the one gauge and moves both ways as SSE clients come and go.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the shared Prometheus registry for both services; the
// Handler of internal/txbuilder and of internal/callbacks each serve it
// on GET /metrics via promhttp.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

// Tx-builder service (§4.D).
var (
	BuildRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "tx_builder_build_requests_total",
		Help: "Total build-tx-json requests by outcome.",
	}, []string{"outcome"})

	BuildModeTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "tx_builder_build_mode_total",
		Help: "Total successful builds by mode.",
	}, []string{"mode"})

	BuildFallbackTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "tx_builder_fallback_all_inputs_total",
		Help: "Builds that retried with the full UTXO set after a selected-subset failure.",
	})

	BuildTimeoutTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "tx_builder_timeout_total",
		Help: "Requests aborted for exceeding the service request budget.",
	})

	UtxoFetchErrorsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "tx_builder_utxo_fetch_errors_total",
		Help: "Errors fetching live outputs from the network RPC.",
	})

	TelemetryFreshnessTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "tx_builder_telemetry_freshness_total",
		Help: "Adaptive-fee builds by resolved telemetry freshness state.",
	}, []string{"state"})
)

// Telemetry cache (§4.E).
var (
	TelemetrySingleflightTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_cache_singleflight_total",
		Help: "Upstream fetches by slot, deduplicated by singleflight.",
	}, []string{"slot"})

	TelemetryServeStaleTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_cache_serve_stale_total",
		Help: "Times a stale cached value was served after an upstream failure.",
	}, []string{"slot"})
)

// Callback consumer (§4.F).
var (
	CycleDecisionTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "callback_cycle_decision_total",
		Help: "Scheduler cycle ingestion decisions.",
	}, []string{"decision"})

	ReceiptIngestTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "callback_receipt_ingest_total",
		Help: "Execution receipt ingestion outcomes.",
	}, []string{"outcome"})

	ConsistencyReportTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "callback_consistency_report_total",
		Help: "Receipt-consistency reports by status.",
	}, []string{"status"})

	SSEClientsGauge = factory.NewGauge(prometheus.GaugeOpts{
		Name: "callback_sse_clients",
		Help: "Currently connected SSE clients.",
	})

	SSERejectedTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "callback_sse_rejected_total",
		Help: "SSE connections rejected for exceeding the max-client cap.",
	})

	IdempotencyFailOpenTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "callback_idempotency_fail_open_total",
		Help: "Cycle events accepted via redis_fail_open mode.",
	})
)

// Dispatcher / pending-request store (§4.A/4.B).
var (
	AdmissionTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_admission_total",
		Help: "Pending-request admissions by outcome.",
	}, []string{"outcome"})

	ExpiredTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_expired_total",
		Help: "Pending requests removed by TTL expiry.",
	})

	EnvelopeDroppedTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "envelope_dropped_total",
		Help: "Messages dropped for failing a discriminant or shape check.",
	})
)
