// Package metrics registers the Prometheus collectors for the safety kernel.
//
// Exposed series:
//   - phoenix_halt_request_latency_ms      – RequestHalt wall time (histogram)
//   - phoenix_halt_cascade_latency_ms      – full cascade wall time (histogram)
//   - phoenix_halts_active                 – modules currently halted (gauge)
//   - phoenix_tokens_issued_total          – approval tokens issued
//   - phoenix_tokens_rejected_total{reason} – validation rejections by reason
//   - phoenix_tokens_consumed_total        – single-use consumptions
//   - phoenix_position_transitions_total{from,to} – lifecycle transitions
//   - phoenix_positions_stalled            – positions currently in STALLED (gauge)
//   - phoenix_drift_records_total{severity} – reconciler drift detections
//   - phoenix_audit_emit_failures_total    – audit sink failures (isolated, alarmed)
//   - phoenix_reconcile_runs_total{outcome} – reconcile runs vs. rate-limit skips
//
// All collectors are registered in init() and served by the operator HTTP
// server at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HaltRequestLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "phoenix_halt_request_latency_ms",
			Help:    "Local halt request latency in milliseconds",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 5, 10, 25, 50, 100},
		},
	)

	HaltCascadeLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "phoenix_halt_cascade_latency_ms",
			Help:    "Halt cascade completion latency in milliseconds",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 5000},
		},
	)

	HaltsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phoenix_halts_active",
			Help: "Number of modules currently halted",
		},
	)

	TokensIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "phoenix_tokens_issued_total",
			Help: "Approval tokens issued",
		},
	)

	TokensRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phoenix_tokens_rejected_total",
			Help: "Token validation rejections by reason",
		},
		[]string{"reason"},
	)

	TokensConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "phoenix_tokens_consumed_total",
			Help: "Approval tokens consumed",
		},
	)

	PositionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phoenix_position_transitions_total",
			Help: "Position lifecycle transitions",
		},
		[]string{"from", "to"},
	)

	PositionsStalled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phoenix_positions_stalled",
			Help: "Positions currently stalled awaiting human attention",
		},
	)

	DriftRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phoenix_drift_records_total",
			Help: "Drift records raised by the reconciler",
		},
		[]string{"severity"},
	)

	AuditEmitFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "phoenix_audit_emit_failures_total",
			Help: "Audit record emissions that failed and were isolated",
		},
	)

	ReconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phoenix_reconcile_runs_total",
			Help: "Reconcile runs by outcome (ok, throttled, error)",
		},
		[]string{"outcome"},
	)

	ModuleHeartbeat = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "phoenix_module_heartbeat_timestamp",
			Help: "Unix timestamp of the last heartbeat per module",
		},
		[]string{"module"},
	)
)

func init() {
	prometheus.MustRegister(
		HaltRequestLatency,
		HaltCascadeLatency,
		HaltsActive,
		TokensIssued,
		TokensRejected,
		TokensConsumed,
		PositionTransitions,
		PositionsStalled,
		DriftRecords,
		AuditEmitFailures,
		ReconcileRuns,
		ModuleHeartbeat,
	)
}
