package reconcile

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/phoenixdesk/phoenix/internal/alert"
	"github.com/phoenixdesk/phoenix/internal/audit"
	"github.com/phoenixdesk/phoenix/internal/broker"
	"github.com/phoenixdesk/phoenix/internal/metrics"
	"github.com/phoenixdesk/phoenix/internal/position"
)

// PositionSource is the read-only tracker view the reconciler consumes.
type PositionSource interface {
	Active() []position.Position
}

// Report summarizes one reconcile run.
type Report struct {
	RunAt     time.Time     `json:"run_at"`
	Throttled bool          `json:"throttled"`
	Checked   int           `json:"checked"`
	NewDrifts []DriftRecord `json:"new_drifts"`
}

// Reconciler diffs tracker state against broker truth on demand. Runs are
// rate-limited per rolling minute so broker API instability cannot flood
// the audit log.
type Reconciler struct {
	positions PositionSource
	broker    broker.Broker
	emitter   audit.Emitter
	alerter   alert.Alerter
	limiter   *rate.Limiter

	qtyTolerance  float64 // relative quantity delta: above it is CRITICAL
	fillTolerance float64 // tighter: fill-ratio and cosmetic deltas

	mu     sync.Mutex
	drifts map[string]*DriftRecord // by drift id
	open   map[string]string       // dedupe key -> drift id

	now func() time.Time
}

// New wires a reconciler. maxRunsPerMinute caps runs on a rolling minute.
func New(positions PositionSource, b broker.Broker, emitter audit.Emitter, alerter alert.Alerter,
	qtyTolerance, fillTolerance float64, maxRunsPerMinute int) *Reconciler {
	if emitter == nil {
		emitter = audit.LogEmitter{}
	}
	if alerter == nil {
		alerter = alert.LogAlerter{}
	}
	if maxRunsPerMinute < 1 {
		maxRunsPerMinute = 6
	}
	return &Reconciler{
		positions:     positions,
		broker:        b,
		emitter:       emitter,
		alerter:       alerter,
		limiter:       rate.NewLimiter(rate.Every(time.Minute/time.Duration(maxRunsPerMinute)), maxRunsPerMinute),
		qtyTolerance:  qtyTolerance,
		fillTolerance: fillTolerance,
		drifts:        make(map[string]*DriftRecord),
		open:          make(map[string]string),
		now:           time.Now,
	}
}

// Reconcile fetches both sides and raises a drift record per mismatch. It
// never mutates positions; running it any number of times on a consistent
// tracker produces zero new drift records.
func (r *Reconciler) Reconcile(ctx context.Context) (*Report, error) {
	report := &Report{RunAt: r.now()}

	if !r.limiter.Allow() {
		report.Throttled = true
		metrics.ReconcileRuns.WithLabelValues("throttled").Inc()
		return report, nil
	}

	snap, err := r.broker.GetPositions(ctx)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("error").Inc()
		return report, fmt.Errorf("reconcile could not fetch broker positions: %w", err)
	}

	brokerByOrder := make(map[string]broker.BrokerPosition, len(snap.Positions))
	for _, bp := range snap.Positions {
		brokerByOrder[bp.OrderID] = bp
	}

	matched := make(map[string]bool, len(snap.Positions))
	for _, p := range r.positions.Active() {
		if !p.State.ActiveInMarket() {
			continue
		}
		report.Checked++

		bp, onBroker := brokerByOrder[p.BrokerOrderID]
		if !onBroker {
			report.NewDrifts = append(report.NewDrifts, r.raise(DriftRecord{
				DriftType:    DriftPositionMissing,
				Severity:     SeverityCritical,
				PositionID:   p.PositionID,
				PhoenixState: phoenixState(p),
			})...)
			continue
		}
		matched[bp.OrderID] = true

		if qtyDelta := relativeDelta(p.FilledQuantity, bp.Quantity); qtyDelta > r.fillTolerance {
			severity := SeverityWarning
			if qtyDelta > r.qtyTolerance {
				severity = SeverityCritical
			}
			report.NewDrifts = append(report.NewDrifts, r.raise(DriftRecord{
				DriftType:    DriftPositionSize,
				Severity:     severity,
				PositionID:   p.PositionID,
				PhoenixState: phoenixState(p),
				BrokerState:  brokerState(bp),
			})...)
		}

		if ratioDelta := math.Abs(p.FillRatio() - bp.FillRatio()); ratioDelta > r.fillTolerance {
			report.NewDrifts = append(report.NewDrifts, r.raise(DriftRecord{
				DriftType:    DriftFillRatio,
				Severity:     SeverityWarning,
				PositionID:   p.PositionID,
				PhoenixState: phoenixState(p),
				BrokerState:  brokerState(bp),
			})...)
		}
	}

	// Broker positions with no internal counterpart.
	for _, bp := range snap.Positions {
		if matched[bp.OrderID] || r.trackedOrder(bp.OrderID) {
			continue
		}
		report.NewDrifts = append(report.NewDrifts, r.raise(DriftRecord{
			DriftType:   DriftUntracked,
			Severity:    SeverityCritical,
			PositionID:  bp.OrderID,
			BrokerState: brokerState(bp),
		})...)
	}

	metrics.ReconcileRuns.WithLabelValues("ok").Inc()
	return report, nil
}

// trackedOrder reports whether any active position claims the broker order.
func (r *Reconciler) trackedOrder(orderID string) bool {
	for _, p := range r.positions.Active() {
		if p.BrokerOrderID == orderID {
			return true
		}
	}
	return false
}

// raise records the drift unless the same mismatch is already open, and
// emits the alert and audit record for every new one.
func (r *Reconciler) raise(d DriftRecord) []DriftRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := d.dedupeKey()
	if _, alreadyOpen := r.open[key]; alreadyOpen {
		return nil
	}

	d.DriftID = uuid.New().String()
	d.DetectedAt = r.now()
	r.drifts[d.DriftID] = &d
	r.open[key] = d.DriftID

	metrics.DriftRecords.WithLabelValues(string(d.Severity)).Inc()

	level := alert.LevelWarning
	if d.Severity == SeverityCritical {
		level = alert.LevelCritical
	}
	r.alerter.EmitAlert(level, "position drift detected", map[string]any{
		"drift_id":    d.DriftID,
		"drift_type":  string(d.DriftType),
		"position_id": d.PositionID,
	})
	audit.Append(r.emitter, audit.Record{
		BeadType: audit.BeadDriftDetected,
		EntityID: d.DriftID,
		NewState: string(d.Severity),
		Reason:   string(d.DriftType),
		Details: map[string]any{
			"position_id":   d.PositionID,
			"phoenix_state": d.PhoenixState,
			"broker_state":  d.BrokerState,
		},
	})
	log.Warn().
		Str("drift_id", d.DriftID).
		Str("drift_type", string(d.DriftType)).
		Str("severity", string(d.Severity)).
		Str("position_id", d.PositionID).
		Msg("drift detected")

	return []DriftRecord{d}
}

// ResolveDrift records a human decision on a drift. It never edits the
// underlying position: resolution and state correction are deliberately
// decoupled actions.
func (r *Reconciler) ResolveDrift(driftID, resolution, resolvedBy string) error {
	if resolvedBy == "" {
		return fmt.Errorf("drift resolution requires a named human resolver")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.drifts[driftID]
	if !ok {
		return fmt.Errorf("unknown drift %s", driftID)
	}
	if d.Resolved {
		return fmt.Errorf("drift %s already resolved by %s", driftID, d.ResolvedBy)
	}

	d.Resolved = true
	d.ResolvedAt = r.now()
	d.ResolvedBy = resolvedBy
	d.Resolution = resolution
	delete(r.open, d.dedupeKey())

	audit.Append(r.emitter, audit.Record{
		BeadType:   audit.BeadDriftResolved,
		EntityID:   driftID,
		PriorState: string(d.Severity),
		NewState:   "resolved",
		Reason:     resolution,
		Details:    map[string]any{"resolved_by": resolvedBy, "position_id": d.PositionID},
	})
	return nil
}

// Drifts returns copies of every drift record, newest first. Both open and
// resolved drifts are kept for audit; nothing is deleted.
func (r *Reconciler) Drifts() []DriftRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]DriftRecord, 0, len(r.drifts))
	for _, d := range r.drifts {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return out
}

func relativeDelta(internal, external float64) float64 {
	if internal == 0 {
		if external == 0 {
			return 0
		}
		return 1
	}
	return math.Abs(internal-external) / math.Abs(internal)
}

func phoenixState(p position.Position) map[string]any {
	return map[string]any{
		"state":           string(p.State),
		"pair":            p.Pair,
		"filled_quantity": p.FilledQuantity,
		"fill_ratio":      p.FillRatio(),
		"broker_order_id": p.BrokerOrderID,
	}
}

func brokerState(bp broker.BrokerPosition) map[string]any {
	return map[string]any{
		"order_id":        bp.OrderID,
		"pair":            bp.Pair,
		"quantity":        bp.Quantity,
		"filled_quantity": bp.FilledQuantity,
		"fill_ratio":      bp.FillRatio(),
	}
}
