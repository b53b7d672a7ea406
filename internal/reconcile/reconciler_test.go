package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phoenixdesk/phoenix/internal/broker"
	"github.com/phoenixdesk/phoenix/internal/position"
)

// filledPosition drives a tracked position into FILLED against the sim
// broker and returns it.
func filledPosition(t *testing.T, tracker *position.Tracker, sim *broker.SimBroker, qty float64) position.Position {
	t.Helper()
	ctx := context.Background()

	p, err := tracker.Propose(position.ProposeRequest{
		SignalID: "sig-1", IntentID: "intent-1", Pair: "EUR_USD",
		Side: position.SideLong, EntryPrice: 1.1, RequestedQuantity: qty,
	})
	require.NoError(t, err)

	res, err := sim.SubmitOrder(ctx, broker.OrderRequest{Pair: p.Pair, Side: "long", Quantity: qty, Price: 1.1})
	require.NoError(t, err)
	require.True(t, res.Accepted)

	for _, req := range []position.TransitionRequest{
		{To: position.StateApproved, TokenID: "tok-1"},
		{To: position.StateSubmitted, BrokerOrderID: res.OrderID},
		{To: position.StateFilled, FillPrice: 1.1, FilledQuantity: qty},
	} {
		_, err = tracker.Transition(p.PositionID, req)
		require.NoError(t, err)
	}

	got, _ := tracker.Get(p.PositionID)
	return got
}

func newFixture(t *testing.T) (*position.Tracker, *broker.SimBroker, *Reconciler) {
	t.Helper()
	tracker := position.NewTracker(position.NewLifecycle(nil, nil))
	sim := broker.NewSimBroker()
	rec := New(tracker, sim, nil, nil, 0.10, 0.02, 60)
	return tracker, sim, rec
}

func TestReconcile_ConsistentTrackerRaisesNothing(t *testing.T) {
	tracker, sim, rec := newFixture(t)
	filledPosition(t, tracker, sim, 20000)

	for i := 0; i < 5; i++ {
		report, err := rec.Reconcile(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Checked)
		assert.Empty(t, report.NewDrifts, "run %d must raise nothing on a consistent tracker", i)
	}
	assert.Empty(t, rec.Drifts())
}

func TestReconcile_QuantityDriftCritical(t *testing.T) {
	tracker, sim, rec := newFixture(t)
	p := filledPosition(t, tracker, sim, 20000)

	// Broker reports 15000 against our 20000: a 25% delta.
	sim.Skew(p.BrokerOrderID, 15000, 15000)

	report, err := rec.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, report.NewDrifts, 1)

	d := report.NewDrifts[0]
	assert.Equal(t, DriftPositionSize, d.DriftType)
	assert.Equal(t, SeverityCritical, d.Severity, "diff >10%% must be critical")
	assert.Equal(t, p.PositionID, d.PositionID)

	// Repeated runs do not re-raise the same open drift.
	report, err = rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.NewDrifts)
}

func TestReconcile_SmallQuantityDeltaIsWarning(t *testing.T) {
	tracker, sim, rec := newFixture(t)
	p := filledPosition(t, tracker, sim, 20000)

	// 5% delta: above the cosmetic floor, below the critical tolerance.
	sim.Skew(p.BrokerOrderID, 19000, 19000)

	report, err := rec.Reconcile(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, report.NewDrifts)
	assert.Equal(t, SeverityWarning, report.NewDrifts[0].Severity)
}

func TestReconcile_MissingOnBrokerCritical(t *testing.T) {
	tracker, sim, rec := newFixture(t)
	p := filledPosition(t, tracker, sim, 20000)
	sim.Drop(p.BrokerOrderID)

	report, err := rec.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, report.NewDrifts, 1)
	assert.Equal(t, DriftPositionMissing, report.NewDrifts[0].DriftType)
	assert.Equal(t, SeverityCritical, report.NewDrifts[0].Severity)
}

func TestReconcile_UntrackedBrokerPositionFlagged(t *testing.T) {
	_, sim, rec := newFixture(t)
	sim.Seed(broker.BrokerPosition{
		OrderID: "mystery-1", Pair: "GBP_USD", Side: "short",
		Quantity: 5000, FilledQuantity: 5000, AvgPrice: 1.27,
	})

	report, err := rec.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, report.NewDrifts, 1)
	assert.Equal(t, DriftUntracked, report.NewDrifts[0].DriftType)
	assert.Equal(t, SeverityCritical, report.NewDrifts[0].Severity)
}

func TestReconcile_NeverMutatesPositions(t *testing.T) {
	tracker, sim, rec := newFixture(t)
	p := filledPosition(t, tracker, sim, 20000)
	sim.Skew(p.BrokerOrderID, 15000, 15000)

	before, _ := tracker.Get(p.PositionID)
	_, err := rec.Reconcile(context.Background())
	require.NoError(t, err)
	after, _ := tracker.Get(p.PositionID)

	assert.Equal(t, before, after, "reconcile must never mutate position fields")
}

func TestResolveDrift_HumanOnlyAndDecoupled(t *testing.T) {
	tracker, sim, rec := newFixture(t)
	p := filledPosition(t, tracker, sim, 20000)
	sim.Skew(p.BrokerOrderID, 15000, 15000)

	report, err := rec.Reconcile(context.Background())
	require.NoError(t, err)
	driftID := report.NewDrifts[0].DriftID

	assert.Error(t, rec.ResolveDrift(driftID, "partial fill confirmed", ""),
		"resolution requires a named human")

	require.NoError(t, rec.ResolveDrift(driftID, "partial fill confirmed with broker desk", "ops@desk"))
	assert.Error(t, rec.ResolveDrift(driftID, "again", "ops@desk"), "double resolution rejected")

	drifts := rec.Drifts()
	require.Len(t, drifts, 1)
	assert.True(t, drifts[0].Resolved)
	assert.Equal(t, "ops@desk", drifts[0].ResolvedBy)

	// Resolution never edits the position.
	got, _ := tracker.Get(p.PositionID)
	assert.Equal(t, 20000.0, got.FilledQuantity)
	assert.Equal(t, position.StateFilled, got.State)

	// Once resolved, the mismatch may be re-raised by the next run.
	report, err = rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.NewDrifts, 1)
}

func TestReconcile_RateLimited(t *testing.T) {
	tracker := position.NewTracker(position.NewLifecycle(nil, nil))
	sim := broker.NewSimBroker()
	rec := New(tracker, sim, nil, nil, 0.10, 0.02, 2)

	for i := 0; i < 2; i++ {
		report, err := rec.Reconcile(context.Background())
		require.NoError(t, err)
		assert.False(t, report.Throttled, "run %d within the per-minute cap", i)
	}

	report, err := rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Throttled, "third run inside the minute must be throttled")
}
