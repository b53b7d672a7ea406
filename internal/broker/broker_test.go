package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimBroker_SubmitAndReport(t *testing.T) {
	ctx := context.Background()
	sim := NewSimBroker()

	res, err := sim.SubmitOrder(ctx, OrderRequest{
		IntentID: "intent-1", Pair: "EUR_USD", Side: "long", Quantity: 20000, Price: 1.1000,
	})
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.NotEmpty(t, res.OrderID)

	snap, err := sim.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, 20000.0, snap.Positions[0].Quantity)
	assert.Equal(t, 1.0, snap.Positions[0].FillRatio())
}

func TestSimBroker_RejectionIsTypedNotError(t *testing.T) {
	ctx := context.Background()
	sim := NewSimBroker()
	sim.RejectNext = "insufficient margin"

	res, err := sim.SubmitOrder(ctx, OrderRequest{Pair: "EUR_USD", Side: "long", Quantity: 1000})
	require.NoError(t, err, "a business rejection is not a transport error")
	assert.False(t, res.Accepted)
	assert.Equal(t, "insufficient margin", res.RejectReason)
}

// downBroker always fails with a connectivity error.
type downBroker struct{ err error }

func (d *downBroker) GetPositions(context.Context) (*Snapshot, error) { return nil, d.err }
func (d *downBroker) SubmitOrder(context.Context, OrderRequest) (OrderResult, error) {
	return OrderResult{}, d.err
}
func (d *downBroker) CancelOrder(context.Context, string) (CancelResult, error) {
	return CancelResult{}, d.err
}

func TestGuard_EscalatesAfterAttemptCap(t *testing.T) {
	connErr := errors.New("connection reset")
	guard := NewGuard(&downBroker{err: connErr}, 4, []time.Duration{time.Millisecond}, nil, nil)

	var slept int
	guard.sleep = func(time.Duration) { slept++ }

	_, err := guard.GetPositions(context.Background())
	require.Error(t, err)

	var esc *EscalationError
	require.ErrorAs(t, err, &esc)
	assert.Equal(t, 4, esc.Attempts)
	assert.Equal(t, "BROKER_ESCALATED", esc.ReasonCode())
	assert.Equal(t, 3, slept, "sleeps between attempts, not after the last")
}

func TestGuard_PassesThroughOnSuccess(t *testing.T) {
	ctx := context.Background()
	sim := NewSimBroker()
	guard := NewGuard(sim, 3, []time.Duration{time.Millisecond}, nil, nil)
	guard.sleep = func(time.Duration) {}

	res, err := guard.SubmitOrder(ctx, OrderRequest{Pair: "EUR_USD", Side: "long", Quantity: 5000, Price: 1.1})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestGuard_RetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	sim := NewSimBroker()
	sim.FailNext = errors.New("timeout")
	guard := NewGuard(sim, 3, []time.Duration{time.Millisecond}, nil, nil)
	guard.sleep = func(time.Duration) {}

	snap, err := guard.GetPositions(ctx)
	require.NoError(t, err, "one transient failure is absorbed by the retry budget")
	assert.NotNil(t, snap)
}

func TestGuard_ContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	guard := NewGuard(&downBroker{err: errors.New("down")}, 5, []time.Duration{time.Millisecond}, nil, nil)
	_, err := guard.GetPositions(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
