package halt

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestHalt_LatencyP99Under50ms(t *testing.T) {
	const trials = 1000
	latencies := make([]float64, 0, trials)

	for i := 0; i < trials; i++ {
		mgr := NewManager("executor")
		res := mgr.RequestHalt("latency probe")
		require.True(t, res.Success)
		latencies = append(latencies, res.LatencyMS)
	}

	sort.Float64s(latencies)
	p99 := latencies[trials*99/100-1]
	assert.Less(t, p99, 50.0, "p99 halt latency must be under 50ms, got %.3fms", p99)
}

func TestRequestHalt_HaltIDStableUntilCleared(t *testing.T) {
	mgr := NewManager("executor")

	first := mgr.RequestHalt("first")
	second := mgr.RequestHalt("second attempt while halted")
	assert.Equal(t, first.HaltID, second.HaltID, "halt id must be stable while set")

	mgr.ClearHalt()
	third := mgr.RequestHalt("after clear")
	assert.NotEqual(t, first.HaltID, third.HaltID)
}

func TestCheckHalt(t *testing.T) {
	mgr := NewManager("executor")
	require.NoError(t, mgr.CheckHalt())

	res := mgr.RequestHalt("emergency")
	err := mgr.CheckHalt()
	require.Error(t, err)

	var haltErr *Error
	require.ErrorAs(t, err, &haltErr)
	assert.Equal(t, "executor", haltErr.ModuleID)
	assert.Equal(t, res.HaltID, haltErr.HaltID)
	assert.Equal(t, "HALT_ACTIVE", haltErr.ReasonCode())

	mgr.ClearHalt()
	assert.NoError(t, mgr.CheckHalt())
}

func TestPropagateHalt_CascadesAndAcknowledges(t *testing.T) {
	mesh := NewMesh(nil, nil)
	origin := NewManager("executor", "tracker", "reconciler")
	tracker := NewManager("tracker")
	reconciler := NewManager("reconciler")
	require.NoError(t, mesh.Register(origin))
	require.NoError(t, mesh.Register(tracker))
	require.NoError(t, mesh.Register(reconciler))

	res := origin.RequestHalt("cascade test")
	report := origin.PropagateHalt(context.Background(), res.HaltID)

	require.Len(t, report.Entries, 2)
	for _, entry := range report.Entries {
		assert.True(t, entry.Acknowledged, "dependent %s must acknowledge", entry.ModuleID)
		assert.False(t, entry.AssumedHalted)
	}
	assert.True(t, report.WithinSLO)

	// Dependents carry the originator's halt id.
	haltID, _, set := tracker.signal.Snapshot()
	require.True(t, set)
	assert.Equal(t, res.HaltID, haltID)

	acks := origin.Acknowledgments(res.HaltID)
	assert.Contains(t, acks, "tracker")
	assert.Contains(t, acks, "reconciler")
}

func TestPropagateHalt_UnresolvedDependentFailsClosed(t *testing.T) {
	mesh := NewMesh(nil, nil)
	origin := NewManager("executor", "ghost")
	require.NoError(t, mesh.Register(origin))

	res := origin.RequestHalt("cascade with missing dependent")
	report := origin.PropagateHalt(context.Background(), res.HaltID)

	require.Len(t, report.Entries, 1)
	entry := report.Entries[0]
	assert.False(t, entry.Acknowledged)
	assert.True(t, entry.AssumedHalted, "missing dependent must be recorded halted fail-closed")
	assert.Equal(t, []string{"ghost"}, report.Unacknowledged())
}

func TestMesh_GlobalHaltAndClearAll(t *testing.T) {
	mesh := NewMesh(nil, nil)
	managers := []*Manager{NewManager("executor"), NewManager("tracker"), NewManager("reconciler")}
	for _, mgr := range managers {
		require.NoError(t, mesh.Register(mgr))
	}

	report := mesh.GlobalHalt("kill switch")
	require.Len(t, report.Results, 3)
	for _, st := range mesh.Status() {
		assert.True(t, st.Halted, "module %s must report halted", st.ModuleID)
	}

	mesh.ClearAll("all clear")
	for _, st := range mesh.Status() {
		assert.False(t, st.Halted, "module %s must report clear", st.ModuleID)
	}
}

func TestMesh_RegisterIdempotent(t *testing.T) {
	mesh := NewMesh(nil, nil)
	mgr := NewManager("executor")
	require.NoError(t, mesh.Register(mgr))
	require.NoError(t, mesh.Register(mgr), "re-registering the same manager is a no-op")

	imposter := NewManager("executor")
	assert.Error(t, mesh.Register(imposter), "same module id with a different manager is a wiring error")
}

func TestMesh_DeregisterWithLiveDependents(t *testing.T) {
	mesh := NewMesh(nil, nil)
	upstream := NewManager("executor", "tracker")
	downstream := NewManager("tracker")
	require.NoError(t, mesh.Register(upstream))
	require.NoError(t, mesh.Register(downstream))

	err := mesh.Deregister("executor")
	require.Error(t, err)
	var depErr *DependentsError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, []string{"tracker"}, depErr.Live)

	// Fail-closed: the registration is still live.
	_, ok := mesh.Lookup("executor")
	assert.True(t, ok)

	// Dependents gone: deregistration now succeeds, and is idempotent.
	require.NoError(t, mesh.Deregister("tracker"))
	require.NoError(t, mesh.Deregister("executor"))
	require.NoError(t, mesh.Deregister("executor"))
}

func TestMesh_Shutdown(t *testing.T) {
	mesh := NewMesh(nil, nil)
	upstream := NewManager("executor", "tracker")
	downstream := NewManager("tracker")
	require.NoError(t, mesh.Register(upstream))
	require.NoError(t, mesh.Register(downstream))

	// Shutdown halts dependents first, so deregistration of the upstream
	// module is refused only while the dependent is still registered.
	err := mesh.Shutdown(context.Background(), "executor", "orderly shutdown")
	require.Error(t, err, "tracker is still registered")
	assert.True(t, downstream.Halted(), "dependent must be halted by the shutdown cascade")

	require.NoError(t, mesh.Deregister("tracker"))
	require.NoError(t, mesh.Shutdown(context.Background(), "executor", "orderly shutdown"))
	_, ok := mesh.Lookup("executor")
	assert.False(t, ok)
}

func TestRequestHalt_ConcurrentCallersOneHaltID(t *testing.T) {
	mgr := NewManager("executor")
	const callers = 64

	ids := make(chan string, callers)
	for i := 0; i < callers; i++ {
		go func() {
			ids <- mgr.RequestHalt("race").HaltID
		}()
	}

	first := <-ids
	for i := 1; i < callers; i++ {
		select {
		case id := <-ids:
			assert.Equal(t, first, id, "all concurrent callers must observe one halt id")
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for concurrent halt callers")
		}
	}
}
