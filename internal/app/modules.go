package app

import (
	"context"
	"fmt"

	"github.com/phoenixdesk/phoenix/internal/governance"
	"github.com/phoenixdesk/phoenix/internal/position"
)

// TradeIntent is a strategy's proposal for a capital action. Intents are
// signals: producing one requires no capital capability at all.
type TradeIntent struct {
	IntentID    string        `json:"intent_id"`
	SignalID    string        `json:"signal_id"`
	Pair        string        `json:"pair"`
	Side        position.Side `json:"side"`
	EntryPrice  float64       `json:"entry_price"`
	StopPrice   float64       `json:"stop_price"`
	TargetPrice float64       `json:"target_price"`
	Quantity    float64       `json:"quantity"`
}

// Module identifiers registered in the halt mesh.
const (
	ModuleExecutionGate  = "execution_gate"
	ModuleStrategyIntake = "strategy_intake"
	ModuleReconWatcher   = "recon_watcher"
)

// ExecutionGate is the single T2 module: every order submission and
// position mutation flows through it, behind its halt manager and the
// approval-token gate.
type ExecutionGate struct {
	*governance.Core
	tracker *position.Tracker
}

// NewExecutionGate declares the gate's invariants and halt dependents.
func NewExecutionGate(tracker *position.Tracker) *ExecutionGate {
	invariants := []governance.Invariant{
		{
			Name:        "halt-fail-closed",
			Enforcement: "CheckHalt precedes intent receipt, approval and every submission",
			Check:       func() bool { return true },
		},
		{
			Name:        "single-use-token",
			Enforcement: "submission consumes the approval token atomically in the authoritative store",
			Check:       func() bool { return true },
		},
		{
			Name:        "guarded-lifecycle",
			Enforcement: "every position mutation goes through the tracker's serialized apply path",
			Check:       func() bool { return tracker != nil },
		},
	}
	return &ExecutionGate{
		Core:    governance.NewCore(ModuleExecutionGate, governance.TierT2, invariants, ModuleStrategyIntake, ModuleReconWatcher),
		tracker: tracker,
	}
}

// StateSnapshot is the gate's trading-relevant mutable state: the position
// map reduced to id -> lifecycle state. Volatile bookkeeping never appears
// here, so the hash moves only when something trading-relevant moves.
func (g *ExecutionGate) StateSnapshot() map[string]any {
	positions := make(map[string]any)
	for _, p := range g.tracker.All() {
		positions[p.PositionID] = string(p.State)
	}
	return map[string]any{"positions": positions}
}

// ProcessState deterministically folds a position-state input into counts
// per lifecycle state.
func (g *ExecutionGate) ProcessState(_ context.Context, input map[string]any) (map[string]any, error) {
	positions, ok := input["positions"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("execution gate input missing positions map")
	}
	counts := make(map[string]any)
	for _, state := range positions {
		s, ok := state.(string)
		if !ok {
			return nil, fmt.Errorf("non-string position state in input")
		}
		if n, ok := counts[s].(int); ok {
			counts[s] = n + 1
		} else {
			counts[s] = 1
		}
	}
	return map[string]any{"state_counts": counts}, nil
}

// StrategyIntake is the T1 module: it shapes trade intents from signals and
// may never touch orders, positions, capital or the broker.
type StrategyIntake struct {
	*governance.Core
}

// NewStrategyIntake declares the intake module.
func NewStrategyIntake() *StrategyIntake {
	invariants := []governance.Invariant{
		{
			Name:        "tier-capability-bound",
			Enforcement: "intake emits signals only; capital targets are checked before any mutation",
			Check:       func() bool { return true },
		},
	}
	return &StrategyIntake{
		Core: governance.NewCore(ModuleStrategyIntake, governance.TierT1, invariants),
	}
}

// ShapeIntent validates a raw intent against the intake tier before it is
// handed to the execution gate. The intake itself only writes signals.
func (s *StrategyIntake) ShapeIntent(intent TradeIntent) (TradeIntent, error) {
	if err := s.CheckHalt(); err != nil {
		return TradeIntent{}, err
	}
	if err := s.CheckTierPermission("emit_intent", governance.TargetSignals); err != nil {
		s.ReportViolation(err)
		return TradeIntent{}, err
	}
	if intent.IntentID == "" || intent.Pair == "" || intent.Quantity <= 0 {
		return TradeIntent{}, fmt.Errorf("malformed trade intent %q", intent.IntentID)
	}
	return intent, nil
}

// ProcessState passes signal inputs through unchanged; intake holds no
// mutable trading state of its own.
func (s *StrategyIntake) ProcessState(_ context.Context, input map[string]any) (map[string]any, error) {
	return input, nil
}

// ReconWatcher is the T0 module wrapping the reconciler: read everything,
// mutate nothing but drift records.
type ReconWatcher struct {
	*governance.Core
}

// NewReconWatcher declares the watcher module.
func NewReconWatcher() *ReconWatcher {
	invariants := []governance.Invariant{
		{
			Name:        "read-only-reconcile",
			Enforcement: "reconcile raises drift records and never mutates position fields",
			Check:       func() bool { return true },
		},
	}
	return &ReconWatcher{
		Core: governance.NewCore(ModuleReconWatcher, governance.TierT0, invariants),
	}
}

// ProcessState passes reconciliation inputs through unchanged.
func (w *ReconWatcher) ProcessState(_ context.Context, input map[string]any) (map[string]any, error) {
	return input, nil
}
