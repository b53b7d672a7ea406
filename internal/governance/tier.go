// Package governance defines the capability contract every kernel module
// implements: identity, tier-bounded mutation rights, halt wiring,
// deterministic state hashing and violation reporting.
package governance

import "fmt"

// Tier is a module's capability level. T2 represents human-gated capital
// actions; lower tiers may never touch capital-adjacent state.
type Tier int

const (
	TierT0 Tier = iota // observers: read-only analytics, reconciliation
	TierT1             // strategy/intake: may propose, never execute
	TierT2             // execution: human-gated capital actions
)

func (t Tier) String() string {
	switch t {
	case TierT0:
		return "T0"
	case TierT1:
		return "T1"
	case TierT2:
		return "T2"
	default:
		return fmt.Sprintf("Tier(%d)", int(t))
	}
}

// Mutation targets named in the tier table.
const (
	TargetExecutionState = "execution_state"
	TargetOrders         = "orders"
	TargetPositions      = "positions"
	TargetCapital        = "capital"
	TargetBroker         = "broker"
	TargetSignals        = "signals"
	TargetDrift          = "drift"
)

// forbiddenTargets is process-wide constant data: which targets each tier
// may never mutate. It is initialized once and has no runtime mutation path;
// concurrent reads are safe unsynchronized.
var forbiddenTargets = map[Tier]map[string]bool{
	TierT0: {
		TargetExecutionState: true,
		TargetOrders:         true,
		TargetPositions:      true,
		TargetCapital:        true,
		TargetBroker:         true,
		TargetSignals:        true,
	},
	TierT1: {
		TargetExecutionState: true,
		TargetOrders:         true,
		TargetPositions:      true,
		TargetCapital:        true,
		TargetBroker:         true,
	},
	TierT2: {},
}

// TierViolationError is a wiring error: a module attempted a mutation its
// tier forbids. It is raised immediately and never swallowed.
type TierViolationError struct {
	ModuleID string
	Tier     Tier
	Action   string
	Target   string
}

func (e *TierViolationError) Error() string {
	return fmt.Sprintf("module %s (tier %s) may not perform %q on target %q",
		e.ModuleID, e.Tier, e.Action, e.Target)
}

// ReasonCode returns the machine-readable rejection code.
func (e *TierViolationError) ReasonCode() string { return "TIER_VIOLATION" }

// Invariant names the enforcement this error carries.
func (e *TierViolationError) Invariant() string { return "tier-capability-bound" }

// CheckTierPermission consults the fixed tier table and fails closed. It is
// called before any mutation is attempted, never after.
func CheckTierPermission(moduleID string, tier Tier, action, target string) error {
	forbidden, known := forbiddenTargets[tier]
	if !known || forbidden[target] {
		return &TierViolationError{ModuleID: moduleID, Tier: tier, Action: action, Target: target}
	}
	return nil
}
