// Package position implements the position lifecycle state machine and the
// registry of active positions.
//
// The transition table is process-wide constant data: every (from, to) pair
// is either present with its flags or illegal. There is no runtime mutation
// path for the table.
package position

import (
	"fmt"
	"sort"
)

// State is one stop in the position lifecycle.
type State string

const (
	StateProposed  State = "PROPOSED"
	StateApproved  State = "APPROVED"
	StateSubmitted State = "SUBMITTED"
	StateStalled   State = "STALLED"
	StateFilled    State = "FILLED"
	StateManaged   State = "MANAGED"
	StateClosed    State = "CLOSED"
	StateCancelled State = "CANCELLED"
	StateRejected  State = "REJECTED"
	StateExpired   State = "EXPIRED"
)

// Terminal reports whether no further transition is legal from s.
func (s State) Terminal() bool {
	switch s {
	case StateClosed, StateCancelled, StateRejected, StateExpired:
		return true
	}
	return false
}

// ActiveInMarket reports whether the position holds live market exposure.
func (s State) ActiveInMarket() bool {
	return s == StateFilled || s == StateManaged
}

// AttentionRequired reports whether the state demands human attention.
func (s State) AttentionRequired() bool {
	return s == StateStalled || s == StateRejected
}

// Rule flags one legal transition.
type Rule struct {
	// HumanOnly transitions require a named human actor; no automation may
	// take them. The only example today is leaving STALLED by cancellation.
	HumanOnly bool
	// Alert transitions fire an operator alert in addition to the audit
	// record.
	Alert bool
}

// transitions is the static legality table.
var transitions = map[State]map[State]Rule{
	StateProposed: {
		StateApproved:  {},
		StateCancelled: {},
	},
	StateApproved: {
		StateSubmitted: {},
		StateCancelled: {},
		StateExpired:   {}, // approval token lapsed before submission
	},
	StateSubmitted: {
		StateFilled:    {},
		StateStalled:   {Alert: true},
		StateRejected:  {Alert: true},
		StateCancelled: {},
	},
	StateStalled: {
		StateFilled:    {Alert: true}, // late fill
		StateCancelled: {HumanOnly: true, Alert: true},
	},
	StateFilled: {
		StateManaged: {},
		StateClosed:  {},
	},
	StateManaged: {
		StateClosed: {},
	},
}

// LegalNext returns the sorted set of states reachable from s.
func LegalNext(s State) []State {
	rules := transitions[s]
	out := make([]State, 0, len(rules))
	for to := range rules {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// lookup returns the rule for (from, to) if the transition is legal.
func lookup(from, to State) (Rule, bool) {
	rule, ok := transitions[from][to]
	return rule, ok
}

// IllegalTransitionError is a programming error in the caller, raised with
// the full legal-next-state set attached for diagnosability.
type IllegalTransitionError struct {
	PositionID string
	From, To   State
	Legal      []State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for position %s; legal next states: %v",
		e.From, e.To, e.PositionID, e.Legal)
}

// ReasonCode returns the machine-readable rejection code.
func (e *IllegalTransitionError) ReasonCode() string { return "ILLEGAL_TRANSITION" }

// Invariant names the enforcement this error carries.
func (e *IllegalTransitionError) Invariant() string { return "guarded-lifecycle" }

// HumanRequiredError rejects an automated attempt at a human-only
// transition. There is no automatic retry out of STALLED, ever.
type HumanRequiredError struct {
	PositionID string
	From, To   State
}

func (e *HumanRequiredError) Error() string {
	return fmt.Sprintf("transition %s -> %s for position %s requires a human actor",
		e.From, e.To, e.PositionID)
}

// ReasonCode returns the machine-readable rejection code.
func (e *HumanRequiredError) ReasonCode() string { return "HUMAN_REQUIRED" }

// Invariant names the enforcement this error carries.
func (e *HumanRequiredError) Invariant() string { return "no-auto-retry-from-stall" }
