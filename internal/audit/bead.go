// Package audit defines the write-only audit contract of the safety kernel.
//
// Every token issuance, lifecycle transition, halt event and drift detection
// becomes one immutable "bead" appended through an Emitter. The kernel never
// reads beads back for control decisions; the trail exists so that every
// transition can be reconstructed independently of in-memory state.
package audit

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/phoenixdesk/phoenix/internal/metrics"
)

// Bead types emitted by the kernel.
const (
	BeadHalt            = "halt"
	BeadHaltCleared     = "halt_cleared"
	BeadHaltCascade     = "halt_cascade"
	BeadTokenIssued     = "token_issued"
	BeadTokenRejected   = "token_rejected"
	BeadTokenConsumed   = "token_consumed"
	BeadTransition      = "position_transition"
	BeadDriftDetected   = "drift_detected"
	BeadDriftResolved   = "drift_resolved"
	BeadSelfCheck       = "module_self_check"
	BeadViolation       = "violation"
	BeadBrokerEscalated = "broker_escalated"
)

// Record is one audit bead.
type Record struct {
	BeadType   string         `json:"bead_type" db:"bead_type"`
	EntityID   string         `json:"entity_id" db:"entity_id"`
	PriorState string         `json:"prior_state,omitempty" db:"prior_state"`
	NewState   string         `json:"new_state,omitempty" db:"new_state"`
	Timestamp  time.Time      `json:"timestamp" db:"ts"`
	Reason     string         `json:"reason,omitempty" db:"reason"`
	Details    map[string]any `json:"details,omitempty" db:"-"`
}

// Emitter appends records to an audit sink. Emit must be safe for
// concurrent use.
type Emitter interface {
	Emit(rec Record) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(rec Record) error

func (f EmitterFunc) Emit(rec Record) error { return f(rec) }

// LogEmitter writes beads to the structured log. It is always available and
// is the sim-mode default sink.
type LogEmitter struct{}

func (LogEmitter) Emit(rec Record) error {
	log.Info().
		Str("bead_type", rec.BeadType).
		Str("entity_id", rec.EntityID).
		Str("prior_state", rec.PriorState).
		Str("new_state", rec.NewState).
		Time("ts", rec.Timestamp).
		Str("reason", rec.Reason).
		Fields(rec.Details).
		Msg("audit bead")
	return nil
}

// MultiEmitter appends to every sink and returns the first error after all
// sinks have been attempted. A failing sink never starves the others.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(rec Record) error {
	var first error
	for _, e := range m {
		if err := e.Emit(rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Append emits a record and isolates any sink failure: the failure is
// logged and counted but never propagated, so a broken audit sink cannot
// block a capital action. Callers that applied a state change before
// appending keep that change regardless.
func Append(e Emitter, rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if err := e.Emit(rec); err != nil {
		metrics.AuditEmitFailures.Inc()
		log.Error().Err(err).
			Str("bead_type", rec.BeadType).
			Str("entity_id", rec.EntityID).
			Msg("audit emission failed; record lost from sink, state change retained")
	}
}
