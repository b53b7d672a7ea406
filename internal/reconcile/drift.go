// Package reconcile diffs internal position bookkeeping against
// broker-reported truth. It is read-only end to end: it raises drift
// records and alerts, and never corrects anything itself.
package reconcile

import (
	"fmt"
	"time"
)

// DriftType classifies a mismatch.
type DriftType string

const (
	DriftPositionMissing DriftType = "POSITION_MISSING_ON_BROKER"
	DriftUntracked       DriftType = "UNTRACKED_ON_BROKER"
	DriftPositionSize    DriftType = "POSITION_SIZE"
	DriftFillRatio       DriftType = "FILL_RATIO"
)

// Severity grades a drift.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// DriftRecord is one detected mismatch. Resolution is a human decision
// recorded alongside; resolving a drift never edits the underlying
// position — state correction is a separate, deliberate action.
type DriftRecord struct {
	DriftID      string         `json:"drift_id"`
	DriftType    DriftType      `json:"drift_type"`
	Severity     Severity       `json:"severity"`
	DetectedAt   time.Time      `json:"detected_at"`
	PositionID   string         `json:"position_id,omitempty"`
	PhoenixState map[string]any `json:"phoenix_state,omitempty"`
	BrokerState  map[string]any `json:"broker_state,omitempty"`

	Resolved   bool      `json:"resolved"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
	Resolution string    `json:"resolution,omitempty"`
}

// dedupeKey identifies an open drift so repeated reconcile runs do not
// re-raise the same mismatch.
func (d *DriftRecord) dedupeKey() string {
	return fmt.Sprintf("%s|%s", d.PositionID, d.DriftType)
}
