package halt

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/phoenixdesk/phoenix/internal/metrics"
)

// CascadeSLO is the soft target for full cascade completion. Exceeding it is
// reported, not failed.
const CascadeSLO = 500 * time.Millisecond

// perDependentTimeout bounds how long a cascade waits on one dependent
// before recording it as non-acknowledged.
const perDependentTimeout = 200 * time.Millisecond

// Result is the outcome of a local halt request.
type Result struct {
	Success   bool      `json:"success"`
	HaltID    string    `json:"halt_id"`
	LatencyMS float64   `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// CascadeEntry records one dependent's response to a cascade.
type CascadeEntry struct {
	ModuleID     string  `json:"module_id"`
	LatencyMS    float64 `json:"latency_ms"`
	Acknowledged bool    `json:"acknowledged"`
	// AssumedHalted marks dependents recorded as halted fail-closed even
	// though they never acknowledged; these require escalation.
	AssumedHalted bool   `json:"assumed_halted,omitempty"`
	Error         string `json:"error,omitempty"`
}

// CascadeReport is the outcome of propagating a halt across dependents.
type CascadeReport struct {
	HaltID      string         `json:"halt_id"`
	Origin      string         `json:"origin"`
	Entries     []CascadeEntry `json:"entries"`
	CompletedMS float64        `json:"completed_ms"`
	WithinSLO   bool           `json:"within_slo"`
}

// Unacknowledged lists dependents that never acknowledged the cascade.
func (r CascadeReport) Unacknowledged() []string {
	var out []string
	for _, e := range r.Entries {
		if !e.Acknowledged {
			out = append(out, e.ModuleID)
		}
	}
	return out
}

// Manager owns one module's halt signal, its dependent list and the
// acknowledgment bookkeeping for halts it originated. Dependents are held
// as module ids and resolved through the mesh at cascade time, never as
// owning pointers.
type Manager struct {
	moduleID string
	signal   Signal

	mu         sync.Mutex
	dependents []string
	acks       map[string]map[string]time.Time // halt_id -> module_id -> acked at
	mesh       *Mesh

	// now is injectable for tests that assert on timing bookkeeping.
	now func() time.Time
}

// NewManager creates a halt manager for one module. Dependents are the
// module ids this manager cascades to.
func NewManager(moduleID string, dependents ...string) *Manager {
	return &Manager{
		moduleID:   moduleID,
		dependents: append([]string(nil), dependents...),
		acks:       make(map[string]map[string]time.Time),
		now:        time.Now,
	}
}

// ModuleID returns the owning module's identifier.
func (m *Manager) ModuleID() string { return m.moduleID }

// Dependents returns a copy of the dependent module ids.
func (m *Manager) Dependents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.dependents...)
}

// AddDependent registers another module id for cascade. Duplicate adds are
// no-ops.
func (m *Manager) AddDependent(moduleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.dependents {
		if d == moduleID {
			return
		}
	}
	m.dependents = append(m.dependents, moduleID)
}

// Halted reports whether the local signal is set.
func (m *Manager) Halted() bool { return m.signal.IsSet() }

// RequestHalt sets the local halt signal. The path up to the latency
// measurement performs no I/O, no logging and no locking beyond one atomic
// swap. If a halt is already active its id is returned unchanged.
func (m *Manager) RequestHalt(reason string) Result {
	start := time.Now()
	haltID := newHaltID(m.moduleID)
	fresh := m.signal.Set(haltID, start)
	latency := time.Since(start)

	if !fresh {
		haltID, _, _ = m.signal.Snapshot()
	}
	res := Result{
		Success:   true,
		HaltID:    haltID,
		LatencyMS: float64(latency.Nanoseconds()) / 1e6,
		Timestamp: start,
	}

	// Off the hot path from here on.
	metrics.HaltRequestLatency.Observe(res.LatencyMS)
	if fresh {
		metrics.HaltsActive.Inc()
		log.Warn().
			Str("module", m.moduleID).
			Str("halt_id", haltID).
			Float64("latency_ms", res.LatencyMS).
			Str("reason", reason).
			Msg("halt signal set")
	}
	return res
}

// ClearHalt resets the local signal. Clearing an unset signal is a no-op.
func (m *Manager) ClearHalt() {
	haltID, _, wasSet := m.signal.Snapshot()
	if !wasSet {
		return
	}
	m.signal.Clear()
	metrics.HaltsActive.Dec()
	log.Info().Str("module", m.moduleID).Str("halt_id", haltID).Msg("halt signal cleared")
}

// CheckHalt is the cooperative yield point. Long-running operations call it
// at every loop iteration and before every capital-affecting action; it
// fails immediately with a typed halt error while the signal is set.
func (m *Manager) CheckHalt() error {
	haltID, setAt, set := m.signal.Snapshot()
	if !set {
		return nil
	}
	return &Error{ModuleID: m.moduleID, HaltID: haltID, SetAt: setAt}
}

// haltFromCascade applies a pushed halt from an upstream manager, keeping
// the originator's halt id so the whole cascade is correlated in audit.
func (m *Manager) haltFromCascade(haltID string, at time.Time) {
	if m.signal.Set(haltID, at) {
		metrics.HaltsActive.Inc()
	}
}

// AcknowledgeHalt records a dependent's acknowledgment of a halt this
// manager originated.
func (m *Manager) AcknowledgeHalt(haltID, fromModuleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	receipts, ok := m.acks[haltID]
	if !ok {
		receipts = make(map[string]time.Time)
		m.acks[haltID] = receipts
	}
	receipts[fromModuleID] = m.now()
}

// Acknowledgments returns the receipt set for a halt id.
func (m *Manager) Acknowledgments(haltID string) map[string]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time, len(m.acks[haltID]))
	for k, v := range m.acks[haltID] {
		out[k] = v
	}
	return out
}

// PropagateHalt walks the dependent list and pushes the halt to each,
// resolving module ids through the mesh at call time. Dependents that
// cannot be resolved or do not acknowledge within the per-dependent timeout
// are recorded as halted fail-closed and flagged for escalation. The
// cascade runs to completion; it has no cancellation of its own beyond the
// caller's context.
func (m *Manager) PropagateHalt(ctx context.Context, haltID string) CascadeReport {
	start := time.Now()
	report := CascadeReport{HaltID: haltID, Origin: m.moduleID}

	for _, depID := range m.Dependents() {
		entry := CascadeEntry{ModuleID: depID}
		depStart := time.Now()

		select {
		case <-ctx.Done():
			entry.AssumedHalted = true
			entry.Error = "cascade context cancelled: " + ctx.Err().Error()
			entry.LatencyMS = float64(time.Since(depStart).Nanoseconds()) / 1e6
			report.Entries = append(report.Entries, entry)
			continue
		default:
		}

		dep := m.lookupDependent(depID)
		if dep == nil {
			entry.AssumedHalted = true
			entry.Error = "dependent not registered in mesh"
		} else {
			done := make(chan struct{})
			go func() {
				dep.haltFromCascade(haltID, depStart)
				m.AcknowledgeHalt(haltID, depID)
				close(done)
			}()
			select {
			case <-done:
				entry.Acknowledged = true
			case <-time.After(perDependentTimeout):
				entry.AssumedHalted = true
				entry.Error = "acknowledgment timeout"
			}
		}
		entry.LatencyMS = float64(time.Since(depStart).Nanoseconds()) / 1e6
		report.Entries = append(report.Entries, entry)
	}

	elapsed := time.Since(start)
	report.CompletedMS = float64(elapsed.Nanoseconds()) / 1e6
	report.WithinSLO = elapsed <= CascadeSLO
	metrics.HaltCascadeLatency.Observe(report.CompletedMS)

	if !report.WithinSLO {
		log.Warn().
			Str("origin", m.moduleID).
			Str("halt_id", haltID).
			Float64("completed_ms", report.CompletedMS).
			Msg("halt cascade exceeded 500ms target")
	}
	return report
}

func (m *Manager) lookupDependent(moduleID string) *Manager {
	m.mu.Lock()
	mesh := m.mesh
	m.mu.Unlock()
	if mesh == nil {
		return nil
	}
	dep, ok := mesh.Lookup(moduleID)
	if !ok {
		return nil
	}
	return dep
}

func (m *Manager) attach(mesh *Mesh) {
	m.mu.Lock()
	m.mesh = mesh
	m.mu.Unlock()
}

func (m *Manager) detach() {
	m.mu.Lock()
	m.mesh = nil
	m.mu.Unlock()
}
