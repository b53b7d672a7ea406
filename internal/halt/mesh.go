package halt

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/phoenixdesk/phoenix/internal/alert"
	"github.com/phoenixdesk/phoenix/internal/audit"
)

// DependentsError is returned when deregistering a manager whose dependents
// are still registered. Fail-closed: the registration stays in place.
type DependentsError struct {
	ModuleID string
	Live     []string
}

func (e *DependentsError) Error() string {
	return fmt.Sprintf("cannot deregister %s: live dependents %v", e.ModuleID, e.Live)
}

// ReasonCode returns the machine-readable rejection code.
func (e *DependentsError) ReasonCode() string { return "LIVE_DEPENDENTS" }

// Invariant names the enforcement this error carries.
func (e *DependentsError) Invariant() string { return "orderly-shutdown" }

// ModuleStatus is one module's halt state as seen by the mesh.
type ModuleStatus struct {
	ModuleID string    `json:"module_id"`
	Halted   bool      `json:"halted"`
	HaltID   string    `json:"halt_id,omitempty"`
	SetAt    time.Time `json:"set_at,omitempty"`
}

// GlobalReport is the outcome of a mesh-wide halt.
type GlobalReport struct {
	HaltID      string            `json:"halt_id"`
	Results     map[string]Result `json:"results"`
	CompletedMS float64           `json:"completed_ms"`
}

// Mesh is the process-wide registry of halt managers. It orchestrates
// global halt and clear across every registered module and resolves the
// weak dependent references managers hold.
type Mesh struct {
	mu       sync.RWMutex
	managers map[string]*Manager

	emitter audit.Emitter
	alerter alert.Alerter
}

// NewMesh creates an empty mesh wired to the audit and alert collaborators.
func NewMesh(emitter audit.Emitter, alerter alert.Alerter) *Mesh {
	if emitter == nil {
		emitter = audit.LogEmitter{}
	}
	if alerter == nil {
		alerter = alert.LogAlerter{}
	}
	return &Mesh{
		managers: make(map[string]*Manager),
		emitter:  emitter,
		alerter:  alerter,
	}
}

// Register adds a manager to the mesh. Re-registering the same manager is a
// no-op; registering a different manager under an existing module id is a
// wiring error and is rejected.
func (m *Mesh) Register(mgr *Manager) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.managers[mgr.ModuleID()]; ok {
		if existing == mgr {
			return nil
		}
		return fmt.Errorf("module id %s already registered with a different manager", mgr.ModuleID())
	}
	m.managers[mgr.ModuleID()] = mgr
	mgr.attach(m)
	log.Info().Str("module", mgr.ModuleID()).Msg("halt manager registered")
	return nil
}

// Deregister removes a module's manager. Deregistering an unknown module is
// a no-op; deregistering a manager whose dependents are still registered is
// an error and leaves the registration in place.
func (m *Mesh) Deregister(moduleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mgr, ok := m.managers[moduleID]
	if !ok {
		return nil
	}

	var live []string
	for _, dep := range mgr.Dependents() {
		if _, stillUp := m.managers[dep]; stillUp {
			live = append(live, dep)
		}
	}
	if len(live) > 0 {
		sort.Strings(live)
		err := &DependentsError{ModuleID: moduleID, Live: live}
		m.alerter.EmitAlert(alert.LevelWarning, "deregistration refused", map[string]any{
			"module": moduleID, "live_dependents": live,
		})
		return err
	}

	delete(m.managers, moduleID)
	mgr.detach()
	log.Info().Str("module", moduleID).Msg("halt manager deregistered")
	return nil
}

// Lookup resolves a module id to its registered manager.
func (m *Mesh) Lookup(moduleID string) (*Manager, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mgr, ok := m.managers[moduleID]
	return mgr, ok
}

// Shutdown cascades a halt from the named module to its dependents and then
// deregisters it, the order the module lifecycle requires.
func (m *Mesh) Shutdown(ctx context.Context, moduleID, reason string) error {
	mgr, ok := m.Lookup(moduleID)
	if !ok {
		return nil
	}
	res := mgr.RequestHalt(reason)
	report := mgr.PropagateHalt(ctx, res.HaltID)
	m.auditCascade(report, reason)
	return m.Deregister(moduleID)
}

// GlobalHalt halts every registered module. Used by top-level emergency
// procedures and shutdown.
func (m *Mesh) GlobalHalt(reason string) GlobalReport {
	start := time.Now()

	m.mu.RLock()
	managers := make([]*Manager, 0, len(m.managers))
	for _, mgr := range m.managers {
		managers = append(managers, mgr)
	}
	m.mu.RUnlock()

	report := GlobalReport{Results: make(map[string]Result, len(managers))}
	for _, mgr := range managers {
		res := mgr.RequestHalt(reason)
		if report.HaltID == "" {
			report.HaltID = res.HaltID
		}
		report.Results[mgr.ModuleID()] = res
	}
	report.CompletedMS = float64(time.Since(start).Nanoseconds()) / 1e6

	m.alerter.EmitAlert(alert.LevelCritical, "global halt engaged", map[string]any{
		"reason": reason, "modules": len(report.Results), "completed_ms": report.CompletedMS,
	})
	audit.Append(m.emitter, audit.Record{
		BeadType: audit.BeadHalt,
		EntityID: "mesh",
		NewState: "halted",
		Reason:   reason,
		Details:  map[string]any{"modules": len(report.Results), "halt_id": report.HaltID},
	})
	return report
}

// ClearAll clears every registered module's halt signal.
func (m *Mesh) ClearAll(reason string) {
	m.mu.RLock()
	managers := make([]*Manager, 0, len(m.managers))
	for _, mgr := range m.managers {
		managers = append(managers, mgr)
	}
	m.mu.RUnlock()

	for _, mgr := range managers {
		mgr.ClearHalt()
	}
	audit.Append(m.emitter, audit.Record{
		BeadType: audit.BeadHaltCleared,
		EntityID: "mesh",
		NewState: "clear",
		Reason:   reason,
		Details:  map[string]any{"modules": len(managers)},
	})
}

// Status reports every registered module's halt state, sorted by module id.
func (m *Mesh) Status() []ModuleStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ModuleStatus, 0, len(m.managers))
	for id, mgr := range m.managers {
		st := ModuleStatus{ModuleID: id}
		if haltID, setAt, set := mgr.signal.Snapshot(); set {
			st.Halted = true
			st.HaltID = haltID
			st.SetAt = setAt
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out
}

// Cascade propagates a halt from the named origin and handles escalation
// for non-acknowledging dependents.
func (m *Mesh) Cascade(ctx context.Context, originID, haltID, reason string) (CascadeReport, error) {
	origin, ok := m.Lookup(originID)
	if !ok {
		return CascadeReport{}, fmt.Errorf("cascade origin %s not registered", originID)
	}
	report := origin.PropagateHalt(ctx, haltID)
	m.auditCascade(report, reason)
	return report, nil
}

func (m *Mesh) auditCascade(report CascadeReport, reason string) {
	if unacked := report.Unacknowledged(); len(unacked) > 0 {
		m.alerter.EmitAlert(alert.LevelCritical, "halt cascade has unacknowledged dependents", map[string]any{
			"origin": report.Origin, "halt_id": report.HaltID, "unacknowledged": unacked,
		})
	}
	audit.Append(m.emitter, audit.Record{
		BeadType: audit.BeadHaltCascade,
		EntityID: report.Origin,
		NewState: "halted",
		Reason:   reason,
		Details: map[string]any{
			"halt_id":      report.HaltID,
			"dependents":   len(report.Entries),
			"completed_ms": report.CompletedMS,
			"within_slo":   report.WithinSLO,
		},
	})
}
