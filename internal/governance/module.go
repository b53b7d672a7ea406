package governance

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/phoenixdesk/phoenix/internal/audit"
	"github.com/phoenixdesk/phoenix/internal/halt"
	"github.com/phoenixdesk/phoenix/internal/token"
)

// Invariant is one safety property a module declares and enforces. The
// enforcement text is hashed during self-check so an external auditor can
// detect when the check itself changed.
type Invariant struct {
	Name        string
	Enforcement string
	Check       func() bool
}

// ContentHash fingerprints the invariant's enforcement description.
func (i Invariant) ContentHash() string {
	return ContentHash(i.Name, i.Enforcement)
}

// SelfCheckResult is one invariant's pass/fail plus enforcement fingerprint.
type SelfCheckResult struct {
	Invariant   string `json:"invariant"`
	Passed      bool   `json:"passed"`
	ContentHash string `json:"content_hash"`
}

// Module is the capability contract every kernel module implements.
// Implementers embed *Core for everything except identity construction and
// ProcessState, which must be deterministic in its inputs.
type Module interface {
	ModuleID() string
	Tier() Tier
	EnforcedInvariants() []Invariant
	HaltManager() *halt.Manager
	CheckHalt() error
	StateHash() string
	CheckTierPermission(action, target string) error
	ReportViolation(err error)

	// ProcessState applies one deterministic state-processing step.
	ProcessState(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Core supplies the default implementations of the governance contract.
type Core struct {
	id         string
	tier       Tier
	invariants []Invariant
	manager    *halt.Manager
	emitter    audit.Emitter

	mu        sync.Mutex
	stateHash string
}

// NewCore builds the shared part of a module. Dependents are the module ids
// this module cascades halts to.
func NewCore(id string, tier Tier, invariants []Invariant, dependents ...string) *Core {
	return &Core{
		id:         id,
		tier:       tier,
		invariants: invariants,
		manager:    halt.NewManager(id, dependents...),
		emitter:    audit.LogEmitter{},
	}
}

func (c *Core) ModuleID() string                 { return c.id }
func (c *Core) Tier() Tier                       { return c.tier }
func (c *Core) EnforcedInvariants() []Invariant  { return c.invariants }
func (c *Core) HaltManager() *halt.Manager       { return c.manager }
func (c *Core) CheckHalt() error                 { return c.manager.CheckHalt() }

// StateHash returns the hash computed at the last UpdateStateHash call.
func (c *Core) StateHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateHash
}

// UpdateStateHash recomputes the module's state hash from its current
// mutable state.
func (c *Core) UpdateStateHash(state map[string]any) (string, error) {
	h, err := StateHash(state)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.stateHash = h
	c.mu.Unlock()
	return h, nil
}

// Initialize wires the module into the mesh, runs the self-check and
// computes the initial state hash. A failed invariant aborts initialization.
func (c *Core) Initialize(mesh *halt.Mesh, emitter audit.Emitter, initialState map[string]any) ([]SelfCheckResult, error) {
	if emitter != nil {
		c.emitter = emitter
	}
	if err := mesh.Register(c.manager); err != nil {
		return nil, fmt.Errorf("failed to register %s with halt mesh: %w", c.id, err)
	}

	results := c.SelfCheck()
	for _, r := range results {
		if !r.Passed {
			return results, fmt.Errorf("module %s failed self-check: invariant %s", c.id, r.Invariant)
		}
	}

	if _, err := c.UpdateStateHash(initialState); err != nil {
		return results, fmt.Errorf("module %s initial state not hashable: %w", c.id, err)
	}

	log.Info().
		Str("module", c.id).
		Str("tier", c.tier.String()).
		Int("invariants", len(results)).
		Str("state_hash", c.StateHash()).
		Msg("module initialized")
	return results, nil
}

// SelfCheck runs every declared invariant and audits the outcome with the
// enforcement content hash.
func (c *Core) SelfCheck() []SelfCheckResult {
	results := make([]SelfCheckResult, 0, len(c.invariants))
	for _, inv := range c.invariants {
		r := SelfCheckResult{
			Invariant:   inv.Name,
			Passed:      inv.Check == nil || inv.Check(),
			ContentHash: inv.ContentHash(),
		}
		results = append(results, r)
		audit.Append(c.emitter, audit.Record{
			BeadType: audit.BeadSelfCheck,
			EntityID: c.id,
			NewState: map[bool]string{true: "pass", false: "fail"}[r.Passed],
			Reason:   inv.Name,
			Details:  map[string]any{"content_hash": r.ContentHash},
		})
	}
	return results
}

// CheckTierPermission consults the fixed tier table before any mutation.
func (c *Core) CheckTierPermission(action, target string) error {
	return CheckTierPermission(c.id, c.tier, action, target)
}

// ValidateT2Action gates a human-approved capital action: the caller must be
// tier T2, the halt signal must be clear, and the token must validate
// against the intent, evidence and the module's current state hash.
func (c *Core) ValidateT2Action(ctx context.Context, v *token.Validator, action, tokenID, intentID, evidenceHash string) (*token.Token, error) {
	if c.tier != TierT2 {
		err := &TierViolationError{ModuleID: c.id, Tier: c.tier, Action: action, Target: TargetCapital}
		c.ReportViolation(err)
		return nil, err
	}
	if err := c.manager.CheckHalt(); err != nil {
		return nil, err
	}
	return v.ValidateBound(ctx, tokenID, intentID, evidenceHash, c.StateHash(), false)
}

// ReportViolation audits a violation; it never downgrades or swallows it.
func (c *Core) ReportViolation(err error) {
	reason := "violation"
	if coded, ok := err.(interface{ ReasonCode() string }); ok {
		reason = coded.ReasonCode()
	}
	audit.Append(c.emitter, audit.Record{
		BeadType: audit.BeadViolation,
		EntityID: c.id,
		Reason:   reason,
		Details:  map[string]any{"error": err.Error()},
	})
	log.Error().Err(err).Str("module", c.id).Msg("governance violation reported")
}
