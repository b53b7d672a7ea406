package token

import (
	"context"
	"time"

	"github.com/phoenixdesk/phoenix/internal/audit"
	"github.com/phoenixdesk/phoenix/internal/metrics"
)

// Validator checks tokens immediately before a gated action. Validation has
// no side effects on the token; only Consume flips the used flag.
type Validator struct {
	store   Store
	emitter audit.Emitter

	now func() time.Time
}

// NewValidator wires a validator to the authoritative store and audit sink.
func NewValidator(store Store, emitter audit.Emitter) *Validator {
	if emitter == nil {
		emitter = audit.LogEmitter{}
	}
	return &Validator{store: store, emitter: emitter, now: time.Now}
}

// Validate checks, in order: existence, not already used, not expired,
// intent match, evidence match. Every failure returns a typed rejection and
// appends an audit record; none mutates the token.
func (v *Validator) Validate(ctx context.Context, tokenID, intentID, evidenceHash string) (*Token, error) {
	t, err := v.store.Get(ctx, tokenID)
	if err != nil {
		if rej, ok := err.(*RejectionError); ok {
			v.reject(tokenID, intentID, rej.Reason)
		}
		return nil, err
	}

	switch {
	case t.Used:
		return nil, v.reject(tokenID, intentID, ReasonAlreadyUsed)
	case t.Expired(v.now()):
		return nil, v.reject(tokenID, intentID, ReasonExpired)
	case t.IntentID != intentID:
		return nil, v.reject(tokenID, intentID, ReasonIntentMismatch)
	case t.EvidenceHash != evidenceHash:
		return nil, v.reject(tokenID, intentID, ReasonEvidenceMismatch)
	}
	return t, nil
}

// ValidateBound performs the full tier-2 validation: the halt signal must be
// clear and the token's state anchor must still match the module's current
// state hash. A token issued against one state hash cannot authorize an
// action once that hash has changed underneath it.
func (v *Validator) ValidateBound(ctx context.Context, tokenID, intentID, evidenceHash, currentStateHash string, halted bool) (*Token, error) {
	if halted {
		return nil, v.reject(tokenID, intentID, ReasonHaltActive)
	}
	t, err := v.Validate(ctx, tokenID, intentID, evidenceHash)
	if err != nil {
		return nil, err
	}
	if t.StateAnchor != "" && t.StateAnchor != currentStateHash {
		return nil, v.reject(tokenID, intentID, ReasonStateChanged)
	}
	return t, nil
}

// Consume atomically marks the token used. It is the only mutation of the
// used flag; the store guarantees exactly one concurrent caller succeeds.
func (v *Validator) Consume(ctx context.Context, tokenID string) (*Token, error) {
	t, err := v.store.Consume(ctx, tokenID, v.now())
	if err != nil {
		if rej, ok := err.(*RejectionError); ok {
			v.reject(tokenID, rej.IntentID, rej.Reason)
		}
		return nil, err
	}

	metrics.TokensConsumed.Inc()
	audit.Append(v.emitter, audit.Record{
		BeadType:   audit.BeadTokenConsumed,
		EntityID:   t.TokenID,
		PriorState: string(StatusIssued),
		NewState:   string(StatusUsed),
		Reason:     "gated action submitted",
		Details:    map[string]any{"intent_id": t.IntentID, "used_at": t.UsedAt},
	})
	return t, nil
}

func (v *Validator) reject(tokenID, intentID string, reason Reason) *RejectionError {
	metrics.TokensRejected.WithLabelValues(string(reason)).Inc()
	audit.Append(v.emitter, audit.Record{
		BeadType: audit.BeadTokenRejected,
		EntityID: tokenID,
		NewState: string(StatusRejected),
		Reason:   string(reason),
		Details:  map[string]any{"intent_id": intentID},
	})
	return &RejectionError{TokenID: tokenID, IntentID: intentID, Reason: reason}
}
