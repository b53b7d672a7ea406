package token

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/phoenixdesk/phoenix/internal/audit"
	"github.com/phoenixdesk/phoenix/internal/metrics"
)

// Issuer creates tokens when a human approves an evidence bundle. The
// per-intent outstanding cap prevents farming approvals for replay.
type Issuer struct {
	store          Store
	emitter        audit.Emitter
	ttl            time.Duration
	maxOutstanding int

	// mu serializes the count-check-put sequence so concurrent issuance
	// cannot slip past the outstanding cap between the count and the put.
	mu  sync.Mutex
	now func() time.Time
}

// NewIssuer wires an issuer to the authoritative store and audit sink.
func NewIssuer(store Store, emitter audit.Emitter, ttl time.Duration, maxOutstanding int) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxOutstanding < 1 {
		maxOutstanding = 3
	}
	if emitter == nil {
		emitter = audit.LogEmitter{}
	}
	return &Issuer{
		store:          store,
		emitter:        emitter,
		ttl:            ttl,
		maxOutstanding: maxOutstanding,
		now:            time.Now,
	}
}

// Issue creates a single-use token bound to the bundle's intent, evidence
// hash and state anchor. Issuance fails when the intent already holds the
// maximum number of outstanding tokens.
func (i *Issuer) Issue(ctx context.Context, bundle EvidenceBundle) (*Token, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := i.now()

	outstanding, err := i.store.CountOutstanding(ctx, bundle.IntentID, now)
	if err != nil {
		return nil, err
	}
	if outstanding >= i.maxOutstanding {
		rej := &RejectionError{IntentID: bundle.IntentID, Reason: ReasonOutstandingLimit}
		audit.Append(i.emitter, audit.Record{
			BeadType: audit.BeadTokenRejected,
			EntityID: bundle.IntentID,
			Reason:   string(ReasonOutstandingLimit),
			Details:  map[string]any{"outstanding": outstanding, "cap": i.maxOutstanding},
		})
		metrics.TokensRejected.WithLabelValues(string(ReasonOutstandingLimit)).Inc()
		return nil, rej
	}

	t := &Token{
		TokenID:      uuid.New().String(),
		IntentID:     bundle.IntentID,
		EvidenceHash: bundle.Hash(),
		StateAnchor:  bundle.StateAnchor,
		IssuedAt:     now,
		ExpiresAt:    now.Add(i.ttl),
		Status:       StatusIssued,
	}
	if err := i.store.Put(ctx, t); err != nil {
		return nil, err
	}

	metrics.TokensIssued.Inc()
	audit.Append(i.emitter, audit.Record{
		BeadType: audit.BeadTokenIssued,
		EntityID: t.TokenID,
		NewState: string(StatusIssued),
		Reason:   "human approval of evidence bundle",
		Details: map[string]any{
			"intent_id":     t.IntentID,
			"evidence_hash": t.EvidenceHash,
			"state_anchor":  t.StateAnchor,
			"expires_at":    t.ExpiresAt,
		},
	})
	log.Info().
		Str("token_id", t.TokenID).
		Str("intent_id", t.IntentID).
		Time("expires_at", t.ExpiresAt).
		Msg("approval token issued")
	return t.clone(), nil
}

// Sweep purges used and expired tokens that aged past the cleanup horizon.
func (i *Issuer) Sweep(ctx context.Context, horizon time.Duration) (int, error) {
	return i.store.Purge(ctx, i.now().Add(-horizon))
}
