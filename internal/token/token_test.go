package token

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phoenixdesk/phoenix/internal/audit"
)

func testBundle(intentID string) EvidenceBundle {
	return EvidenceBundle{
		IntentID:    intentID,
		SetupFacts:  map[string]any{"pair": "EUR_USD", "side": "long"},
		RiskParams:  map[string]any{"risk_pct": 0.5, "stop_pips": 20},
		StateAnchor: "anchor-hash-1",
	}
}

func newTestIssuer(store Store) *Issuer {
	return NewIssuer(store, audit.LogEmitter{}, DefaultTTL, 3)
}

func TestIssueValidateConsumeRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	issuer := newTestIssuer(store)
	validator := NewValidator(store, nil)

	bundle := testBundle("intent-1")
	tok, err := issuer.Issue(ctx, bundle)
	require.NoError(t, err)
	assert.Equal(t, StatusIssued, tok.Status)
	assert.Equal(t, tok.IssuedAt.Add(DefaultTTL), tok.ExpiresAt)

	got, err := validator.Validate(ctx, tok.TokenID, "intent-1", bundle.Hash())
	require.NoError(t, err)
	assert.False(t, got.Used)

	consumed, err := validator.Consume(ctx, tok.TokenID)
	require.NoError(t, err)
	assert.True(t, consumed.Used)
	assert.Equal(t, StatusUsed, consumed.Status)

	// Second validation of the same token id never succeeds.
	_, err = validator.Validate(ctx, tok.TokenID, "intent-1", bundle.Hash())
	require.Error(t, err)
	assert.True(t, Rejected(err, ReasonAlreadyUsed), "got %v", err)
}

func TestValidate_RejectionOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	issuer := newTestIssuer(store)
	validator := NewValidator(store, nil)

	bundle := testBundle("intent-1")
	tok, err := issuer.Issue(ctx, bundle)
	require.NoError(t, err)

	t.Run("not found", func(t *testing.T) {
		_, err := validator.Validate(ctx, "no-such-token", "intent-1", bundle.Hash())
		assert.True(t, Rejected(err, ReasonNotFound), "got %v", err)
	})

	t.Run("intent mismatch", func(t *testing.T) {
		_, err := validator.Validate(ctx, tok.TokenID, "intent-2", bundle.Hash())
		assert.True(t, Rejected(err, ReasonIntentMismatch), "got %v", err)
	})

	t.Run("evidence mismatch", func(t *testing.T) {
		_, err := validator.Validate(ctx, tok.TokenID, "intent-1", "tampered-hash")
		assert.True(t, Rejected(err, ReasonEvidenceMismatch), "got %v", err)
	})

	t.Run("no partial side effects", func(t *testing.T) {
		got, err := store.Get(ctx, tok.TokenID)
		require.NoError(t, err)
		assert.False(t, got.Used, "rejections must not mutate the token")
	})
}

func TestValidate_ExpiredEvenIfNeverConsumed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	issuer := newTestIssuer(store)
	validator := NewValidator(store, nil)

	bundle := testBundle("intent-1")
	tok, err := issuer.Issue(ctx, bundle)
	require.NoError(t, err)

	validator.now = func() time.Time { return tok.ExpiresAt.Add(time.Second) }

	_, err = validator.Validate(ctx, tok.TokenID, "intent-1", bundle.Hash())
	assert.True(t, Rejected(err, ReasonExpired), "got %v", err)

	_, err = validator.Consume(ctx, tok.TokenID)
	assert.True(t, Rejected(err, ReasonExpired), "expired token must not be consumable, got %v", err)

	// The rejected consume leaves the stored token untouched.
	got, err := store.Get(ctx, tok.TokenID)
	require.NoError(t, err)
	assert.False(t, got.Used)
	assert.Equal(t, StatusIssued, got.Status, "a rejected consume must not mutate the stored token")
}

func TestIssue_OutstandingCap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	issuer := NewIssuer(store, nil, DefaultTTL, 2)

	bundle := testBundle("intent-1")
	_, err := issuer.Issue(ctx, bundle)
	require.NoError(t, err)
	_, err = issuer.Issue(ctx, bundle)
	require.NoError(t, err)

	_, err = issuer.Issue(ctx, bundle)
	assert.True(t, Rejected(err, ReasonOutstandingLimit), "got %v", err)

	// A different intent is unaffected.
	_, err = issuer.Issue(ctx, testBundle("intent-2"))
	assert.NoError(t, err)
}

func TestIssue_ConcurrentIssuanceRespectsCap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	issuer := NewIssuer(store, nil, DefaultTTL, 3)

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := issuer.Issue(ctx, testBundle("intent-1"))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	issued, rejected := 0, 0
	for err := range results {
		if err == nil {
			issued++
		} else {
			require.True(t, Rejected(err, ReasonOutstandingLimit), "got %v", err)
			rejected++
		}
	}
	assert.Equal(t, 3, issued, "concurrent issuance must never exceed the outstanding cap")
	assert.Equal(t, callers-3, rejected)

	outstanding, err := store.CountOutstanding(ctx, "intent-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, outstanding)
}

func TestConsume_ConcurrentCallersExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	issuer := newTestIssuer(store)
	validator := NewValidator(store, nil)

	tok, err := issuer.Issue(ctx, testBundle("intent-1"))
	require.NoError(t, err)

	const callers = 64
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := validator.Consume(ctx, tok.TokenID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins, rejections := 0, 0
	for err := range results {
		if err == nil {
			wins++
		} else {
			require.True(t, Rejected(err, ReasonAlreadyUsed), "got %v", err)
			rejections++
		}
	}
	assert.Equal(t, 1, wins, "exactly one concurrent consume must succeed")
	assert.Equal(t, callers-1, rejections)
}

func TestValidateBound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	issuer := newTestIssuer(store)
	validator := NewValidator(store, nil)

	bundle := testBundle("intent-1")
	tok, err := issuer.Issue(ctx, bundle)
	require.NoError(t, err)

	t.Run("halted fails closed", func(t *testing.T) {
		_, err := validator.ValidateBound(ctx, tok.TokenID, "intent-1", bundle.Hash(), "anchor-hash-1", true)
		assert.True(t, Rejected(err, ReasonHaltActive), "got %v", err)
	})

	t.Run("state hash drifted", func(t *testing.T) {
		_, err := validator.ValidateBound(ctx, tok.TokenID, "intent-1", bundle.Hash(), "anchor-hash-2", false)
		assert.True(t, Rejected(err, ReasonStateChanged), "got %v", err)
	})

	t.Run("anchored and clear", func(t *testing.T) {
		got, err := validator.ValidateBound(ctx, tok.TokenID, "intent-1", bundle.Hash(), "anchor-hash-1", false)
		require.NoError(t, err)
		assert.Equal(t, tok.TokenID, got.TokenID)
	})
}

func TestMemoryStore_Purge(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	expired := &Token{TokenID: "old", IntentID: "i", IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-90 * time.Minute), Status: StatusIssued}
	used := &Token{TokenID: "used", IntentID: "i", IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-90 * time.Minute), Used: true, UsedAt: now.Add(-100 * time.Minute), Status: StatusUsed}
	live := &Token{TokenID: "live", IntentID: "i", IssuedAt: now, ExpiresAt: now.Add(time.Hour), Status: StatusIssued}
	for _, tok := range []*Token{expired, used, live} {
		require.NoError(t, store.Put(ctx, tok))
	}

	purged, err := store.Purge(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	_, err = store.Get(ctx, "live")
	assert.NoError(t, err, "live token survives the purge")
	_, err = store.Get(ctx, "old")
	assert.True(t, Rejected(err, ReasonNotFound))
}

func TestEvidenceBundle_HashIsStable(t *testing.T) {
	a := testBundle("intent-1")
	b := testBundle("intent-1")
	assert.Equal(t, a.Hash(), b.Hash())

	c := testBundle("intent-1")
	c.RiskParams["risk_pct"] = 0.9
	assert.NotEqual(t, a.Hash(), c.Hash())
}
