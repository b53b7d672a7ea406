package token

import (
	"context"
	"sync"
	"time"
)

// Store is the single authoritative home of issued tokens. Consume must be
// linearizable per token id: under true concurrent callers exactly one
// consume succeeds and every other observes ALREADY_USED.
type Store interface {
	// Put stores a freshly issued token.
	Put(ctx context.Context, t *Token) error
	// Get returns a copy of the token or a NOT_FOUND rejection.
	Get(ctx context.Context, tokenID string) (*Token, error)
	// Consume atomically flips used false->true. It is the only mutation
	// of the used flag anywhere in the system.
	Consume(ctx context.Context, tokenID string, now time.Time) (*Token, error)
	// CountOutstanding counts unexpired, unconsumed tokens for an intent.
	CountOutstanding(ctx context.Context, intentID string, now time.Time) (int, error)
	// Purge drops used and expired tokens older than the horizon from the
	// working set. The audit trail survives independently.
	Purge(ctx context.Context, horizon time.Time) (int, error)
}

// MemoryStore is the in-process authoritative store used in sim mode and in
// tests. One mutex covers the whole read-check-mark sequence in Consume,
// which makes single-use linearizable within the process.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]*Token)}
}

func (s *MemoryStore) Put(_ context.Context, t *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.TokenID] = t.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, tokenID string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenID]
	if !ok {
		return nil, &RejectionError{TokenID: tokenID, Reason: ReasonNotFound}
	}
	return t.clone(), nil
}

func (s *MemoryStore) Consume(_ context.Context, tokenID string, now time.Time) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[tokenID]
	if !ok {
		return nil, &RejectionError{TokenID: tokenID, Reason: ReasonNotFound}
	}
	if t.Used {
		return nil, &RejectionError{TokenID: tokenID, IntentID: t.IntentID, Reason: ReasonAlreadyUsed}
	}
	// A rejected consume has no side effects; the stored token is untouched.
	if t.Expired(now) {
		return nil, &RejectionError{TokenID: tokenID, IntentID: t.IntentID, Reason: ReasonExpired}
	}

	t.Used = true
	t.UsedAt = now
	t.Status = StatusUsed
	return t.clone(), nil
}

func (s *MemoryStore) CountOutstanding(_ context.Context, intentID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tokens {
		if t.IntentID == intentID && !t.Used && !t.Expired(now) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Purge(_ context.Context, horizon time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, t := range s.tokens {
		done := t.Used || t.Expired(horizon)
		aged := t.ExpiresAt.Before(horizon) || (t.Used && t.UsedAt.Before(horizon))
		if done && aged {
			delete(s.tokens, id)
			purged++
		}
	}
	return purged, nil
}
