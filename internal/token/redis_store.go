package token

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore is the authoritative token store for live deployments where
// more than one process validates tokens. Single-use is enforced with SETNX
// on a per-token used marker: the first consumer wins and every concurrent
// or later consumer observes ALREADY_USED.
type RedisStore struct {
	client  *redis.Client
	horizon time.Duration // how long used/expired evidence stays queryable
}

// NewRedisStore wraps a connected client. The cleanup horizon bounds how
// long after expiry a token remains answerable; past it Redis expires the
// keys itself and NOT_FOUND takes over, which is the documented behavior
// for garbage-collected tokens.
func NewRedisStore(client *redis.Client, horizon time.Duration) *RedisStore {
	if horizon <= 0 {
		horizon = time.Hour
	}
	return &RedisStore{client: client, horizon: horizon}
}

func tokenKey(id string) string  { return "phoenix:token:" + id }
func usedKey(id string) string   { return "phoenix:token_used:" + id }
func intentKey(id string) string { return "phoenix:intent:" + id }

// keyTTL keeps the token readable for its full validity window plus the
// cleanup horizon.
func (s *RedisStore) keyTTL(t *Token) time.Duration {
	return t.ExpiresAt.Sub(t.IssuedAt) + s.horizon
}

func (s *RedisStore) Put(ctx context.Context, t *Token) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	ttl := s.keyTTL(t)
	if err := s.client.Set(ctx, tokenKey(t.TokenID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store token %s: %w", t.TokenID, err)
	}
	if err := s.client.SAdd(ctx, intentKey(t.IntentID), t.TokenID).Err(); err != nil {
		return fmt.Errorf("failed to index token %s by intent: %w", t.TokenID, err)
	}
	if err := s.client.Expire(ctx, intentKey(t.IntentID), ttl).Err(); err != nil {
		return fmt.Errorf("failed to bound intent index ttl: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, tokenID string) (*Token, error) {
	data, err := s.client.Get(ctx, tokenKey(tokenID)).Bytes()
	if err == redis.Nil {
		return nil, &RejectionError{TokenID: tokenID, Reason: ReasonNotFound}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token %s: %w", tokenID, err)
	}

	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode token %s: %w", tokenID, err)
	}

	// The used marker is authoritative over the stored document: the SETNX
	// wins the race even if the follow-up document update was lost.
	used, err := s.client.Exists(ctx, usedKey(tokenID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check used marker for %s: %w", tokenID, err)
	}
	if used > 0 && !t.Used {
		t.Used = true
		t.Status = StatusUsed
	}
	return &t, nil
}

func (s *RedisStore) Consume(ctx context.Context, tokenID string, now time.Time) (*Token, error) {
	t, err := s.Get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if t.Used {
		return nil, &RejectionError{TokenID: tokenID, IntentID: t.IntentID, Reason: ReasonAlreadyUsed}
	}
	if t.Expired(now) {
		return nil, &RejectionError{TokenID: tokenID, IntentID: t.IntentID, Reason: ReasonExpired}
	}

	// The linearization point: exactly one caller sets the marker.
	won, err := s.client.SetNX(ctx, usedKey(tokenID), now.UTC().Format(time.RFC3339Nano), s.horizon).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mark token %s used: %w", tokenID, err)
	}
	if !won {
		return nil, &RejectionError{TokenID: tokenID, IntentID: t.IntentID, Reason: ReasonAlreadyUsed}
	}

	t.Used = true
	t.UsedAt = now
	t.Status = StatusUsed
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal consumed token: %w", err)
	}
	// Best-effort document update; the used marker already holds the truth.
	if err := s.client.Set(ctx, tokenKey(tokenID), data, s.keyTTL(t)).Err(); err != nil {
		return nil, fmt.Errorf("failed to update consumed token %s: %w", tokenID, err)
	}
	return t, nil
}

func (s *RedisStore) CountOutstanding(ctx context.Context, intentID string, now time.Time) (int, error) {
	ids, err := s.client.SMembers(ctx, intentKey(intentID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list tokens for intent %s: %w", intentID, err)
	}

	n := 0
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if err != nil {
			if Rejected(err, ReasonNotFound) {
				continue // expired out of Redis
			}
			return 0, err
		}
		if !t.Used && !t.Expired(now) {
			n++
		}
	}
	return n, nil
}

// Purge is a no-op for Redis: every key is written with a TTL covering the
// cleanup horizon, so the working set self-collects.
func (s *RedisStore) Purge(context.Context, time.Time) (int, error) {
	return 0, nil
}
