package token

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	redismock "github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisFixture(t *testing.T) (*RedisStore, redismock.ClientMock, *Token) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client, time.Hour)

	issued := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	tok := &Token{
		TokenID:      "tok-1",
		IntentID:     "intent-1",
		EvidenceHash: "evidence-hash",
		StateAnchor:  "anchor-hash",
		IssuedAt:     issued,
		ExpiresAt:    issued.Add(DefaultTTL),
		Status:       StatusIssued,
	}
	return store, mock, tok
}

func TestRedisStore_Put(t *testing.T) {
	store, mock, tok := redisFixture(t)
	data, err := json.Marshal(tok)
	require.NoError(t, err)
	ttl := DefaultTTL + time.Hour

	mock.ExpectSet("phoenix:token:tok-1", data, ttl).SetVal("OK")
	mock.ExpectSAdd("phoenix:intent:intent-1", "tok-1").SetVal(1)
	mock.ExpectExpire("phoenix:intent:intent-1", ttl).SetVal(true)

	require.NoError(t, store.Put(context.Background(), tok))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_GetMergesUsedMarker(t *testing.T) {
	store, mock, tok := redisFixture(t)
	data, err := json.Marshal(tok)
	require.NoError(t, err)

	mock.ExpectGet("phoenix:token:tok-1").SetVal(string(data))
	mock.ExpectExists("phoenix:token_used:tok-1").SetVal(1)

	got, err := store.Get(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.True(t, got.Used, "used marker is authoritative over the document")
	assert.Equal(t, StatusUsed, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_ConsumeWinsRace(t *testing.T) {
	store, mock, tok := redisFixture(t)
	data, err := json.Marshal(tok)
	require.NoError(t, err)
	now := tok.IssuedAt.Add(time.Minute)

	consumed := *tok
	consumed.Used = true
	consumed.UsedAt = now
	consumed.Status = StatusUsed
	consumedData, err := json.Marshal(&consumed)
	require.NoError(t, err)

	mock.ExpectGet("phoenix:token:tok-1").SetVal(string(data))
	mock.ExpectExists("phoenix:token_used:tok-1").SetVal(0)
	mock.ExpectSetNX("phoenix:token_used:tok-1", now.UTC().Format(time.RFC3339Nano), time.Hour).SetVal(true)
	mock.ExpectSet("phoenix:token:tok-1", consumedData, DefaultTTL+time.Hour).SetVal("OK")

	got, err := store.Consume(context.Background(), "tok-1", now)
	require.NoError(t, err)
	assert.True(t, got.Used)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_ConsumeLosesRace(t *testing.T) {
	store, mock, tok := redisFixture(t)
	data, err := json.Marshal(tok)
	require.NoError(t, err)
	now := tok.IssuedAt.Add(time.Minute)

	// Document still unconsumed, but another process wins the SETNX.
	mock.ExpectGet("phoenix:token:tok-1").SetVal(string(data))
	mock.ExpectExists("phoenix:token_used:tok-1").SetVal(0)
	mock.ExpectSetNX("phoenix:token_used:tok-1", now.UTC().Format(time.RFC3339Nano), time.Hour).SetVal(false)

	_, err = store.Consume(context.Background(), "tok-1", now)
	assert.True(t, Rejected(err, ReasonAlreadyUsed), "got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_GetNotFound(t *testing.T) {
	store, mock, _ := redisFixture(t)
	mock.ExpectGet("phoenix:token:missing").RedisNil()

	_, err := store.Get(context.Background(), "missing")
	assert.True(t, Rejected(err, ReasonNotFound), "got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}
