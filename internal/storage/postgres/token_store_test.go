package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenwatch/internal/domain"
	"tokenwatch/internal/storage"
)

func TestTokenStore_UpsertDiscovered(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	store := NewTokenStore(pool)

	id, created, err := store.UpsertDiscovered(ctx, &domain.Token{Mint: "MintA", Name: "Alpha", Symbol: "A"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, id)

	// Second sighting keeps the id and fills the pair once.
	id2, created, err := store.UpsertDiscovered(ctx, &domain.Token{Mint: "MintA", Pair: ptr("PairA")})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, id2)

	tok, err := store.GetByMint(ctx, "MintA")
	require.NoError(t, err)
	assert.Equal(t, "Alpha", tok.Name)
	assert.Equal(t, "PairA", tok.PairAddress())
	assert.Equal(t, domain.TokenStateLive, tok.State)

	// An existing pair is never overwritten by discovery.
	_, _, err = store.UpsertDiscovered(ctx, &domain.Token{Mint: "MintA", Pair: ptr("PairB")})
	require.NoError(t, err)
	tok, err = store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "PairA", tok.PairAddress())
}

func TestTokenStore_GetByID_NotFound(t *testing.T) {
	pool := setupTestDB(t)
	store := NewTokenStore(pool)

	_, err := store.GetByID(context.Background(), 9999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTokenStore_ListIngestable(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	store := NewTokenStore(pool)

	createToken(t, ctx, pool, "NoPair", nil)
	paired := createToken(t, ctx, pool, "Paired", ptr("PairX"))
	createToken(t, ctx, pool, "SelfPair", ptr("SelfPair"))

	tokens, err := store.ListIngestable(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, paired, tokens[0].ID)

	live, err := store.ListLive(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, live, 3)
}

func TestTokenStore_RecordPollAndPair(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	store := NewTokenStore(pool)

	id := createToken(t, ctx, pool, "MintP", nil)

	require.NoError(t, store.IncrementPairAttempts(ctx, id))
	require.NoError(t, store.IncrementPairAttempts(ctx, id))
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, store.SetPair(ctx, id, "PoolP", &created))

	require.NoError(t, store.RecordPoll(ctx, id, domain.TokenStats{HolderCount: 12, TotalSupply: ptr(1e9)}))
	require.NoError(t, store.RecordPoll(ctx, id, domain.TokenStats{HolderCount: 15}))
	require.NoError(t, store.SetPatternLabel(ctx, id, "pump"))

	tok, err := store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, tok.PairResolveAttempts)
	assert.Equal(t, "PoolP", tok.PairAddress())
	require.NotNil(t, tok.PairCreatedAt)
	assert.True(t, created.Equal(*tok.PairCreatedAt))
	assert.Equal(t, 2, tok.Iterations)
	assert.Equal(t, 15, tok.HolderCount)
	require.NotNil(t, tok.TotalSupply)
	assert.InDelta(t, 1e9, *tok.TotalSupply, 0.1)
	require.NotNil(t, tok.PatternLabel)
	assert.Equal(t, "pump", *tok.PatternLabel)

	assert.ErrorIs(t, store.SetPair(ctx, 9999, "x", nil), storage.ErrNotFound)
}
