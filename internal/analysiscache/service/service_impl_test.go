package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	cachedomain "github.com/lexfabric/veredix/internal/analysiscache/domain"
	"github.com/lexfabric/veredix/internal/clock"
	"github.com/lexfabric/veredix/internal/config"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupCacheService(t *testing.T, clk clock.Clock) (cachedomain.Service, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	svc := NewService(Params{
		Redis: client,
		Log:   zap.NewNop(),
		Clock: clk,
		Cfg:   config.NewStaticAnalysisConfigHolder(config.DefaultAnalysisConfig()),
	})
	return svc, mr
}

func TestCheckCacheMissThenHit(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc, _ := setupCacheService(t, clk)
	ctx := context.Background()

	req := cachedomain.CheckRequest{
		DocumentHashes:  []string{"h1", "h2"},
		ModelVersion:    "m1",
		PromptSignature: "p1",
	}

	miss, err := svc.CheckCache(ctx, req)
	require.NoError(t, err)
	assert.False(t, miss.Hit)
	assert.NotEmpty(t, miss.Key)

	payload := json.RawMessage(`{"verdict":"ok"}`)
	require.NoError(t, svc.SaveCache(ctx, cachedomain.SaveRequest{
		DocumentHashes:  req.DocumentHashes,
		ModelVersion:    req.ModelVersion,
		PromptSignature: req.PromptSignature,
		Payload:         payload,
	}))

	clk.Advance(10 * time.Minute)
	hit, err := svc.CheckCache(ctx, req)
	require.NoError(t, err)
	require.True(t, hit.Hit)
	assert.Equal(t, miss.Key, hit.Key)
	assert.JSONEq(t, string(payload), string(hit.Data))
	assert.Equal(t, 10*time.Minute, hit.Age)
}

func TestCheckCacheHitRegardlessOfHashOrder(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc, _ := setupCacheService(t, clk)
	ctx := context.Background()

	require.NoError(t, svc.SaveCache(ctx, cachedomain.SaveRequest{
		DocumentHashes:  []string{"h1", "h2", "h3"},
		ModelVersion:    "m1",
		PromptSignature: "p1",
		Payload:         json.RawMessage(`{"verdict":"ok"}`),
	}))

	hit, err := svc.CheckCache(ctx, cachedomain.CheckRequest{
		DocumentHashes:  []string{"h3", "h2", "h1"},
		ModelVersion:    "m1",
		PromptSignature: "p1",
	})
	require.NoError(t, err)
	assert.True(t, hit.Hit)
}

func TestCheckCacheStaleAfterNewerMovement(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc, _ := setupCacheService(t, clk)
	ctx := context.Background()

	storedMovement := clk.Now().Add(-24 * time.Hour)
	require.NoError(t, svc.SaveCache(ctx, cachedomain.SaveRequest{
		DocumentHashes:  []string{"h1"},
		ModelVersion:    "m1",
		PromptSignature: "p1",
		Payload:         json.RawMessage(`{"verdict":"ok"}`),
		LastMovementAt:  &storedMovement,
	}))

	// Caller knows about a movement newer than what the entry saw.
	newer := storedMovement.Add(time.Hour)
	stale, err := svc.CheckCache(ctx, cachedomain.CheckRequest{
		DocumentHashes:  []string{"h1"},
		ModelVersion:    "m1",
		PromptSignature: "p1",
		LastMovementAt:  &newer,
	})
	require.NoError(t, err)
	assert.False(t, stale.Hit)

	// Same or older knowledge still hits.
	hit, err := svc.CheckCache(ctx, cachedomain.CheckRequest{
		DocumentHashes:  []string{"h1"},
		ModelVersion:    "m1",
		PromptSignature: "p1",
		LastMovementAt:  &storedMovement,
	})
	require.NoError(t, err)
	assert.True(t, hit.Hit)
}

func TestCheckCacheEntryWithoutMovementIsStale(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc, _ := setupCacheService(t, clk)
	ctx := context.Background()

	require.NoError(t, svc.SaveCache(ctx, cachedomain.SaveRequest{
		DocumentHashes:  []string{"h1"},
		ModelVersion:    "m1",
		PromptSignature: "p1",
		Payload:         json.RawMessage(`{"verdict":"ok"}`),
	}))

	movement := clk.Now()
	result, err := svc.CheckCache(ctx, cachedomain.CheckRequest{
		DocumentHashes:  []string{"h1"},
		ModelVersion:    "m1",
		PromptSignature: "p1",
		LastMovementAt:  &movement,
	})
	require.NoError(t, err)
	assert.False(t, result.Hit, "entry without movement info cannot satisfy a movement-aware caller")
}

func TestCheckCacheCorruptEntryIsMiss(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc, mr := setupCacheService(t, clk)
	ctx := context.Background()

	key := cachedomain.CacheFingerprint([]string{"h1"}, "m1", "p1")
	require.NoError(t, mr.Set("analysis:cache:"+key, "{not json"))

	result, err := svc.CheckCache(ctx, cachedomain.CheckRequest{
		DocumentHashes:  []string{"h1"},
		ModelVersion:    "m1",
		PromptSignature: "p1",
	})
	require.NoError(t, err)
	assert.False(t, result.Hit)
}

func TestSaveCacheValidation(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc, _ := setupCacheService(t, clk)
	ctx := context.Background()

	err := svc.SaveCache(ctx, cachedomain.SaveRequest{
		ModelVersion:    "m1",
		PromptSignature: "p1",
		Payload:         json.RawMessage(`{}`),
	})
	assert.ErrorIs(t, err, cachedomain.ErrNoDocuments)

	err = svc.SaveCache(ctx, cachedomain.SaveRequest{
		DocumentHashes:  []string{"h1"},
		PromptSignature: "p1",
		Payload:         json.RawMessage(`{}`),
	})
	assert.ErrorIs(t, err, cachedomain.ErrInvalidVersion)

	err = svc.SaveCache(ctx, cachedomain.SaveRequest{
		DocumentHashes:  []string{"h1"},
		ModelVersion:    "m1",
		PromptSignature: "p1",
		Payload:         json.RawMessage(`not json`),
	})
	assert.ErrorIs(t, err, cachedomain.ErrInvalidPayload)

	big := make([]byte, config.DefaultAnalysisConfig().MaxPayloadSizeBytes+2)
	big[0] = '"'
	for i := 1; i < len(big)-1; i++ {
		big[i] = 'x'
	}
	big[len(big)-1] = '"'
	err = svc.SaveCache(ctx, cachedomain.SaveRequest{
		DocumentHashes:  []string{"h1"},
		ModelVersion:    "m1",
		PromptSignature: "p1",
		Payload:         big,
	})
	assert.ErrorIs(t, err, cachedomain.ErrPayloadTooLarge)
}

func TestSaveCacheEntryExpires(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc, mr := setupCacheService(t, clk)
	ctx := context.Background()

	require.NoError(t, svc.SaveCache(ctx, cachedomain.SaveRequest{
		DocumentHashes:  []string{"h1"},
		ModelVersion:    "m1",
		PromptSignature: "p1",
		Payload:         json.RawMessage(`{"verdict":"ok"}`),
	}))

	mr.FastForward(config.DefaultAnalysisConfig().CacheTTL + time.Second)

	result, err := svc.CheckCache(ctx, cachedomain.CheckRequest{
		DocumentHashes:  []string{"h1"},
		ModelVersion:    "m1",
		PromptSignature: "p1",
	})
	require.NoError(t, err)
	assert.False(t, result.Hit)
}

func TestAcquireLockMutualExclusion(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc, _ := setupCacheService(t, clk)
	ctx := context.Background()
	hashes := []string{"h1", "h2"}

	first, err := svc.AcquireLock(ctx, hashes)
	require.NoError(t, err)
	require.True(t, first.Acquired)
	assert.NotEmpty(t, first.Token)
	assert.Equal(t, config.DefaultAnalysisConfig().LockTTL, first.TTL)

	second, err := svc.AcquireLock(ctx, []string{"h2", "h1"})
	require.NoError(t, err)
	assert.False(t, second.Acquired, "same document set in any order is the same lock")
	assert.Greater(t, second.TTL, time.Duration(0), "contended result carries the holder's remaining lease")

	other, err := svc.AcquireLock(ctx, []string{"h3"})
	require.NoError(t, err)
	assert.True(t, other.Acquired, "disjoint document sets lock independently")
}

func TestLockExpiresAndSelfHeals(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc, mr := setupCacheService(t, clk)
	ctx := context.Background()
	hashes := []string{"h1"}

	first, err := svc.AcquireLock(ctx, hashes)
	require.NoError(t, err)
	require.True(t, first.Acquired)

	mr.FastForward(config.DefaultAnalysisConfig().LockTTL + time.Second)

	second, err := svc.AcquireLock(ctx, hashes)
	require.NoError(t, err)
	assert.True(t, second.Acquired, "an abandoned lock frees itself by TTL")
}

func TestReleaseLockOnlyForHolder(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc, _ := setupCacheService(t, clk)
	ctx := context.Background()
	hashes := []string{"h1"}

	first, err := svc.AcquireLock(ctx, hashes)
	require.NoError(t, err)
	require.True(t, first.Acquired)

	// A stale token must not release someone else's lock.
	require.NoError(t, svc.ReleaseLock(ctx, first.LockKey, "stale-token"))
	contended, err := svc.AcquireLock(ctx, hashes)
	require.NoError(t, err)
	assert.False(t, contended.Acquired)

	require.NoError(t, svc.ReleaseLock(ctx, first.LockKey, first.Token))
	reacquired, err := svc.AcquireLock(ctx, hashes)
	require.NoError(t, err)
	assert.True(t, reacquired.Acquired)

	// Releasing twice is harmless.
	require.NoError(t, svc.ReleaseLock(ctx, first.LockKey, first.Token))
}
