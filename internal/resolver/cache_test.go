package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewCache(client, time.Minute), mr
}

func TestCacheRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	gen, err := cache.Generation(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(1), gen)

	_, ok, err := cache.Get(ctx, 7, gen, "document:read:-")
	require.NoError(t, err)
	require.False(t, ok)

	want := Decision{Allowed: true, Source: SourceRole, Permission: "document:read"}
	require.NoError(t, cache.Put(ctx, 7, gen, "document:read:-", want))

	got, ok, err := cache.Get(ctx, 7, gen, "document:read:-")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want.Allowed, got.Allowed)
	require.Equal(t, want.Source, got.Source)
}

func TestInvalidateUserRetiresAllDecisions(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	gen, err := cache.Generation(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, cache.Put(ctx, 7, gen, "document:read:-", Decision{Allowed: true}))
	require.NoError(t, cache.Put(ctx, 7, gen, "customer:update:123", Decision{Allowed: true}))

	require.NoError(t, cache.InvalidateUser(ctx, 7))

	next, err := cache.Generation(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, gen+1, next)

	_, ok, err := cache.Get(ctx, 7, next, "document:read:-")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = cache.Get(ctx, 7, next, "customer:update:123")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInvalidationIsPerUser(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	genA, err := cache.Generation(ctx, 1)
	require.NoError(t, err)
	genB, err := cache.Generation(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, cache.Put(ctx, 2, genB, "document:read:-", Decision{Allowed: true}))

	require.NoError(t, cache.InvalidateUser(ctx, 1))

	stillB, err := cache.Generation(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, genB, stillB)
	_, ok, err := cache.Get(ctx, 2, genB, "document:read:-")
	require.NoError(t, err)
	require.True(t, ok)

	bumpedA, err := cache.Generation(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, genA+1, bumpedA)
}

func TestStaleGenerationWriteIsNeverRead(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	gen, err := cache.Generation(ctx, 7)
	require.NoError(t, err)

	// Invalidation lands between capture and write.
	require.NoError(t, cache.InvalidateUser(ctx, 7))
	require.NoError(t, cache.Put(ctx, 7, gen, "document:read:-", Decision{Allowed: true}))

	current, err := cache.Generation(ctx, 7)
	require.NoError(t, err)
	_, ok, err := cache.Get(ctx, 7, current, "document:read:-")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInvalidateUsersBumpsEveryHolder(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3} {
		_, err := cache.Generation(ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, cache.InvalidateUsers(ctx, []int64{1, 3}))

	gen1, _ := cache.Generation(ctx, 1)
	gen2, _ := cache.Generation(ctx, 2)
	gen3, _ := cache.Generation(ctx, 3)
	require.Equal(t, int64(2), gen1)
	require.Equal(t, int64(1), gen2)
	require.Equal(t, int64(2), gen3)
}

func TestNilClientDegradesToNoop(t *testing.T) {
	cache := NewCache(nil, 0)
	ctx := context.Background()

	gen, err := cache.Generation(ctx, 7)
	require.NoError(t, err)
	require.Zero(t, gen)
	require.NoError(t, cache.Put(ctx, 7, gen, "x:y:-", Decision{Allowed: true}))
	_, ok, err := cache.Get(ctx, 7, gen, "x:y:-")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, cache.InvalidateUser(ctx, 7))
}

func TestDecisionEntriesCarryTTL(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	gen, err := cache.Generation(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, cache.Put(ctx, 7, gen, "document:read:-", Decision{Allowed: true}))

	mr.FastForward(2 * time.Minute)
	_, ok, err := cache.Get(ctx, 7, gen, "document:read:-")
	require.NoError(t, err)
	require.False(t, ok)
}
