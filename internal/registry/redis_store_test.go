// internal/registry/redis_store_test.go
package registry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(client)
}

func TestRedisStore_GetSet(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "app:missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, store.Set(ctx, "app:req-1", []byte(`{"requestId":"req-1"}`)))

	got, err := store.Get(ctx, "app:req-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"requestId":"req-1"}`, string(got))
}

func TestRedisStore_CompareAndSet(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	// nil expected means create-only.
	require.NoError(t, store.CompareAndSet(ctx, "app:req-2", nil, []byte(`v1`)))
	err := store.CompareAndSet(ctx, "app:req-2", nil, []byte(`v1-again`))
	assert.ErrorIs(t, err, ErrCASConflict)

	require.NoError(t, store.CompareAndSet(ctx, "app:req-2", []byte(`v1`), []byte(`v2`)))

	// Stale expectation loses.
	err = store.CompareAndSet(ctx, "app:req-2", []byte(`v1`), []byte(`v3`))
	assert.ErrorIs(t, err, ErrCASConflict)

	got, err := store.Get(ctx, "app:req-2")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
}

func TestRedisStore_CompareAndSet_MissingKey(t *testing.T) {
	store := newTestRedisStore(t)

	err := store.CompareAndSet(context.Background(), "app:req-3", []byte(`v1`), []byte(`v2`))
	assert.ErrorIs(t, err, ErrCASConflict)
}

func TestRedisStore_Delete(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "draft:req-4", []byte(`{}`)))
	require.NoError(t, store.Delete(ctx, "draft:req-4"))

	_, err := store.Get(ctx, "draft:req-4")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

// The registry behaves identically over Redis and the in-memory store.
func TestRegistryOverRedis(t *testing.T) {
	store := newTestRedisStore(t)
	reg := New(store, nil)
	ctx := context.Background()

	app := sampleApplication("req-redis")
	require.NoError(t, reg.CreateApplication(ctx, app))
	require.NoError(t, reg.Advance(ctx, "req-redis", 1, 2))

	got, err := reg.GetApplication(ctx, "req-redis")
	require.NoError(t, err)
	assert.Equal(t, 2, int(got.CurrentStage))
}
