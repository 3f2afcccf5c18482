package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	mu     sync.Mutex
	data   map[string]string
	getErr error
	sets   int
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string]string)}
}

func (f *fakeCache) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return "", false, f.getErr
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	f.data[key] = value
	return nil
}

func (f *fakeCache) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeCache) MGet(_ context.Context, _ ...string) (map[string]string, error) {
	return nil, nil
}

func (f *fakeCache) SetNX(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	f.data[key] = value
	return true, nil
}

func (f *fakeCache) Scan(_ context.Context, _ string, fn func(string) error) error {
	f.mu.Lock()
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	f.mu.Unlock()
	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

type fakeDevices struct {
	vehicles map[string]string
	err      error
	lookups  int
}

func (f *fakeDevices) FindVehicleByDeviceID(_ context.Context, deviceID string) (string, error) {
	f.lookups++
	if f.err != nil {
		return "", f.err
	}
	return f.vehicles[deviceID], nil
}

func newResolver(cache *fakeCache, devices *fakeDevices) *Resolver {
	return NewResolver(5*time.Minute, cache, devices, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestResolveFromDurableStorePopulatesCaches(t *testing.T) {
	cache := newFakeCache()
	devices := &fakeDevices{vehicles: map[string]string{"d1": "v1"}}
	r := newResolver(cache, devices)
	ctx := context.Background()

	v, err := r.Resolve(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.Equal(t, 1, devices.lookups)
	assert.Equal(t, "v1", cache.data["device:d1:vehicle"])

	// second resolve is served from the local tier
	v, err = r.Resolve(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.Equal(t, 1, devices.lookups)
}

func TestResolveFromSharedCache(t *testing.T) {
	cache := newFakeCache()
	cache.data["device:d1:vehicle"] = "v1"
	devices := &fakeDevices{}
	r := newResolver(cache, devices)

	v, err := r.Resolve(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.Zero(t, devices.lookups)
}

func TestUnregisteredDeviceIsNegativelyCached(t *testing.T) {
	cache := newFakeCache()
	devices := &fakeDevices{vehicles: map[string]string{}}
	r := newResolver(cache, devices)
	ctx := context.Background()

	v, err := r.Resolve(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, v)
	assert.Equal(t, "-", cache.data["device:ghost:vehicle"], "absence is cached with a sentinel")

	_, err = r.Resolve(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, 1, devices.lookups, "negative result must not re-hit the durable store")
}

func TestSharedCacheFailureFallsThrough(t *testing.T) {
	cache := newFakeCache()
	cache.getErr = errors.New("redis down")
	devices := &fakeDevices{vehicles: map[string]string{"d1": "v1"}}
	r := newResolver(cache, devices)

	v, err := r.Resolve(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.Equal(t, 1, devices.lookups)
}

func TestDurableStoreFailurePropagates(t *testing.T) {
	cache := newFakeCache()
	devices := &fakeDevices{err: errors.New("pg down")}
	r := newResolver(cache, devices)

	_, err := r.Resolve(context.Background(), "d1")
	require.Error(t, err)
}

func TestInvalidateDropsBothTiers(t *testing.T) {
	cache := newFakeCache()
	devices := &fakeDevices{vehicles: map[string]string{"d1": "v1"}}
	r := newResolver(cache, devices)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "d1")
	require.NoError(t, err)

	r.Invalidate(ctx, "d1")
	assert.NotContains(t, cache.data, "device:d1:vehicle")

	devices.vehicles["d1"] = "v2"
	v, err := r.Resolve(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestInvalidateAllScansSharedCache(t *testing.T) {
	cache := newFakeCache()
	devices := &fakeDevices{vehicles: map[string]string{"d1": "v1", "d2": "v2"}}
	r := newResolver(cache, devices)
	ctx := context.Background()

	_, _ = r.Resolve(ctx, "d1")
	_, _ = r.Resolve(ctx, "d2")
	require.Len(t, cache.data, 2)

	require.NoError(t, r.InvalidateAll(ctx))
	assert.Empty(t, cache.data)
}
