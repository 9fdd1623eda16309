package overlay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/glimpse-proxy/glimpse/internal/core"
)

// fakeTier is an in-memory StoreDriver whose operations can be forced to
// fail, simulating an unreachable backend.
type fakeTier struct {
	name string

	mu      sync.Mutex
	data    map[string][]byte
	getErr  error
	setErr  error
	getCnt  int
	setCnt  int
	removed []string
}

func newFakeTier(name string) *fakeTier {
	return &fakeTier{name: name, data: make(map[string][]byte)}
}

func (f *fakeTier) Name() string { return f.name }

func (f *fakeTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCnt++
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeTier) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCnt++
	if f.setErr != nil {
		return f.setErr
	}
	f.data[key] = append([]byte(nil), value...)
	return nil
}

func (f *fakeTier) Has(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return false, f.getErr
	}
	_, ok := f.data[key]
	return ok, nil
}

func (f *fakeTier) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	f.removed = append(f.removed, key)
	return nil
}

func (f *fakeTier) get(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}

func TestNewRequiresTiers(t *testing.T) {
	t.Parallel()

	_, err := New(nil, zap.NewNop())
	assert.Error(t, err)
}

func TestReadYourWrites(t *testing.T) {
	t.Parallel()

	mem := newFakeTier("memory")
	broken := newFakeTier("redis")
	broken.getErr = errors.New("connection refused")
	broken.setErr = errors.New("connection refused")

	c, err := New([]core.StoreDriver{mem, broken}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", []byte("payload"), time.Hour))

	got, found := c.Get(ctx, "k", time.Hour)
	require.True(t, found, "set followed by get must hit even with all other tiers down")
	assert.Equal(t, []byte("payload"), got)
}

func TestSetFailsOnlyWhenPrimaryFails(t *testing.T) {
	t.Parallel()

	mem := newFakeTier("memory")
	slow := newFakeTier("gcs")
	slow.setErr = errors.New("unreachable")

	c, err := New([]core.StoreDriver{mem, slow}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, c.Set(ctx, "k", []byte("v"), time.Hour),
		"secondary tier failure must be non-fatal")

	mem.setErr = errors.New("primary down")
	assert.Error(t, c.Set(ctx, "k2", []byte("v"), time.Hour))
}

func TestReadHealRepopulatesFasterTiers(t *testing.T) {
	t.Parallel()

	fast := newFakeTier("memory")
	slow := newFakeTier("local")
	require.NoError(t, slow.Set(context.Background(), "k", []byte("healed"), time.Hour))

	c, err := New([]core.StoreDriver{fast, slow}, zap.NewNop())
	require.NoError(t, err)

	got, found := c.Get(context.Background(), "k", time.Hour)
	require.True(t, found)
	assert.Equal(t, []byte("healed"), got)

	c.WaitHeals()

	v, ok := fast.get("k")
	require.True(t, ok, "fast tier should be repopulated after the heal settles")
	assert.Equal(t, []byte("healed"), v)
}

func TestGetSkipsFailingTier(t *testing.T) {
	t.Parallel()

	broken := newFakeTier("memory")
	broken.getErr = errors.New("boom")
	healthy := newFakeTier("local")
	require.NoError(t, healthy.Set(context.Background(), "k", []byte("v"), time.Hour))

	c, err := New([]core.StoreDriver{broken, healthy}, zap.NewNop())
	require.NoError(t, err)

	got, found := c.Get(context.Background(), "k", time.Hour)
	require.True(t, found, "reads must fall through a failing tier")
	assert.Equal(t, []byte("v"), got)
}

func TestGetMissAllTiers(t *testing.T) {
	t.Parallel()

	c, err := New([]core.StoreDriver{newFakeTier("memory"), newFakeTier("local")}, zap.NewNop())
	require.NoError(t, err)

	_, found := c.Get(context.Background(), "absent", time.Hour)
	assert.False(t, found)
}

func TestHasAndRemoveFanOut(t *testing.T) {
	t.Parallel()

	a := newFakeTier("memory")
	b := newFakeTier("local")
	ctx := context.Background()
	require.NoError(t, b.Set(ctx, "k", []byte("v"), time.Hour))

	c, err := New([]core.StoreDriver{a, b}, zap.NewNop())
	require.NoError(t, err)

	assert.True(t, c.Has(ctx, "k"))

	c.Remove(ctx, "k")
	assert.False(t, c.Has(ctx, "k"))
	assert.Contains(t, a.removed, "k")
	assert.Contains(t, b.removed, "k")
}

func TestFirstHitWinsWithoutProbingSlowerTiers(t *testing.T) {
	t.Parallel()

	fast := newFakeTier("memory")
	slow := newFakeTier("gcs")
	ctx := context.Background()
	require.NoError(t, fast.Set(ctx, "k", []byte("v"), time.Hour))

	c, err := New([]core.StoreDriver{fast, slow}, zap.NewNop())
	require.NoError(t, err)

	_, found := c.Get(ctx, "k", time.Hour)
	require.True(t, found)

	slow.mu.Lock()
	defer slow.mu.Unlock()
	assert.Zero(t, slow.getCnt, "a fast-tier hit must not probe slower tiers")
}
