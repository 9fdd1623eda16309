package localstore_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimpse-proxy/glimpse/internal/cache/localstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := localstore.New(localstore.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := localstore.New(localstore.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		f, err := os.CreateTemp(t.TempDir(), "occupied")
		require.NoError(t, err)
		require.NoError(t, f.Close())

		_, err = localstore.New(localstore.Config{BaseDir: f.Name()})
		assert.Error(t, err)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		base := filepath.Join(t.TempDir(), "nested", "cache")
		store, err := localstore.New(localstore.Config{BaseDir: base})
		require.NoError(t, err)
		assert.NotNil(t, store)
		info, err := os.Stat(base)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})
}

func TestSetGetRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := localstore.New(localstore.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	ctx := context.Background()
	key := "screenshot:0a1b2c3d"
	require.NoError(t, store.Set(ctx, key, []byte{0x89, 'P', 'N', 'G'}, time.Hour))

	got, found, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, got)
}

func TestGetAbsentKey(t *testing.T) {
	t.Parallel()

	store, err := localstore.New(localstore.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, found, err := store.Get(context.Background(), "favicon:missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPassiveExpiry(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	base := t.TempDir()
	store, err := localstore.New(localstore.Config{BaseDir: base}, localstore.WithNow(clk.Now))
	require.NoError(t, err)

	ctx := context.Background()
	key := "og:deadbeef"
	require.NoError(t, store.Set(ctx, key, []byte("image"), time.Minute))

	clk.Advance(2 * time.Minute)

	_, found, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	// Expired files are removed on the read path.
	_, statErr := os.Stat(filepath.Join(base, "og", "deadbeef"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestKeyEscapingBaseDirRejected(t *testing.T) {
	t.Parallel()

	store, err := localstore.New(localstore.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	err = store.Set(context.Background(), "..:..:etc:passwd", []byte("nope"), time.Hour)
	assert.Error(t, err)
}

func TestRemove(t *testing.T) {
	t.Parallel()

	store, err := localstore.New(localstore.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "font:abc", []byte("woff2"), time.Hour))
	require.NoError(t, store.Remove(ctx, "font:abc"))

	has, err := store.Has(ctx, "font:abc")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, store.Remove(ctx, "font:abc"))
}

func TestPurgeExpired(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	store, err := localstore.New(localstore.Config{BaseDir: t.TempDir()}, localstore.WithNow(clk.Now))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "meta:short", []byte("a"), time.Minute))
	require.NoError(t, store.Set(ctx, "meta:long", []byte("b"), time.Hour))

	clk.Advance(10 * time.Minute)
	require.NoError(t, store.PurgeExpired(ctx))

	hasShort, err := store.Has(ctx, "meta:short")
	require.NoError(t, err)
	assert.False(t, hasShort)

	hasLong, err := store.Has(ctx, "meta:long")
	require.NoError(t, err)
	assert.True(t, hasLong)
}
