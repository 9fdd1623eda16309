package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func TestSetGet(t *testing.T) {
	t.Parallel()

	s := New(time.Minute)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "screenshot:abc", []byte("payload"), time.Hour))

	got, found, err := s.Get(ctx, "screenshot:abc")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("payload"), got)
}

func TestGetMissingKey(t *testing.T) {
	t.Parallel()

	s := New(time.Minute)
	t.Cleanup(func() { _ = s.Close() })

	_, found, err := s.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestExpiryOnRead(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	s := New(time.Hour, WithNow(clk.Now))
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "favicon:xyz", []byte("icon"), time.Minute))

	_, found, err := s.Get(ctx, "favicon:xyz")
	require.NoError(t, err)
	require.True(t, found)

	clk.Advance(2 * time.Minute)

	_, found, err = s.Get(ctx, "favicon:xyz")
	require.NoError(t, err)
	assert.False(t, found, "entry should expire after its TTL")
	assert.Zero(t, s.Len(), "expired entry should be deleted on read")
}

func TestSetCopiesValue(t *testing.T) {
	t.Parallel()

	s := New(time.Minute)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	buf := []byte("original")
	require.NoError(t, s.Set(ctx, "meta:k", buf, time.Hour))
	buf[0] = 'X'

	got, found, err := s.Get(ctx, "meta:k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("original"), got)
}

func TestNonPositiveTTLRemoves(t *testing.T) {
	t.Parallel()

	s := New(time.Minute)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "og:k", []byte("v"), time.Hour))
	require.NoError(t, s.Set(ctx, "og:k", []byte("v"), 0))

	has, err := s.Has(ctx, "og:k")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestHasAndRemove(t *testing.T) {
	t.Parallel()

	s := New(time.Minute)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "font:k", []byte("woff2"), time.Hour))

	has, err := s.Has(ctx, "font:k")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, s.Remove(ctx, "font:k"))
	has, err = s.Has(ctx, "font:k")
	require.NoError(t, err)
	assert.False(t, has)

	// Removing an absent key is not an error.
	require.NoError(t, s.Remove(ctx, "font:k"))
}

func TestClear(t *testing.T) {
	t.Parallel()

	s := New(time.Minute)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Hour))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), time.Hour))
	require.Equal(t, 2, s.Len())

	s.Clear()
	assert.Zero(t, s.Len())
}

func TestCloseIdempotent(t *testing.T) {
	t.Parallel()

	s := New(time.Minute)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
