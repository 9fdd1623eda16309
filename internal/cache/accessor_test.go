package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/glimpse-proxy/glimpse/internal/cache/overlay"
	"github.com/glimpse-proxy/glimpse/internal/core"
	"github.com/glimpse-proxy/glimpse/internal/hash/sha256"
)

// recordingTier captures the TTL of every Set so tests can assert namespace
// defaults are applied.
type recordingTier struct {
	mu     sync.Mutex
	data   map[string][]byte
	ttls   map[string]time.Duration
	setErr error
}

func newRecordingTier() *recordingTier {
	return &recordingTier{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (r *recordingTier) Name() string { return "recording" }

func (r *recordingTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.data[key]
	return v, ok, nil
}

func (r *recordingTier) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.setErr != nil {
		return r.setErr
	}
	r.data[key] = append([]byte(nil), value...)
	r.ttls[key] = ttl
	return nil
}

func (r *recordingTier) Has(_ context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.data[key]
	return ok, nil
}

func (r *recordingTier) Remove(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data, key)
	return nil
}

func (r *recordingTier) ttlOf(key string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ttls[key]
}

func newTestOverlay(t *testing.T, tier core.StoreDriver) *overlay.Cache {
	t.Helper()
	c, err := overlay.New([]core.StoreDriver{tier}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestNamespaceDefaultTTLs(t *testing.T) {
	t.Parallel()

	cases := []struct {
		ns   core.Namespace
		want time.Duration
	}{
		{core.NamespaceScreenshot, 24 * time.Hour},
		{core.NamespaceOG, 24 * time.Hour},
		{core.NamespaceFont, 30 * 24 * time.Hour},
		{core.NamespaceFavicon, 7 * 24 * time.Hour},
		{core.NamespaceMeta, 24 * time.Hour},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DefaultTTL(tc.ns), "namespace %s", tc.ns)
	}
	assert.Equal(t, 24*time.Hour, DefaultTTL(core.Namespace("unknown")))
}

func TestSetAppliesNamespaceDefault(t *testing.T) {
	t.Parallel()

	tier := newRecordingTier()
	acc := NewAccessor(newTestOverlay(t, tier), core.NamespaceFavicon)

	require.NoError(t, acc.Set(context.Background(), "favicon:abc", []byte("icon")))
	assert.Equal(t, 7*24*time.Hour, tier.ttlOf("favicon:abc"))
}

func TestSetTTLOverride(t *testing.T) {
	t.Parallel()

	tier := newRecordingTier()
	acc := NewAccessor(newTestOverlay(t, tier), core.NamespaceScreenshot)

	ctx := context.Background()
	require.NoError(t, acc.SetTTL(ctx, "screenshot:x", []byte("png"), time.Hour))
	assert.Equal(t, time.Hour, tier.ttlOf("screenshot:x"))

	// Non-positive override falls back to the namespace default.
	require.NoError(t, acc.SetTTL(ctx, "screenshot:y", []byte("png"), 0))
	assert.Equal(t, 24*time.Hour, tier.ttlOf("screenshot:y"))
}

func TestGetSetRoundTrip(t *testing.T) {
	t.Parallel()

	acc := NewAccessor(newTestOverlay(t, newRecordingTier()), core.NamespaceOG)
	ctx := context.Background()

	require.NoError(t, acc.Set(ctx, "og:k", []byte("card")))

	got, found := acc.Get(ctx, "og:k")
	require.True(t, found)
	assert.Equal(t, []byte("card"), got)

	assert.True(t, acc.Has(ctx, "og:k"))
	acc.Remove(ctx, "og:k")
	assert.False(t, acc.Has(ctx, "og:k"))
}

func TestGetMultiplePartialHits(t *testing.T) {
	t.Parallel()

	tier := newRecordingTier()
	acc := NewAccessor(newTestOverlay(t, tier), core.NamespaceFont)
	ctx := context.Background()

	require.NoError(t, acc.Set(ctx, "font:a", []byte("A")))
	require.NoError(t, acc.Set(ctx, "font:c", []byte("C")))

	outcomes := acc.GetMultiple(ctx, []string{"font:a", "font:b", "font:c"})
	require.Len(t, outcomes, 3)

	assert.True(t, outcomes[0].Found)
	assert.Equal(t, []byte("A"), outcomes[0].Value)
	assert.False(t, outcomes[1].Found)
	assert.True(t, outcomes[2].Found)
	assert.Equal(t, []byte("C"), outcomes[2].Value)
}

func TestSetMultipleCollectsPartialFailures(t *testing.T) {
	t.Parallel()

	tier := newRecordingTier()
	acc := NewAccessor(newTestOverlay(t, tier), core.NamespaceMeta)
	ctx := context.Background()

	outcomes := acc.SetMultiple(ctx, []Entry{
		{Key: "meta:a", Value: []byte("1")},
		{Key: "meta:b", Value: []byte("2"), TTL: time.Minute},
	})
	require.Len(t, outcomes, 2)
	assert.NoError(t, outcomes[0].Err)
	assert.NoError(t, outcomes[1].Err)
	assert.Equal(t, 24*time.Hour, tier.ttlOf("meta:a"))
	assert.Equal(t, time.Minute, tier.ttlOf("meta:b"))

	tier.setErr = errors.New("tier down")
	outcomes = acc.SetMultiple(ctx, []Entry{
		{Key: "meta:c", Value: []byte("3")},
		{Key: "meta:d", Value: []byte("4")},
	})
	require.Len(t, outcomes, 2)
	assert.Error(t, outcomes[0].Err, "each entry reports its own failure")
	assert.Error(t, outcomes[1].Err)
}

func TestKeyDeterministicAndCollisionFree(t *testing.T) {
	t.Parallel()

	hasher := sha256.New()

	k1, err := Key(hasher, core.NamespaceScreenshot, "https://example.com", "1280x720", "light")
	require.NoError(t, err)
	k2, err := Key(hasher, core.NamespaceScreenshot, "https://example.com", "1280x720", "light")
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "identical parameters must produce identical keys")

	k3, err := Key(hasher, core.NamespaceScreenshot, "https://example.com", "1280x720", "dark")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3, "differing parameters must produce distinct keys")

	// Ambiguous concatenation must not collide.
	kA, err := Key(hasher, core.NamespaceMeta, "a", "bc")
	require.NoError(t, err)
	kB, err := Key(hasher, core.NamespaceMeta, "ab", "c")
	require.NoError(t, err)
	assert.NotEqual(t, kA, kB)

	_, err = Key(hasher, core.NamespaceMeta)
	assert.Error(t, err)
}

func TestScreenshotKeyCoversRenderOptions(t *testing.T) {
	t.Parallel()

	hasher := sha256.New()
	base := core.RenderOptions{
		URL:         "https://example.com",
		Fingerprint: core.Fingerprint{Width: 1280, Height: 720},
		Format:      core.FormatPNG,
	}

	k1, err := ScreenshotKey(hasher, base)
	require.NoError(t, err)
	assert.True(t, len(k1) > len("screenshot:"))
	assert.Contains(t, k1, "screenshot:")

	dark := base
	dark.Fingerprint.ColorScheme = core.ColorSchemeDark
	k2, err := ScreenshotKey(hasher, dark)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	full := base
	full.FullPage = true
	k3, err := ScreenshotKey(hasher, full)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestAccessorsByNamespace(t *testing.T) {
	t.Parallel()

	accs := NewAccessors(newTestOverlay(t, newRecordingTier()))
	for _, ns := range []core.Namespace{
		core.NamespaceScreenshot, core.NamespaceOG, core.NamespaceFont,
		core.NamespaceFavicon, core.NamespaceMeta,
	} {
		acc := accs.ByNamespace(ns)
		require.NotNil(t, acc, "namespace %s", ns)
		assert.Equal(t, ns, acc.Namespace())
	}
	assert.Nil(t, accs.ByNamespace(core.Namespace("bogus")))
}
