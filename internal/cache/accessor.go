package cache

import (
	"context"
	"sync"
	"time"

	"github.com/glimpse-proxy/glimpse/internal/cache/overlay"
	"github.com/glimpse-proxy/glimpse/internal/core"
)

// Default TTLs per namespace. Font binaries are effectively immutable
// upstream assets, so they keep the longest TTL; everything else balances
// freshness against redo cost.
var defaultTTLs = map[core.Namespace]time.Duration{
	core.NamespaceScreenshot: 24 * time.Hour,
	core.NamespaceOG:         24 * time.Hour,
	core.NamespaceFont:       30 * 24 * time.Hour,
	core.NamespaceFavicon:    7 * 24 * time.Hour,
	core.NamespaceMeta:       24 * time.Hour,
}

// DefaultTTL returns the namespace default, or 24h for an unknown namespace.
func DefaultTTL(ns core.Namespace) time.Duration {
	if ttl, ok := defaultTTLs[ns]; ok {
		return ttl
	}
	return 24 * time.Hour
}

// Accessor is a thin per-namespace view over the overlay cache, binding a
// fixed default TTL. Batch operations fan out concurrently and collect
// per-key outcomes; a batch is never all-or-nothing.
type Accessor struct {
	store *overlay.Cache
	ns    core.Namespace
	ttl   time.Duration
}

// NewAccessor binds a namespace to the overlay cache with its default TTL.
func NewAccessor(store *overlay.Cache, ns core.Namespace) *Accessor {
	return &Accessor{store: store, ns: ns, ttl: DefaultTTL(ns)}
}

// Namespace returns the bound namespace.
func (a *Accessor) Namespace() core.Namespace { return a.ns }

// TTL returns the bound default TTL.
func (a *Accessor) TTL() time.Duration { return a.ttl }

// Get retrieves the payload for the key.
func (a *Accessor) Get(ctx context.Context, key string) ([]byte, bool) {
	return a.store.Get(ctx, key, a.ttl)
}

// Set stores a payload with the namespace default TTL.
func (a *Accessor) Set(ctx context.Context, key string, value []byte) error {
	return a.store.Set(ctx, key, value, a.ttl)
}

// SetTTL stores a payload with an explicit TTL overriding the default.
func (a *Accessor) SetTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = a.ttl
	}
	return a.store.Set(ctx, key, value, ttl)
}

// Has reports whether the key is cached in any tier.
func (a *Accessor) Has(ctx context.Context, key string) bool {
	return a.store.Has(ctx, key)
}

// Remove deletes the key from all tiers.
func (a *Accessor) Remove(ctx context.Context, key string) {
	a.store.Remove(ctx, key)
}

// GetMultiple fetches the given keys concurrently, returning one outcome per
// key in input order.
func (a *Accessor) GetMultiple(ctx context.Context, keys []string) []core.CacheOutcome {
	outcomes := make([]core.CacheOutcome, len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			value, found := a.store.Get(ctx, key, a.ttl)
			outcomes[i] = core.CacheOutcome{Key: key, Value: value, Found: found}
		}(i, key)
	}
	wg.Wait()
	return outcomes
}

// Entry is one key/value pair for SetMultiple.
type Entry struct {
	Key   string
	Value []byte
	TTL   time.Duration // zero means the namespace default
}

// SetMultiple stores the given entries concurrently, returning one outcome
// per entry in input order. Partial failures do not abort the batch.
func (a *Accessor) SetMultiple(ctx context.Context, entries []Entry) []core.CacheOutcome {
	outcomes := make([]core.CacheOutcome, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func(i int, e Entry) {
			defer wg.Done()
			ttl := e.TTL
			if ttl <= 0 {
				ttl = a.ttl
			}
			err := a.store.Set(ctx, e.Key, e.Value, ttl)
			outcomes[i] = core.CacheOutcome{Key: e.Key, Err: err, Found: err == nil}
		}(i, e)
	}
	wg.Wait()
	return outcomes
}

// Accessors bundles the per-namespace views handlers need.
type Accessors struct {
	Screenshots *Accessor
	OGImages    *Accessor
	Fonts       *Accessor
	Favicons    *Accessor
	Meta        *Accessor
}

// NewAccessors builds one accessor per namespace over the shared overlay.
func NewAccessors(store *overlay.Cache) *Accessors {
	return &Accessors{
		Screenshots: NewAccessor(store, core.NamespaceScreenshot),
		OGImages:    NewAccessor(store, core.NamespaceOG),
		Fonts:       NewAccessor(store, core.NamespaceFont),
		Favicons:    NewAccessor(store, core.NamespaceFavicon),
		Meta:        NewAccessor(store, core.NamespaceMeta),
	}
}

// ByNamespace returns the accessor for ns, or nil if unknown.
func (a *Accessors) ByNamespace(ns core.Namespace) *Accessor {
	switch ns {
	case core.NamespaceScreenshot:
		return a.Screenshots
	case core.NamespaceOG:
		return a.OGImages
	case core.NamespaceFont:
		return a.Fonts
	case core.NamespaceFavicon:
		return a.Favicons
	case core.NamespaceMeta:
		return a.Meta
	default:
		return nil
	}
}
