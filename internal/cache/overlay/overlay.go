// Package overlay composes ordered cache tiers into a single logical store
// with read-through, best-effort write-through, and read-heal semantics.
package overlay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/glimpse-proxy/glimpse/internal/core"
	"github.com/glimpse-proxy/glimpse/internal/metrics"
)

const (
	defaultOpTimeout   = 2 * time.Second
	defaultHealTimeout = 5 * time.Second
)

// Cache presents N tiers as one store. Reads probe tiers in priority order
// and heal faster tiers on a slower-tier hit; writes fan out in parallel and
// succeed iff tier 0 (the in-memory tier, which has no failure mode short of
// process death) succeeds. Tier failures are logged, never propagated.
type Cache struct {
	tiers       []core.StoreDriver
	logger      *zap.Logger
	opTimeout   time.Duration
	healTimeout time.Duration

	// healWG tracks in-flight heal goroutines so tests and shutdown can
	// wait for them to settle.
	healWG sync.WaitGroup
}

// Option customizes a Cache.
type Option func(*Cache)

// WithOpTimeout bounds each individual tier operation.
func WithOpTimeout(d time.Duration) Option {
	return func(c *Cache) { c.opTimeout = d }
}

// WithHealTimeout bounds the detached read-heal pass.
func WithHealTimeout(d time.Duration) Option {
	return func(c *Cache) { c.healTimeout = d }
}

// New composes the given tiers, fastest first. At least one tier is
// required; by convention the first is the in-memory store.
func New(tiers []core.StoreDriver, logger *zap.Logger, opts ...Option) (*Cache, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("at least one cache tier is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		tiers:       tiers,
		logger:      logger,
		opTimeout:   defaultOpTimeout,
		healTimeout: defaultHealTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get probes tiers in priority order and returns the first hit. Faster
// tiers that missed are repopulated by a detached best-effort goroutine so
// the next read hits the fastest tier.
func (c *Cache) Get(ctx context.Context, key string, ttl time.Duration) ([]byte, bool) {
	for i, tier := range c.tiers {
		value, found, err := c.tierGet(ctx, tier, key)
		if err != nil {
			metrics.RecordTierError(tier.Name())
			c.logger.Warn("cache tier get failed",
				zap.String("tier", tier.Name()),
				zap.String("key", key),
				zap.Error(err),
			)
			continue
		}
		if !found {
			metrics.RecordTierMiss(tier.Name())
			continue
		}
		metrics.RecordTierHit(tier.Name())
		if i > 0 {
			c.heal(key, value, ttl, c.tiers[:i])
		}
		return value, true
	}
	return nil, false
}

// Set writes to every tier in parallel. The write succeeds iff the first
// tier accepted it; failures elsewhere degrade the cache to fewer tiers but
// never fail the operation.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	errs := make([]error, len(c.tiers))
	var wg sync.WaitGroup
	for i, tier := range c.tiers {
		wg.Add(1)
		go func(i int, tier core.StoreDriver) {
			defer wg.Done()
			errs[i] = c.tierSet(ctx, tier, key, value, ttl)
		}(i, tier)
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			continue
		}
		c.logger.Warn("cache tier set failed",
			zap.String("tier", c.tiers[i].Name()),
			zap.String("key", key),
			zap.Error(err),
		)
		if i == 0 {
			return fmt.Errorf("primary tier write failed: %w", err)
		}
	}
	return nil
}

// Has reports whether any tier holds the key.
func (c *Cache) Has(ctx context.Context, key string) bool {
	for _, tier := range c.tiers {
		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
		found, err := tier.Has(opCtx, key)
		cancel()
		if err != nil {
			c.logger.Debug("cache tier has failed",
				zap.String("tier", tier.Name()),
				zap.Error(err),
			)
			continue
		}
		if found {
			return true
		}
	}
	return false
}

// Remove deletes the key from every tier, best-effort.
func (c *Cache) Remove(ctx context.Context, key string) {
	var wg sync.WaitGroup
	for _, tier := range c.tiers {
		wg.Add(1)
		go func(tier core.StoreDriver) {
			defer wg.Done()
			opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
			defer cancel()
			if err := tier.Remove(opCtx, key); err != nil {
				c.logger.Debug("cache tier remove failed",
					zap.String("tier", tier.Name()),
					zap.Error(err),
				)
			}
		}(tier)
	}
	wg.Wait()
}

// WaitHeals blocks until in-flight heal goroutines finish. Used by tests
// and graceful shutdown; normal reads never wait on heals.
func (c *Cache) WaitHeals() {
	c.healWG.Wait()
}

// heal repopulates the given faster tiers without blocking the read. The
// goroutine carries its own context so it survives the request ending; a
// concurrent Set racing the heal is last-write-wins, acceptable because
// keys encode all output-affecting parameters.
func (c *Cache) heal(key string, value []byte, ttl time.Duration, faster []core.StoreDriver) {
	c.healWG.Add(1)
	go func() {
		defer c.healWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.healTimeout)
		defer cancel()
		for _, tier := range faster {
			if err := tier.Set(ctx, key, value, ttl); err != nil {
				c.logger.Debug("read-heal failed",
					zap.String("tier", tier.Name()),
					zap.String("key", key),
					zap.Error(err),
				)
				continue
			}
			metrics.RecordHeal(tier.Name())
		}
	}()
}

func (c *Cache) tierGet(ctx context.Context, tier core.StoreDriver, key string) ([]byte, bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return tier.Get(opCtx, key)
}

func (c *Cache) tierSet(ctx context.Context, tier core.StoreDriver, key string, value []byte, ttl time.Duration) error {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return tier.Set(opCtx, key, value, ttl)
}
