// Package pool manages a bounded set of heavyweight rendering engines, each
// hosting reusable page handles matched by viewport fingerprint.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/glimpse-proxy/glimpse/internal/core"
	"github.com/glimpse-proxy/glimpse/internal/metrics"
)

// Config controls pool capacity and reclamation.
type Config struct {
	MaxRenderers        int
	MaxPagesPerRenderer int
	PageIdleTimeout     time.Duration
	RendererIdleTimeout time.Duration
	LaunchTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRenderers <= 0 {
		c.MaxRenderers = 2
	}
	if c.MaxPagesPerRenderer <= 0 {
		c.MaxPagesPerRenderer = 4
	}
	if c.PageIdleTimeout <= 0 {
		c.PageIdleTimeout = 2 * time.Minute
	}
	if c.RendererIdleTimeout <= 0 {
		c.RendererIdleTimeout = 10 * time.Minute
	}
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = 30 * time.Second
	}
	return c
}

// PressureGate is consulted before admitting an acquisition.
type PressureGate interface {
	IsUnderPressure() bool
}

type rendererState int

const (
	stateLaunching rendererState = iota
	stateReady
	stateClosing
)

type idleTab struct {
	tab   core.Tab
	since time.Time
}

// pooledRenderer owns one engine process and one execution context for a
// fixed fingerprint. All fields are guarded by the pool mutex.
type pooledRenderer struct {
	id       int
	fp       core.Fingerprint
	state    rendererState
	engine   core.Engine
	active   int
	idle     []idleTab
	lastUsed time.Time
}

// Pool is the execution context pool. Total concurrent handles never exceed
// MaxRenderers x MaxPagesPerRenderer: active counts are mutated only under
// the pool mutex, by the acquire/release pair and the sweep.
type Pool struct {
	cfg      Config
	launcher core.EngineLauncher
	gate     PressureGate
	clock    core.Clock
	logger   *zap.Logger

	mu        sync.Mutex
	renderers []*pooledRenderer
	closed    bool
	nextID    int
}

// New creates a Pool. The gate may be nil (no admission control, used by
// some tests); the launcher is required.
func New(cfg Config, launcher core.EngineLauncher, gate PressureGate, clock core.Clock, logger *zap.Logger) (*Pool, error) {
	if launcher == nil {
		return nil, fmt.Errorf("engine launcher is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:      cfg.withDefaults(),
		launcher: launcher,
		gate:     gate,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Lease is one checked-out page handle. Release must be called exactly once
// on every exit path; calling it more than once is a no-op.
type Lease struct {
	Tab core.Tab

	pool     *Pool
	renderer *pooledRenderer
	once     sync.Once
}

// Release returns the handle to the renderer's idle set.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.release(l.renderer, l.Tab)
	})
}

// Acquire returns a page handle for the requested fingerprint. Single pass:
// an exact fingerprint match with spare capacity wins; otherwise a new
// renderer is launched if under the cap; otherwise the least-loaded idle
// renderer is repurposed, paying the context reconstruction cost. When every
// renderer is busy the call fails fast with core.ErrNoResources rather than
// queueing behind multi-second renders.
func (p *Pool) Acquire(ctx context.Context, fp core.Fingerprint) (*Lease, error) {
	fp = fp.Normalize()

	if p.gate != nil && p.gate.IsUnderPressure() {
		return nil, core.ErrUnderPressure
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, core.ErrPoolClosed
	}

	// Exact fingerprint match with spare capacity.
	for _, r := range p.renderers {
		if r.state != stateReady || r.fp != fp || r.active >= p.cfg.MaxPagesPerRenderer {
			continue
		}
		r.active++
		var reuse core.Tab
		if n := len(r.idle); n > 0 {
			reuse = r.idle[n-1].tab
			r.idle = r.idle[:n-1]
		}
		p.mu.Unlock()
		return p.checkout(ctx, r, reuse)
	}

	// Under the global cap: launch a renderer for this fingerprint.
	if len(p.renderers) < p.cfg.MaxRenderers {
		r := &pooledRenderer{
			id:       p.nextID,
			fp:       fp,
			state:    stateLaunching,
			active:   1, // reservation for this acquisition
			lastUsed: p.clock.Now(),
		}
		p.nextID++
		p.renderers = append(p.renderers, r)
		p.mu.Unlock()

		engine, err := p.launch(ctx, fp)
		if err != nil {
			p.discard(r)
			return nil, fmt.Errorf("%w: launch failed: %v", core.ErrNoResources, err)
		}
		p.mu.Lock()
		r.engine = engine
		r.state = stateReady
		p.mu.Unlock()
		return p.checkout(ctx, r, nil)
	}

	// At capacity: repurpose the least-loaded renderer. Only a renderer with
	// zero checked-out handles can have its context torn down.
	victim := p.leastLoadedLocked()
	if victim == nil || victim.active > 0 {
		p.mu.Unlock()
		return nil, core.ErrNoResources
	}
	victim.state = stateLaunching
	victim.fp = fp
	victim.active = 1
	evicted := victim.idle
	victim.idle = nil
	p.mu.Unlock()

	p.closeTabs(evicted)
	rebuildCtx, cancel := context.WithTimeout(ctx, p.cfg.LaunchTimeout)
	err := victim.engine.Rebuild(rebuildCtx, fp)
	cancel()
	if err != nil {
		p.discard(victim)
		return nil, fmt.Errorf("%w: context rebuild failed: %v", core.ErrNoResources, err)
	}
	p.mu.Lock()
	victim.state = stateReady
	p.mu.Unlock()
	return p.checkout(ctx, victim, nil)
}

// launch starts an engine, retrying once with a minimal fallback
// configuration. No further retries: a failed launch is reported, not
// swallowed.
func (p *Pool) launch(ctx context.Context, fp core.Fingerprint) (core.Engine, error) {
	launchCtx, cancel := context.WithTimeout(ctx, p.cfg.LaunchTimeout)
	engine, err := p.launcher.Launch(launchCtx, fp, false)
	cancel()
	if err == nil {
		return engine, nil
	}
	p.logger.Warn("renderer launch failed, retrying with minimal configuration",
		zap.Error(err),
	)

	launchCtx, cancel = context.WithTimeout(ctx, p.cfg.LaunchTimeout)
	engine, fbErr := p.launcher.Launch(launchCtx, fp, true)
	cancel()
	if fbErr != nil {
		return nil, fmt.Errorf("launch: %v; minimal fallback: %w", err, fbErr)
	}
	return engine, nil
}

// checkout finishes an acquisition whose reservation is already counted.
// reuse, when non-nil, is an idle tab that gets a fast reset instead of a
// full reconfiguration.
func (p *Pool) checkout(ctx context.Context, r *pooledRenderer, reuse core.Tab) (*Lease, error) {
	if reuse != nil {
		if err := reuse.Reset(ctx); err != nil {
			p.logger.Debug("tab fast-reset failed, opening fresh tab", zap.Error(err))
			_ = reuse.Close(ctx)
			reuse = nil
		}
	}
	if reuse == nil {
		tab, err := r.engine.NewTab(ctx)
		if err != nil {
			p.undoReservation(r)
			return nil, fmt.Errorf("%w: open tab: %v", core.ErrNoResources, err)
		}
		reuse = tab
	}

	p.mu.Lock()
	r.lastUsed = p.clock.Now()
	p.mu.Unlock()
	p.publishStats()

	return &Lease{Tab: reuse, pool: p, renderer: r}, nil
}

func (p *Pool) release(r *pooledRenderer, tab core.Tab) {
	now := p.clock.Now()
	p.mu.Lock()
	r.active--
	r.idle = append(r.idle, idleTab{tab: tab, since: now})
	r.lastUsed = now
	p.mu.Unlock()
	p.publishStats()
}

func (p *Pool) undoReservation(r *pooledRenderer) {
	p.mu.Lock()
	r.active--
	p.mu.Unlock()
	p.publishStats()
}

// discard removes a renderer that failed to launch or rebuild, closing its
// engine if one exists.
func (p *Pool) discard(r *pooledRenderer) {
	p.mu.Lock()
	for i, cur := range p.renderers {
		if cur == r {
			p.renderers = append(p.renderers[:i], p.renderers[i+1:]...)
			break
		}
	}
	engine := r.engine
	p.mu.Unlock()
	p.publishStats()

	if engine != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := engine.Close(closeCtx); err != nil {
			p.logger.Debug("close discarded engine", zap.Error(err))
		}
	}
}

func (p *Pool) leastLoadedLocked() *pooledRenderer {
	var victim *pooledRenderer
	for _, r := range p.renderers {
		if r.state != stateReady {
			continue
		}
		if victim == nil || r.active < victim.active {
			victim = r
		}
	}
	return victim
}

// Sweep closes tabs idle beyond the page-idle timeout and renderers that
// are disconnected or idle beyond the renderer-idle timeout with zero
// checked-out handles. Registered with the pressure monitor as routine
// maintenance.
func (p *Pool) Sweep(ctx context.Context) {
	now := p.clock.Now()

	var expiredTabs []idleTab
	var deadRenderers []*pooledRenderer

	p.mu.Lock()
	for _, r := range p.renderers {
		if r.state != stateReady {
			continue
		}
		kept := r.idle[:0]
		for _, it := range r.idle {
			if now.Sub(it.since) > p.cfg.PageIdleTimeout {
				expiredTabs = append(expiredTabs, it)
			} else {
				kept = append(kept, it)
			}
		}
		r.idle = kept
	}
	survivors := p.renderers[:0]
	for _, r := range p.renderers {
		disconnected := r.state == stateReady && r.engine != nil && !r.engine.Healthy()
		idleExpired := r.state == stateReady && r.active == 0 &&
			len(r.idle) == 0 && now.Sub(r.lastUsed) > p.cfg.RendererIdleTimeout
		if disconnected || idleExpired {
			r.state = stateClosing
			expiredTabs = append(expiredTabs, r.idle...)
			r.idle = nil
			deadRenderers = append(deadRenderers, r)
			continue
		}
		survivors = append(survivors, r)
	}
	p.renderers = survivors
	p.mu.Unlock()

	p.closeTabs(expiredTabs)
	for _, r := range deadRenderers {
		if r.engine == nil {
			continue
		}
		if err := r.engine.Close(ctx); err != nil {
			p.logger.Debug("close idle renderer", zap.Int("renderer", r.id), zap.Error(err))
		}
	}
	if len(deadRenderers) > 0 {
		p.logger.Info("idle sweep reclaimed renderers", zap.Int("count", len(deadRenderers)))
	}
	p.publishStats()
}

// Shutdown closes every renderer regardless of activity, best-effort within
// the context budget. Further acquisitions fail with core.ErrPoolClosed.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	renderers := p.renderers
	p.renderers = nil
	p.mu.Unlock()

	for _, r := range renderers {
		if r.engine == nil {
			continue
		}
		if err := r.engine.Close(ctx); err != nil {
			p.logger.Debug("close renderer on shutdown", zap.Int("renderer", r.id), zap.Error(err))
		}
		if ctx.Err() != nil {
			p.logger.Warn("shutdown budget exhausted, abandoning remaining renderers")
			break
		}
	}
	p.publishStats()
}

// Stats reports the current renderer and checked-out handle counts.
func (p *Pool) Stats() (renderers, activePages int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.renderers {
		activePages += r.active
	}
	return len(p.renderers), activePages
}

func (p *Pool) publishStats() {
	renderers, active := p.Stats()
	metrics.SetPoolRenderers(renderers)
	metrics.SetPoolActivePages(active)
}

func (p *Pool) closeTabs(tabs []idleTab) {
	if len(tabs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, it := range tabs {
		if err := it.tab.Close(ctx); err != nil {
			p.logger.Debug("close idle tab", zap.Error(err))
		}
	}
}
