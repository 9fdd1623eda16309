// Package pressure samples process memory and gates admission of expensive
// work, and runs the periodic maintenance sweep.
package pressure

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/glimpse-proxy/glimpse/internal/metrics"
)

const (
	defaultThreshold     = 0.85
	defaultSweepInterval = 5 * time.Minute
)

// Sampler returns used and total heap bytes. The default reads
// runtime.MemStats; tests inject fixed values.
type Sampler func() (used, total uint64)

// CleanupFunc is an idempotent, non-throwing maintenance routine invoked by
// the periodic sweep and on shutdown. Errors are logged, never propagated.
type CleanupFunc func(ctx context.Context) error

// Monitor exposes the boolean pressure signal and drives registered
// cleanups. Sampling happens on demand, not on a hot-path background
// thread.
type Monitor struct {
	threshold float64
	interval  time.Duration
	sampler   Sampler
	logger    *zap.Logger

	mu       sync.Mutex
	cleanups []namedCleanup
}

type namedCleanup struct {
	name string
	fn   CleanupFunc
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithSampler injects a memory sampler (tests force pressure on or off).
func WithSampler(s Sampler) Option {
	return func(m *Monitor) { m.sampler = s }
}

// WithThreshold overrides the heap-used/heap-total ratio above which the
// monitor reports pressure.
func WithThreshold(t float64) Option {
	return func(m *Monitor) {
		if t > 0 && t < 1 {
			m.threshold = t
		}
	}
}

// WithSweepInterval overrides the maintenance sweep interval.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// New creates a Monitor with the default runtime sampler.
func New(logger *zap.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		threshold: defaultThreshold,
		interval:  defaultSweepInterval,
		sampler:   runtimeSampler,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsUnderPressure samples memory and reports whether the heap ratio exceeds
// the threshold. Callers consult it before admitting expensive work.
func (m *Monitor) IsUnderPressure() bool {
	used, total := m.sampler()
	if total == 0 {
		return false
	}
	under := float64(used)/float64(total) > m.threshold
	if under {
		metrics.RecordPressureRejection()
	}
	return under
}

// RegisterCleanup adds a named maintenance routine. Registration order is
// preserved during the sweep.
func (m *Monitor) RegisterCleanup(name string, fn CleanupFunc) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.cleanups = append(m.cleanups, namedCleanup{name: name, fn: fn})
	m.mu.Unlock()
}

// Run blocks, invoking cleanups every sweep interval until the context
// finishes. Cleanups run regardless of pressure state; they are routine
// maintenance, not an emergency valve.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep invokes every registered cleanup once, swallowing individual
// failures.
func (m *Monitor) Sweep(ctx context.Context) {
	m.mu.Lock()
	cleanups := make([]namedCleanup, len(m.cleanups))
	copy(cleanups, m.cleanups)
	m.mu.Unlock()

	for _, c := range cleanups {
		if err := c.fn(ctx); err != nil {
			m.logger.Warn("cleanup failed",
				zap.String("cleanup", c.name),
				zap.Error(err),
			)
		}
	}
}

func runtimeSampler() (uint64, uint64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc, ms.HeapSys
}
