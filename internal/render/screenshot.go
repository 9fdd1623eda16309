// Package render executes capture operations on leased page handles with
// hard timeouts, bounded retries, and per-origin rate limiting.
package render

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/glimpse-proxy/glimpse/internal/core"
	"github.com/glimpse-proxy/glimpse/internal/metrics"
)

const defaultTimeout = 15 * time.Second

// Config controls capture behavior.
type Config struct {
	// Timeout is the hard per-attempt deadline. Ten to twenty seconds is
	// the intended range.
	Timeout time.Duration
	// OriginQPS throttles navigations per origin host; zero disables the
	// limiter.
	OriginQPS float64
	// MaxAttempts bounds the full-operation retry budget.
	MaxAttempts int
}

// Screenshotter runs render operations on a leased tab. The lease itself is
// owned by the caller, which must release it on every exit path; the
// screenshotter never holds handles across calls.
type Screenshotter struct {
	cfg            Config
	policy         *RetryPolicy
	logger         *zap.Logger
	originLimiters sync.Map
}

// NewScreenshotter builds a Screenshotter.
func NewScreenshotter(cfg Config, logger *zap.Logger) *Screenshotter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Screenshotter{
		cfg:    cfg,
		policy: NewRetryPolicyWithAttempts(cfg.MaxAttempts),
		logger: logger,
	}
}

// Capture runs the navigate+capture operation with the configured timeout,
// retrying the whole operation within the bounded budget. A deadline hit on
// the final attempt surfaces as core.ErrRenderTimeout.
func (s *Screenshotter) Capture(ctx context.Context, tab core.Tab, opts core.RenderOptions) ([]byte, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("render url is required")
	}
	if opts.Format == "" {
		opts.Format = core.FormatPNG
	}
	if opts.Timeout <= 0 {
		opts.Timeout = s.cfg.Timeout
	}

	if err := s.waitOriginBudget(ctx, opts.URL); err != nil {
		return nil, fmt.Errorf("render rate limit: %w", err)
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; ; attempt++ {
		data, err := s.attempt(ctx, tab, opts)
		if err == nil {
			metrics.ObserveRender("ok", time.Since(start))
			return data, nil
		}
		lastErr = err

		if !s.policy.ShouldRetry(err, attempt+1) {
			break
		}
		s.logger.Warn("render attempt failed, retrying",
			zap.String("url", opts.URL),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		select {
		case <-time.After(s.policy.Backoff(attempt)):
		case <-ctx.Done():
			metrics.ObserveRender("error", time.Since(start))
			return nil, fmt.Errorf("render canceled between attempts: %w", ctx.Err())
		}
	}

	if errors.Is(lastErr, context.DeadlineExceeded) {
		metrics.ObserveRender("timeout", time.Since(start))
		return nil, fmt.Errorf("%w: %s after %s", core.ErrRenderTimeout, opts.URL, opts.Timeout)
	}
	metrics.ObserveRender("error", time.Since(start))
	return nil, fmt.Errorf("render %s: %w", opts.URL, lastErr)
}

func (s *Screenshotter) attempt(ctx context.Context, tab core.Tab, opts core.RenderOptions) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	return tab.Render(attemptCtx, opts)
}

func (s *Screenshotter) waitOriginBudget(ctx context.Context, rawURL string) error {
	if s.cfg.OriginQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse render url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := s.originLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(s.cfg.OriginQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait origin limiter: %w", err)
	}
	return nil
}
