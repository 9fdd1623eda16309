// Package chromedplauncher implements the pool's engine contract using
// chromedp and headless Chrome.
package chromedplauncher

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/glimpse-proxy/glimpse/internal/core"
)

// blockedURLPatterns denies non-essential subresources: trackers and heavy
// media never affect a static capture.
var blockedURLPatterns = []string{
	"*googletagmanager.com*",
	"*google-analytics.com*",
	"*doubleclick.net*",
	"*facebook.net/*/fbevents.js*",
	"*hotjar.com*",
	"*.mp4",
	"*.webm",
	"*.avi",
	"*.mov",
}

// Launcher starts headless Chrome engines.
type Launcher struct {
	userAgent string
	logger    *zap.Logger
}

// New creates a Launcher.
func New(userAgent string, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{userAgent: userAgent, logger: logger}
}

// Launch starts a Chrome process and warms up one browser context for the
// fingerprint. The minimal flag strips optional flags for the fallback
// attempt after a failed launch.
func (l *Launcher) Launch(ctx context.Context, fp core.Fingerprint, minimal bool) (core.Engine, error) {
	opts := l.allocatorOptions(fp, minimal)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	stopForward := forwardCancel(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	stopForward()
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	l.logger.Debug("launched renderer",
		zap.Int("width", fp.Width),
		zap.Int("height", fp.Height),
		zap.String("color_scheme", string(fp.ColorScheme)),
		zap.Bool("minimal", minimal),
	)

	return &Engine{
		fp:            fp,
		userAgent:     l.userAgent,
		allocCtx:      allocCtx,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

func (l *Launcher) allocatorOptions(fp core.Fingerprint, minimal bool) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.WindowSize(fp.Width, fp.Height),
	)
	if minimal {
		return opts
	}
	opts = append(opts,
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if l.userAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.userAgent))
	}
	return opts
}

// Engine is one Chrome process plus its current browser context, bound to a
// fingerprint. Owned exclusively by the pool.
type Engine struct {
	mu            sync.Mutex
	fp            core.Fingerprint
	userAgent     string
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewTab opens a tab configured for the engine's fingerprint: resource
// blocking, emulated viewport, and color scheme are applied before the
// handle is handed out.
func (e *Engine) NewTab(ctx context.Context) (core.Tab, error) {
	e.mu.Lock()
	parent := e.browserCtx
	fp := e.fp
	e.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(parent)
	tab := &Tab{ctx: tabCtx, cancel: tabCancel, fp: fp}
	if err := tab.configure(ctx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("configure tab: %w", err)
	}
	return tab, nil
}

// Rebuild tears down the browser context and constructs a fresh one for the
// new fingerprint. Existing tabs die with the old context.
func (e *Engine) Rebuild(ctx context.Context, fp core.Fingerprint) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.browserCancel()
	browserCtx, browserCancel := chromedp.NewContext(e.allocCtx)

	stopForward := forwardCancel(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	stopForward()
	if err != nil {
		browserCancel()
		return fmt.Errorf("rebuild browser context: %w", err)
	}

	e.browserCtx = browserCtx
	e.browserCancel = browserCancel
	e.fp = fp
	return nil
}

// Healthy reports whether the browser context is still live; Chrome dying
// cancels the context.
func (e *Engine) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.browserCtx.Err() == nil
}

// Close terminates the browser and its allocator.
func (e *Engine) Close(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.browserCancel()
	e.allocCancel()
	return nil
}

// Tab is one chromedp tab context.
type Tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	fp     core.Fingerprint
}

func (t *Tab) configure(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	mobile := t.fp.DeviceClass == core.DeviceMobile
	scale := 1.0
	if mobile {
		scale = 2.0
	}
	actions := chromedp.Tasks{
		network.Enable(),
		network.SetBlockedURLs(blockedURLPatterns),
		emulation.SetDeviceMetricsOverride(int64(t.fp.Width), int64(t.fp.Height), scale, mobile),
		emulation.SetEmulatedMedia().WithFeatures([]*emulation.MediaFeature{
			{Name: "prefers-color-scheme", Value: string(t.fp.ColorScheme)},
		}),
	}
	if err := chromedp.Run(runCtx, actions); err != nil {
		return fmt.Errorf("apply tab policy: %w", err)
	}
	return nil
}

// Render navigates and captures in one operation, honoring the caller's
// deadline.
func (t *Tab) Render(ctx context.Context, opts core.RenderOptions) ([]byte, error) {
	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	var buf []byte
	actions := chromedp.Tasks{
		chromedp.Navigate(opts.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		t.captureAction(opts, &buf),
	}
	if err := chromedp.Run(runCtx, actions); err != nil {
		// Report the caller's deadline as such so retry classification works.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	return buf, nil
}

func (t *Tab) captureAction(opts core.RenderOptions, buf *[]byte) chromedp.Action {
	if opts.FullPage {
		quality := 100
		if opts.Format == core.FormatJPEG && opts.Quality > 0 {
			quality = opts.Quality
		}
		return chromedp.FullScreenshot(buf, quality)
	}
	return chromedp.ActionFunc(func(ctx context.Context) error {
		capture := page.CaptureScreenshot()
		if opts.Format == core.FormatJPEG {
			capture = capture.WithFormat(page.CaptureScreenshotFormatJpeg)
			if opts.Quality > 0 {
				capture = capture.WithQuality(int64(opts.Quality))
			}
		} else {
			capture = capture.WithFormat(page.CaptureScreenshotFormatPng)
		}
		data, err := capture.Do(ctx)
		if err != nil {
			return fmt.Errorf("capture screenshot: %w", err)
		}
		*buf = data
		return nil
	})
}

// Reset fast-resets the tab to a blank page for reuse; a full
// reconfiguration only happens when the fingerprint changes, which rebuilds
// the whole context instead.
func (t *Tab) Reset(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	if err := chromedp.Run(runCtx, chromedp.Navigate("about:blank")); err != nil {
		return fmt.Errorf("reset tab: %w", err)
	}
	return nil
}

// Close destroys the tab context.
func (t *Tab) Close(_ context.Context) error {
	t.cancel()
	return nil
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
