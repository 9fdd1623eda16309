// Package fetch retrieves single remote assets over HTTP using gocolly.
// It is the producer side for the favicon and font namespaces and the
// discovery step for og:image URLs; no crawling, one URL per call.
package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
}

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxBodyBytes = 8 << 20
)

// Asset is one fetched remote resource.
type Asset struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
}

// Fetcher executes single HTTP GETs through a shared base collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher with a pooled transport.
func New(cfg Config) *Fetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch performs one GET and returns the body.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Asset, error) {
	if rawURL == "" {
		return Asset{}, fmt.Errorf("fetch: url is required")
	}
	var (
		result   Asset
		fetchErr error
	)
	start := time.Now()

	collector := f.newCollector()
	collector.OnResponse(func(r *colly.Response) {
		result = Asset{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: r.Headers.Get("Content-Type"),
			Body:        append([]byte(nil), r.Body...),
			Duration:    time.Since(start),
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := f.runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		return Asset{}, err
	}
	if len(result.Body) > f.cfg.MaxBodyBytes {
		return Asset{}, fmt.Errorf("fetch: body exceeds %d bytes", f.cfg.MaxBodyBytes)
	}
	return result, nil
}

// Favicon resolves and fetches the icon for a page: <link rel=icon> when the
// page declares one, /favicon.ico otherwise.
func (f *Fetcher) Favicon(ctx context.Context, pageURL string) (Asset, error) {
	base, err := url.Parse(pageURL)
	if err != nil || base.Host == "" {
		return Asset{}, fmt.Errorf("favicon: invalid page url %q", pageURL)
	}

	iconHref, err := f.discoverAttr(ctx, pageURL, `link[rel*="icon"]`, "href")
	if err != nil {
		// Page fetch failures still allow the well-known path.
		iconHref = ""
	}
	iconURL := base.ResolveReference(&url.URL{Path: "/favicon.ico"}).String()
	if iconHref != "" {
		if resolved, perr := base.Parse(iconHref); perr == nil {
			iconURL = resolved.String()
		}
	}

	asset, err := f.Fetch(ctx, iconURL)
	if err != nil {
		return Asset{}, fmt.Errorf("favicon: %w", err)
	}
	if asset.StatusCode != http.StatusOK {
		return Asset{}, fmt.Errorf("favicon: unexpected status %d for %s", asset.StatusCode, iconURL)
	}
	return asset, nil
}

// OGImageURL extracts the og:image URL declared by a page, resolved against
// the page URL. Empty string when the page declares none.
func (f *Fetcher) OGImageURL(ctx context.Context, pageURL string) (string, error) {
	base, err := url.Parse(pageURL)
	if err != nil || base.Host == "" {
		return "", fmt.Errorf("og image: invalid page url %q", pageURL)
	}
	content, err := f.discoverAttr(ctx, pageURL, `meta[property="og:image"]`, "content")
	if err != nil {
		return "", fmt.Errorf("og image: %w", err)
	}
	if content == "" {
		return "", nil
	}
	resolved, err := base.Parse(strings.TrimSpace(content))
	if err != nil {
		return "", fmt.Errorf("og image: resolve %q: %w", content, err)
	}
	return resolved.String(), nil
}

// discoverAttr fetches a page and returns the first matching attribute value.
func (f *Fetcher) discoverAttr(ctx context.Context, pageURL, selector, attr string) (string, error) {
	var (
		value    string
		fetchErr error
	)
	collector := f.newCollector()
	collector.OnHTML(selector, func(e *colly.HTMLElement) {
		if value == "" {
			value = e.Attr(attr)
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})
	if err := f.runCollector(ctx, collector, pageURL, &fetchErr); err != nil {
		return "", err
	}
	return value, nil
}

func (f *Fetcher) newCollector() *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	return collector
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, rawURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("fetch visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("fetch response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
