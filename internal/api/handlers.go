package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/glimpse-proxy/glimpse/internal/cache"
	"github.com/glimpse-proxy/glimpse/internal/core"
)

// ogFingerprint is the fixed viewport used when a page declares no og:image
// and the card has to be rendered instead.
var ogFingerprint = core.Fingerprint{Width: 1200, Height: 630}.Normalize()

func (s *Server) getScreenshot(w http.ResponseWriter, r *http.Request) {
	opts, err := parseRenderOptions(r)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}

	key, err := cache.ScreenshotKey(s.hasher, opts)
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "compute cache key")
		return
	}

	accessor := s.accessors.Screenshots
	start := time.Now()
	if data, ok := accessor.Get(r.Context(), key); ok {
		s.recordEvent(r.Context(), core.NamespaceScreenshot, key, opts.URL, len(data), time.Since(start), true)
		serveImage(w, data, opts.Format, true)
		return
	}

	data, err := s.renderCapture(r.Context(), opts)
	if err != nil {
		s.writeRenderError(w, err)
		return
	}
	if err := accessor.Set(r.Context(), key, data); err != nil {
		s.logger.Warn("cache screenshot", zap.String("key", key), zap.Error(err))
	}
	s.recordEvent(r.Context(), core.NamespaceScreenshot, key, opts.URL, len(data), time.Since(start), false)
	serveImage(w, data, opts.Format, false)
}

// getOGImage serves the page's declared og:image; pages without one get a
// rendered social card instead.
func (s *Server) getOGImage(w http.ResponseWriter, r *http.Request) {
	pageURL, err := requireURL(r)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}

	key, err := cache.Key(s.hasher, core.NamespaceOG, pageURL)
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "compute cache key")
		return
	}

	accessor := s.accessors.OGImages
	start := time.Now()
	if data, ok := accessor.Get(r.Context(), key); ok {
		s.recordEvent(r.Context(), core.NamespaceOG, key, pageURL, len(data), time.Since(start), true)
		serveSniffed(w, data, true)
		return
	}

	data, err := s.produceOGImage(r.Context(), pageURL)
	if err != nil {
		s.writeRenderError(w, err)
		return
	}
	if err := accessor.Set(r.Context(), key, data); err != nil {
		s.logger.Warn("cache og image", zap.String("key", key), zap.Error(err))
	}
	s.recordEvent(r.Context(), core.NamespaceOG, key, pageURL, len(data), time.Since(start), false)
	serveSniffed(w, data, false)
}

func (s *Server) getFavicon(w http.ResponseWriter, r *http.Request) {
	pageURL, err := requireURL(r)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}

	key, err := cache.Key(s.hasher, core.NamespaceFavicon, pageURL)
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "compute cache key")
		return
	}

	accessor := s.accessors.Favicons
	start := time.Now()
	if data, ok := accessor.Get(r.Context(), key); ok {
		s.recordEvent(r.Context(), core.NamespaceFavicon, key, pageURL, len(data), time.Since(start), true)
		serveSniffed(w, data, true)
		return
	}

	asset, err := s.fetcher.Favicon(r.Context(), pageURL)
	if err != nil {
		writeError(s.logger, w, http.StatusNotFound, err.Error())
		return
	}
	if err := accessor.Set(r.Context(), key, asset.Body); err != nil {
		s.logger.Warn("cache favicon", zap.String("key", key), zap.Error(err))
	}
	s.recordEvent(r.Context(), core.NamespaceFavicon, key, pageURL, len(asset.Body), time.Since(start), false)
	serveSniffed(w, asset.Body, false)
}

func (s *Server) getFont(w http.ResponseWriter, r *http.Request) {
	fontURL, err := requireURL(r)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}

	key, err := cache.Key(s.hasher, core.NamespaceFont, fontURL)
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "compute cache key")
		return
	}

	accessor := s.accessors.Fonts
	start := time.Now()
	if data, ok := accessor.Get(r.Context(), key); ok {
		s.recordEvent(r.Context(), core.NamespaceFont, key, fontURL, len(data), time.Since(start), true)
		serveFont(w, data, fontURL, true)
		return
	}

	asset, err := s.fetcher.Fetch(r.Context(), fontURL)
	if err != nil {
		writeError(s.logger, w, http.StatusBadGateway, err.Error())
		return
	}
	if asset.StatusCode != http.StatusOK {
		writeError(s.logger, w, http.StatusNotFound, fmt.Sprintf("upstream status %d", asset.StatusCode))
		return
	}
	if err := accessor.Set(r.Context(), key, asset.Body); err != nil {
		s.logger.Warn("cache font", zap.String("key", key), zap.Error(err))
	}
	s.recordEvent(r.Context(), core.NamespaceFont, key, fontURL, len(asset.Body), time.Since(start), false)
	serveFont(w, asset.Body, fontURL, false)
}

// renderCapture checks out a tab, captures, and always returns the lease.
func (s *Server) renderCapture(ctx context.Context, opts core.RenderOptions) ([]byte, error) {
	lease, err := s.pool.Acquire(ctx, opts.Fingerprint)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	return s.shots.Capture(ctx, lease.Tab, opts)
}

func (s *Server) produceOGImage(ctx context.Context, pageURL string) ([]byte, error) {
	imageURL, err := s.fetcher.OGImageURL(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	if imageURL != "" {
		asset, err := s.fetcher.Fetch(ctx, imageURL)
		if err != nil {
			return nil, err
		}
		if asset.StatusCode == http.StatusOK && len(asset.Body) > 0 {
			return asset.Body, nil
		}
	}
	return s.renderCapture(ctx, core.RenderOptions{
		URL:         pageURL,
		Fingerprint: ogFingerprint,
		Format:      core.FormatPNG,
	})
}

// recordEvent persists and publishes the render event. Both sinks are
// best-effort; delivery problems never fail the request.
func (s *Server) recordEvent(ctx context.Context, ns core.Namespace, key, rawURL string, size int, dur time.Duration, hit bool) {
	id, err := s.idGen.NewID()
	if err != nil {
		s.logger.Warn("generate event id", zap.Error(err))
		return
	}
	event := core.RenderEvent{
		ID:         id,
		Key:        key,
		URL:        rawURL,
		Namespace:  ns,
		Bytes:      size,
		DurationMs: dur.Milliseconds(),
		CacheHit:   hit,
		CreatedAt:  s.clock.Now(),
	}
	if s.audit != nil {
		if err := s.audit.RecordRender(ctx, event); err != nil {
			s.logger.Warn("record render event", zap.Error(err))
		}
	}
	if s.publisher != nil {
		payload := map[string]any{
			"request_id":  requestIDFrom(ctx),
			"event_id":    event.ID,
			"key":         event.Key,
			"url":         event.URL,
			"namespace":   string(event.Namespace),
			"bytes":       event.Bytes,
			"duration_ms": event.DurationMs,
			"cache_hit":   event.CacheHit,
		}
		if _, err := s.publisher.Publish(ctx, "render.completed", payload); err != nil {
			s.logger.Warn("publish render event", zap.Error(err))
		}
	}
}

func parseRenderOptions(r *http.Request) (core.RenderOptions, error) {
	rawURL, err := requireURL(r)
	if err != nil {
		return core.RenderOptions{}, err
	}
	q := r.URL.Query()

	fp := core.Fingerprint{}
	if fp.Width, err = intParam(q, "w", 0); err != nil {
		return core.RenderOptions{}, err
	}
	if fp.Height, err = intParam(q, "h", 0); err != nil {
		return core.RenderOptions{}, err
	}
	switch scheme := q.Get("scheme"); scheme {
	case "", string(core.ColorSchemeLight):
		fp.ColorScheme = core.ColorSchemeLight
	case string(core.ColorSchemeDark):
		fp.ColorScheme = core.ColorSchemeDark
	default:
		return core.RenderOptions{}, fmt.Errorf("invalid scheme %q", scheme)
	}
	switch device := q.Get("device"); device {
	case "", string(core.DeviceDesktop):
		fp.DeviceClass = core.DeviceDesktop
	case string(core.DeviceMobile):
		fp.DeviceClass = core.DeviceMobile
	default:
		return core.RenderOptions{}, fmt.Errorf("invalid device %q", device)
	}

	format := core.FormatPNG
	switch f := q.Get("format"); f {
	case "", string(core.FormatPNG):
	case string(core.FormatJPEG):
		format = core.FormatJPEG
	default:
		return core.RenderOptions{}, fmt.Errorf("invalid format %q", f)
	}

	quality, err := intParam(q, "quality", 0)
	if err != nil {
		return core.RenderOptions{}, err
	}
	if quality < 0 || quality > 100 {
		return core.RenderOptions{}, fmt.Errorf("quality must be in [0, 100]")
	}

	return core.RenderOptions{
		URL:         rawURL,
		Fingerprint: fp.Normalize(),
		FullPage:    q.Get("full") == "true" || q.Get("full") == "1",
		Format:      format,
		Quality:     quality,
	}, nil
}

func requireURL(r *http.Request) (string, error) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		return "", fmt.Errorf("url parameter is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("url must be absolute http(s)")
	}
	return rawURL, nil
}

func intParam(q url.Values, name string, def int) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

func serveImage(w http.ResponseWriter, data []byte, format core.ImageFormat, hit bool) {
	contentType := "image/png"
	if format == core.FormatJPEG {
		contentType = "image/jpeg"
	}
	serveBytes(w, data, contentType, hit)
}

func serveSniffed(w http.ResponseWriter, data []byte, hit bool) {
	serveBytes(w, data, http.DetectContentType(data), hit)
}

var fontContentTypes = map[string]string{
	".woff2": "font/woff2",
	".woff":  "font/woff",
	".ttf":   "font/ttf",
	".otf":   "font/otf",
}

func serveFont(w http.ResponseWriter, data []byte, fontURL string, hit bool) {
	contentType := "application/octet-stream"
	if parsed, err := url.Parse(fontURL); err == nil {
		ext := strings.ToLower(path.Ext(parsed.Path))
		if ct, ok := fontContentTypes[ext]; ok {
			contentType = ct
		}
	}
	serveBytes(w, data, contentType, hit)
}

func serveBytes(w http.ResponseWriter, data []byte, contentType string, hit bool) {
	w.Header().Set("Content-Type", contentType)
	if hit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
