package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher() *Fetcher {
	return New(Config{UserAgent: "glimpse-test", Timeout: 5 * time.Second})
}

func TestFetchReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "font/woff2")
		_, _ = w.Write([]byte("font-bytes"))
	}))
	defer srv.Close()

	asset, err := newTestFetcher().Fetch(context.Background(), srv.URL+"/fonts/inter.woff2")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, asset.StatusCode)
	assert.Equal(t, "font/woff2", asset.ContentType)
	assert.Equal(t, []byte("font-bytes"), asset.Body)
}

func TestFetchRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	f := New(Config{Timeout: 5 * time.Second, MaxBodyBytes: 1024})
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestFetchRequiresURL(t *testing.T) {
	_, err := newTestFetcher().Fetch(context.Background(), "")
	require.Error(t, err)
}

func TestFaviconPrefersDeclaredLink(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><link rel="icon" href="/static/icon.png"></head></html>`))
	})
	mux.HandleFunc("/static/icon.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("declared-icon"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	asset, err := newTestFetcher().Favicon(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, []byte("declared-icon"), asset.Body)
	assert.Equal(t, srv.URL+"/static/icon.png", asset.URL)
}

func TestFaviconFallsBackToWellKnownPath(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>no icon here</title></head></html>`))
	})
	mux.HandleFunc("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/x-icon")
		_, _ = w.Write([]byte("fallback-icon"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	asset, err := newTestFetcher().Favicon(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, []byte("fallback-icon"), asset.Body)
}

func TestFaviconSurfacesMissingIcon(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html></html>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := newTestFetcher().Favicon(context.Background(), srv.URL+"/")
	require.Error(t, err)
}

func TestOGImageURLResolvesRelative(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><meta property="og:image" content="/img/card.png"></head></html>`))
	}))
	defer srv.Close()

	got, err := newTestFetcher().OGImageURL(context.Background(), srv.URL+"/article")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/img/card.png", got)
}

func TestOGImageURLEmptyWhenUndeclared(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head></head></html>`))
	}))
	defer srv.Close()

	got, err := newTestFetcher().OGImageURL(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Empty(t, got)
}
