// Package cache provides per-namespace views over the overlay cache, each
// with its own key prefix and default TTL.
package cache

import (
	"fmt"
	"strings"

	"github.com/glimpse-proxy/glimpse/internal/core"
)

// Key builds a deterministic storage key `<namespace>:<identity-hash>` from
// every parameter that affects the output byte-for-byte. Two logically
// identical requests always collide on the same key; two logically
// different ones never do, because the hash covers the full parameter list.
func Key(hasher core.Hasher, ns core.Namespace, parts ...string) (string, error) {
	if len(parts) == 0 {
		return "", fmt.Errorf("key for namespace %s needs at least one identity part", ns)
	}
	// Join with an unambiguous separator so ("a","bc") and ("ab","c")
	// hash differently.
	identity := strings.Join(parts, "\x1f")
	digest, err := hasher.Hash([]byte(identity))
	if err != nil {
		return "", fmt.Errorf("hash key identity: %w", err)
	}
	return fmt.Sprintf("%s:%s", ns, digest), nil
}

// ScreenshotKey derives the key for a screenshot request from all
// output-affecting render options.
func ScreenshotKey(hasher core.Hasher, opts core.RenderOptions) (string, error) {
	fp := opts.Fingerprint.Normalize()
	return Key(hasher, core.NamespaceScreenshot,
		opts.URL,
		fmt.Sprintf("%dx%d", fp.Width, fp.Height),
		string(fp.ColorScheme),
		string(fp.DeviceClass),
		string(opts.Format),
		fmt.Sprintf("full=%t", opts.FullPage),
		fmt.Sprintf("q=%d", opts.Quality),
	)
}
