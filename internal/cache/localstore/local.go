// Package localstore implements the filesystem cache tier, the final
// guaranteed-durable fallback when no external backend is configured.
package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config captures the parameters for the filesystem tier.
type Config struct {
	// BaseDir is the root directory where payloads are stored.
	BaseDir string `mapstructure:"base_dir"`
}

// Store keeps one payload file per key plus a JSON sidecar holding the
// absolute expiry. Expiry is passive: checked on read, with a PurgeExpired
// walk wired into the periodic sweep.
type Store struct {
	baseDir string
	now     func() time.Time
}

type sidecar struct {
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
	StoredAt  time.Time `json:"stored_at"`
}

// Option customizes a Store.
type Option func(*Store)

// WithNow injects a time source for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a filesystem store rooted at cfg.BaseDir, creating the
// directory and verifying it is writable.
func New(cfg Config, opts ...Option) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	probe := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up probe file: %w", err)
	}

	s := &Store{baseDir: cfg.BaseDir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name identifies the tier.
func (s *Store) Name() string { return "local" }

// Get reads the payload if present and unexpired. Expired entries are
// removed on the read path.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("context canceled: %w", err)
	}
	payloadPath, metaPath, err := s.paths(key)
	if err != nil {
		return nil, false, err
	}

	meta, err := readSidecar(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read sidecar for %s: %w", key, err)
	}
	if s.now().After(meta.ExpiresAt) {
		s.removeFiles(payloadPath, metaPath)
		return nil, false, nil
	}

	data, err := os.ReadFile(payloadPath) // #nosec G304 -- path validated against baseDir
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read payload for %s: %w", key, err)
	}
	return data, true, nil
}

// Set writes the payload and its expiry sidecar.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	if ttl <= 0 {
		return s.Remove(ctx, key)
	}
	payloadPath, metaPath, err := s.paths(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(payloadPath), 0o750); err != nil {
		return fmt.Errorf("create payload dir: %w", err)
	}
	if err := os.WriteFile(payloadPath, value, 0o600); err != nil {
		return fmt.Errorf("write payload %s: %w", payloadPath, err)
	}

	now := s.now()
	raw, err := json.Marshal(sidecar{Key: key, ExpiresAt: now.Add(ttl), StoredAt: now})
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	if err := os.WriteFile(metaPath, raw, 0o600); err != nil {
		return fmt.Errorf("write sidecar %s: %w", metaPath, err)
	}
	return nil
}

// Has reports whether the key is present and unexpired.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	_, found, err := s.Get(ctx, key)
	return found, err
}

// Remove deletes the payload and sidecar. Absent files are not an error.
func (s *Store) Remove(_ context.Context, key string) error {
	payloadPath, metaPath, err := s.paths(key)
	if err != nil {
		return err
	}
	s.removeFiles(payloadPath, metaPath)
	return nil
}

// PurgeExpired walks the tree removing expired entries. Registered with the
// pressure monitor's periodic sweep.
func (s *Store) PurgeExpired(ctx context.Context) error {
	now := s.now()
	return filepath.WalkDir(s.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(p, ".meta.json") {
			return nil
		}
		meta, readErr := readSidecar(p)
		if readErr != nil {
			return nil // skip unreadable sidecars, do not abort the walk
		}
		if now.After(meta.ExpiresAt) {
			s.removeFiles(strings.TrimSuffix(p, ".meta.json"), p)
		}
		return nil
	})
}

// paths maps a storage key to its payload and sidecar files. The namespace
// prefix becomes a directory; the identity hash becomes the filename. The
// result is verified to stay under baseDir.
func (s *Store) paths(key string) (payload string, meta string, err error) {
	rel := strings.ReplaceAll(key, ":", string(filepath.Separator))
	full := filepath.Join(s.baseDir, rel)

	cleanBase := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(full), cleanBase+string(filepath.Separator)) {
		return "", "", fmt.Errorf("key %q escapes base directory", key)
	}
	return full, full + ".meta.json", nil
}

func (s *Store) removeFiles(paths ...string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			// Best-effort; an orphaned file is reclaimed by the next purge.
			continue
		}
	}
}

func readSidecar(path string) (sidecar, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- path derived from validated key
	if err != nil {
		return sidecar{}, err
	}
	var meta sidecar
	if err := json.Unmarshal(raw, &meta); err != nil {
		return sidecar{}, fmt.Errorf("decode sidecar: %w", err)
	}
	return meta, nil
}
