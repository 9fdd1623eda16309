// Package gcsstore implements the durable object-storage cache tier on GCS.
package gcsstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"cloud.google.com/go/storage"
)

// expiresAtKey is the object metadata key carrying the absolute expiry.
const expiresAtKey = "glimpse-expires-at"

// Config controls the GCS tier.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// Store is the GCS-backed tier. Expiry is recorded in object metadata and
// checked passively on read; bucket lifecycle rules may also reap objects,
// so bounded staleness between the two is accepted.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
	now    func() time.Time
}

// New creates a GCS store and verifies the bucket is reachable, failing
// fast on misconfiguration. Authentication uses Application Default
// Credentials.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("get gcs bucket %q attributes: %w", cfg.Bucket, err)
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		now:    time.Now,
	}, nil
}

// Name identifies the tier.
func (s *Store) Name() string { return "gcs" }

func (s *Store) objectName(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// Get reads the object and applies the metadata expiry. Expired objects are
// reported absent and removed best-effort.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	obj := s.client.Bucket(s.bucket).Object(s.objectName(key))

	attrs, err := obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("gcs attrs: %w", err)
	}
	if s.expired(attrs.Metadata) {
		_ = obj.Delete(ctx)
		return nil, false, nil
	}

	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("gcs reader: %w", err)
	}
	defer r.Close() //nolint:errcheck // read errors surface below

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, fmt.Errorf("gcs read object: %w", err)
	}
	return data, true, nil
}

// Set uploads the payload with the expiry recorded in object metadata.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Remove(ctx, key)
	}
	wc := s.client.Bucket(s.bucket).Object(s.objectName(key)).NewWriter(ctx)
	wc.Metadata = map[string]string{
		expiresAtKey: s.now().Add(ttl).UTC().Format(time.RFC3339),
	}
	if _, err := wc.Write(value); err != nil {
		_ = wc.Close()
		return fmt.Errorf("gcs write object %s: %w", key, err)
	}
	// Close finalizes the upload and flushes buffered data.
	if err := wc.Close(); err != nil {
		return fmt.Errorf("gcs close writer for %s: %w", key, err)
	}
	return nil
}

// Has reports whether the object exists and is unexpired.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	attrs, err := s.client.Bucket(s.bucket).Object(s.objectName(key)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gcs attrs: %w", err)
	}
	return !s.expired(attrs.Metadata), nil
}

// Remove deletes the object. An absent object is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(s.objectName(key)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}

func (s *Store) expired(metadata map[string]string) bool {
	raw, ok := metadata[expiresAtKey]
	if !ok {
		return false
	}
	expiresAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		// Unparseable expiry means the object predates this scheme; keep it.
		return false
	}
	return s.now().After(expiresAt)
}
