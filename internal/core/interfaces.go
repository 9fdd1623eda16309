package core

import (
	"context"
	"time"
)

// StoreDriver is one cache tier. Implementations report failures as errors
// but never panic; the overlay treats any error as a miss and moves on.
type StoreDriver interface {
	// Name identifies the tier in logs and metrics.
	Name() string
	// Get returns the payload and whether the key was present. A backend
	// failure returns (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores the payload with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Has reports whether the key is present and unexpired.
	Has(ctx context.Context, key string) (bool, error)
	// Remove deletes the key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
}

// EngineLauncher starts rendering engines. The minimal flag requests a
// stripped-down launch configuration used as the one fallback after a
// failed launch.
type EngineLauncher interface {
	Launch(ctx context.Context, fp Fingerprint, minimal bool) (Engine, error)
}

// Engine is one rendering-engine process hosting tabs for a single
// fingerprint. Owned exclusively by the pool.
type Engine interface {
	// NewTab opens a tab configured for the engine's current fingerprint.
	NewTab(ctx context.Context) (Tab, error)
	// Rebuild tears down the execution context and reconstructs it for a
	// new fingerprint. All previously opened tabs become invalid.
	Rebuild(ctx context.Context, fp Fingerprint) error
	// Healthy reports whether the engine process is still connected.
	Healthy() bool
	// Close terminates the engine process.
	Close(ctx context.Context) error
}

// Tab is a single checked-out unit of rendering work. Checked out by exactly
// one caller at a time.
type Tab interface {
	// Render navigates and captures the artifact in one operation.
	Render(ctx context.Context, opts RenderOptions) ([]byte, error)
	// Reset returns the tab to a blank state for reuse.
	Reset(ctx context.Context) error
	// Close destroys the tab.
	Close(ctx context.Context) error
}

// Publisher pushes render-completed events to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// AuditStore persists render events.
type AuditStore interface {
	RecordRender(ctx context.Context, event RenderEvent) error
	Close()
}

// Hasher computes digests for cache key identity hashing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces request and event IDs.
type IDGenerator interface {
	NewID() (string, error)
}
