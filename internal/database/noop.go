package database

import (
	"context"

	"github.com/glimpse-proxy/glimpse/internal/core"
)

// NoOpStore satisfies core.AuditStore when persistence is disabled.
type NoOpStore struct{}

// NewNoOpStore returns a store that discards every event.
func NewNoOpStore() *NoOpStore { return &NoOpStore{} }

// RecordRender discards the event.
func (*NoOpStore) RecordRender(context.Context, core.RenderEvent) error { return nil }

// Close is a no-op.
func (*NoOpStore) Close() {}
