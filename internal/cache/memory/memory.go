// Package memory implements the always-available in-process cache tier.
package memory

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Store is tier 0 of the overlay: a map guarded by a RWMutex with TTL
// enforcement on read and a janitor goroutine for expired entries. It has no
// network dependency, so the system degrades to memory-only caching when
// every external tier is unreachable.
type Store struct {
	mu              sync.RWMutex
	items           map[string]entry
	stopJanitor     chan struct{}
	janitorOnce     sync.Once
	janitorInterval time.Duration
	now             func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithNow injects a time source (used by tests with a fake clock).
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a memory store. A non-positive janitorInterval defaults to
// five minutes.
func New(janitorInterval time.Duration, opts ...Option) *Store {
	if janitorInterval <= 0 {
		janitorInterval = 5 * time.Minute
	}
	s := &Store{
		items:           make(map[string]entry),
		stopJanitor:     make(chan struct{}),
		janitorInterval: janitorInterval,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.janitor()
	return s
}

// Name identifies the tier.
func (s *Store) Name() string { return "memory" }

// Get returns the payload if present and unexpired. Expired entries are
// deleted on the read path.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	now := s.now()
	if now.After(e.expiresAt) {
		s.mu.Lock()
		if cur, exists := s.items[key]; exists && now.After(cur.expiresAt) {
			delete(s.items, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set stores a copy of the payload. A non-positive TTL removes the key.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return nil
	}

	// Copy to decouple from the caller's buffer.
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	s.mu.Lock()
	s.items[key] = entry{value: valueCopy, expiresAt: s.now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

// Has reports whether the key is present and unexpired.
func (s *Store) Has(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	return ok && !s.now().After(e.expiresAt), nil
}

// Remove deletes the key.
func (s *Store) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of items currently stored, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Clear drops every entry. Registered with the pressure monitor as a
// cleanup callback.
func (s *Store) Clear() {
	s.mu.Lock()
	s.items = make(map[string]entry)
	s.mu.Unlock()
}

// Close stops the janitor goroutine. Safe to call more than once.
func (s *Store) Close() error {
	s.janitorOnce.Do(func() {
		close(s.stopJanitor)
	})
	return nil
}

func (s *Store) janitor() {
	ticker := time.NewTicker(s.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := s.now()
			s.mu.Lock()
			for k, e := range s.items {
				if now.After(e.expiresAt) {
					delete(s.items, k)
				}
			}
			s.mu.Unlock()
		case <-s.stopJanitor:
			return
		}
	}
}
