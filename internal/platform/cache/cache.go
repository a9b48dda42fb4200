package cache

import (
	"context"
	"sync"
	"time"

	"github.com/stakelane/betcore-go/internal/platform/clock"
)

// Cache is the process-owned cache abstraction for derived configuration
// such as commission rates. TTL is configuration, not behavior: callers
// pass it on Set so tests can drive expiry through an injected clock.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// Memory is an in-process implementation driven by an injected clock so
// expiry is testable without wall-clock coupling.
type Memory struct {
	Clock clock.Clock

	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{Clock: clk, entries: make(map[string]memoryEntry)}
}

func (m *Memory) now() time.Time {
	if m.Clock == nil {
		return time.Now().UTC()
	}
	return m.Clock.Now().UTC()
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && !e.expiresAt.After(m.now()) {
		delete(m.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *Memory) Invalidate(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
