package cache

import (
	"context"
	"sync"
	"time"

	"github.com/marketfoundry/storefront-engine/internal/adapter"
	"github.com/marketfoundry/storefront-engine/internal/domain"
)

// Cache memoizes expensive scan results keyed by request shape. Entries are
// immutable once written: the ledger is append-only, so a stale entry is
// outdated, never incorrect. Staleness is bounded by the TTL and cut short
// by explicit invalidation when a sale is observed.
type Cache interface {
	// Get returns the cached snapshot for the request shape, if present
	// and unexpired
	Get(ctx context.Context, spec KeySpec) (*domain.CollectionSnapshot, bool, error)

	// Put stores a snapshot under the request shape. A partial snapshot is
	// stored as-is: its partial marker travels with it.
	Put(ctx context.Context, spec KeySpec, snapshot *domain.CollectionSnapshot, ttl time.Duration) error

	// InvalidateCollection drops every entry scoped to the collection
	InvalidateCollection(ctx context.Context, collectionID string) error
}

// memoryCache is the in-process implementation: a TTL map plus a per-scope
// key index for invalidation
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	byScope map[string]map[string]bool
	clock   adapter.Clock
}

type memoryEntry struct {
	snapshot  *domain.CollectionSnapshot
	scope     string
	expiresAt time.Time
}

// NewMemory creates an in-memory cache
func NewMemory(clock adapter.Clock) Cache {
	return &memoryCache{
		entries: make(map[string]memoryEntry),
		byScope: make(map[string]map[string]bool),
		clock:   clock,
	}
}

func (c *memoryCache) Get(_ context.Context, spec KeySpec) (*domain.CollectionSnapshot, bool, error) {
	key, err := spec.Key()
	if err != nil {
		return nil, false, err
	}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if c.clock.Now().After(entry.expiresAt) {
		// Expired entries are dropped lazily on the next read
		c.mu.Lock()
		c.removeLocked(key, entry.scope)
		c.mu.Unlock()
		return nil, false, nil
	}
	return entry.snapshot, true, nil
}

func (c *memoryCache) Put(_ context.Context, spec KeySpec, snapshot *domain.CollectionSnapshot, ttl time.Duration) error {
	key, err := spec.Key()
	if err != nil {
		return err
	}
	scope := spec.Normalize().Scope

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = memoryEntry{
		snapshot:  snapshot,
		scope:     scope,
		expiresAt: c.clock.Now().Add(ttl),
	}
	if c.byScope[scope] == nil {
		c.byScope[scope] = make(map[string]bool)
	}
	c.byScope[scope][key] = true
	return nil
}

func (c *memoryCache) InvalidateCollection(_ context.Context, collectionID string) error {
	scope := domain.NormalizeAddress(collectionID)

	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.byScope[scope] {
		delete(c.entries, key)
	}
	delete(c.byScope, scope)
	return nil
}

func (c *memoryCache) removeLocked(key, scope string) {
	delete(c.entries, key)
	if keys, ok := c.byScope[scope]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.byScope, scope)
		}
	}
}
