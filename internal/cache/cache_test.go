package cache_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/marketfoundry/storefront-engine/internal/adapter"
	"github.com/marketfoundry/storefront-engine/internal/cache"
	"github.com/marketfoundry/storefront-engine/internal/domain"
)

const (
	collectionA = "0xAAAA000000000000000000000000000000000001"
	collectionB = "0xBBBB000000000000000000000000000000000002"
)

// mutableClock lets tests advance time past entry TTLs
type mutableClock struct {
	now time.Time
}

func (c *mutableClock) Now() time.Time                  { return c.now }
func (c *mutableClock) Since(t time.Time) time.Duration { return c.now.Sub(t) }
func (c *mutableClock) Sleep(time.Duration)             {}
func (c *mutableClock) Unix(sec, nsec int64) time.Time  { return time.Unix(sec, nsec) }
func (c *mutableClock) NewTicker(time.Duration) adapter.Ticker {
	panic("not used")
}

func (c *mutableClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func snapshotFor(collectionID string) *domain.CollectionSnapshot {
	return &domain.CollectionSnapshot{
		ID:           "snap-1",
		CollectionID: domain.NormalizeAddress(collectionID),
		TotalSupply:  10,
		ScannedTotal: 4,
		KnownTotal:   4,
	}
}

func viewSpec(collectionID string) cache.KeySpec {
	return cache.KeySpec{
		Scope:    collectionID,
		Kind:     "view",
		Page:     1,
		PageSize: 20,
		Sort:     "price_asc",
	}
}

func TestKeySpec_LogicallyEqualRequestsShareAKey(t *testing.T) {
	a := cache.KeySpec{Scope: collectionA, Kind: "view", Page: 1, PageSize: 20}
	b := cache.KeySpec{Scope: "0xaaaa000000000000000000000000000000000001", Kind: "view", Page: 1, PageSize: 20}

	keyA, err := a.Key()
	assert.NoError(t, err)
	keyB, err := b.Key()
	assert.NoError(t, err)
	assert.Equal(t, keyA, keyB, "address casing must not split the cache")
}

func TestKeySpec_DifferentShapesGetDifferentKeys(t *testing.T) {
	base := viewSpec(collectionA)

	changed := base
	changed.Page = 2
	keyBase, err := base.Key()
	assert.NoError(t, err)
	keyChanged, err := changed.Key()
	assert.NoError(t, err)
	assert.NotEqual(t, keyBase, keyChanged)

	search := base
	search.Search = "dragon"
	keySearch, err := search.Key()
	assert.NoError(t, err)
	assert.NotEqual(t, keyBase, keySearch)
}

func TestMemory_PutGetRoundtrip(t *testing.T) {
	clock := &mutableClock{now: time.Unix(1_750_000_000, 0)}
	c := cache.NewMemory(clock)

	spec := viewSpec(collectionA)
	snapshot := snapshotFor(collectionA)
	assert.NoError(t, c.Put(context.Background(), spec, snapshot, time.Minute))

	got, found, err := c.Get(context.Background(), spec)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, snapshot, got)
}

func TestMemory_MissOnUnknownKey(t *testing.T) {
	clock := &mutableClock{now: time.Unix(1_750_000_000, 0)}
	c := cache.NewMemory(clock)

	_, found, err := c.Get(context.Background(), viewSpec(collectionA))
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestMemory_TTLExpiry(t *testing.T) {
	clock := &mutableClock{now: time.Unix(1_750_000_000, 0)}
	c := cache.NewMemory(clock)

	spec := viewSpec(collectionA)
	assert.NoError(t, c.Put(context.Background(), spec, snapshotFor(collectionA), time.Minute))

	clock.now = clock.now.Add(2 * time.Minute)

	_, found, err := c.Get(context.Background(), spec)
	assert.NoError(t, err)
	assert.False(t, found, "expired entry must not be served")
}

func TestMemory_InvalidateCollection(t *testing.T) {
	clock := &mutableClock{now: time.Unix(1_750_000_000, 0)}
	c := cache.NewMemory(clock)
	ctx := context.Background()

	specA1 := viewSpec(collectionA)
	specA2 := cache.KeySpec{Scope: collectionA, Kind: "stats"}
	specB := viewSpec(collectionB)
	assert.NoError(t, c.Put(ctx, specA1, snapshotFor(collectionA), time.Minute))
	assert.NoError(t, c.Put(ctx, specA2, snapshotFor(collectionA), time.Minute))
	assert.NoError(t, c.Put(ctx, specB, snapshotFor(collectionB), time.Minute))

	assert.NoError(t, c.InvalidateCollection(ctx, collectionA))

	_, found, _ := c.Get(ctx, specA1)
	assert.False(t, found)
	_, found, _ = c.Get(ctx, specA2)
	assert.False(t, found)
	_, found, _ = c.Get(ctx, specB)
	assert.True(t, found, "other collections keep their entries")
}

func TestMemory_PartialMarkerTravelsWithEntry(t *testing.T) {
	clock := &mutableClock{now: time.Unix(1_750_000_000, 0)}
	c := cache.NewMemory(clock)

	snapshot := snapshotFor(collectionA)
	snapshot.Partial = true
	spec := cache.KeySpec{Scope: collectionA, Kind: "stats"}
	assert.NoError(t, c.Put(context.Background(), spec, snapshot, time.Minute))

	got, found, err := c.Get(context.Background(), spec)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.True(t, got.Partial)
}

// fakeRedis implements just enough of the adapter surface for the cache
type fakeRedis struct {
	values map[string]string
	sets   map[string]map[string]bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		values: make(map[string]string),
		sets:   make(map[string]map[string]bool),
	}
}

func (f *fakeRedis) Ping(context.Context) error { return nil }

func (f *fakeRedis) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeRedis) Set(_ context.Context, key, value string, _ time.Duration) error {
	f.values[key] = value
	return nil
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(f.values, key)
		delete(f.sets, key)
	}
	return nil
}

func (f *fakeRedis) SAdd(_ context.Context, key string, members ...string) error {
	if f.sets[key] == nil {
		f.sets[key] = make(map[string]bool)
	}
	for _, m := range members {
		f.sets[key][m] = true
	}
	return nil
}

func (f *fakeRedis) SMembers(_ context.Context, key string) ([]string, error) {
	var members []string
	for m := range f.sets[key] {
		members = append(members, m)
	}
	return members, nil
}

func (f *fakeRedis) NewRateLimiter() adapter.RedisRateLimiter { return nil }
func (f *fakeRedis) Close() error                             { return nil }

func TestRedis_PutGetRoundtrip(t *testing.T) {
	rc := newFakeRedis()
	c := cache.NewRedis(rc, adapter.NewJSON())
	ctx := context.Background()

	spec := viewSpec(collectionA)
	snapshot := snapshotFor(collectionA)
	assert.NoError(t, c.Put(ctx, spec, snapshot, time.Minute))

	got, found, err := c.Get(ctx, spec)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, snapshot.ID, got.ID)
	assert.Equal(t, snapshot.CollectionID, got.CollectionID)
	assert.Equal(t, snapshot.KnownTotal, got.KnownTotal)
}

func TestRedis_InvalidateCollection(t *testing.T) {
	rc := newFakeRedis()
	c := cache.NewRedis(rc, adapter.NewJSON())
	ctx := context.Background()

	assert.NoError(t, c.Put(ctx, viewSpec(collectionA), snapshotFor(collectionA), time.Minute))
	assert.NoError(t, c.Put(ctx, viewSpec(collectionB), snapshotFor(collectionB), time.Minute))

	assert.NoError(t, c.InvalidateCollection(ctx, collectionA))

	_, found, err := c.Get(ctx, viewSpec(collectionA))
	assert.NoError(t, err)
	assert.False(t, found)
	_, found, err = c.Get(ctx, viewSpec(collectionB))
	assert.NoError(t, err)
	assert.True(t, found)
}

func TestRedis_CorruptEntryIsAnError(t *testing.T) {
	rc := newFakeRedis()
	c := cache.NewRedis(rc, adapter.NewJSON())
	ctx := context.Background()

	spec := viewSpec(collectionA)
	key, err := spec.Key()
	assert.NoError(t, err)
	rc.values["storefront:cache:"+key] = "{not json"

	_, _, err = c.Get(ctx, spec)
	assert.ErrorContains(t, err, "failed to decode cache entry")

	// Sanity: valid JSON round-trips through the same path
	raw, err := json.Marshal(snapshotFor(collectionA))
	assert.NoError(t, err)
	rc.values["storefront:cache:"+key] = string(raw)
	_, found, err := c.Get(ctx, spec)
	assert.NoError(t, err)
	assert.True(t, found)
}
