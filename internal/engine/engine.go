package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketfoundry/storefront-engine/internal/adapter"
	"github.com/marketfoundry/storefront-engine/internal/cache"
	"github.com/marketfoundry/storefront-engine/internal/config"
	"github.com/marketfoundry/storefront-engine/internal/domain"
	"github.com/marketfoundry/storefront-engine/internal/logger"
	"github.com/marketfoundry/storefront-engine/internal/metadata"
	"github.com/marketfoundry/storefront-engine/internal/reconciler"
	"github.com/marketfoundry/storefront-engine/internal/registry"
	"github.com/marketfoundry/storefront-engine/internal/scanner"
	"github.com/marketfoundry/storefront-engine/internal/stats"
)

// Sort orders accepted by GetCollectionView
const (
	SortPriceAsc  = "price_asc"
	SortPriceDesc = "price_desc"
	SortRecency   = "recency"
)

// Cache entry kinds. Collection entries are scoped by collection address and
// dropped by sale invalidation; owner entries are scoped by owner address and
// only ever expire by TTL.
const (
	kindSnapshot = "snapshot"
	kindOwned    = "owned"
	kindListings = "listings"
	kindOffers   = "offers"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	defaultCacheTTL = time.Minute
)

// ViewQuery shapes one page of a collection view
type ViewQuery struct {
	CollectionID string
	Page         int
	PageSize     int
	Sort         string
	Search       string
	OnlyListed   bool
}

// CollectionView is one rendered page of a collection. Coverage and Partial
// describe the snapshot the page was derived from, so a storefront can badge
// degraded results instead of silently presenting them as complete.
type CollectionView struct {
	Items      []domain.Item `json:"items"`
	TotalItems int           `json:"total_items"`
	HasMore    bool          `json:"has_more"`
	Coverage   float64       `json:"coverage"`
	Partial    bool          `json:"partial"`
	TakenAt    time.Time     `json:"taken_at"`
}

// Engine is the read surface the storefront consumes. Every answer that is
// derived from incomplete data carries an explicit partial marker; figures
// are withheld rather than approximated.
type Engine interface {
	// GetCollectionView returns one page of a collection, filtered, sorted
	// and with display metadata resolved for the page items
	GetCollectionView(ctx context.Context, q ViewQuery) (*CollectionView, error)

	// GetCollectionStats returns aggregate statistics for a collection.
	// Status is "partial" with all figures withheld unless the backing
	// snapshot covers the whole population.
	GetCollectionStats(ctx context.Context, collectionID string) (*domain.AggregateStats, error)

	// GetOwnedItems returns every item an address owns, reconciled across
	// the fast indexed source, direct enumeration and trade history
	GetOwnedItems(ctx context.Context, address string) ([]domain.Item, error)

	// GetUserListings returns every listing record created by an address
	GetUserListings(ctx context.Context, address string) ([]domain.Listing, error)

	// GetUserOffers returns every offer record placed by an address
	GetUserOffers(ctx context.Context, address string) ([]domain.Offer, error)
}

type engine struct {
	scanner    scanner.Scanner
	reconciler reconciler.Reconciler
	stats      stats.Calculator
	cache      cache.Cache
	resolver   metadata.Resolver
	blocklist  registry.Blocklist
	clock      adapter.Clock
	ttl        time.Duration
}

// New creates the storefront engine. Concurrent cold misses for the same
// collection may both scan; the last write to the cache wins. A nil
// blocklist allows every collection.
func New(
	scan scanner.Scanner,
	recon reconciler.Reconciler,
	calc stats.Calculator,
	resultCache cache.Cache,
	resolver metadata.Resolver,
	blocklist registry.Blocklist,
	clock adapter.Clock,
	cfg config.CacheConfig,
) Engine {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &engine{
		scanner:    scan,
		reconciler: recon,
		stats:      calc,
		cache:      resultCache,
		resolver:   resolver,
		blocklist:  blocklist,
		clock:      clock,
		ttl:        ttl,
	}
}

func (e *engine) GetCollectionView(ctx context.Context, q ViewQuery) (*CollectionView, error) {
	snapshot, err := e.snapshotFor(ctx, q.CollectionID)
	if err != nil {
		return nil, err
	}

	filtered := filterItems(snapshot.Items, q)
	sortItems(filtered, q.Sort)

	page, pageSize := normalizePage(q.Page, q.PageSize)
	start := (page - 1) * pageSize
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + pageSize
	if end > len(filtered) {
		end = len(filtered)
	}

	// Page items are copies of the cached snapshot's entries, so resolving
	// metadata onto them never mutates the cache.
	pageItems := make([]domain.Item, end-start)
	copy(pageItems, filtered[start:end])
	e.attachMetadata(ctx, pageItems)

	return &CollectionView{
		Items:      pageItems,
		TotalItems: len(filtered),
		HasMore:    end < len(filtered),
		Coverage:   snapshot.Coverage(),
		Partial:    !snapshot.Complete(),
		TakenAt:    snapshot.TakenAt,
	}, nil
}

func (e *engine) GetCollectionStats(ctx context.Context, collectionID string) (*domain.AggregateStats, error) {
	snapshot, err := e.snapshotFor(ctx, collectionID)
	if err != nil {
		return nil, err
	}

	result := e.stats.Compute(snapshot, e.clock.Now())
	return &result, nil
}

func (e *engine) GetOwnedItems(ctx context.Context, address string) ([]domain.Item, error) {
	address = domain.NormalizeAddress(address)
	spec := cache.KeySpec{Scope: address, Kind: kindOwned}
	if cached, found := e.cacheGet(ctx, spec); found {
		return cached.Items, nil
	}

	resolved, err := e.reconciler.ResolveOwnedItems(ctx, address)
	if err != nil {
		return nil, err
	}

	// Trade history can surface holdings in collections the reconciler does
	// not track; merge them in, reconciled entries winning on conflict.
	merged := make(map[domain.ItemKey]domain.Item, len(resolved))
	for _, item := range resolved {
		merged[item.Key()] = item
	}
	historic, err := e.scanner.ScanOwner(ctx, address)
	if err != nil {
		logger.WarnCtx(ctx, "trade-history ownership scan failed, serving reconciled holdings only",
			zap.String("address", address),
			zap.Error(err),
		)
	} else {
		for _, item := range historic {
			if _, ok := merged[item.Key()]; !ok {
				merged[item.Key()] = item
			}
		}
	}

	items := make([]domain.Item, 0, len(merged))
	for _, item := range merged {
		if e.blocklist != nil && e.blocklist.IsBlocked(item.CollectionID) {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Key().String() < items[j].Key().String()
	})

	e.cachePut(ctx, spec, &domain.CollectionSnapshot{TakenAt: e.clock.Now(), Items: items})
	return items, nil
}

func (e *engine) GetUserListings(ctx context.Context, address string) ([]domain.Listing, error) {
	address = domain.NormalizeAddress(address)
	spec := cache.KeySpec{Scope: address, Kind: kindListings}
	if cached, found := e.cacheGet(ctx, spec); found {
		return cached.Listings, nil
	}

	listings, err := e.scanner.ScanUserListings(ctx, address)
	if err != nil {
		return nil, err
	}

	e.cachePut(ctx, spec, &domain.CollectionSnapshot{TakenAt: e.clock.Now(), Listings: listings})
	return listings, nil
}

func (e *engine) GetUserOffers(ctx context.Context, address string) ([]domain.Offer, error) {
	address = domain.NormalizeAddress(address)
	spec := cache.KeySpec{Scope: address, Kind: kindOffers}
	if cached, found := e.cacheGet(ctx, spec); found {
		return cached.Offers, nil
	}

	offers, err := e.scanner.ScanUserOffers(ctx, address)
	if err != nil {
		return nil, err
	}

	e.cachePut(ctx, spec, &domain.CollectionSnapshot{TakenAt: e.clock.Now(), Offers: offers})
	return offers, nil
}

// snapshotFor returns the cached snapshot for a collection, scanning on a
// miss. The snapshot is the expensive artifact; views, pages and statistics
// are cheap derivations, so every request shape shares the one entry.
func (e *engine) snapshotFor(ctx context.Context, collectionID string) (*domain.CollectionSnapshot, error) {
	collectionID = domain.NormalizeAddress(collectionID)
	if e.blocklist != nil && e.blocklist.IsBlocked(collectionID) {
		return nil, domain.ErrCollectionNotFound
	}
	spec := cache.KeySpec{Scope: collectionID, Kind: kindSnapshot}
	if cached, found := e.cacheGet(ctx, spec); found {
		return cached, nil
	}

	snapshot, err := e.scanner.ScanCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}

	e.cachePut(ctx, spec, snapshot)
	return snapshot, nil
}

// cacheGet treats a broken cache as a miss; the cache accelerates answers,
// it never blocks them
func (e *engine) cacheGet(ctx context.Context, spec cache.KeySpec) (*domain.CollectionSnapshot, bool) {
	cached, found, err := e.cache.Get(ctx, spec)
	if err != nil {
		logger.WarnCtx(ctx, "cache read failed",
			zap.String("scope", spec.Scope),
			zap.String("kind", spec.Kind),
			zap.Error(err),
		)
		return nil, false
	}
	return cached, found
}

func (e *engine) cachePut(ctx context.Context, spec cache.KeySpec, snapshot *domain.CollectionSnapshot) {
	if err := e.cache.Put(ctx, spec, snapshot, e.ttl); err != nil {
		logger.WarnCtx(ctx, "cache write failed",
			zap.String("scope", spec.Scope),
			zap.String("kind", spec.Kind),
			zap.Error(err),
		)
	}
}

func (e *engine) attachMetadata(ctx context.Context, items []domain.Item) {
	if e.resolver == nil {
		return
	}

	var wg sync.WaitGroup
	for i := range items {
		wg.Add(1)
		go func(item *domain.Item) {
			defer wg.Done()
			item.Metadata = e.resolver.Resolve(ctx, item.CollectionID, item.ItemID)
		}(&items[i])
	}
	wg.Wait()
}

func filterItems(items []domain.Item, q ViewQuery) []domain.Item {
	needle := strings.ToLower(strings.TrimSpace(q.Search))

	filtered := make([]domain.Item, 0, len(items))
	for _, item := range items {
		if q.OnlyListed && !item.IsListed() {
			continue
		}
		if needle != "" && !matchesSearch(&item, needle) {
			continue
		}
		filtered = append(filtered, item)
	}
	return filtered
}

func matchesSearch(item *domain.Item, needle string) bool {
	return strings.Contains(strings.ToLower(item.ItemID), needle) ||
		strings.Contains(strings.ToLower(item.Owner), needle)
}

// sortItems orders a view page deterministically. Price orders put unlisted
// items last regardless of direction; ties fall back to the item key so
// pagination stays stable across requests.
func sortItems(items []domain.Item, order string) {
	var less func(i, j *domain.Item) bool

	switch order {
	case SortPriceAsc:
		less = func(i, j *domain.Item) bool {
			if c, decided := comparePrices(i, j); decided {
				return c < 0
			}
			return i.Key().String() < j.Key().String()
		}
	case SortPriceDesc:
		less = func(i, j *domain.Item) bool {
			pi, pj := i.ListedPrice(), j.ListedPrice()
			switch {
			case pi == nil && pj != nil:
				return false
			case pi != nil && pj == nil:
				return true
			case pi != nil && pj != nil:
				if c := pi.Cmp(pj); c != 0 {
					return c > 0
				}
			}
			return i.Key().String() < j.Key().String()
		}
	case SortRecency:
		less = func(i, j *domain.Item) bool {
			li, lj := listedAt(i), listedAt(j)
			if li != lj {
				return li > lj
			}
			return i.Key().String() < j.Key().String()
		}
	default:
		less = func(i, j *domain.Item) bool {
			return i.Key().String() < j.Key().String()
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		return less(&items[i], &items[j])
	})
}

// comparePrices orders listed items ahead of unlisted ones and by price
// among themselves. decided is false when the pair is tied.
func comparePrices(i, j *domain.Item) (c int, decided bool) {
	pi, pj := i.ListedPrice(), j.ListedPrice()
	switch {
	case pi == nil && pj == nil:
		return 0, false
	case pi == nil:
		return 1, true
	case pj == nil:
		return -1, true
	}
	if c := pi.Cmp(pj); c != 0 {
		return c, true
	}
	return 0, false
}

func listedAt(item *domain.Item) int64 {
	if item.Listing == nil {
		return 0
	}
	return item.Listing.ListedAt
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}
