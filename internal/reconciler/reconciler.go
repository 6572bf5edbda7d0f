package reconciler

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketfoundry/storefront-engine/internal/adapter"
	"github.com/marketfoundry/storefront-engine/internal/config"
	"github.com/marketfoundry/storefront-engine/internal/domain"
	"github.com/marketfoundry/storefront-engine/internal/indexer"
	"github.com/marketfoundry/storefront-engine/internal/ledger"
	"github.com/marketfoundry/storefront-engine/internal/logger"
	"github.com/marketfoundry/storefront-engine/internal/ratelimit"
)

// SourceIndexer is the rate-limit source name for fast indexed source reads
const SourceIndexer = "indexer"

// SourceLedger is the rate-limit source name for ledger reads
const SourceLedger = "ledger"

// Reconciler merges per-owner item sets from the fast indexed source and
// the authoritative ledger. The fast source answers first; any collection it
// reports zero, failed or stale data for is re-checked against the ledger
// for that collection only.
type Reconciler interface {
	// ResolveOwnedItems returns the owner's current holdings, de-duplicated
	// by case-normalized (collection, item) key
	ResolveOwnedItems(ctx context.Context, address string) ([]domain.Item, error)
}

type reconciler struct {
	fast   indexer.Client
	reader ledger.Reader
	gate   ratelimit.Gate
	clock  adapter.Clock
	cfg    config.ReconcilerConfig

	strategies []enumerationStrategy

	mu       sync.Mutex
	fastMemo map[string]fastAnswer
}

// fastAnswer memoizes one fast-source response so repeated resolutions
// within the freshness window do not hammer the source
type fastAnswer struct {
	items []indexer.OwnedItem
	at    time.Time
	err   error
}

// enumerationStrategy is one way to enumerate an owner's holdings within a
// collection. Complete reports whether the strategy covered the owner's
// full balance.
type enumerationStrategy struct {
	name string
	run  func(ctx context.Context, collectionID, owner string, balance uint64) (items []domain.Item, complete bool, err error)
}

// errStrategyUnsupported means the collection cannot serve this strategy;
// the dispatcher moves on to the next one
var errStrategyUnsupported = errors.New("enumeration strategy unsupported")

// New creates a reconciler over the fast indexed source and the ledger
func New(fast indexer.Client, reader ledger.Reader, gate ratelimit.Gate, clock adapter.Clock, cfg config.ReconcilerConfig) Reconciler {
	if cfg.ProbeBudget == 0 {
		cfg.ProbeBudget = 2000
	}
	r := &reconciler{
		fast:     fast,
		reader:   reader,
		gate:     gate,
		clock:    clock,
		cfg:      cfg,
		fastMemo: make(map[string]fastAnswer),
	}
	// Ordered by preference; the dispatcher takes the first one the
	// collection supports
	r.strategies = []enumerationStrategy{
		{name: "owner-index", run: r.enumerateByOwnerIndex},
		{name: "linear-probe", run: r.enumerateByLinearProbe},
	}
	return r
}

func (r *reconciler) ResolveOwnedItems(ctx context.Context, address string) ([]domain.Item, error) {
	address = domain.NormalizeAddress(address)

	fastItems, fastErr := r.fastOwnedItems(ctx, address)
	if fastErr != nil {
		logger.WarnCtx(ctx, "fast source failed, falling back to ledger for all collections",
			zap.String("address", address),
			zap.Error(fastErr),
		)
	}

	// Fast-source entries win on conflict: they carry richer metadata
	merged := make(map[domain.ItemKey]domain.Item)
	fastPerCollection := make(map[string]int)
	for _, fi := range fastItems {
		key := domain.NewItemKey(fi.CollectionID, fi.ItemID)
		if _, exists := merged[key]; exists {
			continue
		}
		merged[key] = domain.Item{
			CollectionID: key.CollectionID,
			ItemID:       key.ItemID,
			Owner:        address,
		}
		fastPerCollection[key.CollectionID]++
	}

	// Every tracked collection is verified against the authoritative
	// balance; collections only the fast source knows about are trusted on
	// a matching count
	for _, collectionID := range r.verifyTargets(fastPerCollection) {
		balance, err := ratelimit.Do(ctx, r.gate, SourceLedger, func(ctx context.Context) (uint64, error) {
			return r.reader.BalanceOf(ctx, collectionID, address)
		})
		if err != nil {
			logger.WarnCtx(ctx, "balance read failed, keeping fast source answer",
				zap.String("collection", collectionID),
				zap.String("address", address),
				zap.Error(err),
			)
			continue
		}

		if uint64(fastPerCollection[collectionID]) == balance {
			// Fast source already answered this collection completely
			continue
		}

		items, complete := r.enumerateCollection(ctx, collectionID, address, balance)
		if !complete {
			logger.WarnCtx(ctx, "degraded ownership result",
				zap.String("collection", collectionID),
				zap.String("address", address),
				zap.Uint64("balance", balance),
				zap.Int("found", len(items)),
			)
		}
		// Fallback fills gaps only
		for _, item := range items {
			key := item.Key()
			if _, exists := merged[key]; !exists {
				merged[key] = item
			}
		}
	}

	result := make([]domain.Item, 0, len(merged))
	for _, item := range merged {
		result = append(result, item)
	}
	sortItems(result)
	return result, nil
}

// fastOwnedItems queries the fast source, memoized within the freshness
// window
func (r *reconciler) fastOwnedItems(ctx context.Context, address string) ([]indexer.OwnedItem, error) {
	if r.cfg.FastSourceTTL > 0 {
		r.mu.Lock()
		memo, ok := r.fastMemo[address]
		r.mu.Unlock()
		if ok && r.clock.Since(memo.at) < r.cfg.FastSourceTTL {
			return memo.items, memo.err
		}
	}

	items, err := ratelimit.Do(ctx, r.gate, SourceIndexer, func(ctx context.Context) ([]indexer.OwnedItem, error) {
		return r.fast.OwnedItems(ctx, address)
	})

	if r.cfg.FastSourceTTL > 0 {
		r.mu.Lock()
		r.fastMemo[address] = fastAnswer{items: items, at: r.clock.Now(), err: err}
		r.mu.Unlock()
	}
	return items, err
}

// verifyTargets is the set of collections whose fast-source answer gets
// checked against the ledger: every tracked collection, plus any collection
// the fast source itself surfaced
func (r *reconciler) verifyTargets(fastPerCollection map[string]int) []string {
	seen := make(map[string]bool)
	var targets []string
	for _, c := range r.cfg.TrackedCollections {
		c = domain.NormalizeAddress(c)
		if !seen[c] {
			seen[c] = true
			targets = append(targets, c)
		}
	}
	for c := range fastPerCollection {
		if !seen[c] {
			seen[c] = true
			targets = append(targets, c)
		}
	}
	sort.Strings(targets)
	return targets
}

// enumerateCollection dispatches the ordered strategy list for one
// collection
func (r *reconciler) enumerateCollection(ctx context.Context, collectionID, owner string, balance uint64) ([]domain.Item, bool) {
	if balance == 0 {
		return nil, true
	}

	for _, strategy := range r.strategies {
		items, complete, err := strategy.run(ctx, collectionID, owner, balance)
		if errors.Is(err, errStrategyUnsupported) {
			continue
		}
		if err != nil {
			logger.WarnCtx(ctx, "enumeration strategy failed",
				zap.String("strategy", strategy.name),
				zap.String("collection", collectionID),
				zap.Error(err),
			)
			continue
		}
		return items, complete
	}
	return nil, false
}

// enumerateByOwnerIndex iterates owner indices [0, balance). Collections
// without the enumeration extension revert on the first call.
func (r *reconciler) enumerateByOwnerIndex(ctx context.Context, collectionID, owner string, balance uint64) ([]domain.Item, bool, error) {
	var items []domain.Item
	for i := uint64(0); i < balance; i++ {
		itemID, err := ratelimit.Do(ctx, r.gate, SourceLedger, func(ctx context.Context) (string, error) {
			return r.reader.ItemOfOwnerByIndex(ctx, collectionID, owner, i)
		})
		if err != nil {
			if i == 0 && errors.Is(err, domain.ErrRecordNotFound) {
				return nil, false, errStrategyUnsupported
			}
			return items, false, err
		}
		items = append(items, domain.Item{
			CollectionID: collectionID,
			ItemID:       itemID,
			Owner:        owner,
		})
	}
	return items, true, nil
}

// enumerateByLinearProbe probes sequential item ids until the owner's full
// balance is found or the probe budget runs out. Exhausting the budget
// yields a degraded result, not a wrong one: the caller logs it.
func (r *reconciler) enumerateByLinearProbe(ctx context.Context, collectionID, owner string, balance uint64) ([]domain.Item, bool, error) {
	var items []domain.Item
	for probe := uint64(0); probe < r.cfg.ProbeBudget; probe++ {
		itemID := strconv.FormatUint(probe, 10)
		actualOwner, err := ratelimit.Do(ctx, r.gate, SourceLedger, func(ctx context.Context) (string, error) {
			return r.reader.OwnerOf(ctx, collectionID, itemID)
		})
		if err != nil {
			if errors.Is(err, domain.ErrRecordNotFound) {
				// Nonexistent id; keep probing, ids may be sparse
				continue
			}
			return items, false, err
		}
		if domain.NormalizeAddress(actualOwner) == owner {
			items = append(items, domain.Item{
				CollectionID: collectionID,
				ItemID:       itemID,
				Owner:        owner,
			})
			if uint64(len(items)) == balance {
				return items, true, nil
			}
		}
	}
	return items, false, nil
}

func sortItems(items []domain.Item) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].Key().String() < items[j].Key().String()
	})
}
