package scanner

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketfoundry/storefront-engine/internal/adapter"
	"github.com/marketfoundry/storefront-engine/internal/config"
	"github.com/marketfoundry/storefront-engine/internal/domain"
	"github.com/marketfoundry/storefront-engine/internal/ledger"
	"github.com/marketfoundry/storefront-engine/internal/logger"
	"github.com/marketfoundry/storefront-engine/internal/ratelimit"
)

// SourceLedger is the rate-limit source name for ledger reads
const SourceLedger = "ledger"

// Scanner walks the append-only ledger tables exhaustively. Every index in
// [0, N) ends up with an explicit success or an explicit failure; statistics
// downstream are gated on that completeness, never on a time heuristic.
type Scanner interface {
	// ScanCollection produces a point-in-time snapshot of one collection
	ScanCollection(ctx context.Context, collectionID string) (*domain.CollectionSnapshot, error)

	// ScanOwner derives an address's current holdings from the ledger alone.
	// Slow but authoritative: candidates come from the sale and listing
	// tables, each verified against current ownership.
	ScanOwner(ctx context.Context, address string) ([]domain.Item, error)

	// ScanUserListings returns every listing record the address created
	ScanUserListings(ctx context.Context, address string) ([]domain.Listing, error)

	// ScanUserOffers returns every offer record the address created
	ScanUserOffers(ctx context.Context, address string) ([]domain.Offer, error)
}

type scanner struct {
	reader ledger.Reader
	gate   ratelimit.Gate
	clock  adapter.Clock
	cfg    config.ScannerConfig
}

// New creates a scanner over the given ledger reader. All reads go through
// the request gate so exhaustive scans respect the source's rate budget.
func New(reader ledger.Reader, gate ratelimit.Gate, clock adapter.Clock, cfg config.ScannerConfig) Scanner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	return &scanner{
		reader: reader,
		gate:   gate,
		clock:  clock,
		cfg:    cfg,
	}
}

// scanBook is the per-table completeness bookkeeping of one scan
type scanBook struct {
	scanned uint64
	known   uint64
	unknown []uint64
}

func (b *scanBook) merge(other scanBook) {
	b.scanned += other.scanned
	b.known += other.known
	b.unknown = append(b.unknown, other.unknown...)
}

func (s *scanner) ScanCollection(ctx context.Context, collectionID string) (*domain.CollectionSnapshot, error) {
	collectionID = domain.NormalizeAddress(collectionID)

	listings, listingBook, err := scanTable(ctx, s, ledger.TableListings, s.reader.ListingAt)
	if err != nil {
		return nil, err
	}
	offers, offerBook, err := scanTable(ctx, s, ledger.TableOffers, s.reader.OfferAt)
	if err != nil {
		return nil, err
	}
	sales, saleBook, err := scanTable(ctx, s, ledger.TableSales, s.reader.SaleAt)
	if err != nil {
		return nil, err
	}

	book := listingBook
	book.merge(offerBook)
	book.merge(saleBook)

	snapshot := &domain.CollectionSnapshot{
		ID:             uuid.NewString(),
		CollectionID:   collectionID,
		TakenAt:        s.clock.Now(),
		ScannedTotal:   book.scanned,
		KnownTotal:     book.known,
		UnknownIndices: book.unknown,
	}

	for _, l := range listings {
		if domain.NormalizeAddress(l.CollectionID) == collectionID {
			snapshot.Listings = append(snapshot.Listings, *l)
		}
	}
	for _, o := range offers {
		if domain.NormalizeAddress(o.CollectionID) == collectionID {
			snapshot.Offers = append(snapshot.Offers, *o)
		}
	}
	for _, sale := range sales {
		if domain.NormalizeAddress(sale.CollectionID) == collectionID {
			snapshot.Sales = append(snapshot.Sales, *sale)
		}
	}

	// Deterministic ordering regardless of read completion order
	sort.Slice(snapshot.Listings, func(i, j int) bool {
		return snapshot.Listings[i].HistoricalIndex < snapshot.Listings[j].HistoricalIndex
	})
	sort.Slice(snapshot.Offers, func(i, j int) bool {
		return snapshot.Offers[i].HistoricalIndex < snapshot.Offers[j].HistoricalIndex
	})
	sort.Slice(snapshot.Sales, func(i, j int) bool {
		return snapshot.Sales[i].Timestamp < snapshot.Sales[j].Timestamp
	})

	supply, err := ratelimit.Do(ctx, s.gate, SourceLedger, func(ctx context.Context) (uint64, error) {
		return s.reader.CollectionSize(ctx, collectionID)
	})
	bound := supply
	if err != nil {
		// Without a supply the item population cannot be bounded exactly.
		// The record tables above are still complete, but the snapshot as a
		// whole is not; enumeration falls back to the capped window the
		// records imply.
		logger.WarnCtx(ctx, "supply read failed, tagging snapshot partial",
			zap.String("collection", collectionID),
			zap.Error(err),
		)
		snapshot.Partial = true
		bound = s.fallbackBound(snapshot)
	} else {
		snapshot.TotalSupply = supply
	}

	snapshot.Items = s.assembleItems(collectionID, snapshot, bound)

	logger.InfoCtx(ctx, "collection scan finished",
		zap.String("collection", collectionID),
		zap.String("snapshot_id", snapshot.ID),
		zap.Uint64("scanned", snapshot.ScannedTotal),
		zap.Uint64("known", snapshot.KnownTotal),
		zap.Int("listings", len(snapshot.Listings)),
		zap.Int("offers", len(snapshot.Offers)),
		zap.Int("sales", len(snapshot.Sales)),
		zap.Bool("partial", snapshot.Partial),
	)

	return snapshot, nil
}

// fallbackBound estimates the item range when the collection supply cannot
// be read. Record-referenced ids give a lower bound on the minted range; the
// configured cap keeps one irregular id from exploding the enumeration.
func (s *scanner) fallbackBound(snapshot *domain.CollectionSnapshot) uint64 {
	var bound uint64
	consider := func(itemID string) {
		id, err := strconv.ParseUint(itemID, 10, 64)
		if err != nil {
			return
		}
		if id+1 > bound {
			bound = id + 1
		}
	}
	for i := range snapshot.Listings {
		consider(snapshot.Listings[i].ItemID)
	}
	for i := range snapshot.Offers {
		consider(snapshot.Offers[i].ItemID)
	}
	for i := range snapshot.Sales {
		consider(snapshot.Sales[i].ItemID)
	}
	if s.cfg.MaxFallbackScan > 0 && bound > s.cfg.MaxFallbackScan {
		bound = s.cfg.MaxFallbackScan
	}
	return bound
}

// assembleItems enumerates the collection's items up to bound and attaches
// each item's current listing. Listed state is synthesized here from the
// listing's derived status, never stored independently.
func (s *scanner) assembleItems(collectionID string, snapshot *domain.CollectionSnapshot, bound uint64) []domain.Item {
	// Highest historical index per item wins: the ledger is append-only, so
	// a later record supersedes an earlier one for the same item
	current := make(map[domain.ItemKey]*domain.Listing)
	for i := range snapshot.Listings {
		l := &snapshot.Listings[i]
		key := l.Key()
		if existing, ok := current[key]; !ok || l.HistoricalIndex > existing.HistoricalIndex {
			current[key] = l
		}
	}

	now := s.clock.Now()
	seen := make(map[domain.ItemKey]bool)
	var items []domain.Item

	appendItem := func(itemID string) {
		key := domain.NewItemKey(collectionID, itemID)
		if seen[key] {
			return
		}
		seen[key] = true

		item := domain.Item{
			CollectionID: collectionID,
			ItemID:       itemID,
		}
		if l, ok := current[key]; ok && domain.ListingActive(l, now) {
			item.Listing = l
		}
		items = append(items, item)
	}

	// Sequentially minted ids cover [0, bound)
	for i := uint64(0); i < bound; i++ {
		appendItem(strconv.FormatUint(i, 10))
	}

	// Records can reference items outside the sequential range (burned or
	// irregular ids); include them rather than lose them
	for i := range snapshot.Listings {
		appendItem(snapshot.Listings[i].ItemID)
	}
	for i := range snapshot.Offers {
		appendItem(snapshot.Offers[i].ItemID)
	}
	for i := range snapshot.Sales {
		appendItem(snapshot.Sales[i].ItemID)
	}

	return items
}

func (s *scanner) ScanOwner(ctx context.Context, address string) ([]domain.Item, error) {
	address = domain.NormalizeAddress(address)

	// Candidate discovery: anything the address ever bought or listed
	sales, _, err := scanTable(ctx, s, ledger.TableSales, s.reader.SaleAt)
	if err != nil {
		return nil, err
	}
	listings, _, err := scanTable(ctx, s, ledger.TableListings, s.reader.ListingAt)
	if err != nil {
		return nil, err
	}

	candidates := make(map[domain.ItemKey]bool)
	for _, sale := range sales {
		if domain.NormalizeAddress(sale.Buyer) == address {
			candidates[domain.NewItemKey(sale.CollectionID, sale.ItemID)] = true
		}
	}
	for _, l := range listings {
		if domain.NormalizeAddress(l.Seller) == address {
			candidates[domain.NewItemKey(l.CollectionID, l.ItemID)] = true
		}
	}

	// Verify each candidate against current ownership; the ledger records
	// only say the address touched the item at some point
	var items []domain.Item
	for key := range candidates {
		owner, err := ratelimit.Do(ctx, s.gate, SourceLedger, func(ctx context.Context) (string, error) {
			return s.reader.OwnerOf(ctx, key.CollectionID, key.ItemID)
		})
		if err != nil {
			if errors.Is(err, domain.ErrRecordNotFound) {
				continue
			}
			logger.WarnCtx(ctx, "ownership check failed, skipping candidate",
				zap.String("collection", key.CollectionID),
				zap.String("item", key.ItemID),
				zap.Error(err),
			)
			continue
		}
		if domain.NormalizeAddress(owner) != address {
			continue
		}
		items = append(items, domain.Item{
			CollectionID: key.CollectionID,
			ItemID:       key.ItemID,
			Owner:        address,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].Key().String() < items[j].Key().String()
	})

	return items, nil
}

func (s *scanner) ScanUserListings(ctx context.Context, address string) ([]domain.Listing, error) {
	address = domain.NormalizeAddress(address)

	listings, book, err := scanTable(ctx, s, ledger.TableListings, s.reader.ListingAt)
	if err != nil {
		return nil, err
	}
	if len(book.unknown) > 0 {
		logger.WarnCtx(ctx, "user listing scan has unknown indices",
			zap.String("address", address),
			zap.Int("unknown", len(book.unknown)),
		)
	}

	var result []domain.Listing
	for _, l := range listings {
		if domain.NormalizeAddress(l.Seller) == address {
			result = append(result, *l)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].HistoricalIndex < result[j].HistoricalIndex
	})
	return result, nil
}

func (s *scanner) ScanUserOffers(ctx context.Context, address string) ([]domain.Offer, error) {
	address = domain.NormalizeAddress(address)

	offers, book, err := scanTable(ctx, s, ledger.TableOffers, s.reader.OfferAt)
	if err != nil {
		return nil, err
	}
	if len(book.unknown) > 0 {
		logger.WarnCtx(ctx, "user offer scan has unknown indices",
			zap.String("address", address),
			zap.Int("unknown", len(book.unknown)),
		)
	}

	var result []domain.Offer
	for _, o := range offers {
		if domain.NormalizeAddress(o.Bidder) == address {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].HistoricalIndex < result[j].HistoricalIndex
	})
	return result, nil
}

// scanTable walks one append-only table end to end. One length read bounds
// the scan; batches run sequentially with an inter-batch delay, reads within
// a batch run concurrently through the gate. A transiently failed batch is
// retried once with identical indices; indices that still fail are recorded
// as unknown, never dropped silently.
func scanTable[T any](ctx context.Context, s *scanner, table ledger.Table, read func(ctx context.Context, index uint64) (T, error)) ([]T, scanBook, error) {
	length, err := ratelimit.Do(ctx, s.gate, SourceLedger, func(ctx context.Context) (uint64, error) {
		return s.reader.ArrayLength(ctx, table)
	})
	if err != nil {
		// Without N the scan cannot bound its work. An unreachable table is
		// observably different from an empty one.
		return nil, scanBook{}, err
	}

	book := scanBook{scanned: length}
	var results []T

	batchSize := uint64(s.cfg.BatchSize)
	for start := uint64(0); start < length; start += batchSize {
		end := min(start+batchSize, length)
		indices := make([]uint64, 0, end-start)
		for i := start; i < end; i++ {
			indices = append(indices, i)
		}

		found, known, failed := readBatch(ctx, s, indices, read)
		results = append(results, found...)
		book.known += known

		if len(failed) > 0 {
			logger.DebugCtx(ctx, "retrying failed batch indices",
				zap.String("table", string(table)),
				zap.Int("count", len(failed)),
			)
			retried, retriedKnown, stillFailed := readBatch(ctx, s, failed, read)
			results = append(results, retried...)
			book.known += retriedKnown
			if len(stillFailed) > 0 {
				book.unknown = append(book.unknown, stillFailed...)
				logger.WarnCtx(ctx, "indices unreadable after retry",
					zap.String("table", string(table)),
					zap.Uint64s("indices", stillFailed),
				)
			}
		}

		// Inter-batch delay: backpressure against the source's rate limits
		if end < length && s.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, book, ctx.Err()
			case <-s.clock.After(s.cfg.BatchDelay):
			}
		}
	}

	return results, book, nil
}

// readBatch issues one batch of per-index reads concurrently. An index is
// known when its read succeeded, or failed in a way a retry cannot fix
// (non-existence, malformed record). Transient failures are returned for
// the caller's retry round.
func readBatch[T any](ctx context.Context, s *scanner, indices []uint64, read func(ctx context.Context, index uint64) (T, error)) ([]T, uint64, []uint64) {
	var mu sync.Mutex
	var wg sync.WaitGroup

	var found []T
	var known uint64
	var failed []uint64

	for _, index := range indices {
		wg.Add(1)
		go func(index uint64) {
			defer wg.Done()

			value, err := ratelimit.Do(ctx, s.gate, SourceLedger, func(ctx context.Context) (T, error) {
				return read(ctx, index)
			})

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				found = append(found, value)
				known++
			case errors.Is(err, domain.ErrRecordNotFound):
				// Explicit non-existence: known, not a failure
				known++
			case errors.Is(err, domain.ErrMalformedRecord):
				logger.Warn("malformed record skipped",
					zap.Uint64("index", index),
					zap.Error(err),
				)
				known++
			default:
				failed = append(failed, index)
			}
		}(index)
	}

	wg.Wait()
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
	return found, known, failed
}
