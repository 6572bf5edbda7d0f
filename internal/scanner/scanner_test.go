package scanner_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/marketfoundry/storefront-engine/internal/adapter"
	"github.com/marketfoundry/storefront-engine/internal/config"
	"github.com/marketfoundry/storefront-engine/internal/domain"
	"github.com/marketfoundry/storefront-engine/internal/ledger"
	"github.com/marketfoundry/storefront-engine/internal/logger"
	"github.com/marketfoundry/storefront-engine/internal/scanner"
)

func TestMain(m *testing.M) {
	if err := logger.Initialize(logger.Config{Debug: true}); err != nil {
		panic(err)
	}
	m.Run()
}

const (
	collectionA = "0xaAaA000000000000000000000000000000000001"
	collectionB = "0xbBbB000000000000000000000000000000000002"
	alice       = "0x00A1000000000000000000000000000000000001"
	bob         = "0x00B2000000000000000000000000000000000002"
)

var fixedNow = time.Unix(1_750_000_000, 0)

// fakeReader serves ledger records from in-memory tables and can inject
// transient failures per index
type fakeReader struct {
	mu       sync.Mutex
	lengths  map[ledger.Table]uint64
	listings map[uint64]*domain.Listing
	offers   map[uint64]*domain.Offer
	sales    map[uint64]*domain.Sale
	owners   map[string]string // "collection:item" -> owner

	supply    uint64
	supplyErr error
	lengthErr map[ledger.Table]error

	// remaining transient failures per "table:index"
	transient map[string]int
	// indices that decode to the wrong shape, per "table:index"
	malformed map[string]bool
	reads     map[string]int
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		lengths:   make(map[ledger.Table]uint64),
		listings:  make(map[uint64]*domain.Listing),
		offers:    make(map[uint64]*domain.Offer),
		sales:     make(map[uint64]*domain.Sale),
		owners:    make(map[string]string),
		lengthErr: make(map[ledger.Table]error),
		transient: make(map[string]int),
		malformed: make(map[string]bool),
		reads:     make(map[string]int),
	}
}

func (f *fakeReader) failMalformed(table ledger.Table, index uint64) {
	f.malformed[fmt.Sprintf("%s:%d", table, index)] = true
}

func (f *fakeReader) failOnce(table ledger.Table, index uint64, times int) {
	f.transient[fmt.Sprintf("%s:%d", table, index)] = times
}

func (f *fakeReader) checkTransient(table ledger.Table, index uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s:%d", table, index)
	f.reads[key]++
	if f.transient[key] > 0 {
		f.transient[key]--
		return errors.New("i/o timeout")
	}
	if f.malformed[key] {
		return fmt.Errorf("%w: record at index %d has 3 fields", domain.ErrMalformedRecord, index)
	}
	return nil
}

func (f *fakeReader) ArrayLength(_ context.Context, table ledger.Table) (uint64, error) {
	if err := f.lengthErr[table]; err != nil {
		return 0, fmt.Errorf("%w: %s", domain.ErrLedgerUnavailable, err)
	}
	return f.lengths[table], nil
}

func (f *fakeReader) ListingAt(_ context.Context, index uint64) (*domain.Listing, error) {
	if err := f.checkTransient(ledger.TableListings, index); err != nil {
		return nil, err
	}
	l, ok := f.listings[index]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return l, nil
}

func (f *fakeReader) OfferAt(_ context.Context, index uint64) (*domain.Offer, error) {
	if err := f.checkTransient(ledger.TableOffers, index); err != nil {
		return nil, err
	}
	o, ok := f.offers[index]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return o, nil
}

func (f *fakeReader) SaleAt(_ context.Context, index uint64) (*domain.Sale, error) {
	if err := f.checkTransient(ledger.TableSales, index); err != nil {
		return nil, err
	}
	s, ok := f.sales[index]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return s, nil
}

func (f *fakeReader) CurrentListing(context.Context, string, string) (*domain.Listing, error) {
	return nil, nil
}

func (f *fakeReader) CollectionSize(_ context.Context, _ string) (uint64, error) {
	if f.supplyErr != nil {
		return 0, f.supplyErr
	}
	return f.supply, nil
}

func (f *fakeReader) OwnerOf(_ context.Context, collectionID, itemID string) (string, error) {
	owner, ok := f.owners[domain.NewItemKey(collectionID, itemID).String()]
	if !ok {
		return "", domain.ErrRecordNotFound
	}
	return owner, nil
}

func (f *fakeReader) BalanceOf(context.Context, string, string) (uint64, error) {
	return 0, nil
}

func (f *fakeReader) ItemOfOwnerByIndex(context.Context, string, string, uint64) (string, error) {
	return "", domain.ErrRecordNotFound
}

func (f *fakeReader) TokenURI(context.Context, string, string) (string, error) {
	return "", nil
}

func (f *fakeReader) Close() {}

// fakeClock fires delays immediately
type fakeClock struct{}

func (fakeClock) Now() time.Time                  { return fixedNow }
func (fakeClock) Since(t time.Time) time.Duration { return fixedNow.Sub(t) }
func (fakeClock) Sleep(time.Duration)             {}
func (fakeClock) Unix(sec, nsec int64) time.Time  { return time.Unix(sec, nsec) }
func (fakeClock) NewTicker(time.Duration) adapter.Ticker {
	panic("not used")
}

func (fakeClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- fixedNow
	return ch
}

func testScanner(reader *fakeReader) scanner.Scanner {
	return scanner.New(reader, nil, fakeClock{}, config.ScannerConfig{
		BatchSize:       3,
		BatchDelay:      time.Millisecond,
		MaxFallbackScan: 100,
	})
}

func activeListing(index uint64, collection, itemID, seller string, price int64) *domain.Listing {
	return &domain.Listing{
		CollectionID:    collection,
		ItemID:          itemID,
		Seller:          seller,
		Price:           big.NewInt(price),
		ListedAt:        fixedNow.Unix() - 1000,
		HistoricalIndex: index,
	}
}

func TestScanCollection_CompleteSnapshot(t *testing.T) {
	reader := newFakeReader()
	reader.supply = 10
	reader.lengths[ledger.TableListings] = 3
	reader.listings[0] = activeListing(0, collectionA, "4", alice, 555)
	reader.listings[1] = activeListing(1, collectionB, "1", bob, 100) // other collection
	reader.listings[2] = &domain.Listing{
		CollectionID:    collectionA,
		ItemID:          "7",
		Seller:          bob,
		Price:           big.NewInt(300),
		CancelledAt:     fixedNow.Unix() - 10,
		HistoricalIndex: 2,
	}
	reader.lengths[ledger.TableSales] = 1
	reader.sales[0] = &domain.Sale{
		CollectionID: collectionA,
		ItemID:       "2",
		Seller:       alice,
		Buyer:        bob,
		Price:        big.NewInt(900),
		Timestamp:    fixedNow.Unix() - 3600,
	}

	s := testScanner(reader)
	snapshot, err := s.ScanCollection(context.Background(), collectionA)

	assert.NoError(t, err)
	assert.Equal(t, domain.NormalizeAddress(collectionA), snapshot.CollectionID)
	assert.NotEmpty(t, snapshot.ID)
	assert.Equal(t, fixedNow, snapshot.TakenAt)
	assert.Equal(t, uint64(10), snapshot.TotalSupply)

	// Records of other collections are filtered out
	assert.Len(t, snapshot.Listings, 2)
	assert.Len(t, snapshot.Sales, 1)
	assert.Empty(t, snapshot.Offers)

	// 3 listings + 0 offers + 1 sale
	assert.Equal(t, uint64(4), snapshot.ScannedTotal)
	assert.Equal(t, uint64(4), snapshot.KnownTotal)
	assert.True(t, snapshot.Complete())
	assert.Equal(t, 1.0, snapshot.Coverage())

	// One item per sequential id
	assert.Len(t, snapshot.Items, 10)

	// Item 4 carries its active listing; item 7's cancelled listing is not attached
	var item4, item7 *domain.Item
	for i := range snapshot.Items {
		switch snapshot.Items[i].ItemID {
		case "4":
			item4 = &snapshot.Items[i]
		case "7":
			item7 = &snapshot.Items[i]
		}
	}
	assert.NotNil(t, item4)
	assert.True(t, item4.IsListed())
	assert.Equal(t, big.NewInt(555), item4.ListedPrice())
	assert.NotNil(t, item7)
	assert.False(t, item7.IsListed())
}

func TestScanCollection_LengthReadFailureIsFatal(t *testing.T) {
	reader := newFakeReader()
	reader.lengthErr[ledger.TableListings] = errors.New("connection refused")

	s := testScanner(reader)
	snapshot, err := s.ScanCollection(context.Background(), collectionA)

	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
	assert.Nil(t, snapshot, "unreachable ledger must never look like an empty collection")
}

func TestScanCollection_TransientFailureRetriedOnce(t *testing.T) {
	reader := newFakeReader()
	reader.supply = 2
	reader.lengths[ledger.TableListings] = 2
	reader.listings[0] = activeListing(0, collectionA, "0", alice, 100)
	reader.listings[1] = activeListing(1, collectionA, "1", alice, 200)
	reader.failOnce(ledger.TableListings, 1, 1)

	s := testScanner(reader)
	snapshot, err := s.ScanCollection(context.Background(), collectionA)

	assert.NoError(t, err)
	assert.Equal(t, uint64(2), snapshot.KnownTotal)
	assert.Empty(t, snapshot.UnknownIndices)
	assert.True(t, snapshot.Complete())
	assert.Len(t, snapshot.Listings, 2)
	assert.Equal(t, 2, reader.reads["listings:1"], "failed index retried exactly once")
}

func TestScanCollection_PersistentFailureMarksUnknown(t *testing.T) {
	reader := newFakeReader()
	reader.supply = 5
	reader.lengths[ledger.TableListings] = 5
	for i := uint64(0); i < 5; i++ {
		reader.listings[i] = activeListing(i, collectionA, fmt.Sprint(i), alice, int64(100+i))
	}
	reader.failOnce(ledger.TableListings, 2, 10) // persists through the retry
	reader.failOnce(ledger.TableListings, 4, 10)

	s := testScanner(reader)
	snapshot, err := s.ScanCollection(context.Background(), collectionA)

	assert.NoError(t, err)
	assert.Equal(t, uint64(5), snapshot.ScannedTotal)
	assert.Equal(t, uint64(3), snapshot.KnownTotal)
	assert.ElementsMatch(t, []uint64{2, 4}, snapshot.UnknownIndices)
	assert.False(t, snapshot.Complete())
	assert.InDelta(t, 0.6, snapshot.Coverage(), 0.0001)
}

func TestScanCollection_SupplyFailureTagsPartial(t *testing.T) {
	reader := newFakeReader()
	reader.supplyErr = fmt.Errorf("%w: supply read failed", domain.ErrLedgerUnavailable)
	reader.lengths[ledger.TableListings] = 1
	reader.listings[0] = activeListing(0, collectionA, "3", alice, 700)

	s := testScanner(reader)
	snapshot, err := s.ScanCollection(context.Background(), collectionA)

	assert.NoError(t, err)
	assert.True(t, snapshot.Partial)
	assert.False(t, snapshot.Complete())
	// Enumeration falls back to the window the records imply: the listed
	// item "3" bounds it at [0, 4)
	assert.Len(t, snapshot.Items, 4)
	ids := make([]string, len(snapshot.Items))
	for i, item := range snapshot.Items {
		ids[i] = item.ItemID
	}
	assert.ElementsMatch(t, []string{"0", "1", "2", "3"}, ids)
}

func TestScanCollection_SupplyFallbackWindowCapped(t *testing.T) {
	reader := newFakeReader()
	reader.supplyErr = fmt.Errorf("%w: supply read failed", domain.ErrLedgerUnavailable)
	reader.lengths[ledger.TableListings] = 1
	// An irregular id far beyond the cap must not explode the enumeration
	reader.listings[0] = activeListing(0, collectionA, "99999", alice, 700)

	s := testScanner(reader)
	snapshot, err := s.ScanCollection(context.Background(), collectionA)

	assert.NoError(t, err)
	assert.True(t, snapshot.Partial)
	// MaxFallbackScan is 100; the record-referenced item rides along on top
	assert.Len(t, snapshot.Items, 101)
}

func TestScanCollection_OfferOnlyItemIncluded(t *testing.T) {
	reader := newFakeReader()
	reader.supply = 1
	reader.lengths[ledger.TableOffers] = 1
	reader.offers[0] = &domain.Offer{
		CollectionID: collectionA, ItemID: "42", Bidder: bob,
		Amount: big.NewInt(50), CreatedAt: fixedNow.Unix() - 100, HistoricalIndex: 0,
	}

	s := testScanner(reader)
	snapshot, err := s.ScanCollection(context.Background(), collectionA)

	assert.NoError(t, err)
	ids := make([]string, len(snapshot.Items))
	for i, item := range snapshot.Items {
		ids[i] = item.ItemID
	}
	// An item with a standing bid but no listing or sale still belongs to
	// the collection
	assert.ElementsMatch(t, []string{"0", "42"}, ids)
}

func TestScanCollection_SupplyFallbackConsidersOffers(t *testing.T) {
	reader := newFakeReader()
	reader.supplyErr = fmt.Errorf("%w: supply read failed", domain.ErrLedgerUnavailable)
	reader.lengths[ledger.TableOffers] = 1
	reader.offers[0] = &domain.Offer{
		CollectionID: collectionA, ItemID: "3", Bidder: bob,
		Amount: big.NewInt(50), CreatedAt: fixedNow.Unix() - 100, HistoricalIndex: 0,
	}

	s := testScanner(reader)
	snapshot, err := s.ScanCollection(context.Background(), collectionA)

	assert.NoError(t, err)
	assert.True(t, snapshot.Partial)
	// The offer on item "3" bounds the fallback window at [0, 4)
	assert.Len(t, snapshot.Items, 4)
}

func TestScanCollection_MalformedRecordSkipped(t *testing.T) {
	reader := newFakeReader()
	reader.supply = 1
	reader.lengths[ledger.TableListings] = 2
	reader.listings[0] = activeListing(0, collectionA, "0", alice, 555)
	reader.failMalformed(ledger.TableListings, 1)

	s := testScanner(reader)
	snapshot, err := s.ScanCollection(context.Background(), collectionA)

	assert.NoError(t, err)
	// A malformed record is known and skipped, never retried or unknown
	assert.True(t, snapshot.Complete())
	assert.Empty(t, snapshot.UnknownIndices)
	assert.Len(t, snapshot.Listings, 1)
	assert.Equal(t, 1, reader.reads["listings:1"])
}

func TestScanCollection_LatestRecordWinsPerItem(t *testing.T) {
	reader := newFakeReader()
	reader.supply = 1
	reader.lengths[ledger.TableListings] = 2
	// Older listing cancelled, newer one active for the same item
	reader.listings[0] = &domain.Listing{
		CollectionID:    collectionA,
		ItemID:          "0",
		Seller:          alice,
		Price:           big.NewInt(999),
		CancelledAt:     fixedNow.Unix() - 100,
		HistoricalIndex: 0,
	}
	reader.listings[1] = activeListing(1, collectionA, "0", alice, 555)

	s := testScanner(reader)
	snapshot, err := s.ScanCollection(context.Background(), collectionA)

	assert.NoError(t, err)
	assert.Len(t, snapshot.Items, 1)
	assert.True(t, snapshot.Items[0].IsListed())
	assert.Equal(t, big.NewInt(555), snapshot.Items[0].ListedPrice())
}

func TestScanCollection_Idempotent(t *testing.T) {
	reader := newFakeReader()
	reader.supply = 3
	reader.lengths[ledger.TableListings] = 1
	reader.listings[0] = activeListing(0, collectionA, "1", alice, 555)

	s := testScanner(reader)
	first, err := s.ScanCollection(context.Background(), collectionA)
	assert.NoError(t, err)
	second, err := s.ScanCollection(context.Background(), collectionA)
	assert.NoError(t, err)

	assert.Equal(t, first.Coverage(), second.Coverage())
	assert.Equal(t, first.Listings, second.Listings)
	assert.Equal(t, len(first.Items), len(second.Items))
}

func TestScanOwner_VerifiesCurrentOwnership(t *testing.T) {
	reader := newFakeReader()
	reader.lengths[ledger.TableSales] = 2
	reader.sales[0] = &domain.Sale{
		CollectionID: collectionA, ItemID: "7",
		Seller: alice, Buyer: bob,
		Price: big.NewInt(100), Timestamp: fixedNow.Unix() - 50,
	}
	reader.sales[1] = &domain.Sale{
		CollectionID: collectionA, ItemID: "8",
		Seller: alice, Buyer: bob,
		Price: big.NewInt(100), Timestamp: fixedNow.Unix() - 40,
	}
	reader.lengths[ledger.TableListings] = 1
	reader.listings[0] = activeListing(0, collectionB, "3", bob, 200)

	// Bob still owns 7 and 3; 8 was transferred onward
	reader.owners[domain.NewItemKey(collectionA, "7").String()] = bob
	reader.owners[domain.NewItemKey(collectionA, "8").String()] = alice
	reader.owners[domain.NewItemKey(collectionB, "3").String()] = bob

	s := testScanner(reader)
	items, err := s.ScanOwner(context.Background(), bob)

	assert.NoError(t, err)
	assert.Len(t, items, 2)
	keys := []string{items[0].Key().String(), items[1].Key().String()}
	assert.Contains(t, keys, domain.NewItemKey(collectionA, "7").String())
	assert.Contains(t, keys, domain.NewItemKey(collectionB, "3").String())
}

func TestScanOwner_NoDuplicateKeys(t *testing.T) {
	reader := newFakeReader()
	// Bob bought item 7 and also listed it: one candidate, not two
	reader.lengths[ledger.TableSales] = 1
	reader.sales[0] = &domain.Sale{
		CollectionID: collectionA, ItemID: "7",
		Seller: alice, Buyer: bob,
		Price: big.NewInt(100), Timestamp: fixedNow.Unix() - 50,
	}
	reader.lengths[ledger.TableListings] = 1
	reader.listings[0] = activeListing(0, collectionA, "7", bob, 500)
	reader.owners[domain.NewItemKey(collectionA, "7").String()] = bob

	s := testScanner(reader)
	items, err := s.ScanOwner(context.Background(), bob)

	assert.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestScanUserListings_FiltersBySeller(t *testing.T) {
	reader := newFakeReader()
	reader.lengths[ledger.TableListings] = 3
	reader.listings[0] = activeListing(0, collectionA, "1", alice, 100)
	reader.listings[1] = activeListing(1, collectionA, "2", bob, 200)
	reader.listings[2] = activeListing(2, collectionB, "3", alice, 300)

	s := testScanner(reader)
	listings, err := s.ScanUserListings(context.Background(), alice)

	assert.NoError(t, err)
	assert.Len(t, listings, 2)
	assert.Equal(t, uint64(0), listings[0].HistoricalIndex)
	assert.Equal(t, uint64(2), listings[1].HistoricalIndex)
}

func TestScanUserOffers_FiltersByBidder(t *testing.T) {
	reader := newFakeReader()
	reader.lengths[ledger.TableOffers] = 2
	reader.offers[0] = &domain.Offer{
		CollectionID: collectionA, ItemID: "1", Bidder: bob,
		Amount: big.NewInt(50), CreatedAt: fixedNow.Unix() - 100, HistoricalIndex: 0,
	}
	reader.offers[1] = &domain.Offer{
		CollectionID: collectionA, ItemID: "2", Bidder: alice,
		Amount: big.NewInt(60), CreatedAt: fixedNow.Unix() - 90, HistoricalIndex: 1,
	}

	s := testScanner(reader)
	offers, err := s.ScanUserOffers(context.Background(), bob)

	assert.NoError(t, err)
	assert.Len(t, offers, 1)
	assert.Equal(t, big.NewInt(50), offers[0].Amount)
}
