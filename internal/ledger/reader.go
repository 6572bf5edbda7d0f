package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/marketfoundry/storefront-engine/internal/adapter"
	"github.com/marketfoundry/storefront-engine/internal/domain"
)

// Table identifies one of the append-only record arrays on the marketplace
// contract
type Table string

const (
	TableListings Table = "listings"
	TableOffers   Table = "offers"
	TableSales    Table = "sales"
)

// marketABIJSON covers the read surface of the marketplace contract: array
// length reads, per-index record reads, and the point-in-time current
// listing lookup. The contract exposes no filter-by-query capability.
const marketABIJSON = `[
{"constant":true,"inputs":[],"name":"listingsLength","outputs":[{"name":"length","type":"uint256"}],"stateMutability":"view","type":"function"},
{"constant":true,"inputs":[],"name":"offersLength","outputs":[{"name":"length","type":"uint256"}],"stateMutability":"view","type":"function"},
{"constant":true,"inputs":[],"name":"salesLength","outputs":[{"name":"length","type":"uint256"}],"stateMutability":"view","type":"function"},
{"constant":true,"inputs":[{"name":"index","type":"uint256"}],"name":"listingAt","outputs":[{"name":"collection","type":"address"},{"name":"itemId","type":"uint256"},{"name":"seller","type":"address"},{"name":"price","type":"uint256"},{"name":"paymentToken","type":"address"},{"name":"listedAt","type":"uint256"},{"name":"expiresAt","type":"uint256"},{"name":"cancelledAt","type":"uint256"},{"name":"soldAt","type":"uint256"},{"name":"privateBuyer","type":"address"}],"stateMutability":"view","type":"function"},
{"constant":true,"inputs":[{"name":"index","type":"uint256"}],"name":"offerAt","outputs":[{"name":"collection","type":"address"},{"name":"itemId","type":"uint256"},{"name":"bidder","type":"address"},{"name":"amount","type":"uint256"},{"name":"createdAt","type":"uint256"},{"name":"expiresAt","type":"uint256"},{"name":"cancelledAt","type":"uint256"},{"name":"acceptedAt","type":"uint256"}],"stateMutability":"view","type":"function"},
{"constant":true,"inputs":[{"name":"index","type":"uint256"}],"name":"saleAt","outputs":[{"name":"collection","type":"address"},{"name":"itemId","type":"uint256"},{"name":"seller","type":"address"},{"name":"buyer","type":"address"},{"name":"price","type":"uint256"},{"name":"fee","type":"uint256"},{"name":"royalty","type":"uint256"},{"name":"royaltyRecipient","type":"address"},{"name":"timestamp","type":"uint256"}],"stateMutability":"view","type":"function"},
{"constant":true,"inputs":[{"name":"collection","type":"address"},{"name":"itemId","type":"uint256"}],"name":"currentListingOf","outputs":[{"name":"exists","type":"bool"},{"name":"index","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// Reader provides read-only access to the append-only marketplace ledger
// plus the item-level collection reads (supply, ownership, enumeration)
// the scanner and reconciler need.
type Reader interface {
	// ArrayLength returns the length of an append-only record table.
	// Failure here is fatal for any scan: the scan cannot bound its work.
	ArrayLength(ctx context.Context, table Table) (uint64, error)

	// ListingAt reads the listing record at a historical index
	ListingAt(ctx context.Context, index uint64) (*domain.Listing, error)

	// OfferAt reads the offer record at a historical index
	OfferAt(ctx context.Context, index uint64) (*domain.Offer, error)

	// SaleAt reads the sale record at a historical index
	SaleAt(ctx context.Context, index uint64) (*domain.Sale, error)

	// CurrentListing returns the item's current listing record, or nil when
	// the item is not listed
	CurrentListing(ctx context.Context, collectionID, itemID string) (*domain.Listing, error)

	// CollectionSize returns the total supply of a collection
	CollectionSize(ctx context.Context, collectionID string) (uint64, error)

	// OwnerOf returns the current owner of an item.
	// Returns domain.ErrRecordNotFound when the item does not exist.
	OwnerOf(ctx context.Context, collectionID, itemID string) (string, error)

	// BalanceOf returns the number of items an address owns in a collection
	BalanceOf(ctx context.Context, collectionID, owner string) (uint64, error)

	// ItemOfOwnerByIndex enumerates an owner's items within a collection.
	// Returns domain.ErrRecordNotFound when the collection does not support
	// owner-index enumeration.
	ItemOfOwnerByIndex(ctx context.Context, collectionID, owner string, index uint64) (string, error)

	// TokenURI returns the metadata URI of an item
	TokenURI(ctx context.Context, collectionID, itemID string) (string, error)

	// Close closes the underlying connection
	Close()
}

type reader struct {
	market    common.Address
	marketABI abi.ABI
	client    adapter.EthClient
	retry     RetryPolicy
}

// NewReader creates a ledger reader bound to one marketplace contract.
// The retry policy is applied uniformly to every read.
func NewReader(marketContract string, client adapter.EthClient, retry RetryPolicy) (Reader, error) {
	if !common.IsHexAddress(marketContract) {
		return nil, fmt.Errorf("invalid market contract address: %s", marketContract)
	}

	marketABI, err := abi.JSON(strings.NewReader(marketABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse market ABI: %w", err)
	}

	return &reader{
		market:    common.HexToAddress(marketContract),
		marketABI: marketABI,
		client:    client,
		retry:     retry,
	}, nil
}

// call packs, executes and unpacks one contract read under the retry policy
func (r *reader) call(ctx context.Context, contract common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	var raw []byte
	err = r.retry.Run(ctx, func() error {
		var callErr error
		raw, callErr = r.client.CallContract(ctx, ethereum.CallMsg{
			To:   &contract,
			Data: data,
		}, nil)
		return callErr
	})
	if err != nil {
		if isRevertError(err) {
			return nil, fmt.Errorf("%s: %w", method, domain.ErrRecordNotFound)
		}
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}

	values, err := contractABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}

	return values, nil
}

func (r *reader) ArrayLength(ctx context.Context, table Table) (uint64, error) {
	var method string
	switch table {
	case TableListings:
		method = "listingsLength"
	case TableOffers:
		method = "offersLength"
	case TableSales:
		method = "salesLength"
	default:
		return 0, fmt.Errorf("unknown ledger table: %s", table)
	}

	values, err := r.call(ctx, r.market, r.marketABI, method)
	if err != nil {
		return 0, fmt.Errorf("%w: %s length read failed: %s", domain.ErrLedgerUnavailable, table, err)
	}

	length, ok := values[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected %s result type", method)
	}
	return length.Uint64(), nil
}

func (r *reader) ListingAt(ctx context.Context, index uint64) (*domain.Listing, error) {
	values, err := r.call(ctx, r.market, r.marketABI, "listingAt", new(big.Int).SetUint64(index))
	if err != nil {
		return nil, err
	}
	if len(values) != 10 {
		return nil, fmt.Errorf("%w: listing at index %d has %d fields", domain.ErrMalformedRecord, index, len(values))
	}

	return &domain.Listing{
		CollectionID:    values[0].(common.Address).Hex(),
		ItemID:          values[1].(*big.Int).String(),
		Seller:          values[2].(common.Address).Hex(),
		Price:           values[3].(*big.Int),
		PaymentToken:    values[4].(common.Address).Hex(),
		ListedAt:        values[5].(*big.Int).Int64(),
		ExpiresAt:       values[6].(*big.Int).Int64(),
		CancelledAt:     values[7].(*big.Int).Int64(),
		SoldAt:          values[8].(*big.Int).Int64(),
		PrivateBuyer:    optionalAddress(values[9].(common.Address)),
		HistoricalIndex: index,
	}, nil
}

func (r *reader) OfferAt(ctx context.Context, index uint64) (*domain.Offer, error) {
	values, err := r.call(ctx, r.market, r.marketABI, "offerAt", new(big.Int).SetUint64(index))
	if err != nil {
		return nil, err
	}
	if len(values) != 8 {
		return nil, fmt.Errorf("%w: offer at index %d has %d fields", domain.ErrMalformedRecord, index, len(values))
	}

	return &domain.Offer{
		CollectionID:    values[0].(common.Address).Hex(),
		ItemID:          values[1].(*big.Int).String(),
		Bidder:          values[2].(common.Address).Hex(),
		Amount:          values[3].(*big.Int),
		CreatedAt:       values[4].(*big.Int).Int64(),
		ExpiresAt:       values[5].(*big.Int).Int64(),
		CancelledAt:     values[6].(*big.Int).Int64(),
		AcceptedAt:      values[7].(*big.Int).Int64(),
		HistoricalIndex: index,
	}, nil
}

func (r *reader) SaleAt(ctx context.Context, index uint64) (*domain.Sale, error) {
	values, err := r.call(ctx, r.market, r.marketABI, "saleAt", new(big.Int).SetUint64(index))
	if err != nil {
		return nil, err
	}
	if len(values) != 9 {
		return nil, fmt.Errorf("%w: sale at index %d has %d fields", domain.ErrMalformedRecord, index, len(values))
	}

	return &domain.Sale{
		CollectionID:     values[0].(common.Address).Hex(),
		ItemID:           values[1].(*big.Int).String(),
		Seller:           values[2].(common.Address).Hex(),
		Buyer:            values[3].(common.Address).Hex(),
		Price:            values[4].(*big.Int),
		Fee:              values[5].(*big.Int),
		Royalty:          values[6].(*big.Int),
		RoyaltyRecipient: optionalAddress(values[7].(common.Address)),
		Timestamp:        values[8].(*big.Int).Int64(),
	}, nil
}

func (r *reader) CurrentListing(ctx context.Context, collectionID, itemID string) (*domain.Listing, error) {
	itemNumber, ok := new(big.Int).SetString(itemID, 10)
	if !ok {
		return nil, fmt.Errorf("invalid item id: %s", itemID)
	}

	values, err := r.call(ctx, r.market, r.marketABI, "currentListingOf", common.HexToAddress(collectionID), itemNumber)
	if err != nil {
		return nil, err
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("%w: currentListingOf result has %d fields", domain.ErrMalformedRecord, len(values))
	}

	exists, ok := values[0].(bool)
	if !ok {
		return nil, errors.New("unexpected currentListingOf result type")
	}
	if !exists {
		// Not listed: an explicit empty result, not a failure
		return nil, nil
	}

	// The lookup returns only the historical index; the record itself lives
	// in the append-only listings table
	return r.ListingAt(ctx, values[1].(*big.Int).Uint64())
}

func (r *reader) CollectionSize(ctx context.Context, collectionID string) (uint64, error) {
	totalSupplyABI, err := abi.JSON(strings.NewReader(`[{"constant":true,"inputs":[],"name":"totalSupply","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`))
	if err != nil {
		return 0, fmt.Errorf("failed to parse ABI: %w", err)
	}

	values, err := r.call(ctx, common.HexToAddress(collectionID), totalSupplyABI, "totalSupply")
	if err != nil {
		return 0, fmt.Errorf("%w: supply read failed: %s", domain.ErrLedgerUnavailable, err)
	}

	return values[0].(*big.Int).Uint64(), nil
}

func (r *reader) OwnerOf(ctx context.Context, collectionID, itemID string) (string, error) {
	ownerOfABI, err := abi.JSON(strings.NewReader(`[{"constant":true,"inputs":[{"name":"tokenId","type":"uint256"}],"name":"ownerOf","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}]`))
	if err != nil {
		return "", fmt.Errorf("failed to parse ABI: %w", err)
	}

	itemNumber, ok := new(big.Int).SetString(itemID, 10)
	if !ok {
		return "", fmt.Errorf("invalid item id: %s", itemID)
	}

	values, err := r.call(ctx, common.HexToAddress(collectionID), ownerOfABI, "ownerOf", itemNumber)
	if err != nil {
		return "", err
	}

	return values[0].(common.Address).Hex(), nil
}

func (r *reader) BalanceOf(ctx context.Context, collectionID, owner string) (uint64, error) {
	balanceOfABI, err := abi.JSON(strings.NewReader(`[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`))
	if err != nil {
		return 0, fmt.Errorf("failed to parse ABI: %w", err)
	}

	values, err := r.call(ctx, common.HexToAddress(collectionID), balanceOfABI, "balanceOf", common.HexToAddress(owner))
	if err != nil {
		return 0, err
	}

	return values[0].(*big.Int).Uint64(), nil
}

func (r *reader) ItemOfOwnerByIndex(ctx context.Context, collectionID, owner string, index uint64) (string, error) {
	enumABI, err := abi.JSON(strings.NewReader(`[{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"index","type":"uint256"}],"name":"tokenOfOwnerByIndex","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`))
	if err != nil {
		return "", fmt.Errorf("failed to parse ABI: %w", err)
	}

	values, err := r.call(ctx, common.HexToAddress(collectionID), enumABI, "tokenOfOwnerByIndex", common.HexToAddress(owner), new(big.Int).SetUint64(index))
	if err != nil {
		return "", err
	}

	return values[0].(*big.Int).String(), nil
}

func (r *reader) TokenURI(ctx context.Context, collectionID, itemID string) (string, error) {
	tokenURIABI, err := abi.JSON(strings.NewReader(`[{"constant":true,"inputs":[{"name":"tokenId","type":"uint256"}],"name":"tokenURI","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"}]`))
	if err != nil {
		return "", fmt.Errorf("failed to parse ABI: %w", err)
	}

	itemNumber, ok := new(big.Int).SetString(itemID, 10)
	if !ok {
		return "", fmt.Errorf("invalid item id: %s", itemID)
	}

	values, err := r.call(ctx, common.HexToAddress(collectionID), tokenURIABI, "tokenURI", itemNumber)
	if err != nil {
		return "", err
	}

	return values[0].(string), nil
}

func (r *reader) Close() {
	r.client.Close()
}

// optionalAddress maps the zero address to an empty string
func optionalAddress(addr common.Address) string {
	hex := addr.Hex()
	if hex == domain.ETHEREUM_ZERO_ADDRESS {
		return ""
	}
	return hex
}
