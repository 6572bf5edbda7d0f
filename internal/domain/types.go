package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListingStatus represents the lifecycle status of a listing
type ListingStatus string

const (
	ListingStatusActive    ListingStatus = "active"
	ListingStatusCancelled ListingStatus = "cancelled"
	ListingStatusSold      ListingStatus = "sold"
	ListingStatusExpired   ListingStatus = "expired"
)

// OfferStatus represents the lifecycle status of an offer
type OfferStatus string

const (
	OfferStatusActive    OfferStatus = "active"
	OfferStatusCancelled OfferStatus = "cancelled"
	OfferStatusAccepted  OfferStatus = "accepted"
	OfferStatusExpired   OfferStatus = "expired"
)

// ItemKey is the canonical, case-normalized identity of an item within a
// collection. It is the de-duplication key whenever item records from
// different sources are merged.
type ItemKey struct {
	CollectionID string
	ItemID       string
}

// NewItemKey creates a normalized ItemKey
func NewItemKey(collectionID, itemID string) ItemKey {
	return ItemKey{
		CollectionID: NormalizeAddress(collectionID),
		ItemID:       strings.TrimSpace(itemID),
	}
}

// String returns the string representation of the ItemKey
func (k ItemKey) String() string {
	return fmt.Sprintf("%s:%s", strings.ToLower(k.CollectionID), k.ItemID)
}

// Listing is a seller's standing offer to sell one item at a fixed price.
// Timestamps are unix seconds; ExpiresAt == 0 means no expiry.
type Listing struct {
	CollectionID    string   `json:"collection_id"`
	ItemID          string   `json:"item_id"`
	Seller          string   `json:"seller"`
	Price           *big.Int `json:"price"` // smallest unit of the payment token
	PaymentToken    string   `json:"payment_token"`
	ListedAt        int64    `json:"listed_at"`
	ExpiresAt       int64    `json:"expires_at"`
	CancelledAt     int64    `json:"cancelled_at"`
	SoldAt          int64    `json:"sold_at"`
	PrivateBuyer    string   `json:"private_buyer,omitempty"`
	HistoricalIndex uint64   `json:"historical_index"`
}

// Key returns the normalized item key of the listed item
func (l *Listing) Key() ItemKey {
	return NewItemKey(l.CollectionID, l.ItemID)
}

// Offer is a prospective buyer's standing bid on one item
type Offer struct {
	CollectionID    string   `json:"collection_id"`
	ItemID          string   `json:"item_id"`
	Bidder          string   `json:"bidder"`
	Amount          *big.Int `json:"amount"`
	CreatedAt       int64    `json:"created_at"`
	ExpiresAt       int64    `json:"expires_at"`
	CancelledAt     int64    `json:"cancelled_at"`
	AcceptedAt      int64    `json:"accepted_at"`
	HistoricalIndex uint64   `json:"historical_index"`
}

// Key returns the normalized item key of the bid item
func (o *Offer) Key() ItemKey {
	return NewItemKey(o.CollectionID, o.ItemID)
}

// Sale is an immutable completed-transaction record. It is never mutated
// after creation.
type Sale struct {
	CollectionID     string   `json:"collection_id"`
	ItemID           string   `json:"item_id"`
	Seller           string   `json:"seller"`
	Buyer            string   `json:"buyer"`
	Price            *big.Int `json:"price"`
	Fee              *big.Int `json:"fee"`
	Royalty          *big.Int `json:"royalty"`
	RoyaltyRecipient string   `json:"royalty_recipient,omitempty"`
	Timestamp        int64    `json:"timestamp"`
}

// TraitAttribute is a single display trait of an item
type TraitAttribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// ItemMetadata holds display metadata resolved for an item
type ItemMetadata struct {
	Name       string           `json:"name"`
	Image      string           `json:"image"`
	Attributes []TraitAttribute `json:"attributes,omitempty"`
}

// Item is a uniquely identified digital asset within a collection.
// Listing, when non-nil, is the item's currently active listing; listed
// state and price are synthesized from it at snapshot time, never stored
// independently.
type Item struct {
	CollectionID string       `json:"collection_id"`
	ItemID       string       `json:"item_id"`
	Owner        string       `json:"owner"`
	Metadata     ItemMetadata `json:"metadata"`
	Listing      *Listing     `json:"listing,omitempty"`
}

// Key returns the normalized item key
func (i *Item) Key() ItemKey {
	return NewItemKey(i.CollectionID, i.ItemID)
}

// IsListed reports whether the item carries an active listing
func (i *Item) IsListed() bool {
	return i.Listing != nil
}

// ListedPrice returns the active listing price, or nil when unlisted
func (i *Item) ListedPrice() *big.Int {
	if i.Listing == nil {
		return nil
	}
	return i.Listing.Price
}

// CollectionSnapshot is a complete, point-in-time aggregation of one
// collection, produced by an exhaustive scan. It is derived and disposable;
// it lives only in the result cache.
type CollectionSnapshot struct {
	ID           string    `json:"id"`
	CollectionID string    `json:"collection_id"`
	TakenAt      time.Time `json:"taken_at"`
	TotalSupply  uint64    `json:"total_supply"`

	Items    []Item    `json:"items"`
	Listings []Listing `json:"listings"`
	Offers   []Offer   `json:"offers"`
	Sales    []Sale    `json:"sales"`

	// Scan bookkeeping. An index is known when it has an explicit success
	// or an explicit failure recorded; UnknownIndices holds the indices
	// that stayed unreadable after retry.
	ScannedTotal   uint64   `json:"scanned_total"`
	KnownTotal     uint64   `json:"known_total"`
	UnknownIndices []uint64 `json:"unknown_indices,omitempty"`
	Partial        bool     `json:"partial"`
}

// Coverage returns the fraction of the target population the scan visited
// successfully. 1.0 means every index is known.
func (s *CollectionSnapshot) Coverage() float64 {
	if s.ScannedTotal == 0 {
		if s.Partial {
			return 0
		}
		return 1
	}
	return float64(s.KnownTotal) / float64(s.ScannedTotal)
}

// Complete reports whether the scan reached the whole population. Only a
// complete snapshot may feed population-wide statistics.
func (s *CollectionSnapshot) Complete() bool {
	return !s.Partial && s.KnownTotal == s.ScannedTotal
}

// StatsStatus marks whether aggregate statistics are computed over a full
// population or withheld due to partial coverage
type StatsStatus string

const (
	StatsStatusOK      StatsStatus = "ok"
	StatsStatusPartial StatsStatus = "partial"
)

// AggregateStats is derived solely from a CollectionSnapshot. When the
// underlying snapshot has coverage below 1.0 every population-dependent
// figure (floor, volume, rate, average, median) is nil/zero and Status is
// partial — a floor price computed from a sample is a correctness bug, not
// an approximation.
type AggregateStats struct {
	CollectionID string      `json:"collection_id"`
	Status       StatsStatus `json:"status"`
	Coverage     float64     `json:"coverage"`

	FloorPrice   *big.Int      `json:"floor_price,omitempty"`
	ListedCount  int           `json:"listed_count"`
	TotalSupply  uint64        `json:"total_supply"`
	ListingRate  float64       `json:"listing_rate"`
	AveragePrice *big.Int      `json:"average_price,omitempty"`
	MedianPrice  *big.Int      `json:"median_price,omitempty"`
	WindowVolume *big.Int      `json:"window_volume,omitempty"`
	Window       time.Duration `json:"window"`
}

// SaleEvent is the write-path notification consumed for cache invalidation
type SaleEvent struct {
	CollectionID string    `json:"collection_id"`
	ItemID       string    `json:"item_id"`
	Price        string    `json:"price"`
	Timestamp    time.Time `json:"timestamp"`
}

// NormalizeAddress normalizes an address or collection identifier to the
// checksummed format used on chain
func NormalizeAddress(address string) string {
	if strings.HasPrefix(address, "0x") || strings.HasPrefix(address, "0X") {
		return common.HexToAddress(address).String()
	}
	return strings.TrimSpace(address)
}

// NormalizeAddresses normalizes a list of addresses in place
func NormalizeAddresses(addresses []string) []string {
	for i, address := range addresses {
		addresses[i] = NormalizeAddress(address)
	}
	return addresses
}
