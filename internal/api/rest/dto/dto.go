// Package dto holds the REST wire representations. Prices are big integers
// in the smallest unit of the payment token and always travel as decimal
// strings; JSON numbers cannot carry them losslessly.
package dto

import (
	"math/big"
	"time"

	"github.com/marketfoundry/storefront-engine/internal/domain"
	"github.com/marketfoundry/storefront-engine/internal/engine"
)

// Listing is the wire representation of a listing record
type Listing struct {
	CollectionID    string `json:"collection_id"`
	ItemID          string `json:"item_id"`
	Seller          string `json:"seller"`
	Price           string `json:"price"`
	PaymentToken    string `json:"payment_token,omitempty"`
	Status          string `json:"status"`
	ListedAt        int64  `json:"listed_at"`
	ExpiresAt       int64  `json:"expires_at,omitempty"`
	PrivateBuyer    string `json:"private_buyer,omitempty"`
	HistoricalIndex uint64 `json:"historical_index"`
}

// NewListing maps a listing record; status is derived against now and never
// stored
func NewListing(l *domain.Listing, now time.Time) *Listing {
	if l == nil {
		return nil
	}
	return &Listing{
		CollectionID:    domain.NormalizeAddress(l.CollectionID),
		ItemID:          l.ItemID,
		Seller:          l.Seller,
		Price:           bigString(l.Price),
		PaymentToken:    l.PaymentToken,
		Status:          string(domain.DeriveListingStatus(l, now)),
		ListedAt:        l.ListedAt,
		ExpiresAt:       l.ExpiresAt,
		PrivateBuyer:    l.PrivateBuyer,
		HistoricalIndex: l.HistoricalIndex,
	}
}

// NewListings maps a listing slice
func NewListings(listings []domain.Listing, now time.Time) []Listing {
	out := make([]Listing, 0, len(listings))
	for i := range listings {
		out = append(out, *NewListing(&listings[i], now))
	}
	return out
}

// Offer is the wire representation of an offer record
type Offer struct {
	CollectionID    string `json:"collection_id"`
	ItemID          string `json:"item_id"`
	Bidder          string `json:"bidder"`
	Amount          string `json:"amount"`
	Status          string `json:"status"`
	CreatedAt       int64  `json:"created_at"`
	ExpiresAt       int64  `json:"expires_at,omitempty"`
	HistoricalIndex uint64 `json:"historical_index"`
}

// NewOffers maps an offer slice; status is derived against now
func NewOffers(offers []domain.Offer, now time.Time) []Offer {
	out := make([]Offer, 0, len(offers))
	for i := range offers {
		o := &offers[i]
		out = append(out, Offer{
			CollectionID:    domain.NormalizeAddress(o.CollectionID),
			ItemID:          o.ItemID,
			Bidder:          o.Bidder,
			Amount:          bigString(o.Amount),
			Status:          string(domain.DeriveOfferStatus(o, now)),
			CreatedAt:       o.CreatedAt,
			ExpiresAt:       o.ExpiresAt,
			HistoricalIndex: o.HistoricalIndex,
		})
	}
	return out
}

// Item is the wire representation of an item. Listed state and price are
// synthesized from the active listing.
type Item struct {
	CollectionID string                  `json:"collection_id"`
	ItemID       string                  `json:"item_id"`
	Owner        string                  `json:"owner,omitempty"`
	Name         string                  `json:"name,omitempty"`
	Image        string                  `json:"image,omitempty"`
	Attributes   []domain.TraitAttribute `json:"attributes,omitempty"`
	Listed       bool                    `json:"listed"`
	Price        *string                 `json:"price,omitempty"`
	Listing      *Listing                `json:"listing,omitempty"`
}

// NewItems maps an item slice
func NewItems(items []domain.Item, now time.Time) []Item {
	out := make([]Item, 0, len(items))
	for i := range items {
		item := &items[i]
		mapped := Item{
			CollectionID: item.CollectionID,
			ItemID:       item.ItemID,
			Owner:        item.Owner,
			Name:         item.Metadata.Name,
			Image:        item.Metadata.Image,
			Attributes:   item.Metadata.Attributes,
			Listed:       item.IsListed(),
			Listing:      NewListing(item.Listing, now),
		}
		if price := item.ListedPrice(); price != nil {
			s := price.String()
			mapped.Price = &s
		}
		out = append(out, mapped)
	}
	return out
}

// CollectionView is one page of a collection view
type CollectionView struct {
	Items      []Item    `json:"items"`
	TotalItems int       `json:"total_items"`
	HasMore    bool      `json:"has_more"`
	Coverage   float64   `json:"coverage"`
	Partial    bool      `json:"partial"`
	TakenAt    time.Time `json:"taken_at"`
}

// NewCollectionView maps an engine view page
func NewCollectionView(view *engine.CollectionView, now time.Time) *CollectionView {
	return &CollectionView{
		Items:      NewItems(view.Items, now),
		TotalItems: view.TotalItems,
		HasMore:    view.HasMore,
		Coverage:   view.Coverage,
		Partial:    view.Partial,
		TakenAt:    view.TakenAt,
	}
}

// Stats is the wire representation of aggregate statistics. All price
// figures are absent when Status is "partial".
type Stats struct {
	CollectionID  string  `json:"collection_id"`
	Status        string  `json:"status"`
	Coverage      float64 `json:"coverage"`
	FloorPrice    *string `json:"floor_price,omitempty"`
	ListedCount   int     `json:"listed_count"`
	TotalSupply   uint64  `json:"total_supply"`
	ListingRate   float64 `json:"listing_rate"`
	AveragePrice  *string `json:"average_price,omitempty"`
	MedianPrice   *string `json:"median_price,omitempty"`
	WindowVolume  *string `json:"window_volume,omitempty"`
	WindowSeconds int64   `json:"window_seconds"`
}

// NewStats maps aggregate statistics
func NewStats(s *domain.AggregateStats) *Stats {
	return &Stats{
		CollectionID:  s.CollectionID,
		Status:        string(s.Status),
		Coverage:      s.Coverage,
		FloorPrice:    bigStringPtr(s.FloorPrice),
		ListedCount:   s.ListedCount,
		TotalSupply:   s.TotalSupply,
		ListingRate:   s.ListingRate,
		AveragePrice:  bigStringPtr(s.AveragePrice),
		MedianPrice:   bigStringPtr(s.MedianPrice),
		WindowVolume:  bigStringPtr(s.WindowVolume),
		WindowSeconds: int64(s.Window.Seconds()),
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func bigStringPtr(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}
