package stats

import (
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/marketfoundry/storefront-engine/internal/config"
	"github.com/marketfoundry/storefront-engine/internal/domain"
)

// Calculator derives aggregate statistics from a collection snapshot. It
// never reaches out to a remote source: everything is computed from the
// snapshot it is handed.
type Calculator interface {
	// Compute derives statistics from the snapshot at the given time.
	// A snapshot with coverage below 1.0 yields a partial result with
	// every population-dependent figure withheld.
	Compute(snapshot *domain.CollectionSnapshot, now time.Time) domain.AggregateStats
}

type calculator struct {
	window time.Duration
}

// New creates a statistics calculator with the configured volume window
func New(cfg config.StatsConfig) Calculator {
	window := cfg.VolumeWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &calculator{window: window}
}

func (c *calculator) Compute(snapshot *domain.CollectionSnapshot, now time.Time) domain.AggregateStats {
	result := domain.AggregateStats{
		CollectionID: snapshot.CollectionID,
		Coverage:     snapshot.Coverage(),
		TotalSupply:  snapshot.TotalSupply,
		Window:       c.window,
	}

	// A floor price computed from a sample can only ever be biased too
	// high. Below full coverage everything population-dependent is
	// withheld, not estimated.
	if !snapshot.Complete() || result.Coverage < 1.0 {
		result.Status = domain.StatsStatusPartial
		return result
	}
	result.Status = domain.StatsStatusOK

	prices := activeListingPrices(snapshot, now)

	result.ListedCount = len(prices)
	if snapshot.TotalSupply > 0 {
		rate := float64(len(prices)) / float64(snapshot.TotalSupply) * 100
		result.ListingRate = math.Round(rate*100) / 100
	}

	if len(prices) > 0 {
		result.FloorPrice = floor(prices)
		result.AveragePrice = average(prices)
		result.MedianPrice = median(prices)
	}

	result.WindowVolume = windowVolume(snapshot.Sales, now, c.window)

	return result
}

// activeListingPrices collects the price of each item's current listing if
// that listing is active right now. One price per item: the latest record
// per item supersedes earlier ones in the append-only log.
func activeListingPrices(snapshot *domain.CollectionSnapshot, now time.Time) []*big.Int {
	current := make(map[domain.ItemKey]*domain.Listing)
	for i := range snapshot.Listings {
		l := &snapshot.Listings[i]
		key := l.Key()
		if existing, ok := current[key]; !ok || l.HistoricalIndex > existing.HistoricalIndex {
			current[key] = l
		}
	}

	var prices []*big.Int
	for _, l := range current {
		if domain.ListingActive(l, now) && l.Price != nil {
			prices = append(prices, l.Price)
		}
	}
	return prices
}

// floor is the minimum price, ties unbroken
func floor(prices []*big.Int) *big.Int {
	minPrice := prices[0]
	for _, p := range prices[1:] {
		if p.Cmp(minPrice) < 0 {
			minPrice = p
		}
	}
	return new(big.Int).Set(minPrice)
}

func average(prices []*big.Int) *big.Int {
	sum := new(big.Int)
	for _, p := range prices {
		sum.Add(sum, p)
	}
	return sum.Div(sum, big.NewInt(int64(len(prices))))
}

// median of an even count is the mean of the two middle sorted values
func median(prices []*big.Int) *big.Int {
	sorted := make([]*big.Int, len(prices))
	copy(sorted, prices)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Cmp(sorted[j]) < 0
	})

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return new(big.Int).Set(sorted[mid])
	}
	sum := new(big.Int).Add(sorted[mid-1], sorted[mid])
	return sum.Div(sum, big.NewInt(2))
}

// windowVolume sums sale prices with timestamp >= now - window
func windowVolume(sales []domain.Sale, now time.Time, window time.Duration) *big.Int {
	cutoff := now.Add(-window).Unix()
	volume := new(big.Int)
	for i := range sales {
		if sales[i].Timestamp >= cutoff && sales[i].Price != nil {
			volume.Add(volume, sales[i].Price)
		}
	}
	return volume
}
