package indexer

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/marketfoundry/storefront-engine/internal/adapter"
	"github.com/marketfoundry/storefront-engine/internal/domain"
)

// OwnedItem is one item the indexed source reports for an owner
type OwnedItem struct {
	CollectionID string
	ItemID       string
}

// CollectionBalance is an owner's holding count within one collection
type CollectionBalance struct {
	CollectionID string
	Amount       uint64
}

// Counters holds collection-level counters from the indexed source
type Counters struct {
	TokenHolders   uint64
	TransfersCount uint64
}

// Client defines an interface for the fast indexed source. The source is a
// secondary index over the chain: fast, but possibly incomplete or stale.
// Callers decide how much to trust each answer.
type Client interface {
	// OwnedItems walks every page of the owner's item holdings
	OwnedItems(ctx context.Context, owner string) ([]OwnedItem, error)

	// OwnerCollections walks every page of the owner's per-collection balances
	OwnerCollections(ctx context.Context, owner string) ([]CollectionBalance, error)

	// CollectionCounters returns collection-level counters
	CollectionCounters(ctx context.Context, collectionID string) (*Counters, error)
}

// client is the concrete implementation of Client
type client struct {
	baseURL    string
	pageLimit  int
	httpClient adapter.HTTPClient
}

// NewClient creates a new indexed source client
func NewClient(baseURL string, pageLimit int, httpClient adapter.HTTPClient) Client {
	if pageLimit <= 0 {
		pageLimit = 50
	}
	return &client{
		baseURL:    baseURL,
		pageLimit:  pageLimit,
		httpClient: httpClient,
	}
}

// nftInstancesResponse is one page of item-level holdings
type nftInstancesResponse struct {
	Items []struct {
		ID    string `json:"id"`
		Token struct {
			Address string `json:"address"`
			Type    string `json:"type"`
		} `json:"token"`
	} `json:"items"`
	NextPageParams map[string]interface{} `json:"next_page_params"`
}

// nftCollectionsResponse is one page of per-collection balances
type nftCollectionsResponse struct {
	Items []struct {
		Token struct {
			Address string `json:"address"`
		} `json:"token"`
		Amount string `json:"amount"`
	} `json:"items"`
	NextPageParams map[string]interface{} `json:"next_page_params"`
}

// countersResponse mirrors the token counters endpoint
type countersResponse struct {
	TokenHoldersCount string `json:"token_holders_count"`
	TransfersCount    string `json:"transfers_count"`
}

func (c *client) OwnedItems(ctx context.Context, owner string) ([]OwnedItem, error) {
	endpoint := fmt.Sprintf("%s/api/v2/addresses/%s/nft", c.baseURL, domain.NormalizeAddress(owner))

	var items []OwnedItem
	var pageParams map[string]interface{}

	// A nil next_page_params ends the walk
	for {
		pageURL := c.pageURL(endpoint, pageParams)

		var page nftInstancesResponse
		if err := c.httpClient.Get(ctx, pageURL, &page); err != nil {
			return nil, fmt.Errorf("failed to get owned items for %s: %w", owner, err)
		}

		for _, entry := range page.Items {
			if entry.ID == "" || entry.Token.Address == "" {
				continue
			}
			items = append(items, OwnedItem{
				CollectionID: entry.Token.Address,
				ItemID:       entry.ID,
			})
		}

		if page.NextPageParams == nil {
			return items, nil
		}
		pageParams = page.NextPageParams
	}
}

func (c *client) OwnerCollections(ctx context.Context, owner string) ([]CollectionBalance, error) {
	endpoint := fmt.Sprintf("%s/api/v2/addresses/%s/nft/collections", c.baseURL, domain.NormalizeAddress(owner))

	var balances []CollectionBalance
	var pageParams map[string]interface{}

	for {
		pageURL := c.pageURL(endpoint, pageParams)

		var page nftCollectionsResponse
		if err := c.httpClient.Get(ctx, pageURL, &page); err != nil {
			return nil, fmt.Errorf("failed to get collections for %s: %w", owner, err)
		}

		for _, entry := range page.Items {
			if entry.Token.Address == "" {
				continue
			}
			amount, err := strconv.ParseUint(entry.Amount, 10, 64)
			if err != nil {
				// A balance we cannot parse is a balance we cannot trust
				continue
			}
			balances = append(balances, CollectionBalance{
				CollectionID: entry.Token.Address,
				Amount:       amount,
			})
		}

		if page.NextPageParams == nil {
			return balances, nil
		}
		pageParams = page.NextPageParams
	}
}

func (c *client) CollectionCounters(ctx context.Context, collectionID string) (*Counters, error) {
	endpoint := fmt.Sprintf("%s/api/v2/tokens/%s/counters", c.baseURL, domain.NormalizeAddress(collectionID))

	var resp countersResponse
	if err := c.httpClient.Get(ctx, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("failed to get counters for %s: %w", collectionID, err)
	}

	holders, _ := strconv.ParseUint(resp.TokenHoldersCount, 10, 64)
	transfers, _ := strconv.ParseUint(resp.TransfersCount, 10, 64)

	return &Counters{
		TokenHolders:   holders,
		TransfersCount: transfers,
	}, nil
}

// pageURL appends the page limit and the opaque next_page_params cursor
func (c *client) pageURL(endpoint string, pageParams map[string]interface{}) string {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(c.pageLimit))
	for key, value := range pageParams {
		switch v := value.(type) {
		case string:
			query.Set(key, v)
		case float64:
			// JSON numbers decode as float64; cursors are integral
			query.Set(key, strconv.FormatInt(int64(v), 10))
		case bool:
			query.Set(key, strconv.FormatBool(v))
		default:
			query.Set(key, fmt.Sprint(v))
		}
	}
	return endpoint + "?" + query.Encode()
}
