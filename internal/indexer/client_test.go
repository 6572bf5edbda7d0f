package indexer_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/marketfoundry/storefront-engine/internal/indexer"
)

const testOwner = "0xAbCd000000000000000000000000000000000001"

// fakeHTTPClient serves scripted JSON responses in request order
type fakeHTTPClient struct {
	responses []string
	err       error
	urls      []string
}

func (f *fakeHTTPClient) Get(_ context.Context, reqURL string, result interface{}) error {
	f.urls = append(f.urls, reqURL)
	if f.err != nil {
		return f.err
	}
	if len(f.responses) == 0 {
		return errors.New("unexpected request")
	}
	body := f.responses[0]
	f.responses = f.responses[1:]
	return json.Unmarshal([]byte(body), result)
}

func TestOwnedItemsSinglePage(t *testing.T) {
	httpClient := &fakeHTTPClient{
		responses: []string{`{
			"items": [
				{"id": "1", "token": {"address": "0xCol1", "type": "ERC-721"}},
				{"id": "2", "token": {"address": "0xCol1", "type": "ERC-721"}},
				{"id": "9", "token": {"address": "0xCol2", "type": "ERC-721"}}
			],
			"next_page_params": null
		}`},
	}

	c := indexer.NewClient("https://scan.example.com", 50, httpClient)
	items, err := c.OwnedItems(context.Background(), testOwner)

	assert.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, indexer.OwnedItem{CollectionID: "0xCol1", ItemID: "1"}, items[0])
	assert.Equal(t, indexer.OwnedItem{CollectionID: "0xCol2", ItemID: "9"}, items[2])
	assert.Len(t, httpClient.urls, 1)
	assert.Contains(t, httpClient.urls[0], "/api/v2/addresses/")
	assert.Contains(t, httpClient.urls[0], "limit=50")
}

func TestOwnedItemsFollowsPageCursor(t *testing.T) {
	httpClient := &fakeHTTPClient{
		responses: []string{
			`{
				"items": [{"id": "1", "token": {"address": "0xCol1"}}],
				"next_page_params": {"unique_token": 42, "items_count": 50}
			}`,
			`{
				"items": [{"id": "2", "token": {"address": "0xCol1"}}],
				"next_page_params": null
			}`,
		},
	}

	c := indexer.NewClient("https://scan.example.com", 50, httpClient)
	items, err := c.OwnedItems(context.Background(), testOwner)

	assert.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Len(t, httpClient.urls, 2)

	// The opaque cursor must round-trip onto the second request
	second, err := url.Parse(httpClient.urls[1])
	assert.NoError(t, err)
	assert.Equal(t, "42", second.Query().Get("unique_token"))
	assert.Equal(t, "50", second.Query().Get("items_count"))
}

func TestOwnedItemsSkipsMalformedEntries(t *testing.T) {
	httpClient := &fakeHTTPClient{
		responses: []string{`{
			"items": [
				{"id": "", "token": {"address": "0xCol1"}},
				{"id": "3", "token": {"address": ""}},
				{"id": "4", "token": {"address": "0xCol1"}}
			],
			"next_page_params": null
		}`},
	}

	c := indexer.NewClient("https://scan.example.com", 50, httpClient)
	items, err := c.OwnedItems(context.Background(), testOwner)

	assert.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, "4", items[0].ItemID)
}

func TestOwnedItemsPropagatesTransportError(t *testing.T) {
	httpClient := &fakeHTTPClient{err: errors.New("connection refused")}

	c := indexer.NewClient("https://scan.example.com", 50, httpClient)
	_, err := c.OwnedItems(context.Background(), testOwner)

	assert.ErrorContains(t, err, "failed to get owned items")
}

func TestOwnerCollections(t *testing.T) {
	httpClient := &fakeHTTPClient{
		responses: []string{`{
			"items": [
				{"token": {"address": "0xCol1"}, "amount": "3"},
				{"token": {"address": "0xCol2"}, "amount": "not-a-number"},
				{"token": {"address": "0xCol3"}, "amount": "1"}
			],
			"next_page_params": null
		}`},
	}

	c := indexer.NewClient("https://scan.example.com", 50, httpClient)
	balances, err := c.OwnerCollections(context.Background(), testOwner)

	assert.NoError(t, err)
	assert.Len(t, balances, 2, "unparseable balance is dropped")
	assert.Equal(t, indexer.CollectionBalance{CollectionID: "0xCol1", Amount: 3}, balances[0])
	assert.Equal(t, indexer.CollectionBalance{CollectionID: "0xCol3", Amount: 1}, balances[1])
	assert.True(t, strings.Contains(httpClient.urls[0], "/nft/collections"))
}

func TestCollectionCounters(t *testing.T) {
	httpClient := &fakeHTTPClient{
		responses: []string{`{"token_holders_count": "120", "transfers_count": "4500"}`},
	}

	c := indexer.NewClient("https://scan.example.com", 50, httpClient)
	counters, err := c.CollectionCounters(context.Background(), "0xCol1")

	assert.NoError(t, err)
	assert.Equal(t, uint64(120), counters.TokenHolders)
	assert.Equal(t, uint64(4500), counters.TransfersCount)
}

func TestNewClientDefaultsPageLimit(t *testing.T) {
	httpClient := &fakeHTTPClient{
		responses: []string{`{"items": [], "next_page_params": null}`},
	}

	c := indexer.NewClient("https://scan.example.com", 0, httpClient)
	_, err := c.OwnedItems(context.Background(), testOwner)

	assert.NoError(t, err)
	assert.Contains(t, httpClient.urls[0], "limit=50")
}
