package metadata_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/marketfoundry/storefront-engine/internal/adapter"
	"github.com/marketfoundry/storefront-engine/internal/config"
	"github.com/marketfoundry/storefront-engine/internal/domain"
	"github.com/marketfoundry/storefront-engine/internal/ledger"
	"github.com/marketfoundry/storefront-engine/internal/logger"
	"github.com/marketfoundry/storefront-engine/internal/metadata"
)

func TestMain(m *testing.M) {
	if err := logger.Initialize(logger.Config{Debug: true}); err != nil {
		panic(err)
	}
	m.Run()
}

const collection = "0xAaAa000000000000000000000000000000000001"

// uriReader stubs only the token URI read of the ledger surface
type uriReader struct {
	uri string
	err error
}

func (r *uriReader) ArrayLength(context.Context, ledger.Table) (uint64, error) { return 0, nil }
func (r *uriReader) ListingAt(context.Context, uint64) (*domain.Listing, error) {
	return nil, domain.ErrRecordNotFound
}
func (r *uriReader) OfferAt(context.Context, uint64) (*domain.Offer, error) {
	return nil, domain.ErrRecordNotFound
}
func (r *uriReader) SaleAt(context.Context, uint64) (*domain.Sale, error) {
	return nil, domain.ErrRecordNotFound
}
func (r *uriReader) CurrentListing(context.Context, string, string) (*domain.Listing, error) {
	return nil, nil
}
func (r *uriReader) CollectionSize(context.Context, string) (uint64, error) { return 0, nil }
func (r *uriReader) OwnerOf(context.Context, string, string) (string, error) {
	return "", domain.ErrRecordNotFound
}
func (r *uriReader) BalanceOf(context.Context, string, string) (uint64, error) { return 0, nil }
func (r *uriReader) ItemOfOwnerByIndex(context.Context, string, string, uint64) (string, error) {
	return "", domain.ErrRecordNotFound
}
func (r *uriReader) TokenURI(context.Context, string, string) (string, error) {
	return r.uri, r.err
}
func (r *uriReader) Close() {}

// fakeHTTPClient maps URL to canned JSON
type fakeHTTPClient struct {
	responses map[string]string
	urls      []string
}

func (f *fakeHTTPClient) Get(_ context.Context, url string, result interface{}) error {
	f.urls = append(f.urls, url)
	body, ok := f.responses[url]
	if !ok {
		return errors.New("not reachable")
	}
	return json.Unmarshal([]byte(body), result)
}

func testResolver(reader ledger.Reader, httpClient adapter.HTTPClient) metadata.Resolver {
	return metadata.NewResolver(reader, nil, httpClient, adapter.NewJSON(), config.URIConfig{
		IPFSGateways:    []string{"https://ipfs.example.com"},
		ArweaveGateways: []string{"https://ar.example.com"},
	})
}

func TestResolve_HTTPMetadata(t *testing.T) {
	reader := &uriReader{uri: "https://meta.example.com/7.json"}
	httpClient := &fakeHTTPClient{responses: map[string]string{
		"https://meta.example.com/7.json": `{
			"name": "Dragon #7",
			"image": "https://img.example.com/7.png",
			"attributes": [
				{"trait_type": "Background", "value": "Lava"},
				{"trait_type": "Level", "value": 42}
			]
		}`,
	}}

	meta := testResolver(reader, httpClient).Resolve(context.Background(), collection, "7")

	assert.Equal(t, "Dragon #7", meta.Name)
	assert.Equal(t, "https://img.example.com/7.png", meta.Image)
	assert.Equal(t, []domain.TraitAttribute{
		{TraitType: "Background", Value: "Lava"},
		{TraitType: "Level", Value: "42"},
	}, meta.Attributes)
}

func TestResolve_IPFSURIUsesGateway(t *testing.T) {
	reader := &uriReader{uri: "ipfs://QmHash/7.json"}
	httpClient := &fakeHTTPClient{responses: map[string]string{
		"https://ipfs.example.com/ipfs/QmHash/7.json": `{
			"name": "IPFS Item",
			"image": "ipfs://QmImage/7.png"
		}`,
	}}

	meta := testResolver(reader, httpClient).Resolve(context.Background(), collection, "7")

	assert.Equal(t, "IPFS Item", meta.Name)
	assert.Equal(t, "https://ipfs.example.com/ipfs/QmImage/7.png", meta.Image,
		"content-addressed image translated to an HTTP locator")
}

func TestResolve_PrivateIPFSGatewayFallsBackToConfigured(t *testing.T) {
	reader := &uriReader{uri: "https://private.pinata.cloud/ipfs/QmHash/7.json"}
	httpClient := &fakeHTTPClient{responses: map[string]string{
		"https://ipfs.example.com/ipfs/QmHash/7.json": `{"name": "Rehosted"}`,
	}}

	meta := testResolver(reader, httpClient).Resolve(context.Background(), collection, "7")

	assert.Equal(t, "Rehosted", meta.Name)
}

func TestResolve_ArweaveURI(t *testing.T) {
	reader := &uriReader{uri: "ar://TxId123"}
	httpClient := &fakeHTTPClient{responses: map[string]string{
		"https://ar.example.com/TxId123": `{"name": "Permaweb Item"}`,
	}}

	meta := testResolver(reader, httpClient).Resolve(context.Background(), collection, "9")

	assert.Equal(t, "Permaweb Item", meta.Name)
}

func TestResolve_DataURIBase64(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte(`{"name": "Inline Item"}`))
	reader := &uriReader{uri: "data:application/json;base64," + payload}

	meta := testResolver(reader, &fakeHTTPClient{}).Resolve(context.Background(), collection, "1")

	assert.Equal(t, "Inline Item", meta.Name)
}

func TestResolve_DataURIPlain(t *testing.T) {
	reader := &uriReader{uri: `data:application/json,{"name": "Plain Inline"}`}

	meta := testResolver(reader, &fakeHTTPClient{}).Resolve(context.Background(), collection, "1")

	assert.Equal(t, "Plain Inline", meta.Name)
}

func TestResolve_IDPlaceholderSubstituted(t *testing.T) {
	reader := &uriReader{uri: "https://meta.example.com/{id}.json"}
	httpClient := &fakeHTTPClient{responses: map[string]string{
		"https://meta.example.com/55.json": `{"name": "Fifty Five"}`,
	}}

	meta := testResolver(reader, httpClient).Resolve(context.Background(), collection, "55")

	assert.Equal(t, "Fifty Five", meta.Name)
}

func TestResolve_URIReadFailureDegradesToEmpty(t *testing.T) {
	reader := &uriReader{err: errors.New("rpc down")}

	meta := testResolver(reader, &fakeHTTPClient{}).Resolve(context.Background(), collection, "1")

	assert.Equal(t, domain.ItemMetadata{}, meta)
}

func TestResolve_UnreachableMetadataDegradesToEmpty(t *testing.T) {
	reader := &uriReader{uri: "https://meta.example.com/gone.json"}

	meta := testResolver(reader, &fakeHTTPClient{}).Resolve(context.Background(), collection, "1")

	assert.Equal(t, domain.ItemMetadata{}, meta)
}

func TestResolve_MalformedAttributesSkipped(t *testing.T) {
	reader := &uriReader{uri: "https://meta.example.com/7.json"}
	httpClient := &fakeHTTPClient{responses: map[string]string{
		"https://meta.example.com/7.json": `{
			"name": "Oddball",
			"attributes": [
				"not an object",
				{"value": "missing trait type"},
				{"trait_type": "Kept", "value": "yes"}
			]
		}`,
	}}

	meta := testResolver(reader, httpClient).Resolve(context.Background(), collection, "7")

	assert.Equal(t, "Oddball", meta.Name)
	assert.Equal(t, []domain.TraitAttribute{{TraitType: "Kept", Value: "yes"}}, meta.Attributes)
}

func TestResolve_ImageURLFallbackField(t *testing.T) {
	reader := &uriReader{uri: "https://meta.example.com/7.json"}
	httpClient := &fakeHTTPClient{responses: map[string]string{
		"https://meta.example.com/7.json": `{"name": "Alt Field", "image_url": "https://img.example.com/alt.png"}`,
	}}

	meta := testResolver(reader, httpClient).Resolve(context.Background(), collection, "7")

	assert.Equal(t, "https://img.example.com/alt.png", meta.Image)
}
