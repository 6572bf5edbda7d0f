package metadata

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

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

// Resolver resolves display metadata for an item. Malformed or unreachable
// metadata degrades to empty metadata; an item never fails to render because
// its metadata does.
type Resolver interface {
	Resolve(ctx context.Context, collectionID, itemID string) domain.ItemMetadata
}

type resolver struct {
	reader     ledger.Reader
	gate       ratelimit.Gate
	httpClient adapter.HTTPClient
	json       adapter.JSON
	cfg        config.URIConfig
}

// NewResolver creates a metadata resolver reading token URIs through the
// ledger adapter
func NewResolver(reader ledger.Reader, gate ratelimit.Gate, httpClient adapter.HTTPClient, json adapter.JSON, cfg config.URIConfig) Resolver {
	if len(cfg.IPFSGateways) == 0 {
		cfg.IPFSGateways = []string{domain.DEFAULT_IPFS_GATEWAY}
	}
	if len(cfg.ArweaveGateways) == 0 {
		cfg.ArweaveGateways = []string{domain.DEFAULT_ARWEAVE_GATEWAY}
	}
	return &resolver{
		reader:     reader,
		gate:       gate,
		httpClient: httpClient,
		json:       json,
		cfg:        cfg,
	}
}

func (r *resolver) Resolve(ctx context.Context, collectionID, itemID string) domain.ItemMetadata {
	uri, err := ratelimit.Do(ctx, r.gate, SourceLedger, func(ctx context.Context) (string, error) {
		return r.reader.TokenURI(ctx, collectionID, itemID)
	})
	if err != nil {
		logger.WarnCtx(ctx, "token URI read failed, serving empty metadata",
			zap.String("collection", collectionID),
			zap.String("item", itemID),
			zap.Error(err),
		)
		return domain.ItemMetadata{}
	}
	if uri == "" {
		return domain.ItemMetadata{}
	}

	raw, err := r.fetchMetadataFromURI(ctx, processMetadataURI(uri, itemID))
	if err != nil {
		logger.WarnCtx(ctx, "metadata fetch failed, serving empty metadata",
			zap.String("collection", collectionID),
			zap.String("item", itemID),
			zap.String("uri", uri),
			zap.Error(err),
		)
		return domain.ItemMetadata{}
	}

	return r.normalize(raw)
}

// normalize maps raw metadata to display fields per the OpenSea metadata
// standard: https://docs.opensea.io/docs/metadata-standards
func (r *resolver) normalize(raw map[string]interface{}) domain.ItemMetadata {
	var meta domain.ItemMetadata

	if name, ok := raw["name"].(string); ok {
		meta.Name = name
	}
	if image, ok := raw["image"].(string); ok {
		meta.Image = r.uriToGateway(image)
	}
	// Some collections use image_url instead of image
	if meta.Image == "" {
		if image, ok := raw["image_url"].(string); ok {
			meta.Image = r.uriToGateway(image)
		}
	}

	if attrs, ok := raw["attributes"].([]interface{}); ok {
		for _, attr := range attrs {
			attrMap, ok := attr.(map[string]interface{})
			if !ok {
				continue
			}
			traitType, _ := attrMap["trait_type"].(string)
			value, ok := attrMap["value"]
			if !ok || traitType == "" {
				continue
			}
			meta.Attributes = append(meta.Attributes, domain.TraitAttribute{
				TraitType: traitType,
				Value:     stringifyTraitValue(value),
			})
		}
	}

	return meta
}

// stringifyTraitValue renders a trait value for display; the standard allows
// strings and numbers
func stringifyTraitValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case bool:
		return fmt.Sprintf("%t", v)
	default:
		return fmt.Sprint(v)
	}
}

// processMetadataURI handles the protocol quirks of token URIs:
// - {id} placeholders are substituted with the item id
// - HTTP URLs pointing into a private IPFS gateway fall back to ipfs://
func processMetadataURI(uri, itemID string) string {
	uri = strings.ReplaceAll(uri, "{id}", itemID)

	if strings.HasPrefix(uri, "http") && strings.Contains(uri, "/ipfs/") {
		parts := strings.Split(uri, "/ipfs/")
		if len(parts) > 1 {
			uri = "ipfs://" + parts[1]
		}
	}

	return uri
}

// fetchMetadataFromURI fetches metadata, handling different protocols
func (r *resolver) fetchMetadataFromURI(ctx context.Context, uri string) (map[string]interface{}, error) {
	switch {
	case strings.HasPrefix(uri, "data:"):
		return r.parseDataURI(uri)
	case strings.HasPrefix(uri, "ipfs://"):
		return r.fetchViaGateways(ctx, r.ipfsURLs(uri))
	case strings.HasPrefix(uri, "ar://"):
		return r.fetchViaGateways(ctx, r.arweaveURLs(uri))
	case strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://"):
		return r.fetchFromHTTP(ctx, uri)
	default:
		return nil, fmt.Errorf("unsupported URI scheme: %s", uri)
	}
}

// parseDataURI parses an inline data URI:
// data:application/json;base64,<encoded> or data:application/json,<json>
func (r *resolver) parseDataURI(uri string) (map[string]interface{}, error) {
	parts := strings.SplitN(uri[5:], ",", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid data URI format")
	}

	dataType := parts[0]
	data := parts[1]

	if strings.Contains(dataType, "base64") {
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64: %w", err)
		}
		data = string(decoded)
	}

	var metadata map[string]interface{}
	if err := r.json.Unmarshal([]byte(data), &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return metadata, nil
}

func (r *resolver) ipfsURLs(uri string) []string {
	hash := strings.TrimPrefix(uri, "ipfs://")
	urls := make([]string, 0, len(r.cfg.IPFSGateways))
	for _, gateway := range r.cfg.IPFSGateways {
		urls = append(urls, strings.TrimSuffix(gateway, "/")+"/ipfs/"+hash)
	}
	return urls
}

func (r *resolver) arweaveURLs(uri string) []string {
	txID := strings.TrimPrefix(uri, "ar://")
	urls := make([]string, 0, len(r.cfg.ArweaveGateways))
	for _, gateway := range r.cfg.ArweaveGateways {
		urls = append(urls, strings.TrimSuffix(gateway, "/")+"/"+txID)
	}
	return urls
}

// fetchViaGateways tries all gateways in parallel and takes the first
// successful answer
func (r *resolver) fetchViaGateways(ctx context.Context, urls []string) (map[string]interface{}, error) {
	type result struct {
		metadata map[string]interface{}
		err      error
	}

	results := make(chan result, len(urls))
	for _, url := range urls {
		go func(url string) {
			metadata, err := r.fetchFromHTTP(ctx, url)
			results <- result{metadata: metadata, err: err}
		}(url)
	}

	var lastErr error
	for range urls {
		res := <-results
		if res.err == nil {
			return res.metadata, nil
		}
		lastErr = res.err
	}
	return nil, fmt.Errorf("all gateways failed: %w", lastErr)
}

func (r *resolver) fetchFromHTTP(ctx context.Context, url string) (map[string]interface{}, error) {
	var metadata map[string]interface{}
	if err := r.httpClient.Get(ctx, url, &metadata); err != nil {
		return nil, fmt.Errorf("failed to fetch URL: %w", err)
	}
	return metadata, nil
}

// uriToGateway converts a content-addressed URI to an HTTP locator the
// storefront can render
func (r *resolver) uriToGateway(uri string) string {
	if after, ok := strings.CutPrefix(uri, "ipfs://"); ok {
		return strings.TrimSuffix(r.cfg.IPFSGateways[0], "/") + "/ipfs/" + after
	}
	if after, ok := strings.CutPrefix(uri, "ar://"); ok {
		return strings.TrimSuffix(r.cfg.ArweaveGateways[0], "/") + "/" + after
	}
	return uri
}
