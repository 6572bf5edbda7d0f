package registry

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/marketfoundry/storefront-engine/internal/domain"
)

// Blocklist answers whether a collection is blocked from the storefront.
// Blocked collections are served as not found.
type Blocklist interface {
	// IsBlocked checks if a collection is blocked
	IsBlocked(collectionID string) bool
}

// blocklist is the internal implementation of the Blocklist interface
type blocklist struct {
	// Fast lookup map keyed by normalized collection address
	collections map[string]bool
}

// LoadBlocklist loads the blocklist from a JSON file holding an array of
// collection addresses
func LoadBlocklist(filePath string) (Blocklist, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec,G304 // This should be a trusted file
	if err != nil {
		return nil, fmt.Errorf("failed to read blocklist file: %w", err)
	}

	var addresses []string
	if err := json.Unmarshal(data, &addresses); err != nil {
		return nil, fmt.Errorf("failed to parse blocklist JSON: %w", err)
	}

	bl := &blocklist{
		collections: make(map[string]bool, len(addresses)),
	}
	for _, addr := range addresses {
		bl.collections[domain.NormalizeAddress(addr)] = true
	}

	return bl, nil
}

// IsBlocked checks if a collection is blocked
func (b *blocklist) IsBlocked(collectionID string) bool {
	if b == nil {
		return false
	}
	return b.collections[domain.NormalizeAddress(collectionID)]
}
