package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/marketfoundry/storefront-engine/internal/domain"
)

// KeySpec is the request shape a cache entry answers. Two requests that are
// logically equal produce the same key regardless of field ordering or
// address casing.
type KeySpec struct {
	Scope      string `json:"scope"` // collection id or owner address
	Kind       string `json:"kind"`
	Page       int    `json:"page,omitempty"`
	PageSize   int    `json:"page_size,omitempty"`
	Sort       string `json:"sort,omitempty"`
	Search     string `json:"search,omitempty"`
	OnlyListed bool   `json:"only_listed,omitempty"`
}

// Normalize returns the spec with its scope case-normalized
func (s KeySpec) Normalize() KeySpec {
	s.Scope = domain.NormalizeAddress(s.Scope)
	return s
}

// Key derives the storage key: canonical JSON of the normalized spec,
// hashed. Canonicalization guarantees byte-stable input to the hash.
func (s KeySpec) Key() (string, error) {
	raw, err := json.Marshal(s.Normalize())
	if err != nil {
		return "", fmt.Errorf("failed to marshal key spec: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize key spec: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "snapshot:" + hex.EncodeToString(sum[:]), nil
}
