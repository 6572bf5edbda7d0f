package registry_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/marketfoundry/storefront-engine/internal/registry"
)

func writeBlocklist(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blocklist.json")
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadBlocklist(t *testing.T) {
	path := writeBlocklist(t, `["0xAAAA000000000000000000000000000000000001"]`)

	bl, err := registry.LoadBlocklist(path)
	assert.NoError(t, err)

	assert.True(t, bl.IsBlocked("0xAAAA000000000000000000000000000000000001"))
	assert.True(t, bl.IsBlocked("0xaaaa000000000000000000000000000000000001"),
		"lookup is case-normalized")
	assert.False(t, bl.IsBlocked("0xBBBB000000000000000000000000000000000002"))
}

func TestLoadBlocklist_MissingFile(t *testing.T) {
	_, err := registry.LoadBlocklist(filepath.Join(t.TempDir(), "absent.json"))
	assert.ErrorContains(t, err, "failed to read blocklist file")
}

func TestLoadBlocklist_MalformedJSON(t *testing.T) {
	path := writeBlocklist(t, `{"not": "an array"}`)

	_, err := registry.LoadBlocklist(path)
	assert.ErrorContains(t, err, "failed to parse blocklist JSON")
}

func TestLoadBlocklist_Empty(t *testing.T) {
	path := writeBlocklist(t, `[]`)

	bl, err := registry.LoadBlocklist(path)
	assert.NoError(t, err)
	assert.False(t, bl.IsBlocked("0xAAAA000000000000000000000000000000000001"))
}
