package domain

const (
	// ETHEREUM_ZERO_ADDRESS is the zero address, used by the marketplace
	// contract to signal "no private buyer" and "no royalty recipient"
	ETHEREUM_ZERO_ADDRESS = "0x0000000000000000000000000000000000000000"

	// DEFAULT_IPFS_GATEWAY is the gateway used for ipfs:// locator translation
	DEFAULT_IPFS_GATEWAY = "https://ipfs.io"

	// DEFAULT_ARWEAVE_GATEWAY is the gateway used for ar:// locator translation
	DEFAULT_ARWEAVE_GATEWAY = "https://arweave.net"
)
