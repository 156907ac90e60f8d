package registry

import (
	"fmt"
	"strings"
)

// Default public RPC endpoints by chain ID, used when no rpc_url override is
// configured for a chain.
var defaultRPCByChainID = map[int64]string{
	1:        "https://eth.llamarpc.com",
	10:       "https://mainnet.optimism.io",
	8453:     "https://mainnet.base.org",
	84532:    "https://sepolia.base.org",
	11155420: "https://sepolia.optimism.io",
}

func DefaultRPCURL(chainID int64) (string, bool) {
	value, ok := defaultRPCByChainID[chainID]
	return value, ok
}

func ResolveRPCURL(override string, chainID int64) (string, error) {
	if strings.TrimSpace(override) != "" {
		return strings.TrimSpace(override), nil
	}
	if value, ok := DefaultRPCURL(chainID); ok {
		return value, nil
	}
	return "", fmt.Errorf("no default rpc configured for chain id %d; set chains.<label>.rpc_url", chainID)
}
