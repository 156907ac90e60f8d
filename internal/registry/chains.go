package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/intentrail/internal/errors"
)

// Protocol identifies one of the two lending markets tracked per chain.
type Protocol string

const (
	ProtocolAave     Protocol = "aave"
	ProtocolCompound Protocol = "compound"
)

func (p Protocol) DisplayName() string {
	switch p {
	case ProtocolAave:
		return "Aave"
	case ProtocolCompound:
		return "Compound"
	default:
		return string(p)
	}
}

// Predeploy addresses shared by every OP Stack chain in the Superchain.
const (
	L2ToL2CrossDomainMessenger = "0x4200000000000000000000000000000000000023"
	SuperchainWETH             = "0x4200000000000000000000000000000000000024"
)

// ChainConfig describes one rebalance-capable chain. The lending asset on
// both pools is the SuperchainToken. Bridging burns it on the source chain and
// mints the destination chain's SuperchainToken.
type ChainConfig struct {
	Label            string `json:"label"`
	Name             string `json:"name"`
	ChainID          int64  `json:"chain_id"`
	RPCURL           string `json:"rpc_url,omitempty"`
	TokenDecimals    int    `json:"token_decimals"`
	SuperchainToken  string `json:"superchain_token"`
	AavePool         string `json:"aave_pool,omitempty"`
	CometPool        string `json:"comet_pool,omitempty"`
	CrosschainBridge string `json:"crosschain_bridge"`
}

// Pool returns the pool address for p, empty when the chain has none.
func (c ChainConfig) Pool(p Protocol) string {
	switch p {
	case ProtocolAave:
		return c.AavePool
	case ProtocolCompound:
		return c.CometPool
	default:
		return ""
	}
}

// Protocols lists the markets that have a pool configured on this chain.
func (c ChainConfig) Protocols() []Protocol {
	out := make([]Protocol, 0, 2)
	for _, p := range []Protocol{ProtocolAave, ProtocolCompound} {
		if c.Pool(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// Override replaces parts of a built-in chain entry.
type Override struct {
	RPCURL          string
	AavePool        string
	CometPool       string
	SuperchainToken string
}

// Registry is the read-only label to ChainConfig table.
type Registry struct {
	chains map[string]ChainConfig
}

var builtinChains = []ChainConfig{
	{
		Label:            "base-sepolia",
		Name:             "Base Sepolia",
		ChainID:          84532,
		TokenDecimals:    18,
		SuperchainToken:  SuperchainWETH,
		AavePool:         "0x07eA79F68B2B3df564D0A34F8e19D9B1e339814b",
		CometPool:        "0x571621Ce60Cebb0c1D442B5afb38B1663C6Bf017",
		CrosschainBridge: L2ToL2CrossDomainMessenger,
	},
	{
		Label:            "op-sepolia",
		Name:             "OP Sepolia",
		ChainID:          11155420,
		TokenDecimals:    18,
		SuperchainToken:  SuperchainWETH,
		AavePool:         "0xb50201558B00496A145fE76f7424749556E326D8",
		CrosschainBridge: L2ToL2CrossDomainMessenger,
	},
}

func Default() *Registry {
	r := &Registry{chains: make(map[string]ChainConfig, len(builtinChains))}
	for _, c := range builtinChains {
		if rpc, ok := DefaultRPCURL(c.ChainID); ok {
			c.RPCURL = rpc
		}
		r.chains[c.Label] = c
	}
	return r
}

// WithOverrides returns a copy of r with the overrides applied. Unknown labels
// and malformed addresses are rejected.
func (r *Registry) WithOverrides(overrides map[string]Override) (*Registry, error) {
	out := &Registry{chains: make(map[string]ChainConfig, len(r.chains))}
	for k, v := range r.chains {
		out.chains[k] = v
	}
	for label, o := range overrides {
		key := normalizeLabel(label)
		c, ok := out.chains[key]
		if !ok {
			return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("override for unsupported chain: %s", label))
		}
		if strings.TrimSpace(o.RPCURL) != "" {
			c.RPCURL = strings.TrimSpace(o.RPCURL)
		}
		for _, field := range []struct {
			name string
			val  string
			dst  *string
		}{
			{"aave_pool", o.AavePool, &c.AavePool},
			{"comet_pool", o.CometPool, &c.CometPool},
			{"superchain_token", o.SuperchainToken, &c.SuperchainToken},
		} {
			v := strings.TrimSpace(field.val)
			if v == "" {
				continue
			}
			if !common.IsHexAddress(v) {
				return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("chains.%s.%s is not an address", key, field.name))
			}
			*field.dst = v
		}
		out.chains[key] = c
	}
	return out, nil
}

// Resolve looks a chain up by label, case-insensitively.
func (r *Registry) Resolve(label string) (ChainConfig, error) {
	c, ok := r.chains[normalizeLabel(label)]
	if !ok {
		return ChainConfig{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unsupported chain: %s", strings.TrimSpace(label)))
	}
	return c, nil
}

// List returns every chain ordered by label.
func (r *Registry) List() []ChainConfig {
	out := make([]ChainConfig, 0, len(r.chains))
	for _, c := range r.chains {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

func normalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
