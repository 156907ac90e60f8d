package intent

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultChain is used when a token lookup names no chain.
const DefaultChain = "base-sepolia"

// NativeTokenAddress is the aggregator convention for the chain's gas token.
const NativeTokenAddress = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"

// NUSD is the demo stable token with a deterministic mock pool.
const (
	NUSDSymbol  = "NUSD"
	NUSDAddress = "0x7B9f2a6d0E3c54a1F8d3C6e1b2A4f5D6c7E8f901"
)

type Token struct {
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Decimals int    `json:"decimals"`
	Chain    string `json:"chain"`
}

// Native reports whether t is the chain's gas token.
func (t Token) Native() bool {
	return strings.EqualFold(t.Address, NativeTokenAddress)
}

var tokenAliases = map[string]string{
	"eth":              "ETH",
	"ether":            "ETH",
	"ethereum":         "ETH",
	"weth":             "WETH",
	"wrapped ether":    "WETH",
	"wrapped eth":      "WETH",
	"usdc":             "USDC",
	"usd coin":         "USDC",
	"usdc.e":           "USDC",
	"usdt":             "USDT",
	"tether":           "USDT",
	"dai":              "DAI",
	"makerdao dai":     "DAI",
	"nusd":             "NUSD",
	"n-usd":            "NUSD",
	"supereth":         "SUPERETH",
	"superchain eth":   "SUPERETH",
	"superchain weth":  "SUPERETH",
	"superchain ether": "SUPERETH",
}

type tokenEntry struct {
	address  string
	decimals int
}

var tokensByChain = map[string]map[string]tokenEntry{
	"base": {
		"ETH":  {NativeTokenAddress, 18},
		"WETH": {"0x4200000000000000000000000000000000000006", 18},
		"USDC": {"0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", 6},
		"USDT": {"0xfde4C96c8593536E31F229EA8f37b2ADa2699bb2", 6},
		"DAI":  {"0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb", 18},
	},
	"optimism": {
		"ETH":  {NativeTokenAddress, 18},
		"WETH": {"0x4200000000000000000000000000000000000006", 18},
		"USDC": {"0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85", 6},
		"USDT": {"0x94b008aA00579c1307B0EF2c499aD98a8ce58e58", 6},
		"DAI":  {"0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1", 18},
	},
	"base-sepolia": {
		"ETH":      {NativeTokenAddress, 18},
		"WETH":     {"0x4200000000000000000000000000000000000006", 18},
		"USDC":     {"0x036CbD53842c5426634e7929541eC2318f3dCF7e", 6},
		"SUPERETH": {"0x4200000000000000000000000000000000000024", 18},
		"NUSD":     {NUSDAddress, 18},
	},
	"op-sepolia": {
		"ETH":      {NativeTokenAddress, 18},
		"WETH":     {"0x4200000000000000000000000000000000000006", 18},
		"USDC":     {"0x5fd84259d66Cd46123540766Be93DFE6D43130D7", 6},
		"SUPERETH": {"0x4200000000000000000000000000000000000024", 18},
		"NUSD":     {NUSDAddress, 18},
	},
}

// NormalizeTokenSymbol maps aliases and casing variants onto a canonical
// symbol. It is idempotent.
func NormalizeTokenSymbol(raw string) string {
	key := strings.ToLower(strings.Join(strings.Fields(raw), " "))
	if key == "" {
		return ""
	}
	if canonical, ok := tokenAliases[key]; ok {
		return canonical
	}
	return strings.ToUpper(key)
}

// ResolveTokenAddress finds symbol on chain. An empty chain means DefaultChain.
func ResolveTokenAddress(symbol, chain string) (Token, bool) {
	chain = strings.ToLower(strings.TrimSpace(chain))
	if chain == "" {
		chain = DefaultChain
	}
	table, ok := tokensByChain[chain]
	if !ok {
		return Token{}, false
	}
	sym := NormalizeTokenSymbol(symbol)
	entry, ok := table[sym]
	if !ok {
		return Token{}, false
	}
	return Token{Symbol: sym, Address: entry.address, Decimals: entry.decimals, Chain: chain}, true
}

// KnownToken reports whether symbol resolves on at least one chain.
func KnownToken(symbol string) bool {
	sym := NormalizeTokenSymbol(symbol)
	for _, table := range tokensByChain {
		if _, ok := table[sym]; ok {
			return true
		}
	}
	return false
}

// TokenDecimals returns the decimals of symbol on the first chain that lists
// it. Decimals agree across chains for every symbol in the table.
func TokenDecimals(symbol string) (int, bool) {
	sym := NormalizeTokenSymbol(symbol)
	for _, chain := range []string{DefaultChain, "base", "optimism", "op-sepolia"} {
		if entry, ok := tokensByChain[chain][sym]; ok {
			return entry.decimals, true
		}
	}
	return 0, false
}

// Tokens lists the token table for chain, ordered by symbol.
func Tokens(chain string) []Token {
	chain = strings.ToLower(strings.TrimSpace(chain))
	if chain == "" {
		chain = DefaultChain
	}
	table := tokensByChain[chain]
	out := make([]Token, 0, len(table))
	for sym, entry := range table {
		out = append(out, Token{Symbol: sym, Address: entry.address, Decimals: entry.decimals, Chain: chain})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

type TokenCheck struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// ValidateIntentTokens checks that every token the intent references is in
// the token table.
func ValidateIntentTokens(in Intent) TokenCheck {
	var symbols []string
	switch v := in.(type) {
	case Swap:
		symbols = []string{v.TokenIn, v.TokenOut}
	case Transfer:
		symbols = []string{v.Token}
	case Bridge:
		symbols = []string{v.Token}
	case Unknown:
		return TokenCheck{Valid: true}
	default:
		return TokenCheck{Error: "unrecognized intent value"}
	}
	for _, s := range symbols {
		if strings.TrimSpace(s) == "" {
			return TokenCheck{Error: "token symbol is empty"}
		}
		if !KnownToken(s) {
			return TokenCheck{Error: fmt.Sprintf("unknown token: %s", NormalizeTokenSymbol(s))}
		}
	}
	return TokenCheck{Valid: true}
}
