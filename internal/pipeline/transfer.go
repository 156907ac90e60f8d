package pipeline

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/intentrail/internal/amount"
	"github.com/ggonzalez94/intentrail/internal/intent"
	"github.com/ggonzalez94/intentrail/internal/registry"
)

var erc20ABI = registry.MustABI(registry.ERC20MinimalABI)

// TransferResult is the single call that performs a transfer intent.
type TransferResult struct {
	Success         bool   `json:"success"`
	Chain           string `json:"chain,omitempty"`
	Token           string `json:"token,omitempty"`
	To              string `json:"to,omitempty"`
	Data            string `json:"data,omitempty"`
	Value           string `json:"value,omitempty"`
	AmountBaseUnits string `json:"amountBaseUnits,omitempty"`
	Native          bool   `json:"native,omitempty"`
	Error           string `json:"error,omitempty"`
}

func transferFailure(format string, args ...any) TransferResult {
	return TransferResult{Error: fmt.Sprintf(format, args...)}
}

// BuildTransfer resolves t on chain. Native ETH becomes a plain value
// transfer to the recipient; any other token an ERC20 transfer call.
func BuildTransfer(t intent.Transfer, chain string) TransferResult {
	if chain == "" {
		chain = intent.DefaultChain
	}
	if !common.IsHexAddress(t.To) {
		if strings.HasSuffix(strings.ToLower(t.To), ".eth") {
			return transferFailure("ENS recipient %s must be resolved to an address first", t.To)
		}
		return transferFailure("invalid recipient %q", t.To)
	}
	tok, ok := intent.ResolveTokenAddress(t.Token, chain)
	if !ok {
		return transferFailure("token %s is not available on %s", intent.NormalizeTokenSymbol(t.Token), chain)
	}
	value, err := amount.ToBaseUnits(t.Amount, tok.Decimals)
	if err != nil {
		return transferFailure("invalid amount: %v", err)
	}
	if value.Sign() <= 0 {
		return transferFailure("amount must be positive")
	}
	to := common.HexToAddress(t.To)

	if tok.Native() {
		return TransferResult{
			Success:         true,
			Chain:           chain,
			Token:           tok.Symbol,
			To:              to.Hex(),
			Data:            "0x",
			Value:           value.String(),
			AmountBaseUnits: value.String(),
			Native:          true,
		}
	}
	data, err := registry.EncodeCall(erc20ABI, "transfer", to, value)
	if err != nil {
		return transferFailure("%v", err)
	}
	return TransferResult{
		Success:         true,
		Chain:           chain,
		Token:           tok.Symbol,
		To:              common.HexToAddress(tok.Address).Hex(),
		Data:            data,
		Value:           "0",
		AmountBaseUnits: value.String(),
	}
}
