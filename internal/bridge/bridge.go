// Package bridge builds the burn / mint / cross-domain message call data used
// to move SuperchainERC20 tokens between OP Stack chains.
package bridge

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/intentrail/internal/amount"
	"github.com/ggonzalez94/intentrail/internal/intent"
	"github.com/ggonzalez94/intentrail/internal/registry"
)

// Decimals used to scale bridge amounts. Superchain tokens are 18-decimal.
const Decimals = 18

var (
	superchainERC20ABI = registry.MustABI(registry.SuperchainERC20ABI)
	messengerABI       = registry.MustABI(registry.L2ToL2CrossDomainMessengerABI)
)

type Result struct {
	Success            bool   `json:"success"`
	BurnCalldata       string `json:"burnCalldata,omitempty"`
	MessageCalldata    string `json:"messageCalldata,omitempty"`
	DestinationChainID int64  `json:"destinationChainId,omitempty"`
	SourceChainID      int64  `json:"sourceChainId,omitempty"`
	Token              string `json:"token,omitempty"`
	DestinationToken   string `json:"destinationToken,omitempty"`
	Messenger          string `json:"messenger,omitempty"`
	AmountBaseUnits    string `json:"amountBaseUnits,omitempty"`
	Error              string `json:"error,omitempty"`
}

func failure(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

var chainIDs = map[string]int64{
	"base":             8453,
	"base-mainnet":     8453,
	"optimism":         10,
	"op":               10,
	"op-mainnet":       10,
	"optimism-mainnet": 10,
	"base-sepolia":     84532,
	"op-sepolia":       11155420,
	"optimism-sepolia": 11155420,
}

var chainIDsByCompactName = func() map[string]int64 {
	out := make(map[string]int64, len(chainIDs))
	for k, v := range chainIDs {
		out[compact(k)] = v
	}
	return out
}()

// tokenTableLabel maps a chain id to the label used by the intent token table.
var tokenTableLabel = map[int64]string{
	8453:     "base",
	10:       "optimism",
	84532:    "base-sepolia",
	11155420: "op-sepolia",
}

// ResolveChainID maps a free-form chain name to its EVM chain id. Exact
// labels win, then labels with punctuation and spacing removed, then a
// "...sepolia" heuristic over whole words.
func ResolveChainID(label string) (int64, error) {
	key := strings.ToLower(strings.TrimSpace(label))
	if key == "" {
		return 0, fmt.Errorf("unsupported chain: empty name")
	}
	if id, ok := chainIDs[key]; ok {
		return id, nil
	}
	if id, ok := chainIDsByCompactName[compact(key)]; ok {
		return id, nil
	}
	words := strings.FieldsFunc(key, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	if hasWord(words, "sepolia") {
		switch {
		case hasWord(words, "base"):
			return 84532, nil
		case hasWord(words, "optimism"), hasWord(words, "op"):
			return 11155420, nil
		}
	}
	return 0, fmt.Errorf("unsupported chain: %s", strings.TrimSpace(label))
}

func hasWord(words []string, w string) bool {
	for _, v := range words {
		if v == w {
			return true
		}
	}
	return false
}

// IsBridgeSupported reports whether both chain names resolve.
func IsBridgeSupported(from, to string) bool {
	if _, err := ResolveChainID(from); err != nil {
		return false
	}
	_, err := ResolveChainID(to)
	return err == nil
}

// ResolveTokens finds the token contract on the source and the destination
// chain. Native ETH travels as SuperchainWETH on both sides.
func ResolveTokens(in intent.Bridge) (string, string, error) {
	sourceID, err := ResolveChainID(in.FromChain)
	if err != nil {
		return "", "", err
	}
	destID, err := ResolveChainID(in.ToChain)
	if err != nil {
		return "", "", err
	}
	source, err := bridgeToken(in.Token, sourceID)
	if err != nil {
		return "", "", err
	}
	dest, err := bridgeToken(in.Token, destID)
	if err != nil {
		return "", "", err
	}
	return source.Hex(), dest.Hex(), nil
}

// BuildBridgeCalldata turns a bridge intent into the burn call against
// sourceToken and the cross-domain message that mints destToken on the
// destination chain.
func BuildBridgeCalldata(in intent.Bridge, user, sourceToken, destToken string) Result {
	destID, err := ResolveChainID(in.ToChain)
	if err != nil {
		return failure("%v", err)
	}
	sourceID, err := ResolveChainID(in.FromChain)
	if err != nil {
		return failure("%v", err)
	}
	if sourceID == destID {
		return failure("source and destination chain are the same (%d)", destID)
	}
	if !common.IsHexAddress(user) {
		return failure("invalid user address %q", user)
	}
	if !common.IsHexAddress(sourceToken) {
		return failure("invalid source token address %q", sourceToken)
	}
	if !common.IsHexAddress(destToken) {
		return failure("invalid destination token address %q", destToken)
	}
	value, err := amount.ToBaseUnits(in.Amount, Decimals)
	if err != nil {
		return failure("invalid amount: %v", err)
	}
	if value.Sign() <= 0 {
		return failure("amount must be positive")
	}

	out, err := Encode(common.HexToAddress(sourceToken), common.HexToAddress(destToken), common.HexToAddress(user), value, destID)
	if err != nil {
		return failure("%v", err)
	}
	out.SourceChainID = sourceID
	return out
}

// Resolve looks both token addresses up and builds the call data.
func Resolve(in intent.Bridge, user string) Result {
	source, dest, err := ResolveTokens(in)
	if err != nil {
		return failure("%v", err)
	}
	return BuildBridgeCalldata(in, user, source, dest)
}

// Encode builds the burn call for sourceToken and the message that mints
// destToken on the destination chain.
func Encode(sourceToken, destToken, user common.Address, value *big.Int, destChainID int64) (Result, error) {
	burn, err := registry.EncodeCall(superchainERC20ABI, "crosschainBurn", user, value)
	if err != nil {
		return Result{}, fmt.Errorf("encode crosschainBurn: %w", err)
	}
	mint, err := superchainERC20ABI.Pack("crosschainMint", user, value)
	if err != nil {
		return Result{}, fmt.Errorf("encode crosschainMint: %w", err)
	}
	message, err := registry.EncodeCall(messengerABI, "sendMessage", big.NewInt(destChainID), destToken, mint)
	if err != nil {
		return Result{}, fmt.Errorf("encode sendMessage: %w", err)
	}
	return Result{
		Success:            true,
		BurnCalldata:       burn,
		MessageCalldata:    message,
		DestinationChainID: destChainID,
		Token:              sourceToken.Hex(),
		DestinationToken:   destToken.Hex(),
		Messenger:          registry.L2ToL2CrossDomainMessenger,
		AmountBaseUnits:    value.String(),
	}, nil
}

// bridgeToken picks the Superchain token contract for symbol on a chain.
func bridgeToken(symbol string, chainID int64) (common.Address, error) {
	sym := intent.NormalizeTokenSymbol(symbol)
	if sym == "ETH" {
		return common.HexToAddress(registry.SuperchainWETH), nil
	}
	label := tokenTableLabel[chainID]
	tok, ok := intent.ResolveTokenAddress(sym, label)
	if !ok {
		return common.Address{}, fmt.Errorf("token %s is not available on chain %d", sym, chainID)
	}
	return common.HexToAddress(tok.Address), nil
}

func compact(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
