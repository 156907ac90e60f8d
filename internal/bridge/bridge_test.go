package bridge

import (
	"bytes"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/intentrail/internal/intent"
	"github.com/ggonzalez94/intentrail/internal/registry"
)

const user = "0x000000000000000000000000000000000000bEEF"

func TestResolveChainID(t *testing.T) {
	cases := map[string]int64{
		"optimism":         10,
		"Optimism":         10,
		"OP Mainnet":       10,
		"base":             8453,
		"base-sepolia":     84532,
		"Base Sepolia":     84532,
		"base_sepolia":     84532,
		"op-sepolia":       11155420,
		"Optimism Sepolia": 11155420,
		"my base sepolia":  84532,
		"op sepolia dev":   11155420,
	}
	for label, want := range cases {
		got, err := ResolveChainID(label)
		if err != nil {
			t.Fatalf("ResolveChainID(%q) failed: %v", label, err)
		}
		if got != want {
			t.Fatalf("ResolveChainID(%q) = %d, want %d", label, got, want)
		}
	}
	for _, label := range []string{"arbitrum", "", "sepolia", "opbnb-sepolia", "zora sepolia", "topsepolia"} {
		if _, err := ResolveChainID(label); err == nil {
			t.Fatalf("expected %q to be unsupported", label)
		}
	}
}

func TestIsBridgeSupported(t *testing.T) {
	if !IsBridgeSupported("base-sepolia", "op-sepolia") {
		t.Fatal("expected sepolia pair to be supported")
	}
	if IsBridgeSupported("base", "arbitrum") {
		t.Fatal("did not expect arbitrum to be supported")
	}
}

func TestBuildBridgeCalldataEncodesBurnAndMessage(t *testing.T) {
	res := Resolve(intent.Bridge{Token: "ETH", Amount: "1", FromChain: "base-sepolia", ToChain: "optimism sepolia"}, user)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.DestinationChainID != 11155420 || res.SourceChainID != 84532 {
		t.Fatalf("unexpected chain ids %+v", res)
	}
	if res.AmountBaseUnits != "1000000000000000000" {
		t.Fatalf("unexpected amount %s", res.AmountBaseUnits)
	}

	erc20 := registry.MustABI(registry.SuperchainERC20ABI)
	burn := common.FromHex(res.BurnCalldata)
	if !bytes.Equal(burn[:4], erc20.Methods["crosschainBurn"].ID) {
		t.Fatal("burn calldata has the wrong selector")
	}

	messenger := registry.MustABI(registry.L2ToL2CrossDomainMessengerABI)
	msg := common.FromHex(res.MessageCalldata)
	method := messenger.Methods["sendMessage"]
	if !bytes.Equal(msg[:4], method.ID) {
		t.Fatal("message calldata has the wrong selector")
	}
	args, err := method.Inputs.Unpack(msg[4:])
	if err != nil {
		t.Fatalf("unpack sendMessage: %v", err)
	}
	if args[0].(*big.Int).Int64() != 11155420 {
		t.Fatalf("unexpected destination %v", args[0])
	}
	if args[1].(common.Address) != common.HexToAddress(registry.SuperchainWETH) {
		t.Fatalf("unexpected mint target %v", args[1])
	}
	inner := args[2].([]byte)
	if !bytes.Equal(inner[:4], erc20.Methods["crosschainMint"].ID) {
		t.Fatal("wrapped message is not a crosschainMint call")
	}
	mintArgs, err := erc20.Methods["crosschainMint"].Inputs.Unpack(inner[4:])
	if err != nil {
		t.Fatalf("unpack mint: %v", err)
	}
	if mintArgs[0].(common.Address) != common.HexToAddress(user) || mintArgs[1].(*big.Int).String() != "1000000000000000000" {
		t.Fatalf("unexpected mint args %v", mintArgs)
	}
}

func TestBuildBridgeCalldataFailures(t *testing.T) {
	cases := []struct {
		name string
		in   intent.Bridge
		user string
		want string
	}{
		{"unknown destination", intent.Bridge{Token: "ETH", Amount: "1", FromChain: "base", ToChain: "arbitrum"}, user, "unsupported chain"},
		{"bad amount", intent.Bridge{Token: "ETH", Amount: "1.2.3", FromChain: "base", ToChain: "optimism"}, user, "invalid amount"},
		{"bad user", intent.Bridge{Token: "ETH", Amount: "1", FromChain: "base", ToChain: "optimism"}, "alice", "invalid user"},
		{"same chain", intent.Bridge{Token: "ETH", Amount: "1", FromChain: "base", ToChain: "Base"}, user, "same"},
		{"token missing", intent.Bridge{Token: "NUSD", Amount: "1", FromChain: "base", ToChain: "optimism"}, user, "NUSD"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Resolve(tc.in, tc.user)
			if res.Success {
				t.Fatalf("expected failure, got %+v", res)
			}
			if !strings.Contains(res.Error, tc.want) {
				t.Fatalf("expected error containing %q, got %q", tc.want, res.Error)
			}
		})
	}
}

func TestBuildBridgeCalldataMintsDestinationToken(t *testing.T) {
	in := intent.Bridge{Token: "USDC", Amount: "2", FromChain: "base-sepolia", ToChain: "op-sepolia"}
	source, dest, err := ResolveTokens(in)
	if err != nil {
		t.Fatalf("ResolveTokens failed: %v", err)
	}
	if strings.EqualFold(source, dest) {
		t.Fatalf("expected distinct token addresses, got %s twice", source)
	}

	res := BuildBridgeCalldata(in, user, source, dest)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Token != common.HexToAddress(source).Hex() || res.DestinationToken != common.HexToAddress(dest).Hex() {
		t.Fatalf("unexpected tokens %s -> %s", res.Token, res.DestinationToken)
	}

	method := registry.MustABI(registry.L2ToL2CrossDomainMessengerABI).Methods["sendMessage"]
	args, err := method.Inputs.Unpack(common.FromHex(res.MessageCalldata)[4:])
	if err != nil {
		t.Fatalf("unpack sendMessage: %v", err)
	}
	if args[1].(common.Address) != common.HexToAddress(dest) {
		t.Fatalf("mint message targets %v, want %s", args[1], dest)
	}
}

func TestBuildBridgeCalldataRejectsBadTokenAddresses(t *testing.T) {
	in := intent.Bridge{Token: "USDC", Amount: "1", FromChain: "base-sepolia", ToChain: "op-sepolia"}
	if res := BuildBridgeCalldata(in, user, "usdc", registry.SuperchainWETH); res.Success || !strings.Contains(res.Error, "source token") {
		t.Fatalf("expected source token failure, got %+v", res)
	}
	if res := BuildBridgeCalldata(in, user, registry.SuperchainWETH, ""); res.Success || !strings.Contains(res.Error, "destination token") {
		t.Fatalf("expected destination token failure, got %+v", res)
	}
}
