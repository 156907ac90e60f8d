package registry

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"

	clierr "github.com/ggonzalez94/intentrail/internal/errors"
)

func TestExecutionABIConstantsParse(t *testing.T) {
	abis := []string{
		ERC20MinimalABI,
		SuperchainERC20ABI,
		L2ToL2CrossDomainMessengerABI,
		AavePoolABI,
		CometABI,
		NUSDPoolABI,
	}
	for _, raw := range abis {
		if _, err := abi.JSON(strings.NewReader(raw)); err != nil {
			t.Fatalf("failed to parse abi json: %v", err)
		}
	}
}

func TestResolveIsCaseInsensitive(t *testing.T) {
	reg := Default()
	for _, label := range []string{"base-sepolia", "Base-Sepolia", "  BASE-SEPOLIA "} {
		c, err := reg.Resolve(label)
		if err != nil {
			t.Fatalf("Resolve(%q) failed: %v", label, err)
		}
		if c.ChainID != 84532 {
			t.Fatalf("unexpected chain id %d", c.ChainID)
		}
	}
}

func TestResolveUnsupportedChain(t *testing.T) {
	_, err := Default().Resolve("arbitrum")
	if err == nil {
		t.Fatal("expected error for unknown chain")
	}
	if !strings.Contains(err.Error(), "unsupported chain") {
		t.Fatalf("unexpected error %v", err)
	}
	if clierr.CodeOf(err) != clierr.CodeUnsupported {
		t.Fatalf("unexpected code %v", clierr.CodeOf(err))
	}
}

func TestDefaultChainsCarryRPCAndProtocols(t *testing.T) {
	chains := Default().List()
	if len(chains) != 2 || chains[0].Label != "base-sepolia" || chains[1].Label != "op-sepolia" {
		t.Fatalf("unexpected chain list %+v", chains)
	}
	if chains[0].RPCURL == "" || chains[1].RPCURL == "" {
		t.Fatal("expected default rpc urls")
	}
	if got := chains[0].Protocols(); len(got) != 2 {
		t.Fatalf("expected aave and compound on base-sepolia, got %v", got)
	}
	if got := chains[1].Protocols(); len(got) != 1 || got[0] != ProtocolAave {
		t.Fatalf("expected only aave on op-sepolia, got %v", got)
	}
}

func TestWithOverridesLeavesOriginalUntouched(t *testing.T) {
	base := Default()
	comet := "0x1111111111111111111111111111111111111111"
	next, err := base.WithOverrides(map[string]Override{
		"OP-Sepolia": {RPCURL: "http://127.0.0.1:8545", CometPool: comet},
	})
	if err != nil {
		t.Fatalf("WithOverrides failed: %v", err)
	}
	got, _ := next.Resolve("op-sepolia")
	if got.RPCURL != "http://127.0.0.1:8545" || got.CometPool != comet {
		t.Fatalf("override not applied: %+v", got)
	}
	orig, _ := base.Resolve("op-sepolia")
	if orig.CometPool != "" {
		t.Fatal("expected original registry to stay read-only")
	}
}

func TestWithOverridesRejectsBadInput(t *testing.T) {
	if _, err := Default().WithOverrides(map[string]Override{"arbitrum": {RPCURL: "x"}}); err == nil {
		t.Fatal("expected error for unknown chain override")
	}
	if _, err := Default().WithOverrides(map[string]Override{"base-sepolia": {AavePool: "not-an-address"}}); err == nil {
		t.Fatal("expected error for malformed address")
	}
}

func TestResolveRPCURL(t *testing.T) {
	if got, err := ResolveRPCURL(" https://custom ", 84532); err != nil || got != "https://custom" {
		t.Fatalf("expected override, got %q err=%v", got, err)
	}
	if got, err := ResolveRPCURL("", 11155420); err != nil || got == "" {
		t.Fatalf("expected default op-sepolia rpc, got %q err=%v", got, err)
	}
	if _, err := ResolveRPCURL("", 424242); err == nil {
		t.Fatal("expected error for chain without default rpc")
	}
}
