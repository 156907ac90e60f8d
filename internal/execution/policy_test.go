package execution

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/intentrail/internal/errors"
	"github.com/ggonzalez94/intentrail/internal/registry"
)

func baseSepolia(t *testing.T) registry.ChainConfig {
	t.Helper()
	c, err := registry.Default().Resolve("base-sepolia")
	if err != nil {
		t.Fatalf("resolve chain: %v", err)
	}
	return c
}

func mustPack(t *testing.T, contract abi.ABI, method string, args ...any) []byte {
	t.Helper()
	data, err := contract.Pack(method, args...)
	if err != nil {
		t.Fatalf("pack calldata: %v", err)
	}
	return data
}

func TestValidateCallApprovalBounded(t *testing.T) {
	chain := baseSepolia(t)
	pool := common.HexToAddress(chain.AavePool)
	data := mustPack(t, policyERC20ABI, "approve", pool, big.NewInt(100))
	call := Call{Type: StepTypeApproval, Target: common.HexToAddress(chain.SuperchainToken), Data: data}

	if err := ValidateCall(chain, call, big.NewInt(100)); err != nil {
		t.Fatalf("expected bounded approval to pass, got %v", err)
	}
	err := ValidateCall(chain, call, big.NewInt(99))
	if err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("expected over-approval to fail, got %v", err)
	}
	if clierr.CodeOf(err) != clierr.CodeActionPlan {
		t.Fatalf("expected plan error code, got %v", clierr.CodeOf(err))
	}
}

func TestValidateCallApprovalRejectsUnknownSpender(t *testing.T) {
	chain := baseSepolia(t)
	data := mustPack(t, policyERC20ABI, "approve", common.HexToAddress("0x00000000000000000000000000000000000000ab"), big.NewInt(1))
	call := Call{Type: StepTypeApproval, Target: common.HexToAddress(chain.SuperchainToken), Data: data}
	if err := ValidateCall(chain, call, nil); err == nil || !strings.Contains(err.Error(), "spender") {
		t.Fatalf("expected spender rejection, got %v", err)
	}
}

func TestValidateCallPoolSelectors(t *testing.T) {
	chain := baseSepolia(t)
	asset := common.HexToAddress(chain.SuperchainToken)
	user := common.HexToAddress("0x000000000000000000000000000000000000bEEF")

	aaveWithdraw := mustPack(t, policyAaveABI, "withdraw", asset, big.NewInt(1), user)
	if err := ValidateCall(chain, Call{Type: StepTypeWithdraw, Target: common.HexToAddress(chain.AavePool), Data: aaveWithdraw}, nil); err != nil {
		t.Fatalf("expected aave withdraw to pass, got %v", err)
	}
	cometSupply := mustPack(t, policyCometABI, "supply", asset, big.NewInt(1))
	if err := ValidateCall(chain, Call{Type: StepTypeSupply, Target: common.HexToAddress(chain.CometPool), Data: cometSupply}, nil); err != nil {
		t.Fatalf("expected comet supply to pass, got %v", err)
	}
	if err := ValidateCall(chain, Call{Type: StepTypeWithdraw, Target: common.HexToAddress(chain.CometPool), Data: cometSupply}, nil); err == nil {
		t.Fatal("expected supply selector on withdraw step to fail")
	}
	if err := ValidateCall(chain, Call{Type: StepTypeSupply, Target: asset, Data: cometSupply}, nil); err == nil {
		t.Fatal("expected non-pool target to fail")
	}
}

func TestValidateCallBridgeTargets(t *testing.T) {
	chain := baseSepolia(t)
	user := common.HexToAddress("0x000000000000000000000000000000000000bEEF")
	burn := mustPack(t, policySuperchainABI, "crosschainBurn", user, big.NewInt(1))
	if err := ValidateCall(chain, Call{Type: StepTypeBridgeBurn, Target: common.HexToAddress(chain.SuperchainToken), Data: burn}, nil); err != nil {
		t.Fatalf("expected burn to pass, got %v", err)
	}
	if err := ValidateCall(chain, Call{Type: StepTypeBridgeBurn, Target: common.HexToAddress(chain.CrosschainBridge), Data: burn}, nil); err == nil {
		t.Fatal("expected burn against messenger to fail")
	}
	msg := mustPack(t, policyMessengerABI, "sendMessage", big.NewInt(11155420), common.HexToAddress(chain.SuperchainToken), []byte{0x01})
	if err := ValidateCall(chain, Call{Type: StepTypeBridgeMessage, Target: common.HexToAddress(chain.CrosschainBridge), Data: msg}, nil); err != nil {
		t.Fatalf("expected message to pass, got %v", err)
	}
}

func TestDryRunHashesAreDistinctAndRecorded(t *testing.T) {
	d := NewDryRun(nil)
	chain := baseSepolia(t)
	call := Call{Type: StepTypeWithdraw, Target: common.HexToAddress(chain.AavePool), Data: []byte{0x01}}

	first, err := d.Send(context.Background(), chain, call)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	second, _ := d.Send(context.Background(), chain, call)
	if first == second || len(first) != 66 || !strings.HasPrefix(first, "0x") {
		t.Fatalf("expected distinct 32-byte hashes, got %s and %s", first, second)
	}
	if sent := d.Sent(); len(sent) != 2 || sent[0].TxHash != first || sent[1].Chain != "base-sepolia" {
		t.Fatalf("unexpected recorded calls %+v", sent)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Send(ctx, chain, call); err == nil {
		t.Fatal("expected cancelled context to fail")
	}
}
