package execution

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/intentrail/internal/errors"
	"github.com/ggonzalez94/intentrail/internal/registry"
)

var (
	policyERC20ABI      = registry.MustABI(registry.ERC20MinimalABI)
	policySuperchainABI = registry.MustABI(registry.SuperchainERC20ABI)
	policyMessengerABI  = registry.MustABI(registry.L2ToL2CrossDomainMessengerABI)
	policyAaveABI       = registry.MustABI(registry.AavePoolABI)
	policyCometABI      = registry.MustABI(registry.CometABI)
)

// ValidateCall checks that a rebalance call only touches the contracts the
// chain config names, with the selector its step type implies. maxAmount
// bounds approvals; nil skips the bound.
func ValidateCall(chain registry.ChainConfig, call Call, maxAmount *big.Int) error {
	if call.Target == (common.Address{}) {
		return clierr.New(clierr.CodeActionPlan, fmt.Sprintf("%s step has no target", call.Type))
	}
	switch call.Type {
	case StepTypeApproval:
		if err := expectTarget(call, chain.SuperchainToken, "superchain token"); err != nil {
			return err
		}
		return validateApproval(chain, call.Data, maxAmount)
	case StepTypeBridgeBurn:
		if err := expectTarget(call, chain.SuperchainToken, "superchain token"); err != nil {
			return err
		}
		return expectSelector(call, policySuperchainABI, "crosschainBurn")
	case StepTypeBridgeMessage:
		if err := expectTarget(call, chain.CrosschainBridge, "cross-domain messenger"); err != nil {
			return err
		}
		return expectSelector(call, policyMessengerABI, "sendMessage")
	case StepTypeWithdraw, StepTypeSupply:
		method := "supply"
		if call.Type == StepTypeWithdraw {
			method = "withdraw"
		}
		switch {
		case chain.AavePool != "" && call.Target == common.HexToAddress(chain.AavePool):
			return expectSelector(call, policyAaveABI, method)
		case chain.CometPool != "" && call.Target == common.HexToAddress(chain.CometPool):
			return expectSelector(call, policyCometABI, method)
		}
		return clierr.New(clierr.CodeActionPlan, fmt.Sprintf("%s step target %s is not a configured pool on %s", call.Type, call.Target.Hex(), chain.Label))
	default:
		return clierr.New(clierr.CodeActionPlan, fmt.Sprintf("unsupported step type %q", call.Type))
	}
}

func expectTarget(call Call, want, name string) error {
	if want == "" || call.Target != common.HexToAddress(want) {
		return clierr.New(clierr.CodeActionPlan, fmt.Sprintf("%s step must target the %s", call.Type, name))
	}
	return nil
}

func expectSelector(call Call, contract abi.ABI, method string) error {
	if len(call.Data) < 4 || !bytes.Equal(call.Data[:4], contract.Methods[method].ID) {
		return clierr.New(clierr.CodeActionPlan, fmt.Sprintf("%s step must call %s", call.Type, method))
	}
	return nil
}

func validateApproval(chain registry.ChainConfig, data []byte, maxAmount *big.Int) error {
	method := policyERC20ABI.Methods["approve"]
	if len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
		return clierr.New(clierr.CodeActionPlan, "approval step must use ERC20 approve(spender,amount)")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil || len(args) != 2 {
		return clierr.New(clierr.CodeActionPlan, "approval step calldata is invalid")
	}
	spender, ok := args[0].(common.Address)
	if !ok || spender == (common.Address{}) {
		return clierr.New(clierr.CodeActionPlan, "approval step has invalid spender")
	}
	isPool := false
	for _, p := range chain.Protocols() {
		if spender == common.HexToAddress(chain.Pool(p)) {
			isPool = true
		}
	}
	if !isPool {
		return clierr.New(clierr.CodeActionPlan, fmt.Sprintf("approval spender %s is not a configured pool on %s", spender.Hex(), chain.Label))
	}
	amount, ok := args[1].(*big.Int)
	if !ok || amount.Sign() <= 0 {
		return clierr.New(clierr.CodeActionPlan, "approval step has invalid approval amount")
	}
	if maxAmount != nil && amount.Cmp(maxAmount) > 0 {
		return clierr.New(clierr.CodeActionPlan, fmt.Sprintf("approval amount %s exceeds rebalance amount %s", amount, maxAmount))
	}
	return nil
}
