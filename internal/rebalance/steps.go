package rebalance

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/intentrail/internal/bridge"
	"github.com/ggonzalez94/intentrail/internal/execution"
	"github.com/ggonzalez94/intentrail/internal/registry"
)

var (
	erc20ABI = registry.MustABI(registry.ERC20MinimalABI)
	aaveABI  = registry.MustABI(registry.AavePoolABI)
	cometABI = registry.MustABI(registry.CometABI)
)

// withdrawCall pulls value of the chain's superchain token out of p.
func withdrawCall(chain registry.ChainConfig, p registry.Protocol, user common.Address, value *big.Int) (execution.Call, error) {
	pool, asset, err := poolAndAsset(chain, p)
	if err != nil {
		return execution.Call{}, err
	}
	var data []byte
	switch p {
	case registry.ProtocolAave:
		data, err = aaveABI.Pack("withdraw", asset, value, user)
	case registry.ProtocolCompound:
		data, err = cometABI.Pack("withdraw", asset, value)
	}
	if err != nil {
		return execution.Call{}, fmt.Errorf("encode withdraw: %w", err)
	}
	return execution.Call{
		Type:        execution.StepTypeWithdraw,
		Target:      pool,
		Data:        data,
		Description: fmt.Sprintf("Withdraw from %s on %s", p.DisplayName(), chain.Label),
	}, nil
}

// depositCalls approves the pool and supplies value to it.
func depositCalls(chain registry.ChainConfig, p registry.Protocol, user common.Address, value *big.Int) ([]execution.Call, error) {
	pool, asset, err := poolAndAsset(chain, p)
	if err != nil {
		return nil, err
	}
	approve, err := erc20ABI.Pack("approve", pool, value)
	if err != nil {
		return nil, fmt.Errorf("encode approve: %w", err)
	}
	var supply []byte
	switch p {
	case registry.ProtocolAave:
		supply, err = aaveABI.Pack("supply", asset, value, user, uint16(0))
	case registry.ProtocolCompound:
		supply, err = cometABI.Pack("supply", asset, value)
	}
	if err != nil {
		return nil, fmt.Errorf("encode supply: %w", err)
	}
	return []execution.Call{
		{
			Type:        execution.StepTypeApproval,
			Target:      asset,
			Data:        approve,
			Description: fmt.Sprintf("Approve %s on %s", p.DisplayName(), chain.Label),
		},
		{
			Type:        execution.StepTypeSupply,
			Target:      pool,
			Data:        supply,
			Description: fmt.Sprintf("Supply to %s on %s", p.DisplayName(), chain.Label),
		},
	}, nil
}

// bridgeCalls burns on source and sends the mint message to target.
func bridgeCalls(source, target registry.ChainConfig, user common.Address, value *big.Int) ([]execution.Call, error) {
	if source.SuperchainToken == "" || target.SuperchainToken == "" {
		return nil, fmt.Errorf("superchain token is not configured")
	}
	token := common.HexToAddress(source.SuperchainToken)
	res, err := bridge.Encode(token, common.HexToAddress(target.SuperchainToken), user, value, target.ChainID)
	if err != nil {
		return nil, err
	}
	messenger := source.CrosschainBridge
	if messenger == "" {
		messenger = registry.L2ToL2CrossDomainMessenger
	}
	return []execution.Call{
		{
			Type:        execution.StepTypeBridgeBurn,
			Target:      token,
			Data:        common.FromHex(res.BurnCalldata),
			Description: fmt.Sprintf("Burn on %s", source.Label),
		},
		{
			Type:        execution.StepTypeBridgeMessage,
			Target:      common.HexToAddress(messenger),
			Data:        common.FromHex(res.MessageCalldata),
			Description: fmt.Sprintf("Send mint message to %s", target.Label),
		},
	}, nil
}

func poolAndAsset(chain registry.ChainConfig, p registry.Protocol) (common.Address, common.Address, error) {
	pool := chain.Pool(p)
	if pool == "" {
		return common.Address{}, common.Address{}, fmt.Errorf("%s has no %s pool", chain.Label, p.DisplayName())
	}
	if chain.SuperchainToken == "" {
		return common.Address{}, common.Address{}, fmt.Errorf("%s has no superchain token", chain.Label)
	}
	return common.HexToAddress(pool), common.HexToAddress(chain.SuperchainToken), nil
}
