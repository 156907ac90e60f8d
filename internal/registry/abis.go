package registry

// ABI fragments used by the resolvers, the rate monitor and the rebalance steps.
const (
	ERC20MinimalABI = `[
		{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"name":"transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
	]`

	SuperchainERC20ABI = `[
		{"name":"crosschainBurn","type":"function","stateMutability":"nonpayable","inputs":[{"name":"_from","type":"address"},{"name":"_amount","type":"uint256"}],"outputs":[]},
		{"name":"crosschainMint","type":"function","stateMutability":"nonpayable","inputs":[{"name":"_to","type":"address"},{"name":"_amount","type":"uint256"}],"outputs":[]}
	]`

	L2ToL2CrossDomainMessengerABI = `[
		{"name":"sendMessage","type":"function","stateMutability":"nonpayable","inputs":[{"name":"_destination","type":"uint256"},{"name":"_target","type":"address"},{"name":"_message","type":"bytes"}],"outputs":[{"name":"","type":"bytes32"}]}
	]`

	// getReserveData returns a fully static struct, so its outputs are
	// declared flat; the encoding is identical.
	AavePoolABI = `[
		{"name":"supply","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"onBehalfOf","type":"address"},{"name":"referralCode","type":"uint16"}],"outputs":[]},
		{"name":"withdraw","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"to","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"getReserveData","type":"function","stateMutability":"view","inputs":[{"name":"asset","type":"address"}],"outputs":[
			{"name":"configuration","type":"uint256"},
			{"name":"liquidityIndex","type":"uint128"},
			{"name":"currentLiquidityRate","type":"uint128"},
			{"name":"variableBorrowIndex","type":"uint128"},
			{"name":"currentVariableBorrowRate","type":"uint128"},
			{"name":"currentStableBorrowRate","type":"uint128"},
			{"name":"lastUpdateTimestamp","type":"uint40"},
			{"name":"id","type":"uint16"},
			{"name":"aTokenAddress","type":"address"},
			{"name":"stableDebtTokenAddress","type":"address"},
			{"name":"variableDebtTokenAddress","type":"address"},
			{"name":"interestRateStrategyAddress","type":"address"},
			{"name":"accruedToTreasury","type":"uint128"},
			{"name":"unbacked","type":"uint128"},
			{"name":"isolationModeTotalDebt","type":"uint128"}
		]}
	]`

	CometABI = `[
		{"name":"supply","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
		{"name":"withdraw","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
		{"name":"getUtilization","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"getSupplyRate","type":"function","stateMutability":"view","inputs":[{"name":"utilization","type":"uint256"}],"outputs":[{"name":"","type":"uint64"}]}
	]`

	// NUSD is the demo stable token whose mock pool swaps at fixed rates.
	NUSDPoolABI = `[
		{"name":"swapExactIn","type":"function","stateMutability":"payable","inputs":[{"name":"tokenIn","type":"address"},{"name":"amountIn","type":"uint256"}],"outputs":[{"name":"amountOut","type":"uint256"}]}
	]`
)
