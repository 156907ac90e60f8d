package monitor

import (
	"math"
	"math/big"
)

const SecondsPerYear = 365 * 24 * 60 * 60

var (
	ray = new(big.Float).SetFloat64(1e27)
	wad = new(big.Float).SetFloat64(1e18)
)

// AaveLiquidityRateToAPY converts Aave's currentLiquidityRate, an annual rate
// in ray units that accrues every second, into a compounded APY fraction.
func AaveLiquidityRateToAPY(liquidityRate *big.Int) float64 {
	if liquidityRate == nil || liquidityRate.Sign() <= 0 {
		return 0
	}
	apr, _ := new(big.Float).Quo(new(big.Float).SetInt(liquidityRate), ray).Float64()
	return math.Pow(1+apr/SecondsPerYear, SecondsPerYear) - 1
}

// CometSupplyRateToAPR converts Comet's per-second supply rate, scaled by
// 1e18, into an annual fraction.
func CometSupplyRateToAPR(perSecond *big.Int) float64 {
	if perSecond == nil || perSecond.Sign() <= 0 {
		return 0
	}
	rate, _ := new(big.Float).Quo(new(big.Float).SetInt(perSecond), wad).Float64()
	return rate * SecondsPerYear
}
