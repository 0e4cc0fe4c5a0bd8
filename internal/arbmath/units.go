package arbmath

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbeval/internal/domain"
)

var weiPerEther = decimal.New(1, 18)

// ToBaseUnits converts a human-readable token amount (e.g. "1.5") into the
// token's smallest indivisible unit. Amounts with more fractional digits than
// decimals are rejected with domain.ErrPrecisionLoss.
func ToBaseUnits(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("arbmath: parse amount %q: %w", amount, err)
	}
	return DecimalToBaseUnits(d, decimals)
}

// DecimalToBaseUnits is ToBaseUnits for an already parsed amount.
func DecimalToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if decimals < 0 {
		return nil, fmt.Errorf("arbmath: negative decimals %d", decimals)
	}
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("arbmath: %s with %d decimals: %w", amount, decimals, domain.ErrPrecisionLoss)
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits converts smallest-unit integers back into a token amount.
func FromBaseUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}

// GweiToWei converts a gwei amount to wei, truncating sub-wei fractions.
func GweiToWei(gwei float64) *big.Int {
	return decimal.NewFromFloat(gwei).Shift(9).Truncate(0).BigInt()
}

// GasUSD prices gasLimit units at gasPriceWei with the native token at
// nativeUSD. The wei product is exact; only the final USD figure is a
// float. A positive capUSD bounds the result.
func GasUSD(gasPriceWei *big.Int, gasLimit uint64, nativeUSD, capUSD float64) float64 {
	if gasPriceWei == nil || gasPriceWei.Sign() <= 0 || gasLimit == 0 {
		return 0
	}
	totalWei := new(big.Int).Mul(gasPriceWei, new(big.Int).SetUint64(gasLimit))
	usd, _ := decimal.NewFromBigInt(totalWei, 0).
		Div(weiPerEther).
		Mul(decimal.NewFromFloat(nativeUSD)).
		Float64()
	if capUSD > 0 && usd > capUSD {
		return capUSD
	}
	return usd
}
