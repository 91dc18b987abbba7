package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// assetPrecision is the number of decimal places each asset is settled in.
var assetPrecision = map[string]int32{
	AssetBTC:         8,
	AssetUSDC:        6,
	AssetUSDCCompany: 6,
}

// Precision returns the settlement precision of asset. Unknown assets use 8 places.
func Precision(asset string) int32 {
	if p, ok := assetPrecision[asset]; ok {
		return p
	}
	return 8
}

// Amount is a quantity of a single asset.
type Amount struct {
	Value decimal.Decimal
	Asset string
}

// NewAmount truncates value to the asset precision.
func NewAmount(value decimal.Decimal, asset string) Amount {
	return Amount{Value: value.Truncate(Precision(asset)), Asset: asset}
}

// FromUSD converts a USD value into asset units at priceUSD (USD per unit).
// The result is rounded down so a customer is never sent more than paid for.
func FromUSD(usd, priceUSD decimal.Decimal, asset string) (Amount, error) {
	if !priceUSD.IsPositive() {
		return Amount{}, fmt.Errorf("non-positive %s price: %s", asset, priceUSD)
	}
	units := usd.DivRound(priceUSD, Precision(asset)+4)
	return NewAmount(units, asset), nil
}

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool {
	return a.Value.IsPositive()
}

// String returns the string representation of the amount.
func (a Amount) String() string {
	return fmt.Sprintf("%s %s", a.Value.StringFixed(Precision(a.Asset)), a.Asset)
}

// DiscrepancyPct returns (onchain - database) / database * 100 rounded to 4 places.
// A zero database balance yields 0 when on-chain is also zero and 100 otherwise.
func DiscrepancyPct(onchain, database decimal.Decimal) decimal.Decimal {
	diff := onchain.Sub(database)
	if database.IsZero() {
		if diff.IsZero() {
			return decimal.Zero
		}
		return decimal.NewFromInt(100)
	}
	return diff.Div(database).Mul(decimal.NewFromInt(100)).Round(4)
}
