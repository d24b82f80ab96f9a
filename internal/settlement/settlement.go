// internal/settlement/settlement.go
package settlement

import (
	"github.com/shopspring/decimal"

	"poolguarantee/internal/common/errors"
)

// Monetary fields are decimal strings with a fixed token precision. All
// arithmetic is fixed-point; nothing here ever touches a float.
const (
	// DefaultTokenDecimals matches the USD-pegged stable token used for
	// guarantee settlement.
	DefaultTokenDecimals = 6

	// DefaultFeeRatePct is the documented default issuance fee rate.
	// Product variants override it through configuration.
	DefaultFeeRatePct = "1"

	// DefaultCollateralRatePct is the documented default collateral ratio.
	DefaultCollateralRatePct = "20"
)

var oneHundred = decimal.NewFromInt(100)

// IssuanceFee computes guaranteeAmount * feeRatePct / 100, rounded half-up
// to the token's minimal unit.
func IssuanceFee(guaranteeAmount, feeRatePct string) (string, error) {
	amount, err := parseAmount("guaranteeAmount", guaranteeAmount)
	if err != nil {
		return "", err
	}
	rate, err := parseAmount("feeRatePct", feeRatePct)
	if err != nil {
		return "", err
	}

	fee := amount.Mul(rate).Div(oneHundred).Round(DefaultTokenDecimals)
	return fee.String(), nil
}

// CollateralSplit computes the collateral portion of the guarantee,
// guaranteeAmount * collateralRatePct / 100, rounded half-up to the token's
// minimal unit.
func CollateralSplit(guaranteeAmount, collateralRatePct string) (string, error) {
	amount, err := parseAmount("guaranteeAmount", guaranteeAmount)
	if err != nil {
		return "", err
	}
	rate, err := parseAmount("collateralRatePct", collateralRatePct)
	if err != nil {
		return "", err
	}

	split := amount.Mul(rate).Div(oneHundred).Round(DefaultTokenDecimals)
	return split.String(), nil
}

// RemainingBalance computes tradeValue - guaranteeAmount. It fails with
// NegativeBalance iff guaranteeAmount > tradeValue, so
// remainingBalance + guaranteeAmount == tradeValue holds exactly whenever it
// succeeds.
func RemainingBalance(tradeValue, guaranteeAmount string) (string, error) {
	trade, err := parseAmount("tradeValue", tradeValue)
	if err != nil {
		return "", err
	}
	guarantee, err := parseAmount("guaranteeAmount", guaranteeAmount)
	if err != nil {
		return "", err
	}

	if guarantee.GreaterThan(trade) {
		return "", errors.NewNegativeBalanceError(tradeValue, guaranteeAmount)
	}

	return trade.Sub(guarantee).String(), nil
}

func parseAmount(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, errors.NewInvalidAmountError(field, value)
	}
	if d.IsNegative() {
		return decimal.Zero, errors.NewInvalidAmountError(field, value)
	}
	return d, nil
}
