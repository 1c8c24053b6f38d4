package calculator

import (
	"errors"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ErrNoReference is returned when the reference price is not positive.
var ErrNoReference = errors.New("reference price must be positive")

// PriceErrorPercent returns |actual - predicted| / predicted * 100.
func PriceErrorPercent(predicted, actual decimal.Decimal) (decimal.Decimal, error) {
	if !predicted.IsPositive() {
		return decimal.Zero, ErrNoReference
	}
	return actual.Sub(predicted).Abs().Div(predicted).Mul(hundred), nil
}

// WithinTolerance reports whether actual is within tolerancePercent of predicted.
// The boundary itself counts as within.
func WithinTolerance(predicted, actual, tolerancePercent decimal.Decimal) (bool, decimal.Decimal, error) {
	errPct, err := PriceErrorPercent(predicted, actual)
	if err != nil {
		return false, decimal.Zero, err
	}
	return errPct.LessThanOrEqual(tolerancePercent), errPct, nil
}

// PnL returns the profit of a position bought at entry and marked at current.
func PnL(entry, current, quantity decimal.Decimal) decimal.Decimal {
	if quantity.IsZero() {
		quantity = decimal.NewFromInt(1)
	}
	return current.Sub(entry).Mul(quantity)
}

// PnLPercent returns the percentage move from entry to current.
func PnLPercent(entry, current decimal.Decimal) (decimal.Decimal, error) {
	if !entry.IsPositive() {
		return decimal.Zero, ErrNoReference
	}
	return current.Sub(entry).Div(entry).Mul(hundred), nil
}
