package types

import "github.com/shopspring/decimal"

// CurrencyPlaces is the smallest currency unit (paise)
const CurrencyPlaces = 2

var hundred = decimal.NewFromInt(100)

// RoundMoney rounds half-up to the smallest currency unit. decimal.Round
// rounds half away from zero, which is half-up for the non-negative amounts
// the engine works with.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(CurrencyPlaces)
}

// Percent returns pct% of amount, unrounded
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(hundred)
}

// Hundred is 100 as a decimal
func Hundred() decimal.Decimal {
	return hundred
}
