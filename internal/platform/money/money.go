// Package money holds the decimal rules shared by prices, invoices, payments
// and claims. All amounts are in a single currency unit with two decimal
// places.
package money

import (
	"github.com/shopspring/decimal"

	"github.com/ehr/billing-engine/internal/platform/apperr"
)

const (
	Places     = 2
	RatePlaces = 4
)

var hundred = decimal.NewFromInt(100)

// Round rounds half away from zero to cents.
func Round(d decimal.Decimal) decimal.Decimal { return d.Round(Places) }

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Percent returns round2(amount * rate / 100).
func Percent(amount, rate decimal.Decimal) decimal.Decimal {
	return Round(amount.Mul(rate).Div(hundred))
}

// Sum adds the values.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// CheckAmount rejects negative amounts and amounts with sub-cent precision.
func CheckAmount(field string, d decimal.Decimal) error {
	if d.IsNegative() {
		return apperr.Validation(field, "must not be negative")
	}
	if !d.Equal(d.Round(Places)) {
		return apperr.Validation(field, "must have at most %d decimal places", Places)
	}
	return nil
}

// CheckPositive is CheckAmount plus a strictly-greater-than-zero rule.
func CheckPositive(field string, d decimal.Decimal) error {
	if err := CheckAmount(field, d); err != nil {
		return err
	}
	if !d.IsPositive() {
		return apperr.Validation(field, "must be greater than zero")
	}
	return nil
}

// CheckRate validates a percentage in [0, 100].
func CheckRate(field string, d decimal.Decimal) error {
	if d.IsNegative() || d.GreaterThan(hundred) {
		return apperr.Validation(field, "must be between 0 and 100")
	}
	if !d.Equal(d.Round(RatePlaces)) {
		return apperr.Validation(field, "must have at most %d decimal places", RatePlaces)
	}
	return nil
}

// CheckQuantity validates an item quantity: positive, at most two decimals.
func CheckQuantity(field string, d decimal.Decimal) error {
	return CheckPositive(field, d)
}
