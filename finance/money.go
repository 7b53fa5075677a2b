/*
money.go - Currency-scoped decimal arithmetic

PURPOSE:
  Every amount the engine stores is rounded to the minor unit of its
  currency (2 places for USD/EUR, 0 for JPY, 3 for BHD). The helpers here
  take the currency explicitly and round once at the end of the expression
  they compute; intermediate values keep full decimal precision.

ROUNDING:
  Banker's rounding (half-even) at the currency scale, which is the
  default rounding of standard monetary libraries.

    usd := finance.MustCurrency("USD")
    finance.Sum(usd, a, b, c)          // a+b+c, rounded once
    finance.PercentageOf(usd, t, pct)  // t*pct/100, rounded once

SEE ALSO:
  - calculator.go: budget identities built on these helpers
  - restriction.go: remaining-amount formulas
*/
package finance

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

var hundred = decimal.NewFromInt(100)

// Currency is an ISO 4217 code plus its minor-unit scale.
type Currency struct {
	Code  string
	Scale int32
}

// ParseCurrency resolves an ISO code to its rounding scale.
func ParseCurrency(code string) (Currency, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return Currency{}, fmt.Errorf("unknown currency %q: %w", code, err)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return Currency{Code: unit.String(), Scale: int32(scale)}, nil
}

// MustCurrency is ParseCurrency for constants and tests.
func MustCurrency(code string) Currency {
	c, err := ParseCurrency(code)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Currency) String() string { return c.Code }

// Round rounds d half-even to the currency's minor unit.
func (c Currency) Round(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(c.Scale)
}

// =============================================================================
// ARITHMETIC
// =============================================================================

func Add(c Currency, a, b decimal.Decimal) decimal.Decimal {
	return c.Round(a.Add(b))
}

func Subtract(c Currency, a, b decimal.Decimal) decimal.Decimal {
	return c.Round(a.Sub(b))
}

// SubtractNonNegative returns a-b clamped at zero.
func SubtractNonNegative(c Currency, a, b decimal.Decimal) decimal.Decimal {
	return NonNegative(Subtract(c, a, b))
}

// Sum adds all values and rounds the total. Sum of nothing is zero.
func Sum(c Currency, values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return c.Round(total)
}

// PercentageOf returns amount*percent/100.
func PercentageOf(c Currency, amount, percent decimal.Decimal) decimal.Decimal {
	return c.Round(amount.Mul(percent).Div(hundred))
}

// ExpendedPercentage returns part/total*100 rounded to two places, or nil
// when total is zero.
func ExpendedPercentage(part, total decimal.Decimal) *decimal.Decimal {
	if total.IsZero() {
		return nil
	}
	pct := part.Div(total).Mul(hundred).RoundBank(2)
	return &pct
}

// NonNegative clamps d at zero.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
