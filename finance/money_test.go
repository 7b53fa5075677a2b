package finance_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/finance-engine/finance"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func pct(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

// assertAmount compares decimals by value, so 60 and 60.00 are equal.
func assertAmount(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	assert.Truef(t, d(want).Equal(got), "%s: expected %s, got %s", field, want, got)
}

var usd = finance.MustCurrency("USD")

// =============================================================================
// CURRENCY TESTS
// =============================================================================

func TestParseCurrency_Scale(t *testing.T) {
	tests := []struct {
		code  string
		want  string
		scale int32
	}{
		{"USD", "USD", 2},
		{"eur", "EUR", 2},
		{" JPY ", "JPY", 0},
		{"BHD", "BHD", 3},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			c, err := finance.ParseCurrency(tt.code)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Code)
			assert.Equal(t, tt.scale, c.Scale)
		})
	}
}

func TestParseCurrency_Unknown(t *testing.T) {
	_, err := finance.ParseCurrency("XYZ1")
	assert.Error(t, err)

	assert.Panics(t, func() { finance.MustCurrency("") })
}

// =============================================================================
// ROUNDING TESTS
// =============================================================================

func TestRound_HalfEven(t *testing.T) {
	// GIVEN: Amounts exactly halfway between two cents
	// WHEN: Rounding to USD
	// THEN: Ties go to the even neighbour

	assertAmount(t, "0.12", usd.Round(d("0.125")), "0.125")
	assertAmount(t, "0.14", usd.Round(d("0.135")), "0.135")
	assertAmount(t, "-0.12", usd.Round(d("-0.125")), "-0.125")
	assertAmount(t, "0.13", usd.Round(d("0.1251")), "0.1251")
}

func TestRound_ZeroScaleCurrency(t *testing.T) {
	jpy := finance.MustCurrency("JPY")

	assertAmount(t, "2", jpy.Round(d("2.5")), "2.5")
	assertAmount(t, "4", jpy.Round(d("3.5")), "3.5")
}

func TestSum_RoundsOnce(t *testing.T) {
	// GIVEN: Three thirds of a cent
	// WHEN: Summing
	// THEN: The exact total is rounded, not each term

	third := d("0.005")
	assertAmount(t, "0.02", finance.Sum(usd, third, third, third), "sum")
	assertAmount(t, "0", finance.Sum(usd), "empty sum")
}

func TestArithmetic(t *testing.T) {
	assertAmount(t, "100", finance.Add(usd, d("100"), d("0.005")), "add rounds half to even")
	assertAmount(t, "100.02", finance.Add(usd, d("100"), d("0.015")), "add rounds half to the even cent above")
	assertAmount(t, "-10", finance.Subtract(usd, d("50"), d("60")), "subtract")
	assertAmount(t, "0", finance.SubtractNonNegative(usd, d("50"), d("60")), "subtract non-negative")
	assertAmount(t, "0", finance.NonNegative(d("-0.01")), "non-negative")
}

func TestPercentageOf(t *testing.T) {
	assertAmount(t, "90", finance.PercentageOf(usd, d("100"), d("90")), "90%")
	assertAmount(t, "33.33", finance.PercentageOf(usd, d("100"), d("33.333")), "33.333%")
	assertAmount(t, "110", finance.PercentageOf(usd, d("100"), d("110")), "110%")
}

func TestExpendedPercentage(t *testing.T) {
	assert.Nil(t, finance.ExpendedPercentage(d("10"), decimal.Zero))

	got := finance.ExpendedPercentage(d("1"), d("3"))
	require.NotNil(t, got)
	assertAmount(t, "33.33", *got, "1/3")
}
