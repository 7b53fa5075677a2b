package finance_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/finance-engine/finance"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	restrictedLedger   = finance.Ledger{ID: "ledger-1", Name: "Main", RestrictEncumbrance: true, RestrictExpenditures: true}
	unrestrictedLedger = finance.Ledger{ID: "ledger-2", Name: "Open"}
)

// hundredBudget has allocated=100 and both allowances at 100%.
func hundredBudget() finance.Budget {
	b := rawBudget("100", "0", "0", "0", "0", "0", "0")
	b.AllowableEncumbrance = pct("100")
	b.AllowableExpenditure = pct("100")
	return finance.Recompute(b, usd)
}

func tx(typ finance.TransactionType, amount string) finance.Transaction {
	t := finance.Transaction{
		ID:              "tx-1",
		Type:            typ,
		Amount:          d(amount),
		Currency:        "USD",
		FiscalYearID:    "fy2025",
		FromFundID:      "fund-1",
		SourceInvoiceID: "inv-1",
	}
	switch typ {
	case finance.TxEncumbrance:
		t.Encumbrance = &finance.EncumbranceDetails{SourcePurchaseOrderID: "po-1"}
	case finance.TxCredit:
		t.FromFundID, t.ToFundID = "", "fund-1"
	case finance.TxAllocation, finance.TxTransfer:
		t.FromFundID, t.ToFundID, t.SourceInvoiceID = "", "fund-1", ""
	}
	return t
}

func requireInsufficient(t *testing.T, err error, remaining, requested string) {
	t.Helper()
	var insufficient *finance.InsufficientFundsError
	require.True(t, errors.As(err, &insufficient), "expected InsufficientFundsError, got %v", err)
	assertAmount(t, remaining, insufficient.Remaining, "remaining")
	assertAmount(t, requested, insufficient.Requested, "requested")
	assert.ErrorIs(t, err, finance.ErrInsufficientFunds)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestVerify_EncumbranceWithinAllowance(t *testing.T) {
	// GIVEN: allocated=100, allowableEncumbrance=100%, nothing committed
	// WHEN: Encumbering 60
	// THEN: Allowed; after the delta encumbered=60, available=40

	b := hundredBudget()
	require.NoError(t, finance.Verify(tx(finance.TxEncumbrance, "60"), b, restrictedLedger, nil))

	b.Encumbered = d("60")
	b = finance.Recompute(b, usd)
	assertAmount(t, "60", b.Encumbered, "encumbered")
	assertAmount(t, "40", b.Available, "available")
	assertAmount(t, "0", b.OverEncumbrance, "overEncumbrance")
}

func TestVerify_EncumbranceOverAllowance(t *testing.T) {
	// GIVEN: The budget after encumbering 60
	// WHEN: Encumbering 50 more
	// THEN: Rejected with remaining 40 < 50

	b := hundredBudget()
	b.Encumbered = d("60")
	b = finance.Recompute(b, usd)

	err := finance.Verify(tx(finance.TxEncumbrance, "50"), b, restrictedLedger, nil)
	requireInsufficient(t, err, "40", "50")
}

func TestVerify_PendingPaymentReleasesRelatedEncumbrance(t *testing.T) {
	// GIVEN: An encumbrance of 60 on a budget of 100
	// WHEN: A pending payment of 60 names that encumbrance
	// THEN: The encumbered amount is not counted twice, so it passes

	b := hundredBudget()
	b.Encumbered = d("60")
	b = finance.Recompute(b, usd)

	enc := tx(finance.TxEncumbrance, "60")
	related := &finance.Related{Transaction: enc, Amount: d("60")}

	assert.NoError(t, finance.Verify(tx(finance.TxPendingPayment, "30"), b, restrictedLedger, related))
	assert.NoError(t, finance.Verify(tx(finance.TxPendingPayment, "60"), b, restrictedLedger, related))

	// Without the link the same 60 would be double-counted.
	err := finance.Verify(tx(finance.TxPendingPayment, "60"), b, restrictedLedger, nil)
	requireInsufficient(t, err, "40", "60")
}

// =============================================================================
// REMAINING AMOUNT
// =============================================================================

func TestRemainingAmount_PerType(t *testing.T) {
	// allocated=100, encumbered=20, awaiting=10, expended=30
	b := rawBudget("100", "0", "0", "0", "20", "10", "30")
	b.AllowableEncumbrance = pct("110")
	b.AllowableExpenditure = pct("90")
	b = finance.Recompute(b, usd)

	tests := []struct {
		name    string
		typ     finance.TransactionType
		related string
		want    string
	}{
		{"encumbrance", finance.TxEncumbrance, "", "50"},
		{"pending payment", finance.TxPendingPayment, "5", "35"},
		{"payment", finance.TxPayment, "10", "40"},
		{"credit", finance.TxCredit, "", "30"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var related *finance.Related
			if tt.related != "" {
				related = &finance.Related{Amount: d(tt.related)}
			}
			got, ok := finance.RemainingAmount(tt.typ, b, usd, related)
			require.True(t, ok)
			assertAmount(t, tt.want, got, "remaining")
		})
	}
}

func TestRemainingAmount_NoPolicyForFunding(t *testing.T) {
	for _, typ := range []finance.TransactionType{finance.TxAllocation, finance.TxTransfer} {
		_, ok := finance.RemainingAmount(typ, hundredBudget(), usd, nil)
		assert.False(t, ok, typ)
	}
}

func TestRemainingAmount_MonotonicInCommitments(t *testing.T) {
	// GIVEN: The same budget with growing commitments
	// WHEN: Computing the remaining amount for every restricted type
	// THEN: It never grows

	types := []finance.TransactionType{finance.TxEncumbrance, finance.TxPendingPayment, finance.TxPayment}
	for _, typ := range types {
		prev := d("1000000")
		for _, used := range []string{"0", "10", "25.50", "99.99", "100", "250"} {
			b := hundredBudget()
			b.Encumbered = d(used)
			b = finance.Recompute(b, usd)

			got, _ := finance.RemainingAmount(typ, b, usd, nil)
			assert.Truef(t, got.LessThanOrEqual(prev), "%s: remaining grew from %s to %s at %s", typ, prev, got, used)
			prev = got
		}
	}
}

func TestVerify_MonotonicInRequestedAmount(t *testing.T) {
	// GIVEN: A partly committed budget and the remaining amount per type
	// WHEN: Verifying increasing requested amounts
	// THEN: Allowed up to remaining, rejected past it, and never allowed again

	b := rawBudget("100", "0", "0", "0", "20", "10", "30")
	b.AllowableEncumbrance = pct("110")
	b.AllowableExpenditure = pct("90")
	b = finance.Recompute(b, usd)

	types := []finance.TransactionType{finance.TxEncumbrance, finance.TxPendingPayment, finance.TxPayment}
	for _, typ := range types {
		t.Run(string(typ), func(t *testing.T) {
			remaining, ok := finance.RemainingAmount(typ, b, usd, nil)
			require.True(t, ok)
			require.True(t, remaining.IsPositive())

			cent := d("0.01")
			amounts := []decimal.Decimal{
				cent,
				remaining.Sub(cent),
				remaining,
				remaining.Add(cent),
				remaining.Add(d("1")),
				remaining.Mul(d("2")),
				d("1000000"),
			}
			rejected := false
			for _, amount := range amounts {
				err := finance.Verify(tx(typ, amount.String()), b, restrictedLedger, nil)
				if amount.LessThanOrEqual(remaining) {
					assert.NoError(t, err, "amount %s, remaining %s", amount, remaining)
					assert.False(t, rejected, "amount %s allowed after a smaller one was rejected", amount)
					continue
				}
				requireInsufficient(t, err, remaining.String(), amount.String())
				rejected = true
			}
			assert.True(t, rejected)
		})
	}
}

// =============================================================================
// RESTRICTION SWITCHES AND EXEMPTIONS
// =============================================================================

func TestVerify_CreditsNeverInsufficient(t *testing.T) {
	b := hundredBudget()
	b.Expenditures = d("500")
	b = finance.Recompute(b, usd)

	assert.NoError(t, finance.Verify(tx(finance.TxCredit, "1000"), b, restrictedLedger, nil))
}

func TestVerify_ZeroAmountAlwaysPasses(t *testing.T) {
	b := hundredBudget()
	b.Encumbered = d("500")
	b = finance.Recompute(b, usd)

	for _, typ := range []finance.TransactionType{finance.TxEncumbrance, finance.TxPendingPayment, finance.TxPayment} {
		assert.NoError(t, finance.Verify(tx(typ, "0"), b, restrictedLedger, nil), typ)
	}
}

func TestVerify_NilPercentageNeverRestricted(t *testing.T) {
	// GIVEN: A restricted ledger but a budget without allowances
	// WHEN: Encumbering far beyond the allocation
	// THEN: Allowed

	b := hundredBudget()
	b.AllowableEncumbrance = nil
	b.AllowableExpenditure = nil

	assert.False(t, finance.IsRestricted(finance.TxEncumbrance, restrictedLedger, b))
	assert.NoError(t, finance.Verify(tx(finance.TxEncumbrance, "10000"), b, restrictedLedger, nil))
	assert.NoError(t, finance.Verify(tx(finance.TxPayment, "10000"), b, restrictedLedger, nil))
}

func TestVerify_LedgerFlagsOff(t *testing.T) {
	b := hundredBudget()

	assert.False(t, finance.IsRestricted(finance.TxEncumbrance, unrestrictedLedger, b))
	assert.False(t, finance.IsRestricted(finance.TxPendingPayment, unrestrictedLedger, b))
	assert.NoError(t, finance.Verify(tx(finance.TxEncumbrance, "10000"), b, unrestrictedLedger, nil))
}

func TestVerify_FlagsAreIndependent(t *testing.T) {
	encOnly := finance.Ledger{RestrictEncumbrance: true}
	b := hundredBudget()

	assert.True(t, finance.IsRestricted(finance.TxEncumbrance, encOnly, b))
	assert.False(t, finance.IsRestricted(finance.TxPayment, encOnly, b))
	assert.NoError(t, finance.Verify(tx(finance.TxPayment, "10000"), b, encOnly, nil))
}

func TestVerify_InactiveBudgetRejectsEveryType(t *testing.T) {
	// GIVEN: A budget that is not Active
	// WHEN: Verifying any type, credits and allocations included
	// THEN: BudgetInactiveError

	types := []finance.TransactionType{
		finance.TxAllocation, finance.TxTransfer, finance.TxEncumbrance,
		finance.TxPendingPayment, finance.TxPayment, finance.TxCredit,
	}
	for _, status := range []finance.BudgetStatus{finance.BudgetInactive, finance.BudgetFrozen, finance.BudgetClosed} {
		b := hundredBudget()
		b.Status = status
		for _, typ := range types {
			err := finance.Verify(tx(typ, "1"), b, unrestrictedLedger, nil)
			var inactive *finance.BudgetInactiveError
			require.Truef(t, errors.As(err, &inactive), "%s/%s: got %v", status, typ, err)
			assert.Equal(t, status, inactive.Status)
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidateTransaction(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*finance.Transaction)
		typ    finance.TransactionType
		field  string
	}{
		{"unknown type", func(t *finance.Transaction) { t.Type = "Refund" }, finance.TxPayment, "transactionType"},
		{"negative amount", func(t *finance.Transaction) { t.Amount = d("-1") }, finance.TxPayment, "amount"},
		{"missing currency", func(t *finance.Transaction) { t.Currency = "" }, finance.TxPayment, "currency"},
		{"bad currency", func(t *finance.Transaction) { t.Currency = "DOLLARS" }, finance.TxPayment, "currency"},
		{"missing fiscal year", func(t *finance.Transaction) { t.FiscalYearID = "" }, finance.TxPayment, "fiscalYearId"},
		{"encumbrance without order", func(t *finance.Transaction) { t.Encumbrance = nil }, finance.TxEncumbrance, "encumbrance.sourcePurchaseOrderId"},
		{"pending payment without invoice", func(t *finance.Transaction) { t.SourceInvoiceID = "" }, finance.TxPendingPayment, "sourceInvoiceId"},
		{"payment without from fund", func(t *finance.Transaction) { t.FromFundID, t.ToFundID = "", "fund-2" }, finance.TxPayment, "fromFundId"},
		{"credit without to fund", func(t *finance.Transaction) { t.ToFundID, t.FromFundID = "", "fund-2" }, finance.TxCredit, "toFundId"},
		{"zero allocation", func(t *finance.Transaction) { t.Amount = d("0") }, finance.TxAllocation, "amount"},
		{"transfer to itself", func(t *finance.Transaction) { t.FromFundID = t.ToFundID }, finance.TxTransfer, "toFundId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candidate := tx(tt.typ, "10")
			tt.mutate(&candidate)

			err := finance.ValidateTransaction(candidate)
			var verr *finance.ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)

			var fields []string
			for _, p := range verr.Problems {
				fields = append(fields, p.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestValidateTransaction_Valid(t *testing.T) {
	types := []finance.TransactionType{
		finance.TxAllocation, finance.TxTransfer, finance.TxEncumbrance,
		finance.TxPendingPayment, finance.TxPayment, finance.TxCredit,
	}
	for _, typ := range types {
		assert.NoError(t, finance.ValidateTransaction(tx(typ, "10")), typ)
	}
}
