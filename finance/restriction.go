/*
restriction.go - Per-type overspend policies

PURPOSE:
  Decides whether a proposed transaction may commit against a budget.
  Each transaction type has one entry in the rules table: a validator for
  its required fields, and (for the expense side) a remaining-amount
  formula plus the ledger flag that switches it on.

REMAINING AMOUNT (total = allocated + netTransfers):
  Encumbrance:    total*allowableEncumbrance% - (encumbered + awaitingPayment + expenditures)
  PendingPayment: total*allowableExpenditure% - (encumbered + expenditures + awaitingPayment - relatedEncumbered)
  Payment/Credit: total*allowableExpenditure% - (allocated - (unavailable + available))
                  - (expenditures + encumbered + awaitingPayment - relatedAwaitingPayment)

RESTRICTED:
  Only when the ledger flag is set AND the budget defines a percentage.
  A budget without a percentage is never restricted.

EXEMPTIONS:
  Credits and non-positive amounts never fail for insufficient funds.
  Allocations and transfers have no overspend policy. Every type still
  requires an Active budget.

SEE ALSO:
  - applier.go: resolves the related transaction and calls Verify
*/
package finance

import (
	"github.com/shopspring/decimal"
)

// Related is the transaction a pending payment releases (an encumbrance) or
// a payment converts (a pending payment). Amount is the part of it still
// counted in the budget.
type Related struct {
	Transaction Transaction
	Amount      decimal.Decimal
}

func relatedAmount(r *Related) decimal.Decimal {
	if r == nil {
		return decimal.Zero
	}
	return r.Amount
}

// =============================================================================
// RULES TABLE
// =============================================================================

type typeRules struct {
	validate   func(tx Transaction) []Problem
	remaining  func(b Budget, c Currency, related *Related) decimal.Decimal
	restricted func(l Ledger, b Budget) bool
}

var rules = map[TransactionType]typeRules{
	TxAllocation: {validate: validateAllocation},
	TxTransfer:   {validate: validateTransfer},
	TxEncumbrance: {
		validate:   validateEncumbrance,
		remaining:  encumbranceRemaining,
		restricted: encumbranceRestricted,
	},
	TxPendingPayment: {
		validate:   validatePendingPayment,
		remaining:  pendingPaymentRemaining,
		restricted: expenditureRestricted,
	},
	TxPayment: {
		validate:   validatePaymentCredit,
		remaining:  paymentCreditRemaining,
		restricted: expenditureRestricted,
	},
	TxCredit: {
		validate:   validatePaymentCredit,
		remaining:  paymentCreditRemaining,
		restricted: expenditureRestricted,
	},
}

func totalFunding(b Budget) decimal.Decimal {
	return b.Allocated.Add(b.NetTransfers)
}

func ceiling(b Budget, pct *decimal.Decimal) decimal.Decimal {
	if pct == nil {
		return decimal.Zero
	}
	return totalFunding(b).Mul(*pct).Div(hundred)
}

func encumbranceRemaining(b Budget, c Currency, _ *Related) decimal.Decimal {
	used := b.Encumbered.Add(b.AwaitingPayment).Add(b.Expenditures)
	return c.Round(ceiling(b, b.AllowableEncumbrance).Sub(used))
}

func pendingPaymentRemaining(b Budget, c Currency, related *Related) decimal.Decimal {
	used := b.Encumbered.Add(b.Expenditures).Add(b.AwaitingPayment).Sub(relatedAmount(related))
	return c.Round(ceiling(b, b.AllowableExpenditure).Sub(used))
}

func paymentCreditRemaining(b Budget, c Currency, related *Related) decimal.Decimal {
	drift := b.Allocated.Sub(b.Unavailable.Add(b.Available))
	used := b.Expenditures.Add(b.Encumbered).Add(b.AwaitingPayment).Sub(relatedAmount(related))
	return c.Round(ceiling(b, b.AllowableExpenditure).Sub(drift).Sub(used))
}

func encumbranceRestricted(l Ledger, b Budget) bool {
	return l.RestrictEncumbrance && b.AllowableEncumbrance != nil
}

func expenditureRestricted(l Ledger, b Budget) bool {
	return l.RestrictExpenditures && b.AllowableExpenditure != nil
}

// =============================================================================
// PUBLIC API
// =============================================================================

// RemainingAmount returns the spendable amount for a transaction of type t.
// ok is false for types without an overspend policy.
func RemainingAmount(t TransactionType, b Budget, c Currency, related *Related) (remaining decimal.Decimal, ok bool) {
	r, found := rules[t]
	if !found || r.remaining == nil {
		return decimal.Zero, false
	}
	return r.remaining(b, c, related), true
}

// IsRestricted reports whether the ledger and budget enable the overspend
// check for transactions of type t.
func IsRestricted(t TransactionType, l Ledger, b Budget) bool {
	r, found := rules[t]
	if !found || r.restricted == nil {
		return false
	}
	return r.restricted(l, b)
}

// ValidateTransaction checks common and type-specific required fields.
func ValidateTransaction(tx Transaction) error {
	problems := validateCommon(tx)
	if r, ok := rules[tx.Type]; ok {
		problems = append(problems, r.validate(tx)...)
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Verify decides whether tx may be applied to b.
func Verify(tx Transaction, b Budget, l Ledger, related *Related) error {
	if b.Status != BudgetActive {
		return &BudgetInactiveError{BudgetID: b.ID, FundID: b.FundID, Status: b.Status}
	}
	if tx.Type == TxCredit || !tx.Amount.IsPositive() {
		return nil
	}
	if !IsRestricted(tx.Type, l, b) {
		return nil
	}
	c, err := ParseCurrency(b.Currency)
	if err != nil {
		return NewValidationError(Problem{Field: "currency", Message: err.Error()})
	}
	remaining, _ := RemainingAmount(tx.Type, b, c, related)
	if remaining.LessThan(tx.Amount) {
		return &InsufficientFundsError{
			BudgetID:        b.ID,
			FundID:          b.FundID,
			TransactionType: tx.Type,
			Remaining:       remaining,
			Requested:       tx.Amount,
		}
	}
	return nil
}

// =============================================================================
// VALIDATORS
// =============================================================================

func required(field string) Problem {
	return Problem{Field: field, Message: "is required"}
}

func validateCommon(tx Transaction) []Problem {
	var problems []Problem
	if !tx.Type.Valid() {
		problems = append(problems, Problem{Field: "transactionType", Message: "unknown type " + string(tx.Type)})
	}
	if tx.Amount.IsNegative() {
		problems = append(problems, Problem{Field: "amount", Message: "must not be negative"})
	}
	if tx.Currency == "" {
		problems = append(problems, required("currency"))
	} else if _, err := ParseCurrency(tx.Currency); err != nil {
		problems = append(problems, Problem{Field: "currency", Message: err.Error()})
	}
	if tx.FiscalYearID == "" {
		problems = append(problems, required("fiscalYearId"))
	}
	if tx.FromFundID == "" && tx.ToFundID == "" {
		problems = append(problems, Problem{Field: "fundId", Message: "fromFundId or toFundId is required"})
	}
	return problems
}

func validateAllocation(tx Transaction) []Problem {
	var problems []Problem
	if !tx.Amount.IsPositive() {
		problems = append(problems, Problem{Field: "amount", Message: "allocation must be positive"})
	}
	return append(problems, distinctFunds(tx)...)
}

func validateTransfer(tx Transaction) []Problem {
	var problems []Problem
	if tx.ToFundID == "" {
		problems = append(problems, required("toFundId"))
	}
	return append(problems, distinctFunds(tx)...)
}

func distinctFunds(tx Transaction) []Problem {
	if tx.FromFundID != "" && tx.FromFundID == tx.ToFundID {
		return []Problem{{Field: "toFundId", Message: "must differ from fromFundId"}}
	}
	return nil
}

func validateEncumbrance(tx Transaction) []Problem {
	var problems []Problem
	if tx.FromFundID == "" {
		problems = append(problems, required("fromFundId"))
	}
	if tx.Encumbrance == nil || tx.Encumbrance.SourcePurchaseOrderID == "" {
		problems = append(problems, required("encumbrance.sourcePurchaseOrderId"))
	}
	return problems
}

func validatePendingPayment(tx Transaction) []Problem {
	var problems []Problem
	if tx.FromFundID == "" {
		problems = append(problems, required("fromFundId"))
	}
	if tx.SourceInvoiceID == "" {
		problems = append(problems, required("sourceInvoiceId"))
	}
	return problems
}

// Payments leave the from-fund, credits return to the to-fund.
func validatePaymentCredit(tx Transaction) []Problem {
	var problems []Problem
	if tx.Type == TxPayment && tx.FromFundID == "" {
		problems = append(problems, required("fromFundId"))
	}
	if tx.Type == TxCredit && tx.ToFundID == "" {
		problems = append(problems, required("toFundId"))
	}
	if tx.SourceInvoiceID == "" {
		problems = append(problems, required("sourceInvoiceId"))
	}
	return problems
}
