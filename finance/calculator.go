/*
calculator.go - Derived budget totals

PURPOSE:
  Recompute is the only writer of a budget's derived fields. It is pure
  and idempotent: it reads raw accumulators only, so running it twice
  gives the same budget.

IDENTITIES (applied in this order):
  allocated       = initialAllocation + allocationTo - allocationFrom
  totalFunding    = allocated + netTransfers
  unavailable     = encumbered + awaitingPayment + expenditures
  available       = max(0, totalFunding - unavailable)
  overEncumbrance = max(0, encumbered - max(0, totalFunding))
  overExpended    = max(0, expenditures + awaitingPayment - max(0, totalFunding))
  cashBalance     = totalFunding - expenditures

  overExpended counts cash-committed amounts only (awaiting payment and
  expenditures), never encumbrances.
*/
package finance

// Recompute returns b with all derived fields rebuilt from its raw
// accumulators. Callers must have set every raw field, zero included.
func Recompute(b Budget, c Currency) Budget {
	b.Allocated = c.Round(b.InitialAllocation.Add(b.AllocationTo).Sub(b.AllocationFrom))
	b.TotalFunding = Add(c, b.Allocated, b.NetTransfers)
	b.Unavailable = Sum(c, b.Encumbered, b.AwaitingPayment, b.Expenditures)
	b.Available = SubtractNonNegative(c, b.TotalFunding, b.Unavailable)

	funding := NonNegative(b.TotalFunding)
	b.OverEncumbrance = SubtractNonNegative(c, b.Encumbered, funding)
	b.OverExpended = NonNegative(c.Round(b.Expenditures.Add(b.AwaitingPayment).Sub(funding)))
	b.CashBalance = Subtract(c, b.TotalFunding, b.Expenditures)
	return b
}

// RecomputeBudget resolves the budget's own currency first.
func RecomputeBudget(b Budget) (Budget, error) {
	c, err := ParseCurrency(b.Currency)
	if err != nil {
		return b, NewValidationError(Problem{Field: "currency", Message: err.Error()})
	}
	return Recompute(b, c), nil
}
