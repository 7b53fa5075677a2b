package finance

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// ExpenseClassTotal is a reporting row; it never feeds back into budgets.
// Percentages are nil when the corresponding grand total is zero.
type ExpenseClassTotal struct {
	ExpenseClassID     ExpenseClassID   `json:"expenseClassId"`
	Encumbered         decimal.Decimal  `json:"encumbered"`
	AwaitingPayment    decimal.Decimal  `json:"awaitingPayment"`
	Expended           decimal.Decimal  `json:"expended"`
	Credited           decimal.Decimal  `json:"credited"`
	PercentageExpended *decimal.Decimal `json:"percentageExpended,omitempty"`
	PercentageCredited *decimal.Decimal `json:"percentageCredited,omitempty"`
}

// GetExpenseClassTotals aggregates a budget's committed transactions by
// expense class. Transactions without a class are skipped.
func (e *Engine) GetExpenseClassTotals(ctx context.Context, tenant TenantID, budgetID BudgetID) ([]ExpenseClassTotal, error) {
	store, err := e.stores.ForTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	b, err := store.GetBudget(ctx, budgetID)
	if err != nil {
		return nil, err
	}
	txs, err := store.ListTransactions(ctx, TransactionFilter{FundID: b.FundID, FiscalYearID: b.FiscalYearID})
	if err != nil {
		return nil, err
	}
	c, err := ParseCurrency(b.Currency)
	if err != nil {
		return nil, NewValidationError(Problem{Field: "currency", Message: err.Error()})
	}
	return ExpenseClassTotals(c, b.FundID, txs), nil
}

// ExpenseClassTotals is the pure aggregation behind GetExpenseClassTotals.
// Encumbered is the outstanding amount: encumbrances minus what pending
// payments released from them.
func ExpenseClassTotals(c Currency, fund FundID, txs []Transaction) []ExpenseClassTotal {
	byClass := make(map[ExpenseClassID]*ExpenseClassTotal)
	var totalExpended, totalCredited decimal.Decimal

	encClass := make(map[TransactionID]ExpenseClassID)
	for _, tx := range txs {
		if tx.Type == TxEncumbrance && tx.ExpenseClassID != "" {
			encClass[tx.ID] = tx.ExpenseClassID
		}
	}

	for _, tx := range txs {
		if tx.Voided() || tx.BudgetFund() != fund {
			continue
		}
		// Released amounts leave the encumbrance's class, whatever class
		// the pending payment itself carries.
		if tx.Type == TxPendingPayment && tx.AwaitingPayment != nil {
			if class, ok := encClass[tx.AwaitingPayment.EncumbranceID]; ok {
				if t, ok := byClass[class]; ok {
					t.Encumbered = t.Encumbered.Sub(tx.AwaitingPayment.ReleasedAmount)
				} else {
					byClass[class] = &ExpenseClassTotal{ExpenseClassID: class, Encumbered: tx.AwaitingPayment.ReleasedAmount.Neg()}
				}
			}
		}
		if tx.ExpenseClassID == "" {
			continue
		}
		t, ok := byClass[tx.ExpenseClassID]
		if !ok {
			t = &ExpenseClassTotal{ExpenseClassID: tx.ExpenseClassID}
			byClass[tx.ExpenseClassID] = t
		}
		switch tx.Type {
		case TxEncumbrance:
			t.Encumbered = t.Encumbered.Add(tx.Amount)
		case TxPendingPayment:
			t.AwaitingPayment = t.AwaitingPayment.Add(tx.Amount)
		case TxPayment:
			t.Expended = t.Expended.Add(tx.Amount)
			totalExpended = totalExpended.Add(tx.Amount)
		case TxCredit:
			t.Credited = t.Credited.Add(tx.Amount)
			totalCredited = totalCredited.Add(tx.Amount)
		}
	}

	out := make([]ExpenseClassTotal, 0, len(byClass))
	for _, t := range byClass {
		t.Encumbered = NonNegative(c.Round(t.Encumbered))
		t.AwaitingPayment = c.Round(t.AwaitingPayment)
		t.Expended = c.Round(t.Expended)
		t.Credited = c.Round(t.Credited)
		t.PercentageExpended = ExpendedPercentage(t.Expended, totalExpended)
		t.PercentageCredited = ExpendedPercentage(t.Credited, totalCredited)
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpenseClassID < out[j].ExpenseClassID })
	return out
}
