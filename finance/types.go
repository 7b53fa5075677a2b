/*
Package finance provides the budget consistency and transaction restriction engine.

PURPOSE:
  Keeps per-fund, per-fiscal-year budgets consistent while allocations,
  transfers, encumbrances, pending payments, payments and credits are
  applied. Every apply runs inside one storage transaction with the
  touched budgets locked, so a batch is either fully visible or not at all.

KEY CONCEPTS IN THIS FILE (types.go):
  - Budget: raw accumulators plus derived totals for one fund and fiscal year
  - Transaction: an immutable money movement (only VoidedAmount may change)
  - Ledger / Fund: restriction toggles, resolved through fund -> ledger
  - BatchSummary: expected-vs-received gate for a purchase order or invoice
  - IDs: type-safe identifiers so a FundID never lands where a BudgetID belongs

OWNERSHIP:
  Raw accumulators are written only by the applier (applier.go, cancel.go).
  Derived fields are written only by Recompute (calculator.go).

SEE ALSO:
  - money.go: currency-scoped arithmetic
  - calculator.go: derived fields
  - restriction.go: overspend policies
  - batch.go: batch completion gate
  - applier.go: orchestration
*/
package finance

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	TenantID        string
	BudgetID        string
	FundID          string
	FiscalYearID    string
	LedgerID        string
	TransactionID   string
	ExpenseClassID  string
	GroupID         string
	GroupFundFYID   string
	PurchaseOrderID string
	InvoiceID       string
)

// =============================================================================
// TRANSACTION TYPES
// =============================================================================

// TransactionType values match the names used by the upstream finance API.
type TransactionType string

const (
	TxAllocation     TransactionType = "Allocation"
	TxTransfer       TransactionType = "Transfer"
	TxEncumbrance    TransactionType = "Encumbrance"
	TxPendingPayment TransactionType = "Pending payment"
	TxPayment        TransactionType = "Payment"
	TxCredit         TransactionType = "Credit"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TxAllocation, TxTransfer, TxEncumbrance, TxPendingPayment, TxPayment, TxCredit:
		return true
	}
	return false
}

// EncumbranceStatus tracks the lifecycle of an encumbrance.
type EncumbranceStatus string

const (
	EncumbranceUnreleased EncumbranceStatus = "Unreleased"
	EncumbranceReleased   EncumbranceStatus = "Released"
)

// EncumbranceDetails is present on Encumbrance transactions only.
type EncumbranceDetails struct {
	SourcePurchaseOrderID   PurchaseOrderID   `json:"sourcePurchaseOrderId"`
	InitialAmountEncumbered decimal.Decimal   `json:"initialAmountEncumbered"`
	Status                  EncumbranceStatus `json:"status"`
}

// AwaitingPaymentDetails is present on pending payments. ReleasedAmount is
// filled in by the applier with the amount actually released from the
// linked encumbrance.
type AwaitingPaymentDetails struct {
	EncumbranceID      TransactionID   `json:"encumbranceId,omitempty"`
	ReleaseEncumbrance bool            `json:"releaseEncumbrance"`
	ReleasedAmount     decimal.Decimal `json:"releasedAmount"`
}

// PaymentDetails is filled in by the applier on a payment that converts a
// pending payment. ConvertedAmount is what it took off awaiting payment.
type PaymentDetails struct {
	PendingPaymentID TransactionID   `json:"pendingPaymentId"`
	ConvertedAmount  decimal.Decimal `json:"convertedAmount"`
}

// =============================================================================
// TRANSACTION
// =============================================================================

// Transaction is an immutable ledger entry. Corrections go through
// CancelTransaction, which only sets VoidedAmount.
type Transaction struct {
	ID                  TransactionID           `json:"id"`
	Type                TransactionType         `json:"transactionType"`
	Amount              decimal.Decimal         `json:"amount"`
	Currency            string                  `json:"currency"`
	FiscalYearID        FiscalYearID            `json:"fiscalYearId"`
	FromFundID          FundID                  `json:"fromFundId,omitempty"`
	ToFundID            FundID                  `json:"toFundId,omitempty"`
	SourceInvoiceID     InvoiceID               `json:"sourceInvoiceId,omitempty"`
	SourceInvoiceLineID string                  `json:"sourceInvoiceLineId,omitempty"`
	ExpenseClassID      ExpenseClassID          `json:"expenseClassId,omitempty"`
	Encumbrance         *EncumbranceDetails     `json:"encumbrance,omitempty"`
	AwaitingPayment     *AwaitingPaymentDetails `json:"awaitingPayment,omitempty"`
	Payment             *PaymentDetails         `json:"payment,omitempty"`
	VoidedAmount        *decimal.Decimal        `json:"voidedAmount,omitempty"`
	Description         string                  `json:"description,omitempty"`
	CreatedAt           time.Time               `json:"createdAt"`
}

// Voided reports whether the transaction has been cancelled.
func (t Transaction) Voided() bool {
	return t.VoidedAmount != nil
}

// BatchKey returns the summary this transaction belongs to. Allocations and
// transfers are not gated and report ok=false.
func (t Transaction) BatchKey() (BatchKey, bool) {
	switch t.Type {
	case TxEncumbrance:
		if t.Encumbrance == nil {
			return BatchKey{}, false
		}
		return BatchKey{Stage: StageOrder, ID: string(t.Encumbrance.SourcePurchaseOrderID)}, true
	case TxPendingPayment:
		return BatchKey{Stage: StagePendingPayments, ID: string(t.SourceInvoiceID)}, true
	case TxPayment, TxCredit:
		return BatchKey{Stage: StagePaymentsCredits, ID: string(t.SourceInvoiceID)}, true
	}
	return BatchKey{}, false
}

// BudgetFund returns the fund whose budget the transaction draws on.
// Credits flow into the budget, everything else on the expense side flows out.
func (t Transaction) BudgetFund() FundID {
	if t.Type == TxCredit {
		return t.ToFundID
	}
	return t.FromFundID
}

// TransactionFilter narrows ListTransactions. Zero fields are ignored.
type TransactionFilter struct {
	FundID       FundID
	FiscalYearID FiscalYearID
	Type         TransactionType
	BatchKey     *BatchKey
}

// RelatedQuery locates the pending payment a payment or credit converts.
type RelatedQuery struct {
	FundID        FundID
	FiscalYearID  FiscalYearID
	InvoiceID     InvoiceID
	InvoiceLineID string
	Type          TransactionType
}

// =============================================================================
// BUDGET
// =============================================================================

type BudgetStatus string

const (
	BudgetActive   BudgetStatus = "Active"
	BudgetInactive BudgetStatus = "Inactive"
	BudgetFrozen   BudgetStatus = "Frozen"
	BudgetClosed   BudgetStatus = "Closed"
)

// Budget is one row per (fund, fiscal year).
type Budget struct {
	ID           BudgetID     `json:"id"`
	Name         string       `json:"name"`
	FundID       FundID       `json:"fundId"`
	FiscalYearID FiscalYearID `json:"fiscalYearId"`
	Currency     string       `json:"currency"`
	Status       BudgetStatus `json:"budgetStatus"`

	// Raw accumulators.
	InitialAllocation decimal.Decimal `json:"initialAllocation"`
	AllocationFrom    decimal.Decimal `json:"allocationFrom"`
	AllocationTo      decimal.Decimal `json:"allocationTo"`
	NetTransfers      decimal.Decimal `json:"netTransfers"`
	Encumbered        decimal.Decimal `json:"encumbered"`
	AwaitingPayment   decimal.Decimal `json:"awaitingPayment"`
	Expenditures      decimal.Decimal `json:"expenditures"`

	// Derived, see Recompute.
	Allocated       decimal.Decimal `json:"allocated"`
	TotalFunding    decimal.Decimal `json:"totalFunding"`
	Unavailable     decimal.Decimal `json:"unavailable"`
	Available       decimal.Decimal `json:"available"`
	CashBalance     decimal.Decimal `json:"cashBalance"`
	OverEncumbrance decimal.Decimal `json:"overEncumbrance"`
	OverExpended    decimal.Decimal `json:"overExpended"`

	// Percentages; nil means the budget is never restricted.
	AllowableEncumbrance *decimal.Decimal `json:"allowableEncumbrance,omitempty"`
	AllowableExpenditure *decimal.Decimal `json:"allowableExpenditure,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// =============================================================================
// LEDGER / FUND / GROUPS
// =============================================================================

type Ledger struct {
	ID                   LedgerID `json:"id"`
	Name                 string   `json:"name"`
	RestrictEncumbrance  bool     `json:"restrictEncumbrance"`
	RestrictExpenditures bool     `json:"restrictExpenditures"`
}

type Fund struct {
	ID       FundID   `json:"id"`
	Code     string   `json:"code"`
	LedgerID LedgerID `json:"ledgerId"`
}

// GroupFundFiscalYear links a fund to a reporting group. BudgetID is cleared
// when the budget is deleted.
type GroupFundFiscalYear struct {
	ID           GroupFundFYID `json:"id"`
	GroupID      GroupID       `json:"groupId"`
	FundID       FundID        `json:"fundId"`
	FiscalYearID FiscalYearID  `json:"fiscalYearId"`
	BudgetID     *BudgetID     `json:"budgetId,omitempty"`
}
