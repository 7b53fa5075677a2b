/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain types that
  already carry the wire names (finance.Transaction, finance.Budget,
  finance.BatchSummary) are embedded or returned as they are; the types
  here add envelopes and request-only shapes.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Response wrappers
  - *DTO: Response rows

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data
  carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - finance/types.go: Domain types and their JSON names
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/warp/finance-engine/finance"
)

// =============================================================================
// TRANSACTIONS
// =============================================================================

// BatchRequest carries every transaction of one apply call.
type BatchRequest struct {
	Transactions []finance.Transaction `json:"transactions"`
}

// ApplyResponse is returned by POST /api/transactions/batch.
type ApplyResponse struct {
	Transactions []finance.Transaction `json:"transactions"`
	Budgets      []finance.Budget      `json:"budgets"`
	Batch        *finance.BatchKey     `json:"batch,omitempty"`
	BatchClosed  bool                  `json:"batchClosed"`
}

type TransactionCollection struct {
	Transactions []finance.Transaction `json:"transactions"`
	TotalRecords int                   `json:"totalRecords"`
}

// =============================================================================
// SUMMARIES
// =============================================================================

// SummaryRequest registers a batch. State and timestamps are server-owned.
type SummaryRequest struct {
	ID            string             `json:"id"`
	Stage         finance.BatchStage `json:"stage"`
	ExpectedCount int                `json:"expectedCount"`
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

// BudgetRequest omits the accumulators: a new budget only receives its
// initial allocation; everything else moves through transactions.
type BudgetRequest struct {
	ID                   finance.BudgetID     `json:"id,omitempty"`
	Name                 string               `json:"name"`
	FundID               finance.FundID       `json:"fundId"`
	FiscalYearID         finance.FiscalYearID `json:"fiscalYearId"`
	Currency             string               `json:"currency"`
	Status               finance.BudgetStatus `json:"budgetStatus,omitempty"`
	InitialAllocation    decimal.Decimal      `json:"initialAllocation"`
	AllowableEncumbrance *decimal.Decimal     `json:"allowableEncumbrance,omitempty"`
	AllowableExpenditure *decimal.Decimal     `json:"allowableExpenditure,omitempty"`
}

func (r BudgetRequest) toBudget() finance.Budget {
	return finance.Budget{
		ID:                   r.ID,
		Name:                 r.Name,
		FundID:               r.FundID,
		FiscalYearID:         r.FiscalYearID,
		Currency:             r.Currency,
		Status:               r.Status,
		InitialAllocation:    r.InitialAllocation,
		AllowableEncumbrance: r.AllowableEncumbrance,
		AllowableExpenditure: r.AllowableExpenditure,
	}
}

type ExpenseClassTotalsResponse struct {
	ExpenseClassTotals []finance.ExpenseClassTotal `json:"expenseClassTotals"`
	TotalRecords       int                         `json:"totalRecords"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error    string            `json:"error"`
	Code     string            `json:"code"`
	Details  string            `json:"details,omitempty"`
	Problems []finance.Problem `json:"problems,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
