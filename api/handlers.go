/*
handlers.go - HTTP API handlers for the finance engine

PURPOSE:
  Exposes the finance engine via REST API. Handles HTTP request/response
  and JSON serialization, and delegates everything else to finance.Engine.

ENDPOINTS:
  Transactions:
    POST   /api/transactions/batch        Apply a batch atomically
    POST   /api/transactions/{id}/cancel  Void a transaction
    GET    /api/transactions              List (fundId, fiscalYearId, transactionType)

  Summaries:
    POST   /api/summaries                 Register an expected batch
    GET    /api/summaries/{stage}/{id}    Gate state

  Budgets:
    POST   /api/budgets                   Create
    GET    /api/budgets?fundId&fiscalYearId
    GET    /api/budgets/{id}
    DELETE /api/budgets/{id}
    GET    /api/budgets/{id}/expense-classes

  Reference data:
    POST   /api/ledgers
    POST   /api/funds
    POST   /api/group-fund-fiscal-years

REQUEST FLOW:
  1. Decode the body (400 on malformed JSON)
  2. Call the engine with the tenant from the request context
  3. Map the engine error, if any, to a status (errors.go)
  4. Serialize the response

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Status mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/finance-engine/finance"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *finance.Engine
	Logger *zap.Logger
}

// NewHandler creates a new handler around engine.
func NewHandler(engine *finance.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Engine: engine, Logger: logger}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// ApplyBatch applies every transaction in the body, or none of them.
func (h *Handler) ApplyBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := h.Engine.ApplyTransactions(r.Context(), tenantFrom(r.Context()), req.Transactions)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, ApplyResponse{
		Transactions: result.Transactions,
		Budgets:      result.Budgets,
		Batch:        result.Batch,
		BatchClosed:  result.BatchClosed,
	})
}

// CancelTransaction voids a pending payment, payment or credit.
func (h *Handler) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	id := finance.TransactionID(chi.URLParam(r, "id"))

	tx, err := h.Engine.CancelTransaction(r.Context(), tenantFrom(r.Context()), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := finance.TransactionFilter{
		FundID:       finance.FundID(q.Get("fundId")),
		FiscalYearID: finance.FiscalYearID(q.Get("fiscalYearId")),
		Type:         finance.TransactionType(q.Get("transactionType")),
	}
	if filter.Type != "" && !filter.Type.Valid() {
		writeEngineError(w, finance.NewValidationError(finance.Problem{
			Field:   "transactionType",
			Message: "unknown transaction type " + string(filter.Type),
		}))
		return
	}

	txs, err := h.Engine.ListTransactions(r.Context(), tenantFrom(r.Context()), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if txs == nil {
		txs = []finance.Transaction{}
	}
	writeJSON(w, http.StatusOK, TransactionCollection{Transactions: txs, TotalRecords: len(txs)})
}

// =============================================================================
// SUMMARY HANDLERS
// =============================================================================

func (h *Handler) CreateSummary(w http.ResponseWriter, r *http.Request) {
	var req SummaryRequest
	if !decode(w, r, &req) {
		return
	}

	summary, err := h.Engine.CreateBatchSummary(r.Context(), tenantFrom(r.Context()), finance.BatchSummary{
		ID:            req.ID,
		Stage:         req.Stage,
		ExpectedCount: req.ExpectedCount,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	key := finance.BatchKey{
		Stage: finance.BatchStage(chi.URLParam(r, "stage")),
		ID:    chi.URLParam(r, "id"),
	}
	if !key.Stage.Valid() {
		writeEngineError(w, finance.NewValidationError(finance.Problem{
			Field:   "stage",
			Message: "unknown stage " + string(key.Stage),
		}))
		return
	}

	summary, err := h.Engine.GetBatchSummary(r.Context(), tenantFrom(r.Context()), key)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// =============================================================================
// BUDGET HANDLERS
// =============================================================================

func (h *Handler) CreateBudget(w http.ResponseWriter, r *http.Request) {
	var req BudgetRequest
	if !decode(w, r, &req) {
		return
	}

	budget, err := h.Engine.CreateBudget(r.Context(), tenantFrom(r.Context()), req.toBudget())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, budget)
}

// FindBudget looks a budget up by fund and fiscal year.
func (h *Handler) FindBudget(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fund, fy := q.Get("fundId"), q.Get("fiscalYearId")

	var problems []finance.Problem
	if fund == "" {
		problems = append(problems, finance.Problem{Field: "fundId", Message: "is required"})
	}
	if fy == "" {
		problems = append(problems, finance.Problem{Field: "fiscalYearId", Message: "is required"})
	}
	if len(problems) > 0 {
		writeEngineError(w, finance.NewValidationError(problems...))
		return
	}

	budget, err := h.Engine.GetBudget(r.Context(), tenantFrom(r.Context()), finance.FundID(fund), finance.FiscalYearID(fy))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, budget)
}

func (h *Handler) GetBudget(w http.ResponseWriter, r *http.Request) {
	id := finance.BudgetID(chi.URLParam(r, "id"))

	budget, err := h.Engine.GetBudgetByID(r.Context(), tenantFrom(r.Context()), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, budget)
}

func (h *Handler) DeleteBudget(w http.ResponseWriter, r *http.Request) {
	id := finance.BudgetID(chi.URLParam(r, "id"))

	if err := h.Engine.DeleteBudget(r.Context(), tenantFrom(r.Context()), id); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetExpenseClassTotals(w http.ResponseWriter, r *http.Request) {
	id := finance.BudgetID(chi.URLParam(r, "id"))

	totals, err := h.Engine.GetExpenseClassTotals(r.Context(), tenantFrom(r.Context()), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExpenseClassTotalsResponse{ExpenseClassTotals: totals, TotalRecords: len(totals)})
}

// =============================================================================
// REFERENCE DATA HANDLERS
// =============================================================================

func (h *Handler) CreateLedger(w http.ResponseWriter, r *http.Request) {
	var req finance.Ledger
	if !decode(w, r, &req) {
		return
	}

	ledger, err := h.Engine.CreateLedger(r.Context(), tenantFrom(r.Context()), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ledger)
}

func (h *Handler) CreateFund(w http.ResponseWriter, r *http.Request) {
	var req finance.Fund
	if !decode(w, r, &req) {
		return
	}

	fund, err := h.Engine.CreateFund(r.Context(), tenantFrom(r.Context()), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, fund)
}

func (h *Handler) LinkGroupFundFiscalYear(w http.ResponseWriter, r *http.Request) {
	var req finance.GroupFundFiscalYear
	if !decode(w, r, &req) {
		return
	}

	link, err := h.Engine.LinkGroupFundFiscalYear(r.Context(), tenantFrom(r.Context()), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, link)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decode reads the JSON body into v, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}
