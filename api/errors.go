package api

import (
	"errors"
	"net/http"

	"github.com/warp/finance-engine/finance"
)

// statusFor maps engine errors to HTTP status codes and a stable code
// string for clients.
//
//	422 validation
//	400 inactive budget, insufficient funds, FK violation, budget in use
//	404 not found
//	409 batch processed, duplicate
//	503 storage unavailable
//	500 anything else
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, finance.ErrValidation):
		return http.StatusUnprocessableEntity, "validationError"
	case errors.Is(err, finance.ErrInsufficientFunds):
		return http.StatusBadRequest, "insufficientFunds"
	case errors.Is(err, finance.ErrBudgetInactive):
		return http.StatusBadRequest, "budgetIsNotActive"
	case errors.Is(err, finance.ErrForeignKeyViolation):
		return http.StatusBadRequest, "foreignKeyViolation"
	case errors.Is(err, finance.ErrBudgetHasTransactions):
		return http.StatusBadRequest, "budgetHasRelatedTransactions"
	case finance.IsNotFound(err):
		return http.StatusNotFound, "notFound"
	case errors.Is(err, finance.ErrBatchAlreadyProcessed):
		return http.StatusConflict, "allExpectedTransactionsAlreadyProcessed"
	case finance.IsConflict(err):
		return http.StatusConflict, "conflict"
	case finance.IsRetryable(err):
		return http.StatusServiceUnavailable, "storageUnavailable"
	}
	return http.StatusInternalServerError, "internalError"
}

var statusMessages = map[int]string{
	http.StatusUnprocessableEntity: "Validation failed",
	http.StatusBadRequest:          "Request rejected",
	http.StatusNotFound:            "Not found",
	http.StatusConflict:            "Conflict",
	http.StatusServiceUnavailable:  "Storage unavailable, retry later",
	http.StatusInternalServerError: "Internal error",
}

// writeEngineError writes err with the status the engine error implies.
func writeEngineError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: statusMessages[status], Code: code, Details: err.Error()}

	var verr *finance.ValidationError
	if errors.As(err, &verr) {
		resp.Problems = verr.Problems
	}
	writeJSON(w, status, resp)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message, Code: "badRequest"}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
