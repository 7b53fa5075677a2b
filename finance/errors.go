/*
errors.go - Centralized error types for the finance engine

PURPOSE:
  All error types in one place. Computation code returns these as typed
  values; the applier turns any of them into a rollback of the whole
  storage transaction.

ERROR CATEGORIES:
  1. Client errors - ValidationError, BudgetInactiveError,
     InsufficientFundsError, BudgetHasTransactionsError,
     ForeignKeyViolationError
  2. Conflicts     - BatchAlreadyProcessedError, ErrSummaryExists,
     ErrTransactionExists, ErrAlreadyVoided
  3. Not found     - ErrBudgetNotFound, ErrSummaryNotFound, ...
  4. Storage       - StorageError (safe to retry the whole batch)

USAGE:
    var insufficient *finance.InsufficientFundsError
    if errors.As(err, &insufficient) {
        log.Printf("remaining %s < requested %s", insufficient.Remaining, insufficient.Requested)
    }

SEE ALSO:
  - api/handlers.go: maps categories to HTTP status codes
  - store/sqldb/errors.go: maps driver errors into these types
*/
package finance

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation            = errors.New("validation failed")
	ErrBudgetInactive        = errors.New("budget is not active")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrBatchAlreadyProcessed = errors.New("all expected transactions already processed")
	ErrBudgetHasTransactions = errors.New("budget has related transactions")
	ErrForeignKeyViolation   = errors.New("foreign key violation")
	ErrStorage               = errors.New("storage unavailable")

	ErrBudgetNotFound      = errors.New("budget not found")
	ErrSummaryNotFound     = errors.New("batch summary not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrLedgerNotFound      = errors.New("ledger not found")
	ErrFundNotFound        = errors.New("fund not found")

	ErrSummaryExists     = errors.New("batch summary already exists")
	ErrTransactionExists = errors.New("transaction already exists")
	ErrBudgetExists      = errors.New("budget already exists")
	ErrAlreadyVoided     = errors.New("transaction already voided")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Problem is one field-level validation failure.
type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every problem found in a request. Nothing is retried.
type ValidationError struct {
	Problems []Problem
}

func NewValidationError(problems ...Problem) *ValidationError {
	return &ValidationError{Problems: problems}
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		if p.Field == "" {
			msgs = append(msgs, p.Message)
			continue
		}
		msgs = append(msgs, p.Field+": "+p.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type BudgetInactiveError struct {
	BudgetID BudgetID
	FundID   FundID
	Status   BudgetStatus
}

func (e *BudgetInactiveError) Error() string {
	return fmt.Sprintf("budget %s for fund %s is %s", e.BudgetID, e.FundID, e.Status)
}

func (e *BudgetInactiveError) Unwrap() error { return ErrBudgetInactive }

// InsufficientFundsError reports the computed remaining amount next to the
// amount the transaction asked for.
type InsufficientFundsError struct {
	BudgetID        BudgetID
	FundID          FundID
	TransactionType TransactionType
	Remaining       decimal.Decimal
	Requested       decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in budget %s for %s: remaining %s, requested %s",
		e.BudgetID, e.TransactionType, e.Remaining, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

type BatchAlreadyProcessedError struct {
	Key BatchKey
}

func (e *BatchAlreadyProcessedError) Error() string {
	return fmt.Sprintf("batch %s: all expected transactions already processed", e.Key)
}

func (e *BatchAlreadyProcessedError) Unwrap() error { return ErrBatchAlreadyProcessed }

type BudgetHasTransactionsError struct {
	BudgetID BudgetID
}

func (e *BudgetHasTransactionsError) Error() string {
	return fmt.Sprintf("budget %s has related transactions and cannot be deleted", e.BudgetID)
}

func (e *BudgetHasTransactionsError) Unwrap() error { return ErrBudgetHasTransactions }

// ForeignKeyViolationError carries the constraint that failed plus a
// narrative describing which reference was broken.
type ForeignKeyViolationError struct {
	Constraint string
	Detail     string
	Err        error
}

func (e *ForeignKeyViolationError) Error() string {
	if e.Constraint == "" {
		return "foreign key violation: " + e.Detail
	}
	return fmt.Sprintf("foreign key violation (%s): %s", e.Constraint, e.Detail)
}

func (e *ForeignKeyViolationError) Unwrap() []error {
	return withCause(ErrForeignKeyViolation, e.Err)
}

// StorageError wraps connectivity and timeout failures. The batch never
// partially applied, so the caller may resubmit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return withCause(ErrStorage, e.Err)
}

func withCause(sentinel, cause error) []error {
	if cause == nil {
		return []error{sentinel}
	}
	return []error{sentinel, cause}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if resubmitting the same request may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrBudgetInactive) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrBudgetHasTransactions) ||
		errors.Is(err, ErrForeignKeyViolation)
}

// IsConflict returns true if the request collides with existing state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrBatchAlreadyProcessed) ||
		errors.Is(err, ErrSummaryExists) ||
		errors.Is(err, ErrTransactionExists) ||
		errors.Is(err, ErrBudgetExists) ||
		errors.Is(err, ErrAlreadyVoided)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBudgetNotFound) ||
		errors.Is(err, ErrSummaryNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrLedgerNotFound) ||
		errors.Is(err, ErrFundNotFound)
}
