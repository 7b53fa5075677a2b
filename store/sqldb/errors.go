package sqldb

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/finance-engine/finance"
)

// Kind is the driver-independent category of a database error.
type Kind int

const (
	KindOther Kind = iota
	KindUnique
	KindForeignKey
	KindConnectivity
)

// duplicates maps an insert operation to the error a unique violation means.
var duplicates = map[string]error{
	"insert budget":                 finance.ErrBudgetExists,
	"insert summary":                finance.ErrSummaryExists,
	"insert transaction":            finance.ErrTransactionExists,
	"insert ledger":                 finance.ErrValidation,
	"insert fund":                   finance.ErrValidation,
	"insert group fund fiscal year": finance.ErrValidation,
}

// foreignKeys names the constraint an operation can violate, for drivers
// that do not report it (SQLite).
var foreignKeys = map[string]string{
	"insert budget":                 "budgets_fund_id_fkey",
	"insert fund":                   "funds_ledger_id_fkey",
	"insert group fund fiscal year": "group_fund_fiscal_years_fund_id_fkey",
	"delete budget":                 "group_fund_fiscal_years_budget_id_fkey",
}

// mapError converts a driver error into the finance error taxonomy.
func (s *Store) mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &finance.StorageError{Op: op, Err: err}
	}

	kind, constraint := KindOther, ""
	if s.dialect.Classify != nil {
		kind, constraint = s.dialect.Classify(err)
	}

	switch kind {
	case KindUnique:
		if sentinel, ok := duplicates[op]; ok {
			return fmt.Errorf("%s: %w", op, sentinel)
		}
		return fmt.Errorf("%s: unique constraint %s: %w", op, constraint, err)
	case KindForeignKey:
		if constraint == "" {
			constraint = foreignKeys[op]
		}
		return &finance.ForeignKeyViolationError{
			Constraint: constraint,
			Detail:     foreignKeyDetail(op, constraint),
			Err:        err,
		}
	case KindConnectivity:
		return &finance.StorageError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func foreignKeyDetail(op, constraint string) string {
	switch constraint {
	case "budgets_fund_id_fkey":
		return "budget references a fund that does not exist"
	case "funds_ledger_id_fkey":
		return "fund references a ledger that does not exist"
	case "group_fund_fiscal_years_fund_id_fkey":
		return "group fund fiscal year references a fund that does not exist"
	case "group_fund_fiscal_years_budget_id_fkey":
		if op == "delete budget" {
			return "budget is still referenced by a group fund fiscal year"
		}
		return "group fund fiscal year references a budget that does not exist"
	}
	return op + " violates a foreign key"
}
