package finance

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// =============================================================================
// REFERENCE DATA
// =============================================================================

func (e *Engine) CreateLedger(ctx context.Context, tenant TenantID, l Ledger) (*Ledger, error) {
	if l.ID == "" {
		l.ID = LedgerID(e.newID())
	}
	if l.Name == "" {
		return nil, NewValidationError(required("name"))
	}
	store, err := e.stores.ForTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if err := store.CreateLedger(ctx, l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (e *Engine) CreateFund(ctx context.Context, tenant TenantID, f Fund) (*Fund, error) {
	if f.ID == "" {
		f.ID = FundID(e.newID())
	}
	var problems []Problem
	if f.Code == "" {
		problems = append(problems, required("code"))
	}
	if f.LedgerID == "" {
		problems = append(problems, required("ledgerId"))
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	store, err := e.stores.ForTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if err := store.CreateFund(ctx, f); err != nil {
		return nil, err
	}
	return &f, nil
}

// LinkGroupFundFiscalYear records that a fund's budget reports into a group.
func (e *Engine) LinkGroupFundFiscalYear(ctx context.Context, tenant TenantID, g GroupFundFiscalYear) (*GroupFundFiscalYear, error) {
	if g.ID == "" {
		g.ID = GroupFundFYID(e.newID())
	}
	var problems []Problem
	if g.GroupID == "" {
		problems = append(problems, required("groupId"))
	}
	if g.FundID == "" {
		problems = append(problems, required("fundId"))
	}
	if g.FiscalYearID == "" {
		problems = append(problems, required("fiscalYearId"))
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	store, err := e.stores.ForTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if err := store.CreateGroupFundFiscalYear(ctx, g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (e *Engine) ListTransactions(ctx context.Context, tenant TenantID, filter TransactionFilter) ([]Transaction, error) {
	store, err := e.stores.ForTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return store.ListTransactions(ctx, filter)
}

// =============================================================================
// BUDGETS
// =============================================================================

// CreateBudget stores a new budget with its derived fields computed.
// Raw accumulators other than initialAllocation start at zero; money only
// moves through ApplyTransactions afterwards.
func (e *Engine) CreateBudget(ctx context.Context, tenant TenantID, b Budget) (*Budget, error) {
	if b.ID == "" {
		b.ID = BudgetID(e.newID())
	}
	if b.Status == "" {
		b.Status = BudgetActive
	}

	var problems []Problem
	if b.FundID == "" {
		problems = append(problems, required("fundId"))
	}
	if b.FiscalYearID == "" {
		problems = append(problems, required("fiscalYearId"))
	}
	switch b.Status {
	case BudgetActive, BudgetInactive, BudgetFrozen, BudgetClosed:
	default:
		problems = append(problems, Problem{Field: "budgetStatus", Message: "unknown status " + string(b.Status)})
	}
	if b.AllowableEncumbrance != nil && b.AllowableEncumbrance.IsNegative() {
		problems = append(problems, Problem{Field: "allowableEncumbrance", Message: "must not be negative"})
	}
	if b.AllowableExpenditure != nil && b.AllowableExpenditure.IsNegative() {
		problems = append(problems, Problem{Field: "allowableExpenditure", Message: "must not be negative"})
	}
	if b.InitialAllocation.IsNegative() {
		problems = append(problems, Problem{Field: "initialAllocation", Message: "must not be negative"})
	}
	c, err := ParseCurrency(b.Currency)
	if err != nil {
		problems = append(problems, Problem{Field: "currency", Message: err.Error()})
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	b.Currency = c.Code
	b.InitialAllocation = c.Round(b.InitialAllocation)
	b.AllocationFrom, b.AllocationTo, b.NetTransfers = decimal.Zero, decimal.Zero, decimal.Zero
	b.Encumbered, b.AwaitingPayment, b.Expenditures = decimal.Zero, decimal.Zero, decimal.Zero
	b = Recompute(b, c)
	b.UpdatedAt = e.now()

	store, err := e.stores.ForTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if err := store.CreateBudget(ctx, b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBudget returns the budget of a fund for a fiscal year.
func (e *Engine) GetBudget(ctx context.Context, tenant TenantID, fund FundID, fy FiscalYearID) (*Budget, error) {
	store, err := e.stores.ForTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return store.FindBudget(ctx, fund, fy)
}

func (e *Engine) GetBudgetByID(ctx context.Context, tenant TenantID, id BudgetID) (*Budget, error) {
	store, err := e.stores.ForTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return store.GetBudget(ctx, id)
}

// DeleteBudget removes a budget that only has single-sided allocations.
// Group links are cleared first, and the allocations go with the budget.
func (e *Engine) DeleteBudget(ctx context.Context, tenant TenantID, id BudgetID) (err error) {
	ctx, span := e.tracer.Start(ctx, "finance.DeleteBudget", trace.WithAttributes(
		attribute.String("tenant", string(tenant)),
		attribute.String("budget_id", string(id)),
	))
	defer func() { endSpan(span, err) }()

	store, err := e.stores.ForTenant(ctx, tenant)
	if err != nil {
		return err
	}

	var unlinked, allocations int
	err = store.WithTx(ctx, func(s Store) error {
		found, err := s.GetBudget(ctx, id)
		if err != nil {
			return err
		}
		b, err := s.LockBudget(ctx, found.FundID, found.FiscalYearID)
		if err != nil {
			return err
		}

		txs, err := s.ListTransactions(ctx, TransactionFilter{FundID: b.FundID, FiscalYearID: b.FiscalYearID})
		if err != nil {
			return err
		}
		for _, tx := range txs {
			if tx.Type != TxAllocation || (tx.FromFundID != "" && tx.ToFundID != "") {
				return &BudgetHasTransactionsError{BudgetID: id}
			}
		}

		if unlinked, err = s.UnlinkGroupFundFiscalYears(ctx, id); err != nil {
			return fmt.Errorf("unlink group fund fiscal years: %w", err)
		}
		if err := s.DeleteBudget(ctx, id); err != nil {
			return err
		}
		if allocations, err = s.DeleteAllocations(ctx, b.FundID, b.FiscalYearID); err != nil {
			return fmt.Errorf("delete allocations: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Info("budget deleted",
		zap.String("tenant", string(tenant)),
		zap.String("budget_id", string(id)),
		zap.Int("unlinked_groups", unlinked),
		zap.Int("deleted_allocations", allocations),
	)
	e.publish(ctx, Event{Type: EventBudgetDeleted, Tenant: tenant, BudgetIDs: []BudgetID{id}})
	return nil
}
