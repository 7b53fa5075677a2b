/*
store.go - Persistence interface for budgets, transactions and summaries

PURPOSE:
  Defines the boundary between the engine and the relational store. The
  engine never talks SQL; it asks a Store for rows and runs every
  mutation inside WithTx.

TRANSACTION CONTRACT:
  WithTx runs fn against a Store bound to one storage transaction. It
  commits when fn returns nil and rolls back on any error, so nothing a
  failed apply wrote is ever observable.

LOCKING:
  LockBudget and LockSummary read a row and hold it until the enclosing
  transaction ends (SELECT ... FOR UPDATE on Postgres, a write
  transaction on SQLite, the store mutex in memory). A concurrent apply
  touching the same budget blocks there and re-reads the committed row.

TENANCY:
  A Store belongs to exactly one tenant. StoreProvider resolves the
  tenant passed to every engine entry point; there is no ambient tenant.

IMPLEMENTATIONS:
  - finance/store/memory.go: in-memory, for tests and local runs
  - store/sqlite: mattn/go-sqlite3
  - store/postgres: pgx

SEE ALSO:
  - applier.go: the only writer of budgets and transactions
*/
package finance

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// WithTx executes fn in one storage transaction.
	WithTx(ctx context.Context, fn func(Store) error) error

	BudgetStore
	ReferenceStore
	TransactionStore
	SummaryStore
}

// BudgetStore persists budgets. Missing rows return ErrBudgetNotFound.
type BudgetStore interface {
	GetBudget(ctx context.Context, id BudgetID) (*Budget, error)
	FindBudget(ctx context.Context, fund FundID, fy FiscalYearID) (*Budget, error)
	// LockBudget is FindBudget holding a row lock until the transaction ends.
	LockBudget(ctx context.Context, fund FundID, fy FiscalYearID) (*Budget, error)
	CreateBudget(ctx context.Context, b Budget) error
	UpdateBudget(ctx context.Context, b Budget) error
	DeleteBudget(ctx context.Context, id BudgetID) error
}

// ReferenceStore holds ledgers, funds and group links.
type ReferenceStore interface {
	CreateLedger(ctx context.Context, l Ledger) error
	CreateFund(ctx context.Context, f Fund) error
	// GetLedgerForFund resolves fund -> ledger.
	GetLedgerForFund(ctx context.Context, fund FundID) (*Ledger, error)
	CreateGroupFundFiscalYear(ctx context.Context, g GroupFundFiscalYear) error
	ListGroupFundFiscalYears(ctx context.Context, budget BudgetID) ([]GroupFundFiscalYear, error)
	// UnlinkGroupFundFiscalYears clears BudgetID on every row pointing at budget.
	UnlinkGroupFundFiscalYears(ctx context.Context, budget BudgetID) (int, error)
}

// TransactionStore is append-only apart from VoidTransaction and the
// allocation cleanup that follows a budget delete.
type TransactionStore interface {
	InsertTransactions(ctx context.Context, txs []Transaction) error
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	// FindPendingPayment returns the non-voided pending payment matching q,
	// or nil when there is none.
	FindPendingPayment(ctx context.Context, q RelatedQuery) (*Transaction, error)
	// ListReleases returns the pending payments linked to an encumbrance.
	ListReleases(ctx context.Context, encumbrance TransactionID) ([]Transaction, error)
	// ListConversions returns the payments linked to a pending payment.
	ListConversions(ctx context.Context, pendingPayment TransactionID) ([]Transaction, error)
	CountBatchTransactions(ctx context.Context, key BatchKey) (int, error)
	VoidTransaction(ctx context.Context, id TransactionID, voided decimal.Decimal) error
	// DeleteAllocations removes allocations that touch only this fund.
	DeleteAllocations(ctx context.Context, fund FundID, fy FiscalYearID) (int, error)
}

// SummaryStore persists batch summaries. Missing rows return ErrSummaryNotFound.
type SummaryStore interface {
	CreateSummary(ctx context.Context, s BatchSummary) error
	GetSummary(ctx context.Context, key BatchKey) (*BatchSummary, error)
	LockSummary(ctx context.Context, key BatchKey) (*BatchSummary, error)
	// CloseSummary flips an open summary to closed. A summary that is
	// already closed yields BatchAlreadyProcessedError.
	CloseSummary(ctx context.Context, key BatchKey, at time.Time) error
}

// =============================================================================
// TENANCY
// =============================================================================

// StoreProvider resolves the store for a tenant.
type StoreProvider interface {
	ForTenant(ctx context.Context, tenant TenantID) (Store, error)
}

// StoreProviderFunc adapts a function to StoreProvider.
type StoreProviderFunc func(ctx context.Context, tenant TenantID) (Store, error)

func (f StoreProviderFunc) ForTenant(ctx context.Context, tenant TenantID) (Store, error) {
	return f(ctx, tenant)
}

// SingleTenant serves the same store for every tenant.
func SingleTenant(s Store) StoreProvider {
	return StoreProviderFunc(func(context.Context, TenantID) (Store, error) { return s, nil })
}
