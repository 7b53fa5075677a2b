package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/finance-engine/finance"
	"github.com/warp/finance-engine/finance/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// seeded returns a memory store holding one ledger, one fund and one budget.
func seeded(t *testing.T) (*store.Memory, finance.Budget) {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()

	require.NoError(t, m.CreateLedger(ctx, finance.Ledger{ID: "ledger-1", Name: "Main", RestrictEncumbrance: true}))
	require.NoError(t, m.CreateFund(ctx, finance.Fund{ID: "fund-a", Code: "A", LedgerID: "ledger-1"}))

	b := finance.Recompute(finance.Budget{
		ID:                "budget-a",
		FundID:            "fund-a",
		FiscalYearID:      "fy2025",
		Currency:          "USD",
		Status:            finance.BudgetActive,
		InitialAllocation: decimal.NewFromInt(100),
	}, finance.MustCurrency("USD"))
	require.NoError(t, m.CreateBudget(ctx, b))
	return m, b
}

func pendingPayment(id string, invoice finance.InvoiceID, line string) finance.Transaction {
	return finance.Transaction{
		ID:                  finance.TransactionID(id),
		Type:                finance.TxPendingPayment,
		Amount:              decimal.NewFromInt(10),
		Currency:            "USD",
		FiscalYearID:        "fy2025",
		FromFundID:          "fund-a",
		SourceInvoiceID:     invoice,
		SourceInvoiceLineID: line,
	}
}

// =============================================================================
// TRANSACTION BEHAVIOUR
// =============================================================================

func TestMemory_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A store with one budget
	// WHEN: A WithTx callback updates it and then fails
	// THEN: The update is not visible

	ctx := context.Background()
	m, b := seeded(t)
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(s finance.Store) error {
		changed := b
		changed.Encumbered = decimal.NewFromInt(60)
		require.NoError(t, s.UpdateBudget(ctx, changed))
		require.NoError(t, s.InsertTransactions(ctx, []finance.Transaction{pendingPayment("pp-1", "inv-1", "")}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := m.GetBudget(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.Encumbered.IsZero())
	_, err = m.GetTransaction(ctx, "pp-1")
	assert.ErrorIs(t, err, finance.ErrTransactionNotFound)
}

func TestMemory_WithTx_NestedJoinsOuter(t *testing.T) {
	ctx := context.Background()
	m, _ := seeded(t)

	err := m.WithTx(ctx, func(outer finance.Store) error {
		return outer.WithTx(ctx, func(inner finance.Store) error {
			return inner.InsertTransactions(ctx, []finance.Transaction{pendingPayment("pp-1", "inv-1", "")})
		})
	})
	require.NoError(t, err)

	_, err = m.GetTransaction(ctx, "pp-1")
	assert.NoError(t, err)
}

func TestMemory_WithTx_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m, _ := seeded(t)

	err := m.WithTx(ctx, func(finance.Store) error { return nil })
	assert.ErrorIs(t, err, finance.ErrStorage)
	assert.True(t, finance.IsRetryable(err))
}

// =============================================================================
// BUDGETS AND REFERENCE DATA
// =============================================================================

func TestMemory_FindAndLockBudget(t *testing.T) {
	ctx := context.Background()
	m, b := seeded(t)

	found, err := m.FindBudget(ctx, "fund-a", "fy2025")
	require.NoError(t, err)
	assert.Equal(t, b.ID, found.ID)

	_, err = m.LockBudget(ctx, "fund-a", "fy2026")
	assert.ErrorIs(t, err, finance.ErrBudgetNotFound)
}

func TestMemory_LedgerForFund(t *testing.T) {
	ctx := context.Background()
	m, _ := seeded(t)

	l, err := m.GetLedgerForFund(ctx, "fund-a")
	require.NoError(t, err)
	assert.True(t, l.RestrictEncumbrance)

	_, err = m.GetLedgerForFund(ctx, "fund-x")
	assert.ErrorIs(t, err, finance.ErrFundNotFound)
}

func TestMemory_DeleteBudgetStillLinked(t *testing.T) {
	ctx := context.Background()
	m, b := seeded(t)
	require.NoError(t, m.CreateGroupFundFiscalYear(ctx, finance.GroupFundFiscalYear{
		ID: "gffy-1", GroupID: "g-1", FundID: "fund-a", FiscalYearID: "fy2025", BudgetID: &b.ID,
	}))

	err := m.DeleteBudget(ctx, b.ID)
	assert.ErrorIs(t, err, finance.ErrForeignKeyViolation)

	linked, err := m.ListGroupFundFiscalYears(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, linked, 1)

	n, err := m.UnlinkGroupFundFiscalYears(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, m.DeleteBudget(ctx, b.ID))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestMemory_FindPendingPayment(t *testing.T) {
	// GIVEN: Pending payments on two invoice lines, one of them voided
	// WHEN: Looking up by invoice line
	// THEN: Only the live match is returned

	ctx := context.Background()
	m, _ := seeded(t)
	require.NoError(t, m.InsertTransactions(ctx, []finance.Transaction{
		pendingPayment("pp-1", "inv-1", "line-1"),
		pendingPayment("pp-2", "inv-1", "line-2"),
	}))
	require.NoError(t, m.VoidTransaction(ctx, "pp-2", decimal.NewFromInt(10)))

	q := finance.RelatedQuery{FundID: "fund-a", FiscalYearID: "fy2025", InvoiceID: "inv-1", InvoiceLineID: "line-1", Type: finance.TxPendingPayment}
	found, err := m.FindPendingPayment(ctx, q)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, finance.TransactionID("pp-1"), found.ID)

	q.InvoiceLineID = "line-2"
	found, err = m.FindPendingPayment(ctx, q)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestMemory_TransactionsAreCopies(t *testing.T) {
	ctx := context.Background()
	m, _ := seeded(t)
	pp := pendingPayment("pp-1", "inv-1", "")
	pp.AwaitingPayment = &finance.AwaitingPaymentDetails{EncumbranceID: "enc-1"}
	require.NoError(t, m.InsertTransactions(ctx, []finance.Transaction{pp}))

	pp.AwaitingPayment.EncumbranceID = "changed"
	got, err := m.GetTransaction(ctx, "pp-1")
	require.NoError(t, err)
	assert.Equal(t, finance.TransactionID("enc-1"), got.AwaitingPayment.EncumbranceID)
}

func TestMemory_VoidTwice(t *testing.T) {
	ctx := context.Background()
	m, _ := seeded(t)
	require.NoError(t, m.InsertTransactions(ctx, []finance.Transaction{pendingPayment("pp-1", "inv-1", "")}))

	require.NoError(t, m.VoidTransaction(ctx, "pp-1", decimal.NewFromInt(10)))
	assert.ErrorIs(t, m.VoidTransaction(ctx, "pp-1", decimal.NewFromInt(10)), finance.ErrAlreadyVoided)
	assert.ErrorIs(t, m.VoidTransaction(ctx, "nope", decimal.NewFromInt(10)), finance.ErrTransactionNotFound)
}

func TestMemory_CountBatchTransactions(t *testing.T) {
	ctx := context.Background()
	m, _ := seeded(t)
	require.NoError(t, m.InsertTransactions(ctx, []finance.Transaction{
		pendingPayment("pp-1", "inv-1", "line-1"),
		pendingPayment("pp-2", "inv-1", "line-2"),
		pendingPayment("pp-3", "inv-2", ""),
	}))

	n, err := m.CountBatchTransactions(ctx, finance.BatchKey{Stage: finance.StagePendingPayments, ID: "inv-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemory_DeleteAllocationsOnlyOneSided(t *testing.T) {
	ctx := context.Background()
	m, _ := seeded(t)
	alloc := func(id string, from, to finance.FundID) finance.Transaction {
		return finance.Transaction{
			ID: finance.TransactionID(id), Type: finance.TxAllocation, Amount: decimal.NewFromInt(5),
			Currency: "USD", FiscalYearID: "fy2025", FromFundID: from, ToFundID: to,
		}
	}
	require.NoError(t, m.InsertTransactions(ctx, []finance.Transaction{
		alloc("a-1", "", "fund-a"),
		alloc("a-2", "fund-a", ""),
		alloc("a-3", "fund-b", "fund-a"),
	}))

	n, err := m.DeleteAllocations(ctx, "fund-a", "fy2025")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := m.ListTransactions(ctx, finance.TransactionFilter{FundID: "fund-a"})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, finance.TransactionID("a-3"), left[0].ID)
}

// =============================================================================
// SUMMARIES
// =============================================================================

func TestMemory_CloseSummaryOnce(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	key := finance.BatchKey{Stage: finance.StageOrder, ID: "po-1"}
	require.NoError(t, m.CreateSummary(ctx, finance.BatchSummary{ID: "po-1", Stage: finance.StageOrder, ExpectedCount: 1, State: finance.BatchOpen}))

	at := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.CloseSummary(ctx, key, at))

	err := m.CloseSummary(ctx, key, at)
	assert.ErrorIs(t, err, finance.ErrBatchAlreadyProcessed)

	_, err = finance.CheckOpenOrFail(ctx, m, key)
	assert.ErrorIs(t, err, finance.ErrBatchAlreadyProcessed)

	_, err = m.GetSummary(ctx, finance.BatchKey{Stage: finance.StageOrder, ID: "po-2"})
	assert.ErrorIs(t, err, finance.ErrSummaryNotFound)
}
