// Package store provides in-process finance.Store implementations.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/finance-engine/finance"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps one tenant's data in maps. WithTx holds the store mutex for
// the whole callback, which serializes applies the way a row lock would,
// and restores a snapshot when the callback fails.
type Memory struct {
	view

	mu        sync.Mutex
	ledgers   map[finance.LedgerID]finance.Ledger
	funds     map[finance.FundID]finance.Fund
	budgets   map[finance.BudgetID]finance.Budget
	groups    map[finance.GroupFundFYID]finance.GroupFundFiscalYear
	summaries map[finance.BatchKey]finance.BatchSummary
	txs       map[finance.TransactionID]finance.Transaction
	txOrder   []finance.TransactionID
}

func NewMemory() *Memory {
	m := &Memory{
		ledgers:   make(map[finance.LedgerID]finance.Ledger),
		funds:     make(map[finance.FundID]finance.Fund),
		budgets:   make(map[finance.BudgetID]finance.Budget),
		groups:    make(map[finance.GroupFundFYID]finance.GroupFundFiscalYear),
		summaries: make(map[finance.BatchKey]finance.BatchSummary),
		txs:       make(map[finance.TransactionID]finance.Transaction),
	}
	m.view = view{m: m}
	return m
}

var _ finance.Store = (*Memory)(nil)

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(finance.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return &finance.StorageError{Op: "begin", Err: err}
	}

	snapshot := m.snapshot()
	if err := fn(&view{m: m, inTx: true}); err != nil {
		m.restore(snapshot)
		return err
	}
	if err := ctx.Err(); err != nil {
		m.restore(snapshot)
		return &finance.StorageError{Op: "commit", Err: err}
	}
	return nil
}

type memorySnapshot struct {
	ledgers   map[finance.LedgerID]finance.Ledger
	funds     map[finance.FundID]finance.Fund
	budgets   map[finance.BudgetID]finance.Budget
	groups    map[finance.GroupFundFYID]finance.GroupFundFiscalYear
	summaries map[finance.BatchKey]finance.BatchSummary
	txs       map[finance.TransactionID]finance.Transaction
	txOrder   []finance.TransactionID
}

func copyMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Stored values are never mutated in place, so a shallow map copy is a
// complete snapshot.
func (m *Memory) snapshot() memorySnapshot {
	return memorySnapshot{
		ledgers:   copyMap(m.ledgers),
		funds:     copyMap(m.funds),
		budgets:   copyMap(m.budgets),
		groups:    copyMap(m.groups),
		summaries: copyMap(m.summaries),
		txs:       copyMap(m.txs),
		txOrder:   append([]finance.TransactionID(nil), m.txOrder...),
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.ledgers = s.ledgers
	m.funds = s.funds
	m.budgets = s.budgets
	m.groups = s.groups
	m.summaries = s.summaries
	m.txs = s.txs
	m.txOrder = s.txOrder
}

// =============================================================================
// VIEW - shared by direct calls (locking) and WithTx callbacks (already locked)
// =============================================================================

type view struct {
	m    *Memory
	inTx bool
}

func (v *view) lock() func() {
	if v.inTx {
		return func() {}
	}
	v.m.mu.Lock()
	return v.m.mu.Unlock
}

func (v *view) WithTx(ctx context.Context, fn func(finance.Store) error) error {
	if v.inTx {
		return fn(v)
	}
	return v.m.WithTx(ctx, fn)
}

// --- budgets ---

func (v *view) GetBudget(_ context.Context, id finance.BudgetID) (*finance.Budget, error) {
	defer v.lock()()
	b, ok := v.m.budgets[id]
	if !ok {
		return nil, fmt.Errorf("budget %s: %w", id, finance.ErrBudgetNotFound)
	}
	return &b, nil
}

func (v *view) FindBudget(_ context.Context, fund finance.FundID, fy finance.FiscalYearID) (*finance.Budget, error) {
	defer v.lock()()
	return v.m.findBudget(fund, fy)
}

// LockBudget needs no extra work: inside WithTx the store mutex is the lock.
func (v *view) LockBudget(ctx context.Context, fund finance.FundID, fy finance.FiscalYearID) (*finance.Budget, error) {
	return v.FindBudget(ctx, fund, fy)
}

func (m *Memory) findBudget(fund finance.FundID, fy finance.FiscalYearID) (*finance.Budget, error) {
	for _, b := range m.budgets {
		if b.FundID == fund && b.FiscalYearID == fy {
			return &b, nil
		}
	}
	return nil, finance.ErrBudgetNotFound
}

func (v *view) CreateBudget(_ context.Context, b finance.Budget) error {
	defer v.lock()()
	if _, ok := v.m.funds[b.FundID]; !ok {
		return &finance.ForeignKeyViolationError{
			Constraint: "budgets_fund_id_fkey",
			Detail:     fmt.Sprintf("fund %s does not exist", b.FundID),
		}
	}
	if _, ok := v.m.budgets[b.ID]; ok {
		return fmt.Errorf("budget %s: %w", b.ID, finance.ErrBudgetExists)
	}
	if _, err := v.m.findBudget(b.FundID, b.FiscalYearID); err == nil {
		return fmt.Errorf("fund %s, fiscal year %s: %w", b.FundID, b.FiscalYearID, finance.ErrBudgetExists)
	}
	v.m.budgets[b.ID] = b
	return nil
}

func (v *view) UpdateBudget(_ context.Context, b finance.Budget) error {
	defer v.lock()()
	if _, ok := v.m.budgets[b.ID]; !ok {
		return fmt.Errorf("budget %s: %w", b.ID, finance.ErrBudgetNotFound)
	}
	v.m.budgets[b.ID] = b
	return nil
}

func (v *view) DeleteBudget(_ context.Context, id finance.BudgetID) error {
	defer v.lock()()
	if _, ok := v.m.budgets[id]; !ok {
		return fmt.Errorf("budget %s: %w", id, finance.ErrBudgetNotFound)
	}
	for _, g := range v.m.groups {
		if g.BudgetID != nil && *g.BudgetID == id {
			return &finance.ForeignKeyViolationError{
				Constraint: "group_fund_fiscal_years_budget_id_fkey",
				Detail:     fmt.Sprintf("budget %s is still referenced by group fund fiscal year %s", id, g.ID),
			}
		}
	}
	delete(v.m.budgets, id)
	return nil
}

// --- reference data ---

func (v *view) CreateLedger(_ context.Context, l finance.Ledger) error {
	defer v.lock()()
	if _, ok := v.m.ledgers[l.ID]; ok {
		return fmt.Errorf("ledger %s already exists: %w", l.ID, finance.ErrValidation)
	}
	v.m.ledgers[l.ID] = l
	return nil
}

func (v *view) CreateFund(_ context.Context, f finance.Fund) error {
	defer v.lock()()
	if _, ok := v.m.ledgers[f.LedgerID]; !ok {
		return &finance.ForeignKeyViolationError{
			Constraint: "funds_ledger_id_fkey",
			Detail:     fmt.Sprintf("ledger %s does not exist", f.LedgerID),
		}
	}
	if _, ok := v.m.funds[f.ID]; ok {
		return fmt.Errorf("fund %s already exists: %w", f.ID, finance.ErrValidation)
	}
	v.m.funds[f.ID] = f
	return nil
}

func (v *view) GetLedgerForFund(_ context.Context, fund finance.FundID) (*finance.Ledger, error) {
	defer v.lock()()
	f, ok := v.m.funds[fund]
	if !ok {
		return nil, finance.ErrFundNotFound
	}
	l, ok := v.m.ledgers[f.LedgerID]
	if !ok {
		return nil, finance.ErrLedgerNotFound
	}
	return &l, nil
}

func (v *view) CreateGroupFundFiscalYear(_ context.Context, g finance.GroupFundFiscalYear) error {
	defer v.lock()()
	if _, ok := v.m.funds[g.FundID]; !ok {
		return &finance.ForeignKeyViolationError{
			Constraint: "group_fund_fiscal_years_fund_id_fkey",
			Detail:     fmt.Sprintf("fund %s does not exist", g.FundID),
		}
	}
	if g.BudgetID != nil {
		if _, ok := v.m.budgets[*g.BudgetID]; !ok {
			return &finance.ForeignKeyViolationError{
				Constraint: "group_fund_fiscal_years_budget_id_fkey",
				Detail:     fmt.Sprintf("budget %s does not exist", *g.BudgetID),
			}
		}
	}
	v.m.groups[g.ID] = g
	return nil
}

func (v *view) ListGroupFundFiscalYears(_ context.Context, budget finance.BudgetID) ([]finance.GroupFundFiscalYear, error) {
	defer v.lock()()
	var out []finance.GroupFundFiscalYear
	for _, g := range v.m.groups {
		if g.BudgetID != nil && *g.BudgetID == budget {
			out = append(out, g)
		}
	}
	return out, nil
}

func (v *view) UnlinkGroupFundFiscalYears(_ context.Context, budget finance.BudgetID) (int, error) {
	defer v.lock()()
	n := 0
	for id, g := range v.m.groups {
		if g.BudgetID != nil && *g.BudgetID == budget {
			g.BudgetID = nil
			v.m.groups[id] = g
			n++
		}
	}
	return n, nil
}

// --- transactions ---

func (v *view) InsertTransactions(_ context.Context, txs []finance.Transaction) error {
	defer v.lock()()
	for _, tx := range txs {
		if _, ok := v.m.txs[tx.ID]; ok {
			return fmt.Errorf("transaction %s: %w", tx.ID, finance.ErrTransactionExists)
		}
	}
	for _, tx := range txs {
		v.m.txs[tx.ID] = cloneTx(tx)
		v.m.txOrder = append(v.m.txOrder, tx.ID)
	}
	return nil
}

func (v *view) GetTransaction(_ context.Context, id finance.TransactionID) (*finance.Transaction, error) {
	defer v.lock()()
	tx, ok := v.m.txs[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, finance.ErrTransactionNotFound)
	}
	out := cloneTx(tx)
	return &out, nil
}

func (v *view) ListTransactions(_ context.Context, f finance.TransactionFilter) ([]finance.Transaction, error) {
	defer v.lock()()
	return v.m.filter(func(tx finance.Transaction) bool {
		if f.FundID != "" && tx.FromFundID != f.FundID && tx.ToFundID != f.FundID {
			return false
		}
		if f.FiscalYearID != "" && tx.FiscalYearID != f.FiscalYearID {
			return false
		}
		if f.Type != "" && tx.Type != f.Type {
			return false
		}
		if f.BatchKey != nil {
			k, ok := tx.BatchKey()
			return ok && k == *f.BatchKey
		}
		return true
	}), nil
}

func (v *view) FindPendingPayment(_ context.Context, q finance.RelatedQuery) (*finance.Transaction, error) {
	defer v.lock()()
	found := v.m.filter(func(tx finance.Transaction) bool {
		return tx.Type == q.Type &&
			!tx.Voided() &&
			tx.FromFundID == q.FundID &&
			tx.FiscalYearID == q.FiscalYearID &&
			tx.SourceInvoiceID == q.InvoiceID &&
			tx.SourceInvoiceLineID == q.InvoiceLineID
	})
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

func (v *view) ListReleases(_ context.Context, encumbrance finance.TransactionID) ([]finance.Transaction, error) {
	defer v.lock()()
	return v.m.filter(func(tx finance.Transaction) bool {
		return tx.Type == finance.TxPendingPayment &&
			tx.AwaitingPayment != nil &&
			tx.AwaitingPayment.EncumbranceID == encumbrance
	}), nil
}

func (v *view) ListConversions(_ context.Context, pendingPayment finance.TransactionID) ([]finance.Transaction, error) {
	defer v.lock()()
	return v.m.filter(func(tx finance.Transaction) bool {
		return tx.Type == finance.TxPayment &&
			tx.Payment != nil &&
			tx.Payment.PendingPaymentID == pendingPayment
	}), nil
}

func (v *view) CountBatchTransactions(_ context.Context, key finance.BatchKey) (int, error) {
	defer v.lock()()
	n := 0
	for _, tx := range v.m.txs {
		if k, ok := tx.BatchKey(); ok && k == key {
			n++
		}
	}
	return n, nil
}

func (v *view) VoidTransaction(_ context.Context, id finance.TransactionID, voided decimal.Decimal) error {
	defer v.lock()()
	tx, ok := v.m.txs[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, finance.ErrTransactionNotFound)
	}
	if tx.Voided() {
		return fmt.Errorf("transaction %s: %w", id, finance.ErrAlreadyVoided)
	}
	tx = cloneTx(tx)
	tx.VoidedAmount = &voided
	v.m.txs[id] = tx
	return nil
}

func (v *view) DeleteAllocations(_ context.Context, fund finance.FundID, fy finance.FiscalYearID) (int, error) {
	defer v.lock()()
	kept := v.m.txOrder[:0:0]
	n := 0
	for _, id := range v.m.txOrder {
		tx := v.m.txs[id]
		oneSided := (tx.FromFundID == fund && tx.ToFundID == "") || (tx.ToFundID == fund && tx.FromFundID == "")
		if tx.Type == finance.TxAllocation && tx.FiscalYearID == fy && oneSided {
			delete(v.m.txs, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	v.m.txOrder = kept
	return n, nil
}

func (m *Memory) filter(match func(finance.Transaction) bool) []finance.Transaction {
	var out []finance.Transaction
	for _, id := range m.txOrder {
		if tx := m.txs[id]; match(tx) {
			out = append(out, cloneTx(tx))
		}
	}
	return out
}

func cloneTx(tx finance.Transaction) finance.Transaction {
	if tx.Encumbrance != nil {
		enc := *tx.Encumbrance
		tx.Encumbrance = &enc
	}
	if tx.AwaitingPayment != nil {
		ap := *tx.AwaitingPayment
		tx.AwaitingPayment = &ap
	}
	if tx.Payment != nil {
		pd := *tx.Payment
		tx.Payment = &pd
	}
	if tx.VoidedAmount != nil {
		v := *tx.VoidedAmount
		tx.VoidedAmount = &v
	}
	return tx
}

// --- summaries ---

func (v *view) CreateSummary(_ context.Context, s finance.BatchSummary) error {
	defer v.lock()()
	if _, ok := v.m.summaries[s.Key()]; ok {
		return fmt.Errorf("summary %s: %w", s.Key(), finance.ErrSummaryExists)
	}
	v.m.summaries[s.Key()] = s
	return nil
}

func (v *view) GetSummary(_ context.Context, key finance.BatchKey) (*finance.BatchSummary, error) {
	defer v.lock()()
	s, ok := v.m.summaries[key]
	if !ok {
		return nil, fmt.Errorf("summary %s: %w", key, finance.ErrSummaryNotFound)
	}
	return &s, nil
}

func (v *view) LockSummary(ctx context.Context, key finance.BatchKey) (*finance.BatchSummary, error) {
	return v.GetSummary(ctx, key)
}

func (v *view) CloseSummary(_ context.Context, key finance.BatchKey, at time.Time) error {
	defer v.lock()()
	s, ok := v.m.summaries[key]
	if !ok {
		return fmt.Errorf("summary %s: %w", key, finance.ErrSummaryNotFound)
	}
	if s.Closed() {
		return &finance.BatchAlreadyProcessedError{Key: key}
	}
	s.State = finance.BatchClosed
	s.ClosedAt = &at
	v.m.summaries[key] = s
	return nil
}
