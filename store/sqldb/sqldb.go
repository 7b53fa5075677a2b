/*
Package sqldb implements finance.Store on database/sql.

PURPOSE:
  One implementation of the budget, transaction and summary queries,
  shared by the SQLite and PostgreSQL drivers. The driver packages
  supply a Dialect (placeholder style, lock clause, error classifier) and
  run their own embedded migrations.

KEY TABLES:
  ledgers, funds:            reference data (fund -> ledger)
  budgets:                   one row per (fund_id, fiscal_year_id)
  transactions:              indexed columns + full JSON payload
  batch_summaries:           PK (stage, id), explicit state
  group_fund_fiscal_years:   nullable budget_id FK into budgets

LOCKING:
  LockBudget / LockSummary append Dialect.LockClause to their SELECT.
  PostgreSQL uses FOR UPDATE; SQLite takes the database write lock when
  the transaction begins (_txlock=immediate) and needs no clause.

ERRORS:
  Every driver error passes through mapError, which turns unique and
  foreign-key violations into finance errors and connectivity failures
  into finance.StorageError.

SEE ALSO:
  - store/sqlite: mattn/go-sqlite3 driver + migrations
  - store/postgres: pgx driver + migrations
  - finance/store.go: interface definitions
*/
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/finance-engine/finance"
)

// Dialect captures what differs between SQL backends.
type Dialect struct {
	Name string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	// LockClause is appended to row-locking SELECTs.
	LockClause string
	// Classify inspects a driver error.
	Classify func(err error) (Kind, string)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements finance.Store. The zero-transaction Store runs each
// call on the pool; the Store handed to a WithTx callback runs on the
// transaction.
type Store struct {
	db      *sql.DB
	q       querier
	dialect Dialect
	inTx    bool
}

var _ finance.Store = (*Store)(nil)

func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, q: db, dialect: dialect}
}

// DB exposes the pool for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites '?' placeholders into the dialect's style.
func (s *Store) rebind(query string) string {
	if s.dialect.Placeholder == nil {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.dialect.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	res, err := s.q.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, s.mapError(op, err)
	}
	return res, nil
}

// =============================================================================
// TRANSACTIONS (storage-level)
// =============================================================================

// WithTx executes fn within a database transaction. Nested calls join the
// outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(finance.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.mapError("begin transaction", err)
	}
	defer sqlTx.Rollback()

	txStore := &Store{db: s.db, q: sqlTx, dialect: s.dialect, inTx: true}
	if err := fn(txStore); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return s.mapError("commit", err)
	}
	return nil
}

// =============================================================================
// BUDGETS
// =============================================================================

const budgetColumns = `id, name, fund_id, fiscal_year_id, currency, budget_status,
	initial_allocation, allocation_from, allocation_to, net_transfers,
	encumbered, awaiting_payment, expenditures,
	allocated, total_funding, unavailable, available, cash_balance,
	over_encumbrance, over_expended,
	allowable_encumbrance, allowable_expenditure, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBudget(row rowScanner) (*finance.Budget, error) {
	var (
		b                  finance.Budget
		allowEnc, allowExp decimal.NullDecimal
	)
	err := row.Scan(
		&b.ID, &b.Name, &b.FundID, &b.FiscalYearID, &b.Currency, &b.Status,
		&b.InitialAllocation, &b.AllocationFrom, &b.AllocationTo, &b.NetTransfers,
		&b.Encumbered, &b.AwaitingPayment, &b.Expenditures,
		&b.Allocated, &b.TotalFunding, &b.Unavailable, &b.Available, &b.CashBalance,
		&b.OverEncumbrance, &b.OverExpended,
		&allowEnc, &allowExp, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.AllowableEncumbrance = fromNullDecimal(allowEnc)
	b.AllowableExpenditure = fromNullDecimal(allowExp)
	return &b, nil
}

func (s *Store) queryBudget(ctx context.Context, op, where string, args ...any) (*finance.Budget, error) {
	query := "SELECT " + budgetColumns + " FROM budgets WHERE " + where
	b, err := scanBudget(s.q.QueryRowContext(ctx, s.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, finance.ErrBudgetNotFound
	}
	if err != nil {
		return nil, s.mapError(op, err)
	}
	return b, nil
}

func (s *Store) GetBudget(ctx context.Context, id finance.BudgetID) (*finance.Budget, error) {
	b, err := s.queryBudget(ctx, "get budget", "id = ?", id)
	if errors.Is(err, finance.ErrBudgetNotFound) {
		return nil, fmt.Errorf("budget %s: %w", id, err)
	}
	return b, err
}

func (s *Store) FindBudget(ctx context.Context, fund finance.FundID, fy finance.FiscalYearID) (*finance.Budget, error) {
	return s.queryBudget(ctx, "find budget", "fund_id = ? AND fiscal_year_id = ?", fund, fy)
}

func (s *Store) LockBudget(ctx context.Context, fund finance.FundID, fy finance.FiscalYearID) (*finance.Budget, error) {
	return s.queryBudget(ctx, "lock budget", "fund_id = ? AND fiscal_year_id = ?"+s.dialect.LockClause, fund, fy)
}

func budgetArgs(b finance.Budget) []any {
	return []any{
		b.Name, b.FundID, b.FiscalYearID, b.Currency, b.Status,
		b.InitialAllocation, b.AllocationFrom, b.AllocationTo, b.NetTransfers,
		b.Encumbered, b.AwaitingPayment, b.Expenditures,
		b.Allocated, b.TotalFunding, b.Unavailable, b.Available, b.CashBalance,
		b.OverEncumbrance, b.OverExpended,
		toNullDecimal(b.AllowableEncumbrance), toNullDecimal(b.AllowableExpenditure), b.UpdatedAt,
	}
}

func (s *Store) CreateBudget(ctx context.Context, b finance.Budget) error {
	query := "INSERT INTO budgets (" + budgetColumns + `) VALUES
		(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.exec(ctx, "insert budget", query, append([]any{b.ID}, budgetArgs(b)...)...)
	return err
}

func (s *Store) UpdateBudget(ctx context.Context, b finance.Budget) error {
	query := `UPDATE budgets SET
		name = ?, fund_id = ?, fiscal_year_id = ?, currency = ?, budget_status = ?,
		initial_allocation = ?, allocation_from = ?, allocation_to = ?, net_transfers = ?,
		encumbered = ?, awaiting_payment = ?, expenditures = ?,
		allocated = ?, total_funding = ?, unavailable = ?, available = ?, cash_balance = ?,
		over_encumbrance = ?, over_expended = ?,
		allowable_encumbrance = ?, allowable_expenditure = ?, updated_at = ?
		WHERE id = ?`
	res, err := s.exec(ctx, "update budget", query, append(budgetArgs(b), b.ID)...)
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Errorf("budget %s: %w", b.ID, finance.ErrBudgetNotFound))
}

func (s *Store) DeleteBudget(ctx context.Context, id finance.BudgetID) error {
	res, err := s.exec(ctx, "delete budget", "DELETE FROM budgets WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Errorf("budget %s: %w", id, finance.ErrBudgetNotFound))
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

func (s *Store) CreateLedger(ctx context.Context, l finance.Ledger) error {
	_, err := s.exec(ctx, "insert ledger",
		"INSERT INTO ledgers (id, name, restrict_encumbrance, restrict_expenditures) VALUES (?, ?, ?, ?)",
		l.ID, l.Name, l.RestrictEncumbrance, l.RestrictExpenditures)
	return err
}

func (s *Store) CreateFund(ctx context.Context, f finance.Fund) error {
	_, err := s.exec(ctx, "insert fund",
		"INSERT INTO funds (id, code, ledger_id) VALUES (?, ?, ?)",
		f.ID, f.Code, f.LedgerID)
	return err
}

func (s *Store) GetLedgerForFund(ctx context.Context, fund finance.FundID) (*finance.Ledger, error) {
	query := `SELECT l.id, l.name, l.restrict_encumbrance, l.restrict_expenditures
		FROM funds f JOIN ledgers l ON l.id = f.ledger_id
		WHERE f.id = ?`
	var l finance.Ledger
	err := s.q.QueryRowContext(ctx, s.rebind(query), fund).
		Scan(&l.ID, &l.Name, &l.RestrictEncumbrance, &l.RestrictExpenditures)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, finance.ErrFundNotFound
	}
	if err != nil {
		return nil, s.mapError("get ledger for fund", err)
	}
	return &l, nil
}

func (s *Store) CreateGroupFundFiscalYear(ctx context.Context, g finance.GroupFundFiscalYear) error {
	var budget sql.NullString
	if g.BudgetID != nil {
		budget = nullString(string(*g.BudgetID))
	}
	_, err := s.exec(ctx, "insert group fund fiscal year",
		"INSERT INTO group_fund_fiscal_years (id, group_id, fund_id, fiscal_year_id, budget_id) VALUES (?, ?, ?, ?, ?)",
		g.ID, g.GroupID, g.FundID, g.FiscalYearID, budget)
	return err
}

func (s *Store) ListGroupFundFiscalYears(ctx context.Context, budget finance.BudgetID) ([]finance.GroupFundFiscalYear, error) {
	rows, err := s.q.QueryContext(ctx, s.rebind(
		"SELECT id, group_id, fund_id, fiscal_year_id, budget_id FROM group_fund_fiscal_years WHERE budget_id = ? ORDER BY id"),
		budget)
	if err != nil {
		return nil, s.mapError("list group fund fiscal years", err)
	}
	defer rows.Close()

	var out []finance.GroupFundFiscalYear
	for rows.Next() {
		var (
			g   finance.GroupFundFiscalYear
			bid sql.NullString
		)
		if err := rows.Scan(&g.ID, &g.GroupID, &g.FundID, &g.FiscalYearID, &bid); err != nil {
			return nil, s.mapError("scan group fund fiscal year", err)
		}
		if bid.Valid {
			id := finance.BudgetID(bid.String)
			g.BudgetID = &id
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapError("list group fund fiscal years", err)
	}
	return out, nil
}

func (s *Store) UnlinkGroupFundFiscalYears(ctx context.Context, budget finance.BudgetID) (int, error) {
	res, err := s.exec(ctx, "unlink group fund fiscal years",
		"UPDATE group_fund_fiscal_years SET budget_id = NULL WHERE budget_id = ?", budget)
	if err != nil {
		return 0, err
	}
	return affected(res)
}

// =============================================================================
// TRANSACTIONS (finance)
// =============================================================================

const txColumns = `id, transaction_type, amount, currency, fiscal_year_id, from_fund_id, to_fund_id,
	source_invoice_id, source_invoice_line_id, related_id, batch_stage, batch_id,
	voided_amount, created_at, payload`

func (s *Store) InsertTransactions(ctx context.Context, txs []finance.Transaction) error {
	query := "INSERT INTO transactions (" + txColumns + `) VALUES
		(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for _, tx := range txs {
		payload, err := json.Marshal(tx)
		if err != nil {
			return fmt.Errorf("encode transaction %s: %w", tx.ID, err)
		}
		var stage, batchID sql.NullString
		if key, ok := tx.BatchKey(); ok {
			stage, batchID = nullString(string(key.Stage)), nullString(key.ID)
		}
		var related sql.NullString
		switch {
		case tx.AwaitingPayment != nil:
			related = nullString(string(tx.AwaitingPayment.EncumbranceID))
		case tx.Payment != nil:
			related = nullString(string(tx.Payment.PendingPaymentID))
		}
		_, err = s.exec(ctx, "insert transaction", query,
			tx.ID, tx.Type, tx.Amount, tx.Currency, tx.FiscalYearID,
			nullString(string(tx.FromFundID)), nullString(string(tx.ToFundID)),
			nullString(string(tx.SourceInvoiceID)), nullString(tx.SourceInvoiceLineID),
			related, stage, batchID,
			toNullDecimal(tx.VoidedAmount), tx.CreatedAt, string(payload),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) queryTransactions(ctx context.Context, op, where string, args ...any) ([]finance.Transaction, error) {
	query := "SELECT " + txColumns + " FROM transactions"
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY created_at, id"

	rows, err := s.q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, s.mapError(op, err)
	}
	defer rows.Close()

	var out []finance.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, s.mapError(op, err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapError(op, err)
	}
	return out, nil
}

// scanTransaction decodes the payload and overlays the mutable column.
func scanTransaction(row rowScanner) (finance.Transaction, error) {
	var (
		tx                                    finance.Transaction
		id, txType, currency, fy              string
		amount                                decimal.Decimal
		from, to, invoice, line, rel, stg, bt sql.NullString
		voided                                decimal.NullDecimal
		createdAt                             time.Time
		payload                               []byte
	)
	if err := row.Scan(&id, &txType, &amount, &currency, &fy, &from, &to,
		&invoice, &line, &rel, &stg, &bt, &voided, &createdAt, &payload); err != nil {
		return tx, err
	}
	if err := json.Unmarshal(payload, &tx); err != nil {
		return tx, fmt.Errorf("decode transaction %s: %w", id, err)
	}
	tx.VoidedAmount = fromNullDecimal(voided)
	return tx, nil
}

func (s *Store) GetTransaction(ctx context.Context, id finance.TransactionID) (*finance.Transaction, error) {
	txs, err := s.queryTransactions(ctx, "get transaction", "id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("transaction %s: %w", id, finance.ErrTransactionNotFound)
	}
	return &txs[0], nil
}

func (s *Store) ListTransactions(ctx context.Context, f finance.TransactionFilter) ([]finance.Transaction, error) {
	var (
		where []string
		args  []any
	)
	if f.FundID != "" {
		where = append(where, "(from_fund_id = ? OR to_fund_id = ?)")
		args = append(args, f.FundID, f.FundID)
	}
	if f.FiscalYearID != "" {
		where = append(where, "fiscal_year_id = ?")
		args = append(args, f.FiscalYearID)
	}
	if f.Type != "" {
		where = append(where, "transaction_type = ?")
		args = append(args, f.Type)
	}
	if f.BatchKey != nil {
		where = append(where, "batch_stage = ? AND batch_id = ?")
		args = append(args, f.BatchKey.Stage, f.BatchKey.ID)
	}
	return s.queryTransactions(ctx, "list transactions", strings.Join(where, " AND "), args...)
}

func (s *Store) FindPendingPayment(ctx context.Context, q finance.RelatedQuery) (*finance.Transaction, error) {
	where := `transaction_type = ? AND voided_amount IS NULL
		AND from_fund_id = ? AND fiscal_year_id = ? AND source_invoice_id = ?`
	args := []any{q.Type, q.FundID, q.FiscalYearID, q.InvoiceID}
	if q.InvoiceLineID == "" {
		where += " AND source_invoice_line_id IS NULL"
	} else {
		where += " AND source_invoice_line_id = ?"
		args = append(args, q.InvoiceLineID)
	}
	txs, err := s.queryTransactions(ctx, "find pending payment", where, args...)
	if err != nil || len(txs) == 0 {
		return nil, err
	}
	return &txs[0], nil
}

func (s *Store) ListReleases(ctx context.Context, encumbrance finance.TransactionID) ([]finance.Transaction, error) {
	return s.queryTransactions(ctx, "list releases",
		"transaction_type = ? AND related_id = ?", finance.TxPendingPayment, encumbrance)
}

func (s *Store) ListConversions(ctx context.Context, pendingPayment finance.TransactionID) ([]finance.Transaction, error) {
	return s.queryTransactions(ctx, "list conversions",
		"transaction_type = ? AND related_id = ?", finance.TxPayment, pendingPayment)
}

func (s *Store) CountBatchTransactions(ctx context.Context, key finance.BatchKey) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, s.rebind(
		"SELECT COUNT(*) FROM transactions WHERE batch_stage = ? AND batch_id = ?"),
		key.Stage, key.ID).Scan(&n)
	if err != nil {
		return 0, s.mapError("count batch transactions", err)
	}
	return n, nil
}

func (s *Store) VoidTransaction(ctx context.Context, id finance.TransactionID, voided decimal.Decimal) error {
	res, err := s.exec(ctx, "void transaction",
		"UPDATE transactions SET voided_amount = ? WHERE id = ? AND voided_amount IS NULL", voided, id)
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetTransaction(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("transaction %s: %w", id, finance.ErrAlreadyVoided)
	}
	return nil
}

func (s *Store) DeleteAllocations(ctx context.Context, fund finance.FundID, fy finance.FiscalYearID) (int, error) {
	res, err := s.exec(ctx, "delete allocations",
		`DELETE FROM transactions
		WHERE transaction_type = ? AND fiscal_year_id = ?
		AND ((from_fund_id = ? AND to_fund_id IS NULL) OR (to_fund_id = ? AND from_fund_id IS NULL))`,
		finance.TxAllocation, fy, fund, fund)
	if err != nil {
		return 0, err
	}
	return affected(res)
}

// =============================================================================
// BATCH SUMMARIES
// =============================================================================

const summaryColumns = "id, stage, expected_count, state, created_at, closed_at"

func (s *Store) CreateSummary(ctx context.Context, sum finance.BatchSummary) error {
	_, err := s.exec(ctx, "insert summary",
		"INSERT INTO batch_summaries ("+summaryColumns+") VALUES (?, ?, ?, ?, ?, ?)",
		sum.ID, sum.Stage, sum.ExpectedCount, sum.State, sum.CreatedAt, nullTime(sum.ClosedAt))
	return err
}

func (s *Store) querySummary(ctx context.Context, op string, key finance.BatchKey, lock string) (*finance.BatchSummary, error) {
	query := "SELECT " + summaryColumns + " FROM batch_summaries WHERE stage = ? AND id = ?" + lock
	var (
		sum      finance.BatchSummary
		closedAt sql.NullTime
	)
	err := s.q.QueryRowContext(ctx, s.rebind(query), key.Stage, key.ID).
		Scan(&sum.ID, &sum.Stage, &sum.ExpectedCount, &sum.State, &sum.CreatedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("summary %s: %w", key, finance.ErrSummaryNotFound)
	}
	if err != nil {
		return nil, s.mapError(op, err)
	}
	if closedAt.Valid {
		t := closedAt.Time
		sum.ClosedAt = &t
	}
	return &sum, nil
}

func (s *Store) GetSummary(ctx context.Context, key finance.BatchKey) (*finance.BatchSummary, error) {
	return s.querySummary(ctx, "get summary", key, "")
}

func (s *Store) LockSummary(ctx context.Context, key finance.BatchKey) (*finance.BatchSummary, error) {
	return s.querySummary(ctx, "lock summary", key, s.dialect.LockClause)
}

func (s *Store) CloseSummary(ctx context.Context, key finance.BatchKey, at time.Time) error {
	res, err := s.exec(ctx, "close summary",
		"UPDATE batch_summaries SET state = ?, closed_at = ? WHERE stage = ? AND id = ? AND state = ?",
		finance.BatchClosed, at, key.Stage, key.ID, finance.BatchOpen)
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetSummary(ctx, key); err != nil {
			return err
		}
		return &finance.BatchAlreadyProcessedError{Key: key}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func toNullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func fromNullDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func affected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func requireRow(res sql.Result, notFound error) error {
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
