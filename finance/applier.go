/*
applier.go - Transaction applier (the engine's write path)

PURPOSE:
  Applies a batch of transactions to budgets all-or-nothing. One call is
  one storage transaction:

    1. validate the batch (no storage access)
    2. lock every touched budget, in sorted (fund, fiscal year) order
    3. if the batch is gated: CheckOpenOrFail + count what already arrived
    4. per transaction: resolve ledger and related transaction, Verify,
       apply raw deltas, Recompute
    5. persist budgets, insert transactions
    6. close the gate when the last expected transaction is in
    7. commit; publish events

  Any error at any step rolls the whole thing back.

BUDGET DELTAS:
  Allocation      from: allocationFrom += amt
                  to:   allocationTo += amt, or initialAllocation = amt
                        while the budget has no initial allocation yet
  Transfer        from: netTransfers -= amt; to: netTransfers += amt
  Encumbrance     encumbered += amt
  Pending payment awaitingPayment += amt; releases up to amt (or all, with
                  releaseEncumbrance) of the linked encumbrance
  Payment         expenditures += amt; converts the matching pending
                  payment: awaitingPayment -= min(amt, pending amount)
  Credit          expenditures -= amt (clamped at zero)

SEE ALSO:
  - restriction.go: Verify
  - batch.go: the completion gate
  - cancel.go: reversal of committed transactions
*/
package finance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/warp/finance-engine/finance"

// =============================================================================
// ENGINE
// =============================================================================

// Engine is safe for concurrent use. It holds no per-request state; all
// coordination between callers happens in the store.
type Engine struct {
	stores    StoreProvider
	logger    *zap.Logger
	tracer    trace.Tracer
	publisher EventPublisher
	now       func() time.Time
	newID     func() string
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithPublisher(p EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

func NewEngine(stores StoreProvider, opts ...Option) *Engine {
	e := &Engine{
		stores:    stores,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(tracerName),
		publisher: nopPublisher{},
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ApplyResult describes a committed batch.
type ApplyResult struct {
	Transactions []Transaction
	Budgets      []Budget
	Batch        *BatchKey
	BatchClosed  bool
}

// ApplyTransactions applies batch atomically for tenant.
func (e *Engine) ApplyTransactions(ctx context.Context, tenant TenantID, batch []Transaction) (_ *ApplyResult, err error) {
	ctx, span := e.tracer.Start(ctx, "finance.ApplyTransactions", trace.WithAttributes(
		attribute.String("tenant", string(tenant)),
		attribute.Int("transactions", len(batch)),
	))
	defer func() { endSpan(span, err) }()

	txs, key, err := e.prepare(batch)
	if err != nil {
		return nil, err
	}
	if key != nil {
		span.SetAttributes(attribute.String("batch", key.String()))
	}

	store, err := e.stores.ForTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}

	var result *ApplyResult
	err = store.WithTx(ctx, func(s Store) error {
		r, err := e.applyLocked(ctx, s, txs, key)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		e.logRejection(tenant, key, err)
		return nil, err
	}

	e.logger.Info("transactions applied",
		zap.String("tenant", string(tenant)),
		zap.Int("count", len(result.Transactions)),
		zap.Stringer("batch", optionalKey(key)),
		zap.Bool("batch_closed", result.BatchClosed),
	)
	e.publishApplied(ctx, tenant, result)
	return result, nil
}

// =============================================================================
// PREPARATION (no storage access)
// =============================================================================

func (e *Engine) prepare(batch []Transaction) ([]Transaction, *BatchKey, error) {
	if len(batch) == 0 {
		return nil, nil, NewValidationError(Problem{Field: "transactions", Message: "at least one transaction is required"})
	}

	var problems []Problem
	txs := make([]Transaction, len(batch))
	seen := make(map[TransactionID]bool, len(batch))
	keys := make(map[BatchKey]bool)
	ungated := 0
	now := e.now()

	for i, tx := range batch {
		if tx.ID == "" {
			tx.ID = TransactionID(e.newID())
		}
		if seen[tx.ID] {
			problems = append(problems, Problem{Field: fmt.Sprintf("transactions[%d].id", i), Message: "duplicate id " + string(tx.ID)})
		}
		seen[tx.ID] = true

		if err := ValidateTransaction(tx); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				for _, p := range verr.Problems {
					problems = append(problems, Problem{Field: fmt.Sprintf("transactions[%d].%s", i, p.Field), Message: p.Message})
				}
			}
			continue
		}

		c := MustCurrency(tx.Currency)
		tx.Currency = c.Code
		tx.Amount = c.Round(tx.Amount)
		tx.VoidedAmount = nil
		tx.CreatedAt = now
		normalizeDetails(&tx)

		if k, gated := tx.BatchKey(); gated {
			keys[k] = true
		} else {
			ungated++
		}
		txs[i] = tx
	}

	if len(keys) > 1 {
		problems = append(problems, Problem{Field: "transactions", Message: "transactions belong to more than one batch"})
	}
	if len(keys) > 0 && ungated > 0 {
		problems = append(problems, Problem{Field: "transactions", Message: "allocations and transfers cannot share a call with batched transactions"})
	}
	if len(problems) > 0 {
		return nil, nil, &ValidationError{Problems: problems}
	}

	for k := range keys {
		return txs, &k, nil
	}
	return txs, nil, nil
}

func normalizeDetails(tx *Transaction) {
	switch tx.Type {
	case TxEncumbrance:
		enc := *tx.Encumbrance
		if enc.InitialAmountEncumbered.IsZero() {
			enc.InitialAmountEncumbered = tx.Amount
		}
		if enc.Status == "" {
			enc.Status = EncumbranceUnreleased
		}
		tx.Encumbrance = &enc
	case TxPendingPayment:
		if tx.AwaitingPayment != nil {
			ap := *tx.AwaitingPayment
			ap.ReleasedAmount = decimal.Zero
			tx.AwaitingPayment = &ap
		}
	}
	tx.Payment = nil
}

// =============================================================================
// APPLY (inside the storage transaction)
// =============================================================================

type budgetRef struct {
	Fund FundID
	Year FiscalYearID
}

func (r budgetRef) less(o budgetRef) bool {
	if r.Fund != o.Fund {
		return r.Fund < o.Fund
	}
	return r.Year < o.Year
}

// budgetRefs lists the budgets a transaction touches.
func budgetRefs(tx Transaction) []budgetRef {
	switch tx.Type {
	case TxAllocation, TxTransfer:
		var refs []budgetRef
		if tx.FromFundID != "" {
			refs = append(refs, budgetRef{Fund: tx.FromFundID, Year: tx.FiscalYearID})
		}
		if tx.ToFundID != "" {
			refs = append(refs, budgetRef{Fund: tx.ToFundID, Year: tx.FiscalYearID})
		}
		return refs
	}
	return []budgetRef{{Fund: tx.BudgetFund(), Year: tx.FiscalYearID}}
}

func sortedRefs(txs []Transaction) []budgetRef {
	set := make(map[budgetRef]bool)
	for _, tx := range txs {
		for _, r := range budgetRefs(tx) {
			set[r] = true
		}
	}
	refs := make([]budgetRef, 0, len(set))
	for r := range set {
		refs = append(refs, r)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].less(refs[j]) })
	return refs
}

// applyState is the working set of one storage transaction. released and
// converted carry what earlier transactions of the same batch took off an
// encumbrance or a pending payment.
type applyState struct {
	store     Store
	budgets   map[budgetRef]*Budget
	ledgers   map[FundID]*Ledger
	released  map[TransactionID]decimal.Decimal
	converted map[TransactionID]decimal.Decimal
}

func (e *Engine) applyLocked(ctx context.Context, s Store, txs []Transaction, key *BatchKey) (*ApplyResult, error) {
	refs := sortedRefs(txs)
	st := &applyState{
		store:     s,
		budgets:   make(map[budgetRef]*Budget, len(refs)),
		ledgers:   make(map[FundID]*Ledger),
		released:  make(map[TransactionID]decimal.Decimal),
		converted: make(map[TransactionID]decimal.Decimal),
	}
	for _, r := range refs {
		b, err := s.LockBudget(ctx, r.Fund, r.Year)
		if err != nil {
			return nil, fmt.Errorf("fund %s, fiscal year %s: %w", r.Fund, r.Year, err)
		}
		st.budgets[r] = b
	}

	var expected, stored int
	if key != nil {
		var err error
		if expected, err = CheckOpenOrFail(ctx, s, *key); err != nil {
			return nil, err
		}
		if stored, err = s.CountBatchTransactions(ctx, *key); err != nil {
			return nil, err
		}
		if stored+len(txs) > expected {
			return nil, NewValidationError(Problem{
				Field:   "transactions",
				Message: fmt.Sprintf("batch %s expects %d transactions, %d already applied, %d submitted", key, expected, stored, len(txs)),
			})
		}
	}

	for i := range txs {
		if _, err := s.GetTransaction(ctx, txs[i].ID); err == nil {
			return nil, fmt.Errorf("transaction %s: %w", txs[i].ID, ErrTransactionExists)
		} else if !errors.Is(err, ErrTransactionNotFound) {
			return nil, err
		}
		if err := e.applyOne(ctx, st, &txs[i]); err != nil {
			return nil, err
		}
	}

	result := &ApplyResult{Transactions: txs, Batch: key}
	for _, r := range refs {
		b := st.budgets[r]
		b.UpdatedAt = e.now()
		if err := s.UpdateBudget(ctx, *b); err != nil {
			return nil, err
		}
		result.Budgets = append(result.Budgets, *b)
	}
	if err := s.InsertTransactions(ctx, txs); err != nil {
		return nil, err
	}

	if key != nil && stored+len(txs) == expected {
		if err := CloseBatch(ctx, s, *key, e.now()); err != nil {
			return nil, err
		}
		result.BatchClosed = true
	}
	return result, nil
}

func (e *Engine) applyOne(ctx context.Context, st *applyState, tx *Transaction) error {
	c := MustCurrency(tx.Currency)

	switch tx.Type {
	case TxAllocation, TxTransfer:
		for _, r := range budgetRefs(*tx) {
			b := st.budgets[r]
			if err := checkCurrency(*tx, *b); err != nil {
				return err
			}
			if err := Verify(*tx, *b, Ledger{}, nil); err != nil {
				return err
			}
			applyFunding(b, *tx, r.Fund == tx.ToFundID, c)
			*b = Recompute(*b, c)
		}
		return nil
	}

	r := budgetRef{Fund: tx.BudgetFund(), Year: tx.FiscalYearID}
	b := st.budgets[r]
	if err := checkCurrency(*tx, *b); err != nil {
		return err
	}
	ledger, err := st.ledger(ctx, r.Fund)
	if err != nil {
		return err
	}
	related, err := st.resolveRelated(ctx, *tx)
	if err != nil {
		return err
	}
	if err := Verify(*tx, *b, *ledger, related); err != nil {
		return err
	}

	switch tx.Type {
	case TxEncumbrance:
		b.Encumbered = Add(c, b.Encumbered, tx.Amount)
	case TxPendingPayment:
		b.AwaitingPayment = Add(c, b.AwaitingPayment, tx.Amount)
		if related != nil {
			release := decimal.Min(tx.Amount, related.Amount)
			if tx.AwaitingPayment.ReleaseEncumbrance {
				release = related.Amount
			}
			b.Encumbered = SubtractNonNegative(c, b.Encumbered, release)
			tx.AwaitingPayment.ReleasedAmount = release
			st.released[related.Transaction.ID] = st.released[related.Transaction.ID].Add(release)
		}
	case TxPayment:
		b.Expenditures = Add(c, b.Expenditures, tx.Amount)
		if related != nil {
			convert := decimal.Min(tx.Amount, related.Amount)
			b.AwaitingPayment = SubtractNonNegative(c, b.AwaitingPayment, convert)
			tx.Payment = &PaymentDetails{PendingPaymentID: related.Transaction.ID, ConvertedAmount: convert}
			st.converted[related.Transaction.ID] = st.converted[related.Transaction.ID].Add(convert)
		}
	case TxCredit:
		b.Expenditures = SubtractNonNegative(c, b.Expenditures, tx.Amount)
	}
	*b = Recompute(*b, c)
	return nil
}

// applyFunding books an allocation or transfer on one side.
func applyFunding(b *Budget, tx Transaction, incoming bool, c Currency) {
	switch {
	case tx.Type == TxTransfer && incoming:
		b.NetTransfers = Add(c, b.NetTransfers, tx.Amount)
	case tx.Type == TxTransfer:
		b.NetTransfers = Subtract(c, b.NetTransfers, tx.Amount)
	case incoming && b.InitialAllocation.IsPositive():
		b.AllocationTo = Add(c, b.AllocationTo, tx.Amount)
	case incoming:
		b.InitialAllocation = tx.Amount
	default:
		b.AllocationFrom = Add(c, b.AllocationFrom, tx.Amount)
	}
}

func checkCurrency(tx Transaction, b Budget) error {
	if !strings.EqualFold(tx.Currency, b.Currency) {
		return NewValidationError(Problem{
			Field:   "currency",
			Message: fmt.Sprintf("transaction %s is in %s but budget %s is in %s", tx.ID, tx.Currency, b.ID, b.Currency),
		})
	}
	return nil
}

func (st *applyState) ledger(ctx context.Context, fund FundID) (*Ledger, error) {
	if l, ok := st.ledgers[fund]; ok {
		return l, nil
	}
	l, err := st.store.GetLedgerForFund(ctx, fund)
	if err != nil {
		return nil, fmt.Errorf("fund %s: %w", fund, err)
	}
	st.ledgers[fund] = l
	return l, nil
}

// resolveRelated finds the encumbrance a pending payment releases, or the
// pending payment a payment converts.
func (st *applyState) resolveRelated(ctx context.Context, tx Transaction) (*Related, error) {
	switch tx.Type {
	case TxPendingPayment:
		if tx.AwaitingPayment == nil || tx.AwaitingPayment.EncumbranceID == "" {
			return nil, nil
		}
		return st.encumbranceFor(ctx, tx)
	case TxPayment:
		return st.pendingPaymentFor(ctx, tx)
	}
	return nil, nil
}

// pendingPaymentFor resolves the pending payment on the payment's invoice
// line. Its Amount is what no live payment has converted yet.
func (st *applyState) pendingPaymentFor(ctx context.Context, tx Transaction) (*Related, error) {
	pp, err := st.store.FindPendingPayment(ctx, RelatedQuery{
		FundID:        tx.FromFundID,
		FiscalYearID:  tx.FiscalYearID,
		InvoiceID:     tx.SourceInvoiceID,
		InvoiceLineID: tx.SourceInvoiceLineID,
		Type:          TxPendingPayment,
	})
	if err != nil || pp == nil {
		return nil, err
	}
	conversions, err := st.store.ListConversions(ctx, pp.ID)
	if err != nil {
		return nil, err
	}
	outstanding := pp.Amount.Sub(st.converted[pp.ID])
	for _, p := range conversions {
		if !p.Voided() && p.Payment != nil {
			outstanding = outstanding.Sub(p.Payment.ConvertedAmount)
		}
	}
	return &Related{Transaction: *pp, Amount: NonNegative(outstanding)}, nil
}

func (st *applyState) encumbranceFor(ctx context.Context, tx Transaction) (*Related, error) {
	id := tx.AwaitingPayment.EncumbranceID
	enc, err := st.store.GetTransaction(ctx, id)
	if errors.Is(err, ErrTransactionNotFound) {
		return nil, NewValidationError(Problem{Field: "awaitingPayment.encumbranceId", Message: "unknown encumbrance " + string(id)})
	}
	if err != nil {
		return nil, err
	}
	if enc.Type != TxEncumbrance || enc.FromFundID != tx.FromFundID || enc.FiscalYearID != tx.FiscalYearID {
		return nil, NewValidationError(Problem{
			Field:   "awaitingPayment.encumbranceId",
			Message: fmt.Sprintf("%s is not an encumbrance on fund %s for fiscal year %s", id, tx.FromFundID, tx.FiscalYearID),
		})
	}

	outstanding := decimal.Zero
	if !enc.Voided() && enc.Encumbrance != nil && enc.Encumbrance.Status != EncumbranceReleased {
		releases, err := st.store.ListReleases(ctx, id)
		if err != nil {
			return nil, err
		}
		outstanding = enc.Amount.Sub(st.released[id])
		for _, pp := range releases {
			if !pp.Voided() && pp.AwaitingPayment != nil {
				outstanding = outstanding.Sub(pp.AwaitingPayment.ReleasedAmount)
			}
		}
		outstanding = NonNegative(outstanding)
	}
	return &Related{Transaction: *enc, Amount: outstanding}, nil
}

// =============================================================================
// BATCH SUMMARIES
// =============================================================================

// CreateBatchSummary registers a batch before its transactions arrive.
func (e *Engine) CreateBatchSummary(ctx context.Context, tenant TenantID, summary BatchSummary) (*BatchSummary, error) {
	if err := ValidateSummary(summary); err != nil {
		return nil, err
	}
	summary.State = BatchOpen
	summary.CreatedAt = e.now()
	summary.ClosedAt = nil

	store, err := e.stores.ForTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if err := store.CreateSummary(ctx, summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

func (e *Engine) GetBatchSummary(ctx context.Context, tenant TenantID, key BatchKey) (*BatchSummary, error) {
	store, err := e.stores.ForTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return store.GetSummary(ctx, key)
}

// =============================================================================
// HELPERS
// =============================================================================

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type keyStringer struct{ key *BatchKey }

func (k keyStringer) String() string {
	if k.key == nil {
		return "none"
	}
	return k.key.String()
}

func optionalKey(key *BatchKey) fmt.Stringer { return keyStringer{key: key} }

func (e *Engine) logRejection(tenant TenantID, key *BatchKey, err error) {
	fields := []zap.Field{
		zap.String("tenant", string(tenant)),
		zap.Stringer("batch", optionalKey(key)),
		zap.Error(err),
	}
	var insufficient *InsufficientFundsError
	if errors.As(err, &insufficient) {
		fields = append(fields,
			zap.String("budget_id", string(insufficient.BudgetID)),
			zap.Stringer("remaining", insufficient.Remaining),
			zap.Stringer("requested", insufficient.Requested),
		)
	}
	if IsRetryable(err) {
		e.logger.Error("apply failed", fields...)
		return
	}
	e.logger.Warn("apply rejected", fields...)
}

func (e *Engine) publish(ctx context.Context, event Event) {
	event.OccurredAt = e.now()
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Error("publish event failed",
			zap.String("type", string(event.Type)),
			zap.String("tenant", string(event.Tenant)),
			zap.Error(err),
		)
	}
}

func (e *Engine) publishApplied(ctx context.Context, tenant TenantID, r *ApplyResult) {
	ids := make([]TransactionID, len(r.Transactions))
	for i, tx := range r.Transactions {
		ids[i] = tx.ID
	}
	budgets := make([]BudgetID, len(r.Budgets))
	for i, b := range r.Budgets {
		budgets[i] = b.ID
	}
	e.publish(ctx, Event{Type: EventTransactionsApplied, Tenant: tenant, Batch: r.Batch, TransactionIDs: ids, BudgetIDs: budgets})
	if r.BatchClosed {
		e.publish(ctx, Event{Type: EventBatchClosed, Tenant: tenant, Batch: r.Batch})
	}
}
