package finance

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// CancelTransaction voids a pending payment, payment or credit and reverses
// its effect on the budget. The transaction row stays; only VoidedAmount is
// set. Batch gates are not touched. A pending payment that live payments
// have converted cannot be cancelled until those payments are.
//
//	pending payment: awaitingPayment -= amt, encumbered += released amount
//	payment:         expenditures -= amt, awaitingPayment += converted amount
//	credit:          expenditures += amt
func (e *Engine) CancelTransaction(ctx context.Context, tenant TenantID, id TransactionID) (_ *Transaction, err error) {
	ctx, span := e.tracer.Start(ctx, "finance.CancelTransaction", trace.WithAttributes(
		attribute.String("tenant", string(tenant)),
		attribute.String("transaction_id", string(id)),
	))
	defer func() { endSpan(span, err) }()

	store, err := e.stores.ForTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}

	var (
		cancelled Transaction
		budget    Budget
	)
	err = store.WithTx(ctx, func(s Store) error {
		tx, err := s.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		switch tx.Type {
		case TxPendingPayment, TxPayment, TxCredit:
		default:
			return NewValidationError(Problem{
				Field:   "transactionType",
				Message: fmt.Sprintf("%s transactions cannot be cancelled", tx.Type),
			})
		}
		if tx.Voided() {
			return fmt.Errorf("transaction %s: %w", id, ErrAlreadyVoided)
		}
		if tx.Type == TxPendingPayment {
			if err := checkUnconverted(ctx, s, id); err != nil {
				return err
			}
		}

		b, err := s.LockBudget(ctx, tx.BudgetFund(), tx.FiscalYearID)
		if err != nil {
			return err
		}
		c, err := ParseCurrency(b.Currency)
		if err != nil {
			return NewValidationError(Problem{Field: "currency", Message: err.Error()})
		}

		switch tx.Type {
		case TxPendingPayment:
			b.AwaitingPayment = SubtractNonNegative(c, b.AwaitingPayment, tx.Amount)
			if tx.AwaitingPayment != nil {
				b.Encumbered = Add(c, b.Encumbered, tx.AwaitingPayment.ReleasedAmount)
			}
		case TxPayment:
			b.Expenditures = SubtractNonNegative(c, b.Expenditures, tx.Amount)
			if tx.Payment != nil {
				b.AwaitingPayment = Add(c, b.AwaitingPayment, tx.Payment.ConvertedAmount)
			}
		case TxCredit:
			b.Expenditures = Add(c, b.Expenditures, tx.Amount)
		}
		*b = Recompute(*b, c)
		b.UpdatedAt = e.now()

		if err := s.UpdateBudget(ctx, *b); err != nil {
			return err
		}
		if err := s.VoidTransaction(ctx, id, tx.Amount); err != nil {
			return err
		}
		voided := tx.Amount
		tx.VoidedAmount = &voided
		cancelled, budget = *tx, *b
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("transaction cancelled",
		zap.String("tenant", string(tenant)),
		zap.String("transaction_id", string(id)),
		zap.String("type", string(cancelled.Type)),
		zap.String("budget_id", string(budget.ID)),
	)
	e.publish(ctx, Event{
		Type:           EventTransactionCancelled,
		Tenant:         tenant,
		TransactionIDs: []TransactionID{id},
		BudgetIDs:      []BudgetID{budget.ID},
	})
	return &cancelled, nil
}

func checkUnconverted(ctx context.Context, s Store, id TransactionID) error {
	payments, err := s.ListConversions(ctx, id)
	if err != nil {
		return err
	}
	for _, p := range payments {
		if !p.Voided() {
			return NewValidationError(Problem{
				Field:   "id",
				Message: fmt.Sprintf("pending payment %s has been paid by %s; cancel the payment first", id, p.ID),
			})
		}
	}
	return nil
}
