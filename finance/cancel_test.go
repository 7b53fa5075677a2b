package finance_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/finance-engine/finance"
)

// encumberedAndPending leaves fund-a with an encumbrance of 60 of which a
// pending payment of 30 has been released.
func encumberedAndPending(t *testing.T) *fixture {
	f := newFixture(t)
	f.addBudget(t, restricted("fund-a", "100"))
	f.expect(t, finance.StageOrder, "po-1", 1)
	f.expect(t, finance.StagePendingPayments, "inv-1", 1)

	_, err := f.apply(encumbrance("enc-1", "fund-a", "po-1", "60"))
	require.NoError(t, err)
	_, err = f.apply(pendingPayment("pp-1", "fund-a", "inv-1", "30", "enc-1"))
	require.NoError(t, err)
	return f
}

func TestCancel_PendingPaymentRestoresEncumbrance(t *testing.T) {
	// GIVEN: A pending payment that released 30 of an encumbrance
	// WHEN: Cancelling it
	// THEN: awaiting payment drops by 30 and the 30 return to encumbered

	f := encumberedAndPending(t)

	cancelled, err := f.engine.CancelTransaction(f.ctx, tenant, "pp-1")
	require.NoError(t, err)
	require.NotNil(t, cancelled.VoidedAmount)
	assertAmount(t, "30", *cancelled.VoidedAmount, "voidedAmount")

	b := f.budget(t, "fund-a")
	assertAmount(t, "60", b.Encumbered, "encumbered")
	assertAmount(t, "0", b.AwaitingPayment, "awaitingPayment")
	assertAmount(t, "40", b.Available, "available")

	// The gate stays closed.
	assert.True(t, f.summary(t, finance.StagePendingPayments, "inv-1").Closed())
	assert.Contains(t, f.publisher.types(), finance.EventTransactionCancelled)
}

func TestCancel_VoidedReleaseFreesEncumbranceAgain(t *testing.T) {
	// GIVEN: A cancelled pending payment on enc-1
	// WHEN: A new invoice releases from the same encumbrance
	// THEN: The full 60 is available to release again

	f := encumberedAndPending(t)
	_, err := f.engine.CancelTransaction(f.ctx, tenant, "pp-1")
	require.NoError(t, err)

	f.expect(t, finance.StagePendingPayments, "inv-2", 1)
	result, err := f.apply(pendingPayment("pp-2", "fund-a", "inv-2", "60", "enc-1"))
	require.NoError(t, err)

	assertAmount(t, "60", result.Transactions[0].AwaitingPayment.ReleasedAmount, "releasedAmount")
	assertAmount(t, "0", f.budget(t, "fund-a").Encumbered, "encumbered")
}

func TestCancel_PaymentAndCredit(t *testing.T) {
	f := newFixture(t)
	f.addBudget(t, restricted("fund-a", "100"))
	f.expect(t, finance.StagePaymentsCredits, "inv-1", 2)
	_, err := f.apply(
		payment("pay-1", "fund-a", "inv-1", "40"),
		credit("cr-1", "fund-a", "inv-1", "10"),
	)
	require.NoError(t, err)
	assertAmount(t, "30", f.budget(t, "fund-a").Expenditures, "expenditures")

	_, err = f.engine.CancelTransaction(f.ctx, tenant, "cr-1")
	require.NoError(t, err)
	assertAmount(t, "40", f.budget(t, "fund-a").Expenditures, "after credit cancel")

	_, err = f.engine.CancelTransaction(f.ctx, tenant, "pay-1")
	require.NoError(t, err)
	b := f.budget(t, "fund-a")
	assertAmount(t, "0", b.Expenditures, "after payment cancel")
	assertAmount(t, "100", b.CashBalance, "cashBalance")
}

// paidPendingPayment leaves fund-a with a pending payment of 40 converted
// in full by pay-1. The invoice's payment batch expects two payments.
func paidPendingPayment(t *testing.T) *fixture {
	f := newFixture(t)
	f.addBudget(t, restricted("fund-a", "100"))
	f.expect(t, finance.StagePendingPayments, "inv-1", 1)
	f.expect(t, finance.StagePaymentsCredits, "inv-1", 2)

	_, err := f.apply(pendingPayment("pp-1", "fund-a", "inv-1", "40", ""))
	require.NoError(t, err)
	_, err = f.apply(payment("pay-1", "fund-a", "inv-1", "40"))
	require.NoError(t, err)
	return f
}

func TestCancel_PaymentRestoresAwaitingPayment(t *testing.T) {
	// GIVEN: A pending payment of 40 converted by pay-1
	// WHEN: Cancelling pay-1 and paying again
	// THEN: The 40 returns to awaiting payment and the new payment converts it again

	f := paidPendingPayment(t)

	_, err := f.engine.CancelTransaction(f.ctx, tenant, "pay-1")
	require.NoError(t, err)
	b := f.budget(t, "fund-a")
	assertAmount(t, "40", b.AwaitingPayment, "awaitingPayment")
	assertAmount(t, "0", b.Expenditures, "expenditures")

	result, err := f.apply(payment("pay-2", "fund-a", "inv-1", "40"))
	require.NoError(t, err)
	assertAmount(t, "40", result.Transactions[0].Payment.ConvertedAmount, "convertedAmount")

	b = f.budget(t, "fund-a")
	assertAmount(t, "0", b.AwaitingPayment, "awaitingPayment after repay")
	assertAmount(t, "40", b.Expenditures, "expenditures after repay")
}

func TestCancel_PaidPendingPaymentRejected(t *testing.T) {
	f := paidPendingPayment(t)

	_, err := f.engine.CancelTransaction(f.ctx, tenant, "pp-1")
	assert.ErrorIs(t, err, finance.ErrValidation)

	_, err = f.engine.CancelTransaction(f.ctx, tenant, "pay-1")
	require.NoError(t, err)
	_, err = f.engine.CancelTransaction(f.ctx, tenant, "pp-1")
	require.NoError(t, err)

	b := f.budget(t, "fund-a")
	assertAmount(t, "0", b.AwaitingPayment, "awaitingPayment")
	assertAmount(t, "0", b.Expenditures, "expenditures")
	assertAmount(t, "100", b.Available, "available")
}

func TestCancel_Twice(t *testing.T) {
	f := encumberedAndPending(t)

	_, err := f.engine.CancelTransaction(f.ctx, tenant, "pp-1")
	require.NoError(t, err)

	_, err = f.engine.CancelTransaction(f.ctx, tenant, "pp-1")
	assert.ErrorIs(t, err, finance.ErrAlreadyVoided)
	assertAmount(t, "60", f.budget(t, "fund-a").Encumbered, "encumbered")
}

func TestCancel_RejectsOtherTypes(t *testing.T) {
	f := encumberedAndPending(t)

	_, err := f.engine.CancelTransaction(f.ctx, tenant, "enc-1")
	assert.ErrorIs(t, err, finance.ErrValidation)
}

func TestCancel_Unknown(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.CancelTransaction(f.ctx, tenant, "nope")
	assert.ErrorIs(t, err, finance.ErrTransactionNotFound)
}
