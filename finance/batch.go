/*
batch.go - Batch completion gate

PURPOSE:
  A purchase order's encumbrances, or an invoice's pending payments or
  payments/credits, arrive as separate calls but must apply exactly once
  as a group. The caller first registers a BatchSummary with the number
  of transactions to expect; the gate then guards two things:

    CheckOpenOrFail  - a closed batch rejects every further transaction
    CloseBatch       - Open -> Closed, once, in the transaction that
                       applies the last expected transaction

STATE MACHINE:
    Open(expectedCount) --CloseBatch--> Closed
  There is no reopen. Correcting an over-applied batch goes through
  CancelTransaction, never through the gate.

COUNTING:
  The gate never stores a running count. The applier counts the
  transactions already stored under the batch key and decides when the
  batch is complete.
*/
package finance

import (
	"context"
	"fmt"
	"time"
)

type BatchStage string

const (
	StageOrder           BatchStage = "order"
	StagePendingPayments BatchStage = "pending-payments"
	StagePaymentsCredits BatchStage = "payments-credits"
)

func (s BatchStage) Valid() bool {
	switch s {
	case StageOrder, StagePendingPayments, StagePaymentsCredits:
		return true
	}
	return false
}

// BatchKey identifies one summary: a purchase order id for encumbrances,
// an invoice id for the two invoice stages.
type BatchKey struct {
	Stage BatchStage `json:"stage"`
	ID    string     `json:"id"`
}

func (k BatchKey) String() string {
	return fmt.Sprintf("%s/%s", k.Stage, k.ID)
}

type BatchState string

const (
	BatchOpen   BatchState = "Open"
	BatchClosed BatchState = "Closed"
)

type BatchSummary struct {
	ID            string     `json:"id"`
	Stage         BatchStage `json:"stage"`
	ExpectedCount int        `json:"expectedCount"`
	State         BatchState `json:"state"`
	CreatedAt     time.Time  `json:"createdAt"`
	ClosedAt      *time.Time `json:"closedAt,omitempty"`
}

func (s BatchSummary) Key() BatchKey {
	return BatchKey{Stage: s.Stage, ID: s.ID}
}

func (s BatchSummary) Closed() bool {
	return s.State == BatchClosed
}

// ValidateSummary checks a summary before it is stored.
func ValidateSummary(s BatchSummary) error {
	var problems []Problem
	if s.ID == "" {
		problems = append(problems, required("id"))
	}
	if !s.Stage.Valid() {
		problems = append(problems, Problem{Field: "stage", Message: "unknown stage " + string(s.Stage)})
	}
	if s.ExpectedCount <= 0 {
		problems = append(problems, Problem{Field: "expectedCount", Message: "must be positive"})
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// =============================================================================
// GATE
// =============================================================================

// CheckOpenOrFail locks the summary and returns its expected count.
// Must run inside WithTx so the lock covers the whole apply.
func CheckOpenOrFail(ctx context.Context, s SummaryStore, key BatchKey) (int, error) {
	summary, err := s.LockSummary(ctx, key)
	if err != nil {
		return 0, err
	}
	if summary.Closed() {
		return 0, &BatchAlreadyProcessedError{Key: key}
	}
	return summary.ExpectedCount, nil
}

// CloseBatch moves the summary to Closed. Calling it on a closed summary
// fails with BatchAlreadyProcessedError.
func CloseBatch(ctx context.Context, s SummaryStore, key BatchKey, at time.Time) error {
	return s.CloseSummary(ctx, key, at)
}
