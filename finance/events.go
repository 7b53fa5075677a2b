package finance

import (
	"context"
	"time"
)

type EventType string

const (
	EventTransactionsApplied  EventType = "transactions.applied"
	EventBatchClosed          EventType = "batch.closed"
	EventTransactionCancelled EventType = "transaction.cancelled"
	EventBudgetDeleted        EventType = "budget.deleted"
)

// Event is published after the storage transaction that produced it has
// committed. A failed publish never undoes the commit.
type Event struct {
	Type           EventType       `json:"type"`
	Tenant         TenantID        `json:"tenant"`
	Batch          *BatchKey       `json:"batch,omitempty"`
	TransactionIDs []TransactionID `json:"transactionIds,omitempty"`
	BudgetIDs      []BudgetID      `json:"budgetIds,omitempty"`
	OccurredAt     time.Time       `json:"occurredAt"`
}

// EventPublisher delivers engine events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
