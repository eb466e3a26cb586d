package intake

import (
	"context"

	"github.com/kislikjeka/gatekeeper/internal/audit"
	"github.com/kislikjeka/gatekeeper/internal/deal"
	"github.com/kislikjeka/gatekeeper/internal/syncqueue"
)

// Store defines the local store operations used by ingestion
type Store interface {
	// WithWriteTx runs fn inside the single local write transaction
	WithWriteTx(ctx context.Context, fn func(ctx context.Context) error) error

	UpsertTransaction(ctx context.Context, t *deal.Transaction) error
	ReplaceDetails(ctx context.Context, transactionID string, fixed []deal.FixedCost, recurring []deal.RecurringService) error
	CommitDecision(ctx context.Context, t *deal.Transaction, loaded deal.Revision) error

	GetTransaction(ctx context.Context, id string) (*deal.Transaction, error)
	GetTransactionWithDetails(ctx context.Context, id string) (*deal.Transaction, error)
	ListTransactions(ctx context.Context, status deal.Status, limit int) ([]*deal.Transaction, error)

	AppendAudit(ctx context.Context, e *audit.Entry) error
	Enqueue(ctx context.Context, entries ...*syncqueue.Entry) error
}

// KPIEngine computes the financial snapshot of a deal
type KPIEngine interface {
	Compute(t *deal.Transaction) (deal.KPISnapshot, error)
}

// Waker nudges the sync worker after new entries were queued
type Waker interface {
	Wake()
}
