package syncqueue

import (
	"context"
	"time"

	"github.com/kislikjeka/gatekeeper/internal/deal"
)

// Queue is the durable local side of the queue. Implementations serialize
// every state change through the local store's single write lock.
type Queue interface {
	// Enqueue persists entries inside the write transaction carried by ctx
	Enqueue(ctx context.Context, entries ...*Entry) error

	// ResetInFlight turns entries left in_flight by a previous run back into pending
	ResetInFlight(ctx context.Context, now time.Time) (int, error)

	// Due lists pending or failed entries whose next attempt is due, ordered
	// by priority then creation order
	Due(ctx context.Context, now time.Time, limit int) ([]*Entry, error)

	// Blocked reports whether an earlier unsettled entry writes the same
	// entity, writes the entity e depends on, or depends on e's entity
	Blocked(ctx context.Context, e *Entry) (bool, error)

	// Claim moves a due entry to in_flight; false if it was claimed or settled meanwhile
	Claim(ctx context.Context, id int64, now time.Time) (bool, error)

	Complete(ctx context.Context, id int64, res Resolution, now time.Time) error
	Reschedule(ctx context.Context, id int64, o Outcome, lastErr string, now time.Time) error

	// ResolveRemoteWins overwrites the local header with the remote one
	// (without enqueuing anything) and settles the entry as remote_wins
	ResolveRemoteWins(ctx context.Context, id int64, remote *deal.Transaction, now time.Time) error

	Stats(ctx context.Context) (Stats, error)
	Get(ctx context.Context, id int64) (*Entry, error)
	List(ctx context.Context, status Status, limit int) ([]*Entry, error)

	// Requeue gives a permanently failed entry a fresh set of attempts
	Requeue(ctx context.Context, id int64, now time.Time) error
}

// Remote is the store of record. Apply must be idempotent: sending the same
// entry any number of times leaves the same final row state.
type Remote interface {
	Apply(ctx context.Context, e *Entry) error
	FetchHeader(ctx context.Context, transactionID string) (*deal.Transaction, error)
}

// Clock abstracts time for the worker
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock
func SystemClock() Clock { return systemClock{} }
