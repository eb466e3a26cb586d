package syncqueue

import (
	"time"
)

// Operation is the remote write an entry performs
type Operation string

const (
	OpInsert  Operation = "insert"
	OpUpdate  Operation = "update"
	OpUpsert  Operation = "upsert"
	OpReplace Operation = "replace"
)

// Status is the lifecycle state of an entry
type Status string

const (
	StatusPending           Status = "pending"
	StatusInFlight          Status = "in_flight"
	StatusFailed            Status = "failed"
	StatusPermanentlyFailed Status = "permanently_failed"
	StatusDone              Status = "done"
)

// Resolution records how a done entry was settled
type Resolution string

const (
	ResolutionSent       Resolution = "sent"
	ResolutionRemoteWins Resolution = "remote_wins"
)

// Table is a replicated table. Only these may appear in the queue.
type Table string

const (
	TableTransactions      Table = "transactions"
	TableFixedCosts        Table = "fixed_costs"
	TableRecurringServices Table = "recurring_services"
	TableAuditLog          Table = "audit_log"
)

// Priorities order a batch so parents go before their children
const (
	PriorityHeader = 0
	PriorityDetail = 1
	PriorityAudit  = 2
)

// Entry is one queued outbound mutation
type Entry struct {
	ID            int64
	Table         Table
	Operation     Operation
	EntityKey     string
	DependsOn     string
	Priority      int
	Payload       Payload
	AttemptCount  int
	Status        Status
	NextAttemptAt time.Time
	LastError     string
	Resolution    Resolution
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewEntry validates payload and operation and builds a pending entry.
// dependsOn is the entity key that must reach done before this entry is sent.
func NewEntry(op Operation, p Payload, dependsOn string, now time.Time) (*Entry, error) {
	if p == nil {
		return nil, ErrNilPayload
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if !p.allows(op) {
		return nil, &OperationError{Table: p.Table(), Operation: op}
	}
	now = now.UTC()
	return &Entry{
		Table:         p.Table(),
		Operation:     op,
		EntityKey:     EntityKey(p.Table(), p.EntityID()),
		DependsOn:     dependsOn,
		Priority:      p.priority(),
		Payload:       p,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// EntityKey names the remote row (or row set) an entry writes
func EntityKey(table Table, id string) string {
	return string(table) + ":" + id
}

// HeaderKey is the entity key of a deal header
func HeaderKey(transactionID string) string {
	return EntityKey(TableTransactions, transactionID)
}

// Stats summarizes the queue for operators
type Stats struct {
	Pending           int `json:"pending"`
	InFlight          int `json:"in_flight"`
	Failed            int `json:"failed"`
	PermanentlyFailed int `json:"permanently_failed"`
	Done              int `json:"done"`
}

// PendingCount is the number of entries not yet settled and still retried
func (s Stats) PendingCount() int {
	return s.Pending + s.InFlight + s.Failed
}
