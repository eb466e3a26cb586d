package syncqueue

import (
	"errors"
	"fmt"
)

// Payload errors
var (
	ErrNilPayload     = errors.New("payload is required")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrUnknownTable   = errors.New("table is not replicated")
)

// Remote outcome errors
var (
	// ErrConflict is returned by a Remote when the remote row is no longer in
	// the state the queued mutation expects. The remote value wins.
	ErrConflict = errors.New("remote row diverged")
)

// Queue errors
var (
	ErrEntryNotFound   = errors.New("sync entry not found")
	ErrNotRequeueable  = errors.New("only permanently failed entries can be requeued")
	ErrWorkerNotActive = errors.New("sync worker is not running")
)

// OperationError reports an operation the payload variant does not allow
type OperationError struct {
	Table     Table
	Operation Operation
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %q not allowed on %s", e.Operation, e.Table)
}
