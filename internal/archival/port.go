package archival

import (
	"context"
	"io"
	"time"

	"github.com/kislikjeka/gatekeeper/internal/audit"
	"github.com/kislikjeka/gatekeeper/internal/deal"
	"github.com/kislikjeka/gatekeeper/internal/platform/fileguard"
	"github.com/kislikjeka/gatekeeper/internal/syncqueue"
)

// Store defines the local store operations used by the archival command
type Store interface {
	WithWriteTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetTransactionWithDetails(ctx context.Context, id string) (*deal.Transaction, error)
	CommitDecision(ctx context.Context, t *deal.Transaction, loaded deal.Revision) error
	AppendAudit(ctx context.Context, e *audit.Entry) error
	Enqueue(ctx context.Context, entries ...*syncqueue.Entry) error
}

// Guard checks that an inbox file is safe to move
type Guard interface {
	CheckReadiness(ctx context.Context, path string) (fileguard.Readiness, error)
}

// Encryptor writes an encrypted copy of src to a new file at dst, copying
// the plaintext it read to plain
type Encryptor interface {
	EncryptFile(src, dst string, plain io.Writer) error
}

// KPIEngine computes the financial snapshot frozen at decision time
type KPIEngine interface {
	Compute(t *deal.Transaction) (deal.KPISnapshot, error)
}

// Waker nudges the sync worker
type Waker interface {
	Wake()
}

// Notification is what gets announced once a decision completed
type Notification struct {
	TransactionID string            `json:"transaction_id"`
	Decision      deal.Status       `json:"decision"`
	BusinessUnit  deal.BusinessUnit `json:"business_unit"`
	ClientName    string            `json:"client_name"`
	ArchivedPath  string            `json:"archived_path"`
	Reason        string            `json:"reason,omitempty"`
	DecidedBy     string            `json:"decided_by"`
	DecidedAt     time.Time         `json:"decided_at"`
}

// Notifier delivers decision notifications. Failures never affect the
// decision itself.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
