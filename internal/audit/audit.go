// Package audit models the append-only audit trail.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kislikjeka/gatekeeper/pkg/logger"
)

// Action is what happened
type Action string

const (
	ActionIngest                 Action = "INGEST"
	ActionApprove                Action = "APPROVE"
	ActionReject                 Action = "REJECT"
	ActionCancel                 Action = "CANCEL"
	ActionApproveFailed          Action = "APPROVE_FAILED"
	ActionRejectFailed           Action = "REJECT_FAILED"
	ActionReconciliationRequired Action = "ARCHIVE_RECONCILIATION_REQUIRED"
	ActionRemoteWins             Action = "SYNC_REMOTE_WINS"
	ActionRequeue                Action = "SYNC_REQUEUE"
)

// EntityTransaction is the entity type of deal headers
const EntityTransaction = "transaction"

// ErrImmutable is returned by stores asked to change an existing entry
var ErrImmutable = errors.New("audit entries are append-only")

// Entry is an immutable audit record
type Entry struct {
	ID         uuid.UUID      `json:"id"`
	Action     Action         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	UserID     string         `json:"user_id"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewEntry creates a new audit entry
func NewEntry(action Action, entityType, entityID, userID string, details map[string]any, now time.Time) *Entry {
	return &Entry{
		ID:         uuid.New(),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		UserID:     userID,
		Details:    details,
		Timestamp:  now.UTC(),
	}
}

// Trail mirrors audit events to the structured log stream. Events that must
// not touch the store (a guard check that failed before any side effect) are
// only recorded here.
type Trail struct {
	logger *logger.Logger
}

// NewTrail creates a new audit trail logger
func NewTrail(log *logger.Logger) *Trail {
	return &Trail{logger: log.WithField("component", "audit")}
}

// Record writes one audit event to the log
func (t *Trail) Record(ctx context.Context, e *Entry, durable bool) {
	args := []any{
		"audit_id", e.ID.String(),
		"action", string(e.Action),
		"entity_type", e.EntityType,
		"entity_id", e.EntityID,
		"user_id", e.UserID,
		"durable", durable,
	}
	for k, v := range e.Details {
		args = append(args, "detail."+k, v)
	}
	t.logger.WithContext(ctx).Info("audit", args...)
}
