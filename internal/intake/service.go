// Package intake registers parsed deal files in the local store and queues
// them for replication.
package intake

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kislikjeka/gatekeeper/internal/audit"
	"github.com/kislikjeka/gatekeeper/internal/deal"
	"github.com/kislikjeka/gatekeeper/internal/platform/fingerprint"
	apperrors "github.com/kislikjeka/gatekeeper/internal/shared/errors"
	"github.com/kislikjeka/gatekeeper/internal/syncqueue"
	"github.com/kislikjeka/gatekeeper/pkg/logger"
)

// Service provides deal ingestion, cancellation and lookup
type Service struct {
	store    Store
	engine   KPIEngine
	waker    Waker
	trail    *audit.Trail
	inboxDir string
	now      func() time.Time
	logger   *logger.Logger
}

// Option configures the service
type Option func(*Service)

// WithInbox lets the service fingerprint inbox files the parser did not hash
func WithInbox(dir string) Option {
	return func(s *Service) { s.inboxDir = dir }
}

// WithWaker wakes the sync worker after each committed change
func WithWaker(w Waker) Option {
	return func(s *Service) { s.waker = w }
}

// WithClock overrides the wall clock
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new intake service
func NewService(store Store, engine KPIEngine, log *logger.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		engine: engine,
		trail:  audit.NewTrail(log),
		now:    func() time.Time { return time.Now().UTC() },
		logger: log.WithField("component", "intake"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest stores a parsed deal with its detail lines, the INGEST audit row and
// the sync entries in one local transaction. Re-ingesting a PENDING deal
// replaces its header fields and its full detail set.
func (s *Service) Ingest(ctx context.Context, req *IngestRequest) (*deal.Transaction, error) {
	actor, ok := deal.ActorFrom(ctx)
	if !ok {
		return nil, apperrors.Unauthorized("no acting user")
	}
	now := s.now()

	id := req.TransactionID
	createdBy, createdAt := actor.UserID, now
	if id != "" {
		if !deal.ValidID(id) {
			return nil, apperrors.Wrap(deal.ErrInvalidID, apperrors.ErrCodeValidation, "invalid transaction id")
		}
		existing, err := s.store.GetTransaction(ctx, id)
		if err != nil {
			return nil, s.mapStoreError(err, id)
		}
		if existing.Status.Terminal() {
			return nil, apperrors.AlreadyTerminal(id, string(existing.Status))
		}
		createdBy, createdAt = existing.CreatedBy, existing.CreatedAt
	} else {
		id = deal.NewID(now)
	}

	t, err := req.build(id, createdBy, createdAt)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid deal")
	}
	t.UpdatedAt = now

	if t.FileFingerprint == "" && s.inboxDir != "" && t.FileName != "" {
		h, err := fingerprint.FingerprintFile(filepath.Join(s.inboxDir, filepath.Base(t.FileName)))
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "cannot fingerprint inbox file")
		}
		t.FileFingerprint = string(h)
	}
	if t.FileFingerprint != "" {
		if _, err := fingerprint.Parse(t.FileFingerprint); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid file fingerprint")
		}
	}

	if err := t.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid deal")
	}

	if req.KPI != nil && !req.KPI.IsZero() {
		t.KPI = *req.KPI
	} else if t.KPI, err = s.engine.Compute(t); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "cannot compute deal kpi")
	}

	entry := audit.NewEntry(audit.ActionIngest, audit.EntityTransaction, t.ID, actor.UserID, map[string]any{
		"file_name":          t.FileName,
		"file_fingerprint":   t.FileFingerprint,
		"fixed_costs":        len(t.FixedCosts),
		"recurring_services": len(t.RecurringServices),
		"reingest":           req.TransactionID != "",
	}, now)

	queued, err := syncqueue.IngestEntries(t, entry, now)
	if err != nil {
		return nil, apperrors.Internal("failed to build sync entries", err)
	}

	err = s.store.WithWriteTx(ctx, func(ctx context.Context) error {
		if err := s.store.UpsertTransaction(ctx, t); err != nil {
			return err
		}
		if err := s.store.ReplaceDetails(ctx, t.ID, t.FixedCosts, t.RecurringServices); err != nil {
			return err
		}
		if err := s.store.AppendAudit(ctx, entry); err != nil {
			return err
		}
		return s.store.Enqueue(ctx, queued...)
	})
	if err != nil {
		return nil, s.mapStoreError(err, t.ID)
	}

	s.trail.Record(ctx, entry, true)
	s.logger.WithContext(ctx).Info("deal ingested",
		"transaction_id", t.ID,
		"business_unit", string(t.BusinessUnit),
		"fingerprint", fingerprint.Hash(t.FileFingerprint).Short())
	s.wake()
	return t, nil
}

// Cancel withdraws a PENDING deal. Only its creator or a user who may decide
// deals can cancel it.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*deal.Transaction, error) {
	actor, ok := deal.ActorFrom(ctx)
	if !ok {
		return nil, apperrors.Unauthorized("no acting user")
	}

	t, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, s.mapStoreError(err, id)
	}
	if t.CreatedBy != actor.UserID && !actor.Role.CanDecide() {
		return nil, apperrors.Forbidden("only the creator or finance can cancel a deal")
	}
	if t.Status.Terminal() {
		return nil, apperrors.AlreadyTerminal(id, string(t.Status))
	}

	loaded := t.Revision()
	now := s.now()
	t.Status = deal.StatusCancelled
	t.RejectionNote = strings.TrimSpace(reason)
	t.UpdatedAt = now

	entry := audit.NewEntry(audit.ActionCancel, audit.EntityTransaction, id, actor.UserID,
		map[string]any{"reason": t.RejectionNote}, now)

	queued, err := syncqueue.DecisionEntries(t, deal.StatusPending, entry, now)
	if err != nil {
		return nil, apperrors.Internal("failed to build sync entries", err)
	}

	err = s.store.WithWriteTx(ctx, func(ctx context.Context) error {
		if err := s.store.CommitDecision(ctx, t, loaded); err != nil {
			return err
		}
		if err := s.store.AppendAudit(ctx, entry); err != nil {
			return err
		}
		return s.store.Enqueue(ctx, queued...)
	})
	if err != nil {
		return nil, s.mapStoreError(err, id)
	}

	s.trail.Record(ctx, entry, true)
	s.logger.WithContext(ctx).Info("deal cancelled", "transaction_id", id)
	s.wake()
	return t, nil
}

// Get returns a deal with its detail lines
func (s *Service) Get(ctx context.Context, id string) (*deal.Transaction, error) {
	t, err := s.store.GetTransactionWithDetails(ctx, id)
	if err != nil {
		return nil, s.mapStoreError(err, id)
	}
	return t, nil
}

// List returns deal headers, newest first
func (s *Service) List(ctx context.Context, status deal.Status, limit int) ([]*deal.Transaction, error) {
	if status != "" && !status.Valid() {
		return nil, apperrors.Wrap(deal.ErrInvalidStatus, apperrors.ErrCodeValidation, "invalid status filter")
	}
	list, err := s.store.ListTransactions(ctx, status, limit)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to list deals", err)
	}
	return list, nil
}

func (s *Service) wake() {
	if s.waker != nil {
		s.waker.Wake()
	}
}

func (s *Service) mapStoreError(err error, id string) error {
	switch {
	case apperrors.IsAppError(err):
		return err
	case errors.Is(err, deal.ErrNotFound):
		return apperrors.NotFound("transaction").With("transaction_id", id)
	case errors.Is(err, deal.ErrStatusChanged):
		return apperrors.Wrap(err, apperrors.ErrCodeAlreadyTerminal, "transaction was decided concurrently").
			With("transaction_id", id)
	case errors.Is(err, deal.ErrStale):
		return apperrors.Wrap(err, apperrors.ErrCodeConflict, "transaction was re-ingested concurrently").
			With("transaction_id", id)
	default:
		return apperrors.DatabaseError(fmt.Sprintf("local store failure for %s", id), err)
	}
}
