// Package archival decides PENDING deals: it checks that the inbox file is
// safe to move, archives it, and commits the decision locally together with
// its sync entries.
package archival

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kislikjeka/gatekeeper/internal/audit"
	"github.com/kislikjeka/gatekeeper/internal/deal"
	"github.com/kislikjeka/gatekeeper/internal/platform/fileguard"
	"github.com/kislikjeka/gatekeeper/internal/platform/fingerprint"
	"github.com/kislikjeka/gatekeeper/internal/platform/vault"
	apperrors "github.com/kislikjeka/gatekeeper/internal/shared/errors"
	"github.com/kislikjeka/gatekeeper/internal/syncqueue"
	"github.com/kislikjeka/gatekeeper/pkg/config"
	"github.com/kislikjeka/gatekeeper/pkg/logger"
)

// partialSuffix marks an encrypted archive still being written
const partialSuffix = ".partial"

// Config holds the archival command settings
type Config struct {
	Paths config.Paths
	// NotSteadyRetries is how many extra readiness checks a file still being
	// written gets before the command gives up
	NotSteadyRetries int
	NotSteadyDelay   time.Duration
	NotifyTimeout    time.Duration
}

// DefaultConfig returns the default settings for the given archive layout
func DefaultConfig(paths config.Paths) Config {
	return Config{
		Paths:            paths,
		NotSteadyRetries: 3,
		NotSteadyDelay:   2 * time.Second,
		NotifyTimeout:    5 * time.Second,
	}
}

// Outcome describes a finished command
type Outcome struct {
	TransactionID string           `json:"transaction_id"`
	Decision      deal.Status      `json:"decision"`
	State         State            `json:"state"`
	ArchivedPath  string           `json:"archived_path,omitempty"`
	Fingerprint   fingerprint.Hash `json:"fingerprint,omitempty"`
	Encrypted     bool             `json:"encrypted"`
	DecidedAt     time.Time        `json:"decided_at"`
	Trace         []State          `json:"trace"`
}

// Result is delivered by the async variants
type Result struct {
	Outcome *Outcome
	Err     error
}

// Command runs approve and reject decisions
type Command struct {
	cfg       Config
	store     Store
	guard     Guard
	encryptor Encryptor
	engine    KPIEngine
	notifier  Notifier
	waker     Waker
	trail     *audit.Trail
	now       func() time.Time
	logger    *logger.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	notifies sync.WaitGroup
}

// Option configures the command
type Option func(*Command)

// WithNotifier sets the collaborator told about completed decisions
func WithNotifier(n Notifier) Option {
	return func(c *Command) { c.notifier = n }
}

// WithWaker wakes the sync worker after each committed decision
func WithWaker(w Waker) Option {
	return func(c *Command) { c.waker = w }
}

// WithClock overrides the wall clock
func WithClock(now func() time.Time) Option {
	return func(c *Command) { c.now = now }
}

// New creates the archival command. A nil encryptor archives approved files
// in plain text.
func New(cfg Config, store Store, guard Guard, enc Encryptor, engine KPIEngine, log *logger.Logger, opts ...Option) *Command {
	if cfg.NotSteadyRetries < 0 {
		cfg.NotSteadyRetries = 0
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}
	c := &Command{
		cfg:       cfg,
		store:     store,
		guard:     guard,
		encryptor: enc,
		engine:    engine,
		trail:     audit.NewTrail(log),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    log.WithField("component", "archival"),
		inflight:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Approve archives the deal's file encrypted under the approved root and
// marks the deal APPROVED
func (c *Command) Approve(ctx context.Context, id string) (*Outcome, error) {
	return c.execute(ctx, deal.StatusApproved, id, "")
}

// Reject archives the deal's file under the rejected root and marks the deal
// REJECTED with the given note
func (c *Command) Reject(ctx context.Context, id, note string) (*Outcome, error) {
	return c.execute(ctx, deal.StatusRejected, id, strings.TrimSpace(note))
}

// ApproveAsync runs Approve on its own goroutine
func (c *Command) ApproveAsync(ctx context.Context, id string) <-chan Result {
	return c.async(func() (*Outcome, error) { return c.Approve(ctx, id) })
}

// RejectAsync runs Reject on its own goroutine
func (c *Command) RejectAsync(ctx context.Context, id, note string) <-chan Result {
	return c.async(func() (*Outcome, error) { return c.Reject(ctx, id, note) })
}

func (c *Command) async(fn func() (*Outcome, error)) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		o, err := fn()
		ch <- Result{Outcome: o, Err: err}
	}()
	return ch
}

// Wait blocks until every notification handed off so far was delivered or
// timed out
func (c *Command) Wait() {
	c.notifies.Wait()
}

// decision carries the state of one command through its steps
type decision struct {
	status  deal.Status
	note    string
	actor   deal.Actor
	run     *run
	tx      *deal.Transaction
	loaded  deal.Revision
	src     string
	dest    string
	hash    fingerprint.Hash
	kpi     deal.KPISnapshot
	decided time.Time
	moved   bool
}

func (c *Command) execute(ctx context.Context, status deal.Status, id, note string) (*Outcome, error) {
	d := &decision{status: status, note: note, run: newRun()}
	ctx = context.WithValue(ctx, logger.TransactionIDKey, id)
	log := c.logger.WithContext(ctx).WithField("decision", string(status))

	actor, ok := deal.ActorFrom(ctx)
	if !ok {
		return c.refuse(ctx, d, id, apperrors.Unauthorized("no acting user"))
	}
	d.actor = actor
	if !actor.Role.CanDecide() {
		return c.refuse(ctx, d, id, apperrors.Forbidden("only finance or admin users can decide deals").
			With("role", string(actor.Role)))
	}

	if !c.claim(id) {
		return c.refuse(ctx, d, id, apperrors.InProgress(id))
	}
	defer c.release(id)

	t, err := c.store.GetTransactionWithDetails(ctx, id)
	if err != nil {
		if errors.Is(err, deal.ErrNotFound) {
			return c.refuse(ctx, d, id, apperrors.NotFound("transaction").With("transaction_id", id))
		}
		return c.refuse(ctx, d, id, apperrors.DatabaseError("failed to load deal", err))
	}
	if t.Status.Terminal() {
		return c.refuse(ctx, d, id, apperrors.AlreadyTerminal(id, string(t.Status)))
	}
	d.tx = t
	d.loaded = t.Revision()

	if err := c.guardAndPlace(ctx, d); err != nil {
		if d.moved {
			return c.partial(context.WithoutCancel(ctx), d, err)
		}
		return c.fail(ctx, d, err)
	}

	// The file has left the inbox; the commit must not be abandoned.
	ctx = context.WithoutCancel(ctx)

	entry, err := c.commit(ctx, d)
	if err != nil {
		return c.partial(ctx, d, err)
	}
	if err := d.run.advance(StateLocalCommitted); err != nil {
		return nil, apperrors.Internal("archival state", err)
	}

	c.trail.Record(ctx, entry, true)
	if c.waker != nil {
		c.waker.Wake()
	}
	if err := d.run.advance(StateEnqueued); err != nil {
		return nil, apperrors.Internal("archival state", err)
	}

	c.notify(ctx, d)
	if err := d.run.advance(StateCompleted); err != nil {
		return nil, apperrors.Internal("archival state", err)
	}

	log.Info("deal decided",
		"archived_path", d.dest,
		"fingerprint", d.hash.Short(),
		"decided_by", actor.UserID)
	return d.outcome(c.encrypts(status)), nil
}

// guardAndPlace runs every step up to and including the move
func (c *Command) guardAndPlace(ctx context.Context, d *decision) error {
	t := d.tx
	name := filepath.Base(t.FileName)
	d.src = filepath.Join(c.cfg.Paths.Inbox, name)

	if err := c.awaitReady(ctx, d.src); err != nil {
		return err
	}
	if err := d.run.advance(StateReadinessChecked); err != nil {
		return err
	}

	expected, err := fingerprint.Parse(t.FileFingerprint)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "stored fingerprint is invalid")
	}
	ok, actual, err := fingerprint.Verify(d.src, expected)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeFileNotReady, "cannot read inbox file").With("path", d.src)
	}
	if !ok {
		return apperrors.FingerprintMismatch(d.src, string(expected), string(actual))
	}
	d.hash = expected
	if err := d.run.advance(StateFingerprintVerified); err != nil {
		return err
	}

	if d.kpi, err = c.engine.Compute(t); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "cannot compute deal kpi")
	}

	d.decided = c.now()
	archived := t.ID + "_" + name
	if c.encrypts(d.status) {
		archived += vault.Suffix
	}
	dir := filepath.Join(c.root(d.status), strconv.Itoa(d.decided.Year()), string(t.BusinessUnit))
	d.dest = filepath.Join(dir, archived)
	if err := d.run.advance(StateRenamed); err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.Internal("failed to create archive directory", err).With("path", dir)
	}
	taken, err := exists(d.dest)
	if err != nil {
		return apperrors.Internal("failed to inspect archive destination", err)
	}
	if taken {
		return apperrors.Conflict("archive destination already exists").With("path", d.dest)
	}

	if c.encrypts(d.status) {
		return c.encryptAndPlace(ctx, d)
	}
	if err := placeFile(d.src, d.dest); err != nil {
		return c.placeError(err, d.dest)
	}
	d.moved = true
	if err := c.verifyPlaced(ctx, d); err != nil {
		return err
	}
	return d.run.advance(StateMoved)
}

// verifyPlaced checks the archived plaintext against the reviewed fingerprint.
// A file changed between the check and the move goes back to the inbox.
func (c *Command) verifyPlaced(ctx context.Context, d *decision) error {
	ok, actual, err := fingerprint.Verify(d.dest, d.hash)
	if err == nil && ok {
		return nil
	}
	if err == nil {
		err = apperrors.FingerprintMismatch(d.dest, string(d.hash), string(actual))
	} else {
		err = apperrors.Wrap(err, apperrors.ErrCodeFileNotReady, "cannot read archived file").With("path", d.dest)
	}
	if rerr := placeFile(d.dest, d.src); rerr != nil {
		c.logger.WithContext(ctx).WithError(rerr).Error("failed to return file to the inbox", "path", d.dest)
		return err
	}
	d.moved = false
	return err
}

func (c *Command) encryptAndPlace(ctx context.Context, d *decision) error {
	partial := d.dest + partialSuffix
	// left behind by an interrupted run
	if err := os.Remove(partial); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperrors.Internal("failed to clear stale partial archive", err).With("path", partial)
	}

	plain := fingerprint.NewWriter(d.hash.Algorithm())
	if err := c.encryptor.EncryptFile(d.src, partial, plain); err != nil {
		return apperrors.Internal("failed to encrypt archive", err).With("path", partial)
	}
	if actual := plain.Sum(); !actual.Matches(d.hash) {
		_ = os.Remove(partial)
		return apperrors.FingerprintMismatch(d.src, string(d.hash), string(actual))
	}
	if err := d.run.advance(StateEncrypted); err != nil {
		_ = os.Remove(partial)
		return err
	}
	if err := placeFile(partial, d.dest); err != nil {
		_ = os.Remove(partial)
		return c.placeError(err, d.dest)
	}
	if err := os.Remove(d.src); err != nil {
		_ = os.Remove(d.dest)
		return apperrors.Internal("failed to remove inbox file", err).With("path", d.src)
	}
	d.moved = true
	c.logger.WithContext(ctx).Debug("encrypted archive written", "path", d.dest)
	return d.run.advance(StateMoved)
}

func (c *Command) placeError(err error, dest string) error {
	if errors.Is(err, errDestinationExists) {
		return apperrors.Conflict("archive destination already exists").With("path", dest)
	}
	return apperrors.Internal("failed to move file into the archive", err).With("path", dest)
}

// awaitReady checks the inbox file, retrying while it is still being written
func (c *Command) awaitReady(ctx context.Context, path string) error {
	for attempt := 0; ; attempt++ {
		r, err := c.guard.CheckReadiness(ctx, path)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeFileNotReady, "readiness check failed").With("path", path)
		}
		if r.Ready {
			return nil
		}
		if r.Reason != fileguard.ReasonNotSteady || attempt >= c.cfg.NotSteadyRetries {
			return r.Err()
		}
		c.logger.WithContext(ctx).Debug("file not steady, retrying", "path", path, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return apperrors.Wrap(ctx.Err(), apperrors.ErrCodeNotSteady, "readiness wait cancelled").With("path", path)
		case <-time.After(c.cfg.NotSteadyDelay):
		}
	}
}

// commit writes the decision, its audit row and its sync entries in one
// local transaction
func (c *Command) commit(ctx context.Context, d *decision) (*audit.Entry, error) {
	t := d.tx
	t.Status = d.status
	t.ArchivedPath = d.dest
	t.FileFingerprint = string(d.hash)
	t.KPI = d.kpi
	t.UpdatedAt = d.decided
	action := audit.ActionReject
	if d.status == deal.StatusApproved {
		action = audit.ActionApprove
		approvedAt := d.decided
		t.ApprovedAt = &approvedAt
	} else {
		t.RejectionNote = d.note
	}

	details := map[string]any{
		"archived_path": d.dest,
		"fingerprint":   string(d.hash),
		"encrypted":     c.encrypts(d.status),
	}
	if d.note != "" {
		details["note"] = d.note
	}
	entry := audit.NewEntry(action, audit.EntityTransaction, t.ID, d.actor.UserID, details, d.decided)

	queued, err := syncqueue.DecisionEntries(t, deal.StatusPending, entry, d.decided)
	if err != nil {
		return nil, err
	}

	err = c.store.WithWriteTx(ctx, func(ctx context.Context) error {
		if err := c.store.CommitDecision(ctx, t, d.loaded); err != nil {
			return err
		}
		if err := c.store.AppendAudit(ctx, entry); err != nil {
			return err
		}
		return c.store.Enqueue(ctx, queued...)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// refuse records a command turned away before it touched the deal
func (c *Command) refuse(ctx context.Context, d *decision, id string, err error) (*Outcome, error) {
	c.trail.Record(ctx, audit.NewEntry(d.failedAction(), audit.EntityTransaction, id, d.actor.UserID, map[string]any{
		"code":  apperrors.CodeOf(err),
		"error": err.Error(),
	}, c.now()), false)

	c.logger.WithContext(ctx).WithError(err).Warn("decision refused", "code", apperrors.CodeOf(err))
	return nil, err
}

// fail records a command that stopped before the file moved. Nothing was
// written to the store, so the failure only reaches the log.
func (c *Command) fail(ctx context.Context, d *decision, err error) (*Outcome, error) {
	from := d.run.state
	_ = d.run.advance(StateFailed)

	c.trail.Record(ctx, audit.NewEntry(d.failedAction(), audit.EntityTransaction, d.tx.ID, d.actor.UserID, map[string]any{
		"state": string(from),
		"code":  apperrors.CodeOf(err),
		"error": err.Error(),
	}, c.now()), false)

	c.logger.WithContext(ctx).WithError(err).Warn("decision aborted before the move", "state", string(from))
	return d.outcome(c.encrypts(d.status)), err
}

// partial reports a file that was archived without a matching local commit.
// The file stays where it is; an operator reconciles it.
func (c *Command) partial(ctx context.Context, d *decision, cause error) (*Outcome, error) {
	_ = d.run.advance(StateFailed)
	err := apperrors.PartialArchival(d.tx.ID, d.dest, cause)

	c.logger.WithContext(ctx).WithError(cause).Error("archived file has no local commit",
		"archived_path", d.dest,
		"reconciliation_required", true)

	entry := audit.NewEntry(audit.ActionReconciliationRequired, audit.EntityTransaction, d.tx.ID, d.actor.UserID, map[string]any{
		"archived_path": d.dest,
		"decision":      string(d.status),
		"error":         cause.Error(),
	}, c.now())
	durable := true
	if aerr := c.store.AppendAudit(ctx, entry); aerr != nil {
		durable = false
		c.logger.WithContext(ctx).WithError(aerr).Error("failed to record reconciliation audit row")
	}
	c.trail.Record(ctx, entry, durable)
	return d.outcome(c.encrypts(d.status)), err
}

// notify hands the decision to the notifier without waiting for it
func (c *Command) notify(ctx context.Context, d *decision) {
	if c.notifier == nil {
		return
	}
	n := Notification{
		TransactionID: d.tx.ID,
		Decision:      d.status,
		BusinessUnit:  d.tx.BusinessUnit,
		ClientName:    d.tx.ClientName,
		ArchivedPath:  d.dest,
		Reason:        d.note,
		DecidedBy:     d.actor.UserID,
		DecidedAt:     d.decided,
	}
	c.notifies.Add(1)
	go func() {
		defer c.notifies.Done()
		nctx, cancel := context.WithTimeout(ctx, c.cfg.NotifyTimeout)
		defer cancel()
		if err := c.notifier.Notify(nctx, n); err != nil {
			c.logger.WithError(err).Warn("decision notification failed", "transaction_id", n.TransactionID)
		}
	}()
}

func (c *Command) claim(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[id]; busy {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

func (c *Command) release(id string) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

func (c *Command) root(status deal.Status) string {
	if status == deal.StatusApproved {
		return c.cfg.Paths.Approved
	}
	return c.cfg.Paths.Rejected
}

func (c *Command) encrypts(status deal.Status) bool {
	return status == deal.StatusApproved && c.encryptor != nil
}

func (d *decision) failedAction() audit.Action {
	if d.status == deal.StatusApproved {
		return audit.ActionApproveFailed
	}
	return audit.ActionRejectFailed
}

func (d *decision) outcome(encrypted bool) *Outcome {
	o := &Outcome{
		TransactionID: d.tx.ID,
		Decision:      d.status,
		State:         d.run.state,
		Fingerprint:   d.hash,
		Encrypted:     encrypted && d.moved,
		DecidedAt:     d.decided,
		Trace:         append([]State(nil), d.run.trace...),
	}
	if d.moved {
		o.ArchivedPath = d.dest
	}
	return o
}
