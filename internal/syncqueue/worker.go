package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kislikjeka/gatekeeper/pkg/logger"
)

// CycleReport summarizes one batch
type CycleReport struct {
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
	Selected          int           `json:"selected"`
	Sent              int           `json:"sent"`
	RemoteWins        int           `json:"remote_wins"`
	Skipped           int           `json:"skipped"`
	Retried           int           `json:"retried"`
	PermanentlyFailed int           `json:"permanently_failed"`
}

// Worker drains the queue against the remote store. One per local store.
type Worker struct {
	config  *Config
	queue   Queue
	remote  Remote
	clock   Clock
	limiter *rate.Limiter
	logger  *logger.Logger

	cycleMu sync.Mutex
	wakeCh  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.RWMutex
	running bool
	last    CycleReport
}

// NewWorker creates a new sync worker. remote may be nil when no store of
// record is configured; entries then stay queued until one is.
func NewWorker(config *Config, queue Queue, remote Remote, clock Clock, log *logger.Logger) *Worker {
	if config == nil {
		config = DefaultConfig()
	}
	_ = config.Validate()
	if clock == nil {
		clock = SystemClock()
	}

	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}

	return &Worker{
		config:  config,
		queue:   queue,
		remote:  remote,
		clock:   clock,
		limiter: rate.NewLimiter(limit, 1),
		logger:  log.WithField("component", "sync_worker"),
		wakeCh:  make(chan struct{}, 1),
	}
}

// Run starts the background loop. It returns when ctx is done or Stop is called.
func (w *Worker) Run(ctx context.Context) {
	if !w.config.Enabled || w.remote == nil {
		w.logger.Info("sync worker is disabled", "remote_configured", w.remote != nil)
		return
	}

	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	w.stopCh, w.doneCh = stopCh, doneCh
	w.mu.Unlock()
	defer close(doneCh)

	if n, err := w.queue.ResetInFlight(ctx, w.clock.Now()); err != nil {
		w.logger.Error("failed to reset interrupted entries", "error", err)
	} else if n > 0 {
		w.logger.Warn("resumed entries interrupted by a previous shutdown", "count", n)
	}

	w.logger.Info("starting sync worker",
		"poll_interval", w.config.PollInterval,
		"batch_size", w.config.BatchSize,
		"max_attempts", w.config.MaxAttempts)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sync worker stopping (context done)")
			w.markStopped()
			return
		case <-stopCh:
			w.logger.Info("sync worker stopping (stop signal)")
			w.markStopped()
			return
		case <-ticker.C:
			w.cycle(ctx)
		case <-w.wakeCh:
			w.cycle(ctx)
		}
	}
}

// Stop stops the loop and waits for the current cycle to finish
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	done := w.doneCh
	w.mu.Unlock()
	<-done
}

func (w *Worker) markStopped() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

// Wake asks for a cycle as soon as possible. It never blocks.
func (w *Worker) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// LastCycle returns the report of the most recent cycle
func (w *Worker) LastCycle() CycleReport {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}

func (w *Worker) cycle(ctx context.Context) {
	report, err := w.RunOnce(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Error("sync cycle failed", "error", err)
	}
	if report.Selected > 0 {
		w.logger.WithDuration(report.Duration).Info("sync cycle completed",
			"selected", report.Selected,
			"sent", report.Sent,
			"remote_wins", report.RemoteWins,
			"skipped", report.Skipped,
			"retried", report.Retried,
			"permanently_failed", report.PermanentlyFailed)
	}
}

// RunOnce processes one batch. Entries are re-checked against their
// dependencies right before each send, so a detail entry goes out in the same
// batch as its header only once the header has reached done.
func (w *Worker) RunOnce(ctx context.Context) (CycleReport, error) {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	start := time.Now()
	report := CycleReport{StartedAt: w.clock.Now()}
	defer func() {
		report.Duration = time.Since(start)
		w.mu.Lock()
		w.last = report
		w.mu.Unlock()
	}()

	if w.remote == nil {
		return report, ErrWorkerNotActive
	}

	entries, err := w.queue.Due(ctx, w.clock.Now(), w.config.BatchSize)
	if err != nil {
		return report, fmt.Errorf("failed to select due entries: %w", err)
	}
	report.Selected = len(entries)

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := w.process(ctx, e, &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (w *Worker) process(ctx context.Context, e *Entry, report *CycleReport) error {
	log := w.logger.WithFields(map[string]interface{}{
		"entry_id":   e.ID,
		"entity_key": e.EntityKey,
		"operation":  string(e.Operation),
		"attempt":    e.AttemptCount + 1,
	})

	blocked, err := w.queue.Blocked(ctx, e)
	if err != nil {
		return fmt.Errorf("dependency check for entry %d: %w", e.ID, err)
	}
	if blocked {
		report.Skipped++
		log.Debug("entry waiting for an earlier entry", "depends_on", e.DependsOn)
		return nil
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	claimed, err := w.queue.Claim(ctx, e.ID, w.clock.Now())
	if err != nil {
		return fmt.Errorf("claim entry %d: %w", e.ID, err)
	}
	if !claimed {
		report.Skipped++
		return nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	sendErr := w.remote.Apply(sendCtx, e)
	cancel()

	// Shutdown mid-send: leave the entry in_flight, the next start resets it.
	if ctx.Err() != nil {
		log.Warn("send abandoned by shutdown")
		return ctx.Err()
	}

	if sendErr == nil {
		report.Sent++
		log.Debug("entry sent")
		return w.queue.Complete(ctx, e.ID, ResolutionSent, w.clock.Now())
	}

	class := Classify(sendErr)
	if class == ClassConflict {
		err := w.resolveConflict(ctx, e)
		if err == nil {
			report.RemoteWins++
			log.Warn("remote diverged, remote value kept", "error", sendErr)
			return nil
		}
		sendErr = fmt.Errorf("%w (resolving: %v)", sendErr, err)
		class = ClassTransient
	}

	outcome := Schedule(w.config.Backoff, w.config.MaxAttempts, e.AttemptCount, class, w.clock.Now())
	if err := w.queue.Reschedule(ctx, e.ID, outcome, sendErr.Error(), w.clock.Now()); err != nil {
		return fmt.Errorf("reschedule entry %d: %w", e.ID, err)
	}

	if outcome.Status == StatusPermanentlyFailed {
		report.PermanentlyFailed++
		log.Error("entry permanently failed, operator action required",
			"class", class.String(), "error", sendErr)
	} else {
		report.Retried++
		log.Warn("entry send failed, retry scheduled",
			"class", class.String(),
			"next_attempt_at", outcome.NextAttemptAt,
			"error", sendErr)
	}
	return nil
}

func (w *Worker) resolveConflict(ctx context.Context, e *Entry) error {
	txID := transactionIDOf(e.Payload)
	if txID == "" {
		return w.queue.ResolveRemoteWins(ctx, e.ID, nil, w.clock.Now())
	}

	fetchCtx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	remote, err := w.remote.FetchHeader(fetchCtx, txID)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch remote header %s: %w", txID, err)
	}
	return w.queue.ResolveRemoteWins(ctx, e.ID, remote, w.clock.Now())
}

func transactionIDOf(p Payload) string {
	switch v := p.(type) {
	case *HeaderPayload:
		return v.EntityID()
	case *FixedCostsPayload:
		return v.TransactionID
	case *RecurringServicesPayload:
		return v.TransactionID
	}
	return ""
}

// Stats returns the queue counters
func (w *Worker) Stats(ctx context.Context) (Stats, error) {
	return w.queue.Stats(ctx)
}

// PendingCount is the number of entries still to be sent
func (w *Worker) PendingCount(ctx context.Context) (int, error) {
	s, err := w.queue.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return s.PendingCount(), nil
}

// PermanentlyFailedCount is the number of entries waiting for an operator
func (w *Worker) PermanentlyFailedCount(ctx context.Context) (int, error) {
	s, err := w.queue.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return s.PermanentlyFailed, nil
}

// Requeue gives a permanently failed entry a fresh set of attempts and wakes the loop
func (w *Worker) Requeue(ctx context.Context, id int64) error {
	if err := w.queue.Requeue(ctx, id, w.clock.Now()); err != nil {
		return err
	}
	w.Wake()
	return nil
}

// Entries lists queued entries with the given status, oldest first. An empty
// status lists every entry.
func (w *Worker) Entries(ctx context.Context, status Status, limit int) ([]*Entry, error) {
	return w.queue.List(ctx, status, limit)
}
