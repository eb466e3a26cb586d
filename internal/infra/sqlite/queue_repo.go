package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kislikjeka/gatekeeper/internal/audit"
	"github.com/kislikjeka/gatekeeper/internal/deal"
	"github.com/kislikjeka/gatekeeper/internal/syncqueue"
)

var _ syncqueue.Queue = (*Store)(nil)

const queueColumns = `
	id, target_table, operation, entity_key, depends_on, priority, payload,
	attempt_count, status, next_attempt_at, last_error, resolution, created_at, updated_at`

// Enqueue persists entries. Called inside the write transaction of the domain
// change they replicate; outside one it opens its own.
func (s *Store) Enqueue(ctx context.Context, entries ...*syncqueue.Entry) error {
	return s.WithWriteTx(ctx, func(ctx context.Context) error {
		q := s.getQueryer(ctx)
		for _, e := range entries {
			payload, err := syncqueue.EncodePayload(e.Payload)
			if err != nil {
				return err
			}
			res, err := q.ExecContext(ctx, `
				INSERT INTO sync_queue (
					target_table, operation, entity_key, depends_on, priority, payload,
					attempt_count, status, next_attempt_at, last_error, resolution, created_at, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				string(e.Table), string(e.Operation), e.EntityKey, e.DependsOn, e.Priority, string(payload),
				e.AttemptCount, string(e.Status), formatTime(e.NextAttemptAt), e.LastError, string(e.Resolution),
				formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
			)
			if err != nil {
				return fmt.Errorf("failed to enqueue %s: %w", e.EntityKey, err)
			}
			if e.ID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("failed to read queue entry id: %w", err)
			}
		}
		return nil
	})
}

// ResetInFlight returns entries interrupted by a shutdown to pending
func (s *Store) ResetInFlight(ctx context.Context, now time.Time) (int, error) {
	var n int64
	err := s.WithWriteTx(ctx, func(ctx context.Context) error {
		res, err := s.getQueryer(ctx).ExecContext(ctx, `
			UPDATE sync_queue SET status = 'pending', updated_at = ?
			WHERE status = 'in_flight'`, formatTime(now))
		if err != nil {
			return fmt.Errorf("failed to reset in-flight entries: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// Due lists entries ready for a send attempt, parents first. Entries behind
// an earlier entry that cannot move in this cycle (permanently failed, in
// flight or backing off), directly or through a chain of blocked entries, are
// left out so they never take batch slots from sendable ones. Entries behind
// a due parent stay in: the parent may reach done earlier in the same batch.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]*syncqueue.Entry, error) {
	at := formatTime(now)
	return s.queryEntries(ctx, `
		WITH RECURSIVE stuck(id, entity_key, depends_on) AS (
			SELECT id, entity_key, depends_on FROM sync_queue
			WHERE status IN ('permanently_failed', 'in_flight')
			   OR (status IN ('pending', 'failed') AND next_attempt_at > ?)
			UNION
			SELECT q.id, q.entity_key, q.depends_on
			FROM sync_queue q JOIN stuck p ON p.id < q.id
			WHERE q.status IN ('pending', 'failed')
			  AND (p.entity_key = q.entity_key OR p.depends_on = q.entity_key
			       OR (q.depends_on <> '' AND p.entity_key = q.depends_on))
		)
		SELECT `+queueColumns+` FROM sync_queue
		WHERE status IN ('pending', 'failed') AND next_attempt_at <= ?
		  AND id NOT IN (SELECT id FROM stuck)
		ORDER BY priority, id
		LIMIT ?`, at, at, limit)
}

// Blocked reports whether an earlier entry that has not reached done writes
// the same entity, writes the entity e depends on, or is a child of e's entity
func (s *Store) Blocked(ctx context.Context, e *syncqueue.Entry) (bool, error) {
	var exists int
	err := s.getQueryer(ctx).QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sync_queue
			WHERE id < ? AND status <> 'done'
			  AND (entity_key = ? OR depends_on = ? OR (? <> '' AND entity_key = ?))
		)`, e.ID, e.EntityKey, e.EntityKey, e.DependsOn, e.DependsOn).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check dependencies: %w", err)
	}
	return exists == 1, nil
}

// Claim moves a due entry to in_flight
func (s *Store) Claim(ctx context.Context, id int64, now time.Time) (bool, error) {
	var n int64
	err := s.WithWriteTx(ctx, func(ctx context.Context) error {
		res, err := s.getQueryer(ctx).ExecContext(ctx, `
			UPDATE sync_queue SET status = 'in_flight', updated_at = ?
			WHERE id = ? AND status IN ('pending', 'failed')`, formatTime(now), id)
		if err != nil {
			return fmt.Errorf("failed to claim entry %d: %w", id, err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n == 1, err
}

// Complete settles an entry
func (s *Store) Complete(ctx context.Context, id int64, res syncqueue.Resolution, now time.Time) error {
	return s.updateEntry(ctx, id, `
		UPDATE sync_queue SET status = 'done', resolution = ?, last_error = '', updated_at = ?
		WHERE id = ?`, string(res), formatTime(now), id)
}

// Reschedule records a failed attempt
func (s *Store) Reschedule(ctx context.Context, id int64, o syncqueue.Outcome, lastErr string, now time.Time) error {
	return s.updateEntry(ctx, id, `
		UPDATE sync_queue SET status = ?, attempt_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(o.Status), o.AttemptCount, formatTime(o.NextAttemptAt), lastErr, formatTime(now), id)
}

// ResolveRemoteWins pulls the remote header into the local store and settles
// the entry, in one transaction. Nothing is enqueued: the remote already has it.
func (s *Store) ResolveRemoteWins(ctx context.Context, id int64, remote *deal.Transaction, now time.Time) error {
	return s.WithWriteTx(ctx, func(ctx context.Context) error {
		if remote != nil {
			if err := s.OverwriteTransaction(ctx, remote.HeaderOnly()); err != nil {
				return err
			}
			entry := audit.NewEntry(audit.ActionRemoteWins, audit.EntityTransaction, remote.ID, "sync",
				map[string]any{
					"queue_entry_id":  id,
					"remote_status":   string(remote.Status),
					"remote_archived": remote.ArchivedPath,
				}, now)
			if err := s.AppendAudit(ctx, entry); err != nil {
				return err
			}
		}
		return s.updateEntry(ctx, id, `
			UPDATE sync_queue SET status = 'done', resolution = ?, updated_at = ?
			WHERE id = ?`, string(syncqueue.ResolutionRemoteWins), formatTime(now), id)
	})
}

// Stats counts entries per status
func (s *Store) Stats(ctx context.Context) (syncqueue.Stats, error) {
	rows, err := s.getQueryer(ctx).QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return syncqueue.Stats{}, fmt.Errorf("failed to count queue entries: %w", err)
	}
	defer rows.Close()

	var st syncqueue.Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return syncqueue.Stats{}, err
		}
		switch syncqueue.Status(status) {
		case syncqueue.StatusPending:
			st.Pending = n
		case syncqueue.StatusInFlight:
			st.InFlight = n
		case syncqueue.StatusFailed:
			st.Failed = n
		case syncqueue.StatusPermanentlyFailed:
			st.PermanentlyFailed = n
		case syncqueue.StatusDone:
			st.Done = n
		}
	}
	return st, rows.Err()
}

// Get returns one entry
func (s *Store) Get(ctx context.Context, id int64) (*syncqueue.Entry, error) {
	entries, err := s.queryEntries(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %d", syncqueue.ErrEntryNotFound, id)
	}
	return entries[0], nil
}

// List returns entries in id order. An empty status lists all.
func (s *Store) List(ctx context.Context, status syncqueue.Status, limit int) ([]*syncqueue.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	if status == "" {
		return s.queryEntries(ctx, `SELECT `+queueColumns+` FROM sync_queue ORDER BY id LIMIT ?`, limit)
	}
	return s.queryEntries(ctx, `
		SELECT `+queueColumns+` FROM sync_queue WHERE status = ? ORDER BY id LIMIT ?`, string(status), limit)
}

// Requeue gives a permanently failed entry a fresh set of attempts
func (s *Store) Requeue(ctx context.Context, id int64, now time.Time) error {
	return s.WithWriteTx(ctx, func(ctx context.Context) error {
		var status string
		err := s.getQueryer(ctx).QueryRowContext(ctx, `SELECT status FROM sync_queue WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", syncqueue.ErrEntryNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to read entry %d: %w", id, err)
		}
		if syncqueue.Status(status) != syncqueue.StatusPermanentlyFailed {
			return fmt.Errorf("%w: entry %d is %s", syncqueue.ErrNotRequeueable, id, status)
		}

		if err := s.updateEntry(ctx, id, `
			UPDATE sync_queue SET status = 'pending', attempt_count = 0, next_attempt_at = ?, updated_at = ?
			WHERE id = ?`, formatTime(now), formatTime(now), id); err != nil {
			return err
		}

		by := "operator"
		if a, ok := deal.ActorFrom(ctx); ok {
			by = a.UserID
		}
		entry := audit.NewEntry(audit.ActionRequeue, "sync_queue", fmt.Sprint(id), by, nil, now)
		return s.AppendAudit(ctx, entry)
	})
}

// PurgeDone deletes settled entries last updated before the cutoff
func (s *Store) PurgeDone(ctx context.Context, before time.Time) (int, error) {
	var n int64
	err := s.WithWriteTx(ctx, func(ctx context.Context) error {
		res, err := s.getQueryer(ctx).ExecContext(ctx, `
			DELETE FROM sync_queue WHERE status = 'done' AND updated_at < ?`, formatTime(before))
		if err != nil {
			return fmt.Errorf("failed to purge done entries: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func (s *Store) updateEntry(ctx context.Context, id int64, query string, args ...any) error {
	return s.WithWriteTx(ctx, func(ctx context.Context) error {
		res, err := s.getQueryer(ctx).ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update entry %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %d", syncqueue.ErrEntryNotFound, id)
		}
		return nil
	})
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]*syncqueue.Entry, error) {
	rows, err := s.getQueryer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	var out []*syncqueue.Entry
	for rows.Next() {
		var (
			e                                   syncqueue.Entry
			payload, next, createdAt, updatedAt string
		)
		if err := rows.Scan(&e.ID, &e.Table, &e.Operation, &e.EntityKey, &e.DependsOn, &e.Priority, &payload,
			&e.AttemptCount, &e.Status, &next, &e.LastError, &e.Resolution, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}

		// A payload that no longer decodes is surfaced on the entry itself so
		// the worker can fail it permanently instead of stalling the batch
		p, err := syncqueue.DecodePayload([]byte(payload))
		if err != nil {
			s.logger.Error("undecodable queue payload", "entry_id", e.ID, "error", err)
			e.LastError = err.Error()
		}
		e.Payload = p

		var d decoder
		e.NextAttemptAt = d.time(next)
		e.CreatedAt = d.time(createdAt)
		e.UpdatedAt = d.time(updatedAt)
		if d.err != nil {
			return nil, fmt.Errorf("queue entry %d: %w", e.ID, d.err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
