package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/kislikjeka/gatekeeper/internal/audit"
)

// AppendAudit inserts one audit entry. There is no update or delete; the
// schema triggers reject both.
func (s *Store) AppendAudit(ctx context.Context, e *audit.Entry) error {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}

	return s.WithWriteTx(ctx, func(ctx context.Context) error {
		_, err := s.getQueryer(ctx).ExecContext(ctx, `
			INSERT INTO audit_log (id, action, entity_type, entity_id, user_id, details, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID.String(), string(e.Action), e.EntityType, e.EntityID, e.UserID,
			string(detailsJSON), formatTime(e.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("failed to append audit entry: %w", err)
		}
		return nil
	})
}

// ListAudit returns the entries of one entity in chronological order
func (s *Store) ListAudit(ctx context.Context, entityType, entityID string) ([]*audit.Entry, error) {
	rows, err := s.getQueryer(ctx).QueryContext(ctx, `
		SELECT id, action, entity_type, entity_id, user_id, details, timestamp
		FROM audit_log
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY timestamp, rowid`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []*audit.Entry
	for rows.Next() {
		var (
			e                  audit.Entry
			id, details, stamp string
		)
		if err := rows.Scan(&id, &e.Action, &e.EntityType, &e.EntityID, &e.UserID, &details, &stamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid audit id %q: %w", id, err)
		}
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("invalid audit details for %s: %w", id, err)
		}
		if e.Timestamp, err = parseTime(stamp); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
