// Package redis publishes decision notifications to a Redis list that the
// mail and chat relays consume.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kislikjeka/gatekeeper/internal/archival"
	"github.com/kislikjeka/gatekeeper/pkg/logger"
)

const (
	// DefaultKey is the list notifications are pushed onto
	DefaultKey = "gatekeeper:notifications"

	// DefaultMaxLen bounds the list when no relay drains it
	DefaultMaxLen = 1000
)

var _ archival.Notifier = (*Notifier)(nil)

// Notifier is a Redis-backed notification outbox
type Notifier struct {
	client *redis.Client
	key    string
	maxLen int64
	logger *logger.Logger
}

// NewNotifier creates a new notifier on the default list
func NewNotifier(client *redis.Client, log *logger.Logger) *Notifier {
	return NewNotifierWithKey(client, DefaultKey, DefaultMaxLen, log)
}

// NewNotifierWithKey creates a notifier on a custom list
func NewNotifierWithKey(client *redis.Client, key string, maxLen int64, log *logger.Logger) *Notifier {
	return &Notifier{
		client: client,
		key:    key,
		maxLen: maxLen,
		logger: log.WithField("component", "notifier"),
	}
}

// message is the JSON document relays read
type message struct {
	archival.Notification
	PublishedAt time.Time `json:"published_at"`
}

// Notify pushes the notification onto the head of the list and trims the tail
func (n *Notifier) Notify(ctx context.Context, note archival.Notification) error {
	data, err := json.Marshal(message{Notification: note, PublishedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	pipe := n.client.TxPipeline()
	pipe.LPush(ctx, n.key, data)
	pipe.LTrim(ctx, n.key, 0, n.maxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		n.logger.Error("notification error", "operation", "lpush", "transaction_id", note.TransactionID, "error", err)
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	n.logger.Debug("notification published", "transaction_id", note.TransactionID, "decision", string(note.Decision))
	return nil
}

// Pending returns up to limit queued notifications, newest first
func (n *Notifier) Pending(ctx context.Context, limit int64) ([]archival.Notification, error) {
	vals, err := n.client.LRange(ctx, n.key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read notifications: %w", err)
	}
	out := make([]archival.Notification, 0, len(vals))
	for _, v := range vals {
		var m message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			n.logger.Warn("skipping malformed notification", "error", err)
			continue
		}
		out = append(out, m.Notification)
	}
	return out, nil
}

// Health checks the Redis connection
func (n *Notifier) Health(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}
