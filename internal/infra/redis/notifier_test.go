package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kislikjeka/gatekeeper/internal/archival"
	"github.com/kislikjeka/gatekeeper/internal/deal"
	"github.com/kislikjeka/gatekeeper/pkg/logger"
)

// setupTestRedis creates a test Redis client
func setupTestRedis(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping test: Redis not available")
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return client
}

func note(id string, status deal.Status) archival.Notification {
	return archival.Notification{
		TransactionID: id,
		Decision:      status,
		BusinessUnit:  deal.BUGigalan,
		ClientName:    "Colegio San Jose",
		ArchivedPath:  "/archive/" + id,
		DecidedBy:     "u-fin",
		DecidedAt:     time.Date(2026, 10, 15, 16, 0, 0, 0, time.UTC),
	}
}

func TestNotifier_PushesNewestFirst(t *testing.T) {
	client := setupTestRedis(t)
	n := NewNotifier(client, logger.Discard())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, note("FLX26-1", deal.StatusApproved)))
	require.NoError(t, n.Notify(ctx, note("FLX26-2", deal.StatusRejected)))

	got, err := n.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "FLX26-2", got[0].TransactionID)
	assert.Equal(t, deal.StatusRejected, got[0].Decision)
	assert.True(t, got[1].DecidedAt.Equal(note("", "").DecidedAt))
}

func TestNotifier_TrimsList(t *testing.T) {
	client := setupTestRedis(t)
	n := NewNotifierWithKey(client, "gatekeeper:test", 3, logger.Discard())
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, n.Notify(ctx, note(id, deal.StatusApproved)))
	}

	size, err := client.LLen(ctx, "gatekeeper:test").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)

	got, err := n.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "e", got[0].TransactionID)
}

func TestNotifier_UnreachableRedisReturnsError(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	n := NewNotifier(client, logger.Discard())
	err := n.Notify(context.Background(), note("FLX26-3", deal.StatusApproved))
	assert.Error(t, err)
	assert.Error(t, n.Health(context.Background()))
}
