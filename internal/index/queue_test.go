package index

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enqueueTestItem(t *testing.T, store *Store, id string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, store.Enqueue(&QueueItem{
		ID:         id,
		OwnerDID:   "did:plc:owner",
		Operation:  OpCreate,
		Collection: "app.bsky.feed.post",
		RKey:       "rkey-" + id,
		TargetURI:  "at://did:plc:owner/app.bsky.feed.post/rkey-" + id,
		Payload:    []byte(`{"text":"hi"}`),
		CreatedAt:  createdAt,
	}))
}

func TestClaimPending(t *testing.T) {
	store := setupTestStore(t)

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	enqueueTestItem(t, store, "b", base.Add(time.Second))
	enqueueTestItem(t, store, "a", base)
	enqueueTestItem(t, store, "c", base.Add(2*time.Second))

	t.Run("oldest first, transitions to processing", func(t *testing.T) {
		items, err := store.ClaimPending(2)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "a", items[0].ID)
		assert.Equal(t, "b", items[1].ID)
		assert.Equal(t, QueueProcessing, items[0].Status)
	})

	t.Run("subsecond timestamps keep chronological order", func(t *testing.T) {
		sub := setupTestStore(t)

		// 100ms has trailing fractional zeros; text timestamps would
		// sort it after 150ms.
		enqueueTestItem(t, sub, "older", base.Add(100*time.Millisecond))
		enqueueTestItem(t, sub, "newer", base.Add(150*time.Millisecond))

		items, err := sub.ClaimPending(1)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "older", items[0].ID, "oldest pending item must be claimed first")
	})

	t.Run("claimed items are not claimed again", func(t *testing.T) {
		items, err := store.ClaimPending(10)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "c", items[0].ID)

		items, err = store.ClaimPending(10)
		require.NoError(t, err)
		assert.Empty(t, items)
	})
}

func TestQueueTerminalStates(t *testing.T) {
	store := setupTestStore(t)

	enqueueTestItem(t, store, "sync-me", time.Now().UTC())
	enqueueTestItem(t, store, "fail-me", time.Now().UTC())

	_, err := store.ClaimPending(10)
	require.NoError(t, err)

	require.NoError(t, store.MarkSynced("sync-me"))
	require.NoError(t, store.MarkFailed("fail-me", "create rejected"))

	synced, err := store.GetQueueItem("sync-me")
	require.NoError(t, err)
	assert.Equal(t, QueueSynced, synced.Status)

	failed, err := store.GetQueueItem("fail-me")
	require.NoError(t, err)
	assert.Equal(t, QueueFailed, failed.Status)
	assert.Equal(t, "create rejected", failed.LastError)

	t.Run("terminal items never reappear", func(t *testing.T) {
		items, err := store.ClaimPending(10)
		require.NoError(t, err)
		assert.Empty(t, items)
		assert.Equal(t, 0, store.PendingCount())
	})

	t.Run("marking a non-processing item is a no-op", func(t *testing.T) {
		require.NoError(t, store.MarkSynced("fail-me"))
		got, err := store.GetQueueItem("fail-me")
		require.NoError(t, err)
		assert.Equal(t, QueueFailed, got.Status)
	})
}

func TestReturnForRetry(t *testing.T) {
	store := setupTestStore(t)

	enqueueTestItem(t, store, "flaky", time.Now().UTC())

	for attempt := 1; attempt < MaxQueueAttempts; attempt++ {
		items, err := store.ClaimPending(1)
		require.NoError(t, err)
		require.Len(t, items, 1)

		failed, err := store.ReturnForRetry("flaky", "transient")
		require.NoError(t, err)
		assert.False(t, failed, "attempt %d should not exhaust the budget", attempt)

		got, err := store.GetQueueItem("flaky")
		require.NoError(t, err)
		assert.Equal(t, QueuePending, got.Status)
		assert.Equal(t, attempt, got.Attempts)
	}

	// The fifth failure is permanent.
	items, err := store.ClaimPending(1)
	require.NoError(t, err)
	require.Len(t, items, 1)

	failed, err := store.ReturnForRetry("flaky", "still broken")
	require.NoError(t, err)
	assert.True(t, failed)

	got, err := store.GetQueueItem("flaky")
	require.NoError(t, err)
	assert.Equal(t, QueueFailed, got.Status)
	assert.Equal(t, MaxQueueAttempts, got.Attempts)
	assert.Equal(t, "still broken", got.LastError)

	items, err = store.ClaimPending(10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestReturnPending(t *testing.T) {
	store := setupTestStore(t)

	enqueueTestItem(t, store, "untouched", time.Now().UTC())
	items, err := store.ClaimPending(1)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, store.ReturnPending("untouched"))

	got, err := store.GetQueueItem("untouched")
	require.NoError(t, err)
	assert.Equal(t, QueuePending, got.Status)
	assert.Zero(t, got.Attempts, "returning an untried item must not charge an attempt")

	t.Run("non-processing item is a no-op", func(t *testing.T) {
		require.NoError(t, store.ReturnPending("untouched"))
		got, err := store.GetQueueItem("untouched")
		require.NoError(t, err)
		assert.Equal(t, QueuePending, got.Status)
	})
}

func TestRecoverStuckProcessing(t *testing.T) {
	store := setupTestStore(t)

	enqueueTestItem(t, store, "stuck", time.Now().UTC())
	_, err := store.ClaimPending(1)
	require.NoError(t, err)

	n, err := store.RecoverStuckProcessing()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	items, err := store.ClaimPending(1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "stuck", items[0].ID)
}

func TestEnqueueAssignsID(t *testing.T) {
	store := setupTestStore(t)

	item := &QueueItem{
		OwnerDID:   "did:plc:owner",
		Operation:  OpDelete,
		Collection: "app.bsky.feed.post",
		RKey:       "gone",
	}
	require.NoError(t, store.Enqueue(item))
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, 1, store.PendingCount())
}
