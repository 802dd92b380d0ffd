//go:build integration

package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/bissquit/epharmacy-notify/internal/notifications"
	redispkg "github.com/bissquit/epharmacy-notify/internal/pkg/redis"
	"github.com/bissquit/epharmacy-notify/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testClient *redis.Client

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := testutil.NewRedisContainer(ctx)
	if err != nil {
		panic(err)
	}

	testClient, err = redispkg.Connect(ctx, redispkg.Config{URL: container.URL, ConnectAttempts: 5})
	if err != nil {
		_ = container.Terminate(ctx)
		panic(err)
	}

	code := m.Run()

	_ = testClient.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(testClient, "{test:"+t.Name()+"}")
	t.Cleanup(func() { _ = s.Purge(context.Background()) })
	return s
}

func newItem(id string, target notifications.Target) *notifications.QueuedNotification {
	return &notifications.QueuedNotification{
		ID:          id,
		Target:      target,
		Title:       "Your prescription is ready",
		Body:        "Pick it up at the counter",
		Data:        map[string]string{"order_id": "A-17", "url": "https://example.com/o/17"},
		MaxAttempts: 3,
		CreatedAt:   time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
	}
}

func lengths(t *testing.T, s *Store) notifications.Stats {
	t.Helper()
	stats, err := s.Lengths(context.Background())
	require.NoError(t, err)
	return stats
}

func TestStore_EnqueueClaimFIFO(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	item, err := s.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, item, "empty waiting")

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Enqueue(ctx, newItem(id, notifications.SingleToken{Token: "tok-" + id})))
	}
	assert.Equal(t, notifications.Stats{Waiting: 3}, lengths(t, s))

	for _, want := range []string{"a", "b", "c"} {
		item, err := s.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, item)
		assert.Equal(t, want, item.ID)
	}
	assert.Equal(t, notifications.Stats{Processing: 3}, lengths(t, s))
}

func TestStore_MovesOutOfProcessing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Enqueue(ctx, newItem("ok", notifications.ByUser{UserID: "u1"})))
	require.NoError(t, s.Enqueue(ctx, newItem("retry", notifications.ByUsers{UserIDs: []string{"u1", "u2"}})))
	require.NoError(t, s.Enqueue(ctx, newItem("dead", notifications.Bulk{UserIDs: []string{"u3"}})))

	ok, err := s.Claim(ctx)
	require.NoError(t, err)
	retry, err := s.Claim(ctx)
	require.NoError(t, err)
	dead, err := s.Claim(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Complete(ctx, ok))

	now := time.Now().UTC().Truncate(time.Second)
	retry.Attempts = 1
	retry.LastAttemptAt = &now
	retry.LastError = "provider unavailable"
	require.NoError(t, s.Requeue(ctx, retry))

	dead.Attempts = 3
	dead.LastError = "unregistered"
	require.NoError(t, s.Quarantine(ctx, dead))

	assert.Equal(t, notifications.Stats{Waiting: 1, Failed: 1}, lengths(t, s))

	again, err := s.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, retry, again)

	failed, err := s.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, dead, failed[0])
}

func TestStore_MoveMissingItemIsNoop(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Enqueue(ctx, newItem("a", notifications.SingleToken{Token: "t"})))
	_, err := s.Claim(ctx)
	require.NoError(t, err)

	ghost := newItem("ghost", notifications.SingleToken{Token: "t"})
	require.ErrorIs(t, s.Requeue(ctx, ghost), notifications.ErrNotInProcessing)
	require.ErrorIs(t, s.Quarantine(ctx, ghost), notifications.ErrNotInProcessing)
	require.ErrorIs(t, s.Complete(ctx, ghost), notifications.ErrNotInProcessing)

	assert.Equal(t, notifications.Stats{Processing: 1}, lengths(t, s))
}

func TestStore_RetryFailedResetsAttempts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Enqueue(ctx, newItem(id, notifications.SingleToken{Token: "t"})))
		item, err := s.Claim(ctx)
		require.NoError(t, err)
		item.Attempts = 3
		item.LastError = "boom"
		require.NoError(t, s.Quarantine(ctx, item))
	}

	moved, err := s.RetryFailed(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)
	assert.Equal(t, notifications.Stats{Waiting: 2, Failed: 1}, lengths(t, s))

	item, err := s.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", item.ID)
	assert.Equal(t, 0, item.Attempts)
	assert.Equal(t, "boom", item.LastError)
	assert.Equal(t, map[string]string{"order_id": "A-17", "url": "https://example.com/o/17"}, item.Data)
	assert.Equal(t, notifications.SingleToken{Token: "t"}, item.Target)

	moved, err = s.RetryFailed(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
}

func TestStore_CorruptItemIsQuarantined(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, testClient.RPush(ctx, s.waiting, "{broken").Err())

	item, err := s.Claim(ctx)
	require.ErrorIs(t, err, notifications.ErrCorruptItem)
	assert.Nil(t, item)
	assert.Equal(t, notifications.Stats{Failed: 1}, lengths(t, s))

	moved, err := s.RetryFailed(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	raw, err := testClient.LIndex(ctx, s.waiting, 0).Result()
	require.NoError(t, err)
	assert.Equal(t, "{broken", raw)
}

func TestStore_RecoverAndPurge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"a", "b"} {
		require.NoError(t, s.Enqueue(ctx, newItem(id, notifications.SingleToken{Token: "t"})))
		_, err := s.Claim(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, s.Enqueue(ctx, newItem("c", notifications.SingleToken{Token: "t"})))

	recovered, err := s.RecoverProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)
	assert.Equal(t, notifications.Stats{Waiting: 3}, lengths(t, s))

	first, err := s.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", first.ID, "recovered items go to the tail")

	require.NoError(t, s.Purge(ctx))
	assert.Equal(t, notifications.Stats{}, lengths(t, s))
}

func TestStore_WorksWithProcessor(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sent := 0
	sender := senderFunc(func(context.Context, string, notifications.Message) (string, error) {
		sent++
		return "id", nil
	})
	dispatcher := notifications.NewDispatcher(nil, sender, 1)
	processor := notifications.NewProcessor(notifications.ProcessorConfig{}, s, dispatcher)
	svc := notifications.NewService(s, processor)

	for range 5 {
		_, err := svc.SendToToken(ctx, "tok", "hello", "", nil)
		require.NoError(t, err)
	}

	processor.Drain(ctx)
	assert.Equal(t, 5, sent)
	assert.Equal(t, notifications.Stats{}, lengths(t, s))
}

type senderFunc func(ctx context.Context, token string, msg notifications.Message) (string, error)

func (f senderFunc) Send(ctx context.Context, token string, msg notifications.Message) (string, error) {
	return f(ctx, token, msg)
}
