package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/epharmacy-notify/internal/notifications"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type fakeEnqueuer struct {
	mu       sync.Mutex
	inputs   []notifications.EnqueueInput
	failures int
	err      error
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, input notifications.EnqueueInput) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failures > 0 {
		e.failures--
		return "", e.err
	}
	e.inputs = append(e.inputs, input)
	return "id", nil
}

func (e *fakeEnqueuer) accepted() []notifications.EnqueueInput {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]notifications.EnqueueInput(nil), e.inputs...)
}

func TestConsumer_ParseEvent(t *testing.T) {
	c := newConsumer(&fakeReader{}, &fakeEnqueuer{}, "push")

	tests := []struct {
		name       string
		raw        string
		wantTarget notifications.Target
		wantData   map[string]string
		wantErr    bool
	}{
		{
			name:       "single token",
			raw:        `{"kind":"single_token","token":"tok","title":"Hi","data":{"order_id":42,"paid":true,"note":"x"}}`,
			wantTarget: notifications.SingleToken{Token: "tok"},
			wantData:   map[string]string{"order_id": "42", "paid": "true", "note": "x"},
		},
		{
			name:       "by user",
			raw:        `{"kind":"by_user","user_id":"u1","body":"Ready for pickup"}`,
			wantTarget: notifications.ByUser{UserID: "u1"},
		},
		{
			name:       "by users",
			raw:        `{"kind":"by_users","user_ids":["u1","u2"],"title":"Sale"}`,
			wantTarget: notifications.ByUsers{UserIDs: []string{"u1", "u2"}},
		},
		{
			name:       "bulk",
			raw:        `{"kind":"bulk","user_ids":["u1"],"title":"Sale"}`,
			wantTarget: notifications.Bulk{UserIDs: []string{"u1"}},
		},
		{name: "invalid json", raw: `{"kind":`, wantErr: true},
		{name: "unknown kind", raw: `{"kind":"sms","token":"t","title":"x"}`, wantErr: true},
		{name: "single token without token", raw: `{"kind":"single_token","title":"x"}`, wantErr: true},
		{name: "by user without id", raw: `{"kind":"by_user","title":"x"}`, wantErr: true},
		{name: "bulk without users", raw: `{"kind":"bulk","title":"x"}`, wantErr: true},
		{name: "empty user id", raw: `{"kind":"by_users","user_ids":["u1",""],"title":"x"}`, wantErr: true},
		{name: "single token with user ids", raw: `{"kind":"single_token","token":"tok","user_ids":["u1","u2"]}`, wantErr: true},
		{name: "by user with token", raw: `{"kind":"by_user","user_id":"u1","token":"tok"}`, wantErr: true},
		{name: "bulk with user id and token", raw: `{"kind":"bulk","user_ids":["u1"],"user_id":"u9","token":"tok"}`, wantErr: true},
		{name: "by users with user id", raw: `{"kind":"by_users","user_ids":["u1"],"user_id":"u1"}`, wantErr: true},
		{name: "too many attempts", raw: `{"kind":"by_user","user_id":"u1","max_attempts":100}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input, err := c.ParseEvent([]byte(tt.raw))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformedEvent)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTarget, input.Target)
			if tt.wantData != nil {
				assert.Equal(t, tt.wantData, input.Data)
			}
		})
	}
}

func TestConsumer_ParseEventRejectsForeignTargetFields(t *testing.T) {
	c := newConsumer(&fakeReader{}, &fakeEnqueuer{}, "push")

	_, err := c.ParseEvent([]byte(`{"kind":"by_user","user_id":"u1","token":"tok","title":"x"}`))
	require.ErrorIs(t, err, ErrMalformedEvent)
	require.ErrorIs(t, err, notifications.ErrTargetMismatch)
	assert.Contains(t, err.Error(), "by_user does not take token")
}

func TestConsumer_RunCommitsHandledMessages(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		{Offset: 1, Value: []byte(`{"kind":"by_user","user_id":"u1","title":"Refill due"}`)},
		{Offset: 2, Value: []byte(`not json`)},
		{Offset: 3, Value: []byte(`{"kind":"single_token","token":"tok","title":"Shipped"}`)},
	}}
	enqueuer := &fakeEnqueuer{}
	c := newConsumer(reader, enqueuer, "push")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2, 3}, reader.commits())
	accepted := enqueuer.accepted()
	require.Len(t, accepted, 2)
	assert.Equal(t, notifications.ByUser{UserID: "u1"}, accepted[0].Target)
	assert.Equal(t, notifications.SingleToken{Token: "tok"}, accepted[1].Target)

	require.NoError(t, c.Close())
	assert.True(t, reader.closed)
}

func TestConsumer_RetriesEnqueueBeforeCommit(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		{Offset: 7, Value: []byte(`{"kind":"by_user","user_id":"u1","title":"Refill due"}`)},
	}}
	enqueuer := &fakeEnqueuer{failures: 1, err: errors.New("redis unavailable")}
	c := newConsumer(reader, enqueuer, "push")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Len(t, enqueuer.accepted(), 1)
}

func TestConsumer_CancelDuringRetryDoesNotCommit(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		{Offset: 9, Value: []byte(`{"kind":"by_user","user_id":"u1","title":"Refill due"}`)},
	}}
	enqueuer := &fakeEnqueuer{failures: 100, err: errors.New("redis unavailable")}
	c := newConsumer(reader, enqueuer, "push")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.NoError(t, c.Run(ctx))
	assert.Empty(t, reader.commits())
}

func TestConsumer_RejectedEventsAreCommitted(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		{Offset: 4, Value: []byte(`{"kind":"by_user","user_id":"u1"}`)},
	}}
	enqueuer := &fakeEnqueuer{failures: 1, err: notifications.ErrMissingContent}
	c := newConsumer(reader, enqueuer, "push")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, enqueuer.accepted())
}
