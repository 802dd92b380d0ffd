package notifications_test

import (
	"context"
	"testing"

	"github.com/bissquit/epharmacy-notify/internal/notifications"
	"github.com/bissquit/epharmacy-notify/internal/notifications/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDrainer struct {
	store    notifications.Store
	triggers int
	draining bool
}

func (d *fakeDrainer) Trigger() { d.triggers++ }

func (d *fakeDrainer) Recover(ctx context.Context) (int, error) {
	if d.draining {
		return 0, notifications.ErrDrainActive
	}
	return d.store.RecoverProcessing(ctx)
}

func TestService_Enqueue(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	drainer := &fakeDrainer{store: store}
	svc := notifications.NewService(store, drainer)

	id, err := svc.SendToUsers(ctx, []string{"u1", "u2"}, "Order update", "Packed", map[string]string{"order_id": "7"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, drainer.triggers)

	item, err := store.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, id, item.ID)
	assert.Equal(t, notifications.ByUsers{UserIDs: []string{"u1", "u2"}}, item.Target)
	assert.Equal(t, notifications.DefaultMaxAttempts, item.MaxAttempts)
	assert.Equal(t, 0, item.Attempts)
	assert.False(t, item.CreatedAt.IsZero())
	assert.Equal(t, map[string]string{"order_id": "7"}, item.Data)
}

func TestService_EnqueueRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		input   notifications.EnqueueInput
		wantErr error
	}{
		{
			name:    "missing target",
			input:   notifications.EnqueueInput{Title: "x"},
			wantErr: notifications.ErrInvalidTarget,
		},
		{
			name:    "by user without id",
			input:   notifications.EnqueueInput{Target: notifications.ByUser{}, Title: "x"},
			wantErr: notifications.ErrInvalidTarget,
		},
		{
			name:    "bulk without users",
			input:   notifications.EnqueueInput{Target: notifications.Bulk{}, Title: "x"},
			wantErr: notifications.ErrInvalidTarget,
		},
		{
			name:    "no content",
			input:   notifications.EnqueueInput{Target: notifications.SingleToken{Token: "t"}},
			wantErr: notifications.ErrMissingContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewStore()
			drainer := &fakeDrainer{store: store}
			svc := notifications.NewService(store, drainer)

			_, err := svc.Enqueue(context.Background(), tt.input)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, drainer.triggers)

			stats, err := store.Lengths(context.Background())
			require.NoError(t, err)
			assert.Equal(t, notifications.Stats{}, stats)
		})
	}
}

func TestService_EnqueueDataOnly(t *testing.T) {
	svc := notifications.NewService(memory.NewStore(), nil)

	_, err := svc.SendToToken(context.Background(), "tok", "", "", map[string]string{"silent": "1"})
	require.NoError(t, err)
}

func TestService_LimitValidation(t *testing.T) {
	ctx := context.Background()
	svc := notifications.NewService(memory.NewStore(), nil)

	for _, limit := range []int{0, -1, notifications.MaxRetryBatch + 1} {
		_, err := svc.RetryFailed(ctx, limit)
		assert.ErrorIs(t, err, notifications.ErrInvalidLimit, "retry limit %d", limit)

		_, err = svc.ListFailed(ctx, limit)
		assert.ErrorIs(t, err, notifications.ErrInvalidLimit, "list limit %d", limit)
	}

	moved, err := svc.RetryFailed(ctx, notifications.MaxRetryBatch)
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestService_RecoverProcessing(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	drainer := &fakeDrainer{store: store, draining: true}
	svc := notifications.NewService(store, drainer)

	_, err := svc.SendToToken(ctx, "tok", "orphan", "", nil)
	require.NoError(t, err)
	_, err = store.Claim(ctx)
	require.NoError(t, err)

	_, err = svc.RecoverProcessing(ctx)
	require.ErrorIs(t, err, notifications.ErrDrainActive)

	drainer.draining = false
	recovered, err := svc.RecoverProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, 2, drainer.triggers, "enqueue and recovery both nudge the processor")

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, notifications.Stats{Waiting: 1}, stats)
}
