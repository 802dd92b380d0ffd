package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// MaxRetryBatch caps a single retry-from-failed request.
const MaxRetryBatch = 1000

// EnqueueInput describes a notification to queue.
type EnqueueInput struct {
	Target      Target
	Title       string
	Body        string
	Data        map[string]string
	MaxAttempts int
}

// DrainController is the part of the processor the service drives.
type DrainController interface {
	Trigger()
	Recover(ctx context.Context) (int, error)
}

// Service exposes the producer and operator operations of the queue.
type Service struct {
	store   Store
	drainer DrainController
	now     func() time.Time
}

// NewService creates a new notifications service. drainer may be nil when
// no processor runs in this process.
func NewService(store Store, drainer DrainController) *Service {
	return &Service{
		store:   store,
		drainer: drainer,
		now:     time.Now,
	}
}

// Enqueue validates and stores a notification, then nudges the processor.
// A returned id means the item is durably in waiting.
func (s *Service) Enqueue(ctx context.Context, input EnqueueInput) (string, error) {
	if err := ValidateTarget(input.Target); err != nil {
		return "", err
	}
	if input.Title == "" && input.Body == "" && len(input.Data) == 0 {
		return "", ErrMissingContent
	}
	if input.MaxAttempts <= 0 {
		input.MaxAttempts = DefaultMaxAttempts
	}

	item := &QueuedNotification{
		ID:          uuid.NewString(),
		Target:      input.Target,
		Title:       input.Title,
		Body:        input.Body,
		Data:        input.Data,
		MaxAttempts: input.MaxAttempts,
		CreatedAt:   s.now().UTC(),
	}

	if err := s.store.Enqueue(ctx, item); err != nil {
		return "", fmt.Errorf("enqueue notification: %w", err)
	}

	recordEnqueued(item.Kind())
	slog.Debug("notification enqueued", "item_id", item.ID, "kind", item.Kind())

	s.TriggerDrain()
	return item.ID, nil
}

// SendToToken queues a notification for one device token.
func (s *Service) SendToToken(ctx context.Context, token, title, body string, data map[string]string) (string, error) {
	return s.Enqueue(ctx, EnqueueInput{Target: SingleToken{Token: token}, Title: title, Body: body, Data: data})
}

// SendToUser queues a notification for the device of one user.
func (s *Service) SendToUser(ctx context.Context, userID, title, body string, data map[string]string) (string, error) {
	return s.Enqueue(ctx, EnqueueInput{Target: ByUser{UserID: userID}, Title: title, Body: body, Data: data})
}

// SendToUsers queues one notification addressed to several users.
func (s *Service) SendToUsers(ctx context.Context, userIDs []string, title, body string, data map[string]string) (string, error) {
	return s.Enqueue(ctx, EnqueueInput{Target: ByUsers{UserIDs: userIDs}, Title: title, Body: body, Data: data})
}

// SendBulk queues a broadcast notification.
func (s *Service) SendBulk(ctx context.Context, userIDs []string, title, body string, data map[string]string) (string, error) {
	return s.Enqueue(ctx, EnqueueInput{Target: Bulk{UserIDs: userIDs}, Title: title, Body: body, Data: data})
}

// Stats returns the partition lengths.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	stats, err := s.store.Lengths(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("queue lengths: %w", err)
	}
	return stats, nil
}

// RetryFailed moves up to limit quarantined items back to waiting with a fresh attempts budget.
func (s *Service) RetryFailed(ctx context.Context, limit int) (int, error) {
	if limit < 1 || limit > MaxRetryBatch {
		return 0, ErrInvalidLimit
	}

	moved, err := s.store.RetryFailed(ctx, limit)
	if err != nil {
		return moved, fmt.Errorf("retry failed notifications: %w", err)
	}

	slog.Info("failed notifications requeued", "requested", limit, "moved", moved)
	if moved > 0 {
		s.TriggerDrain()
	}
	return moved, nil
}

// ClearAll empties every partition.
func (s *Service) ClearAll(ctx context.Context) error {
	if err := s.store.Purge(ctx); err != nil {
		return fmt.Errorf("purge queue: %w", err)
	}
	slog.Warn("notification queue purged")
	return nil
}

// ListFailed returns up to limit quarantined items.
func (s *Service) ListFailed(ctx context.Context, limit int) ([]*QueuedNotification, error) {
	if limit < 1 || limit > MaxRetryBatch {
		return nil, ErrInvalidLimit
	}

	items, err := s.store.ListFailed(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed notifications: %w", err)
	}
	return items, nil
}

// RecoverProcessing returns items orphaned in processing to waiting.
// It fails with ErrDrainActive while a drain is running.
func (s *Service) RecoverProcessing(ctx context.Context) (int, error) {
	var (
		recovered int
		err       error
	)
	if s.drainer != nil {
		recovered, err = s.drainer.Recover(ctx)
	} else {
		recovered, err = s.store.RecoverProcessing(ctx)
	}
	if errors.Is(err, ErrDrainActive) {
		return 0, err
	}
	if err != nil {
		return recovered, fmt.Errorf("recover processing: %w", err)
	}

	if recovered > 0 {
		slog.Warn("orphaned notifications recovered", "count", recovered)
		s.TriggerDrain()
	}
	return recovered, nil
}

// TriggerDrain asks the processor for a drain. Requests made while a drain
// runs coalesce into one follow-up drain.
func (s *Service) TriggerDrain() {
	if s.drainer != nil {
		s.drainer.Trigger()
	}
}
