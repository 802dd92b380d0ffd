// Package memory provides an in-process notification queue store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bissquit/epharmacy-notify/internal/notifications"
)

// Store keeps the three partitions as serialized items guarded by one mutex.
// Contents are lost on restart; use it for tests and local development.
type Store struct {
	mu         sync.Mutex
	waiting    [][]byte
	processing [][]byte
	failed     [][]byte
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{}
}

var _ notifications.Store = (*Store)(nil)

// Enqueue implements notifications.Store.
func (s *Store) Enqueue(_ context.Context, item *notifications.QueuedNotification) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.waiting = append(s.waiting, raw)
	return nil
}

// Claim implements notifications.Store.
func (s *Store) Claim(_ context.Context) (*notifications.QueuedNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.waiting) == 0 {
		return nil, nil
	}

	raw := s.waiting[0]
	s.waiting = s.waiting[1:]

	item, err := decode(raw)
	if err != nil {
		s.failed = append(s.failed, raw)
		return nil, fmt.Errorf("%w: %w", notifications.ErrCorruptItem, err)
	}

	s.processing = append(s.processing, raw)
	return item, nil
}

// Complete implements notifications.Store.
func (s *Store) Complete(_ context.Context, item *notifications.QueuedNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.moveFromProcessing(item, nil)
}

// Requeue implements notifications.Store.
func (s *Store) Requeue(_ context.Context, item *notifications.QueuedNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.moveFromProcessing(item, &s.waiting)
}

// Quarantine implements notifications.Store.
func (s *Store) Quarantine(_ context.Context, item *notifications.QueuedNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.moveFromProcessing(item, &s.failed)
}

// moveFromProcessing removes item from processing and, when dst is set,
// appends its current state there. Must be called with mu held.
func (s *Store) moveFromProcessing(item *notifications.QueuedNotification, dst *[][]byte) error {
	idx := -1
	for i, raw := range s.processing {
		if id, err := idOf(raw); err == nil && id == item.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", notifications.ErrNotInProcessing, item.ID)
	}

	var updated []byte
	if dst != nil {
		raw, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode notification: %w", err)
		}
		updated = raw
	}

	s.processing = append(s.processing[:idx:idx], s.processing[idx+1:]...)
	if dst != nil {
		*dst = append(*dst, updated)
	}
	return nil
}

// Lengths implements notifications.Store.
func (s *Store) Lengths(_ context.Context) (notifications.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return notifications.Stats{
		Waiting:    int64(len(s.waiting)),
		Processing: int64(len(s.processing)),
		Failed:     int64(len(s.failed)),
	}, nil
}

// RetryFailed implements notifications.Store.
func (s *Store) RetryFailed(_ context.Context, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	moved := 0
	for moved < limit && len(s.failed) > 0 {
		raw, err := resetAttempts(s.failed[0])
		if err != nil {
			return moved, err
		}

		s.failed = s.failed[1:]
		s.waiting = append(s.waiting, raw)
		moved++
	}
	return moved, nil
}

// Purge implements notifications.Store.
func (s *Store) Purge(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.waiting, s.processing, s.failed = nil, nil, nil
	return nil
}

// ListFailed implements notifications.Store.
func (s *Store) ListFailed(_ context.Context, limit int) ([]*notifications.QueuedNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := min(limit, len(s.failed))
	items := make([]*notifications.QueuedNotification, 0, n)
	for _, raw := range s.failed[:n] {
		item, err := decode(raw)
		if err != nil {
			slog.Warn("skipping undecodable failed notification", "error", err)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// RecoverProcessing implements notifications.Store.
func (s *Store) RecoverProcessing(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.processing)
	s.waiting = append(s.waiting, s.processing...)
	s.processing = nil
	return n, nil
}

// resetAttempts returns raw with attempts zeroed. Undecodable items are returned unchanged.
func resetAttempts(raw []byte) ([]byte, error) {
	item, err := decode(raw)
	if err != nil {
		return raw, nil
	}
	item.Attempts = 0

	updated, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	return updated, nil
}

func decode(raw []byte) (*notifications.QueuedNotification, error) {
	var item notifications.QueuedNotification
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	return &item, nil
}

func idOf(raw []byte) (string, error) {
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", err
	}
	return head.ID, nil
}
