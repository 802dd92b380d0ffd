// Package redis implements the notification queue store on Redis lists.
//
// Each partition is one list: <prefix>:waiting, <prefix>:processing and
// <prefix>:failed. Moves between lists run as single LMOVE commands or Lua
// scripts, so no item is ever visible in two lists or lost between them.
// Use a hash-tagged prefix such as "{push}" when running against a cluster.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bissquit/epharmacy-notify/internal/notifications"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix is the key namespace used when none is configured.
const DefaultPrefix = "push_queue"

// moveScript removes the item with id ARGV[1] from processing (KEYS[1]) and,
// when a destination (KEYS[2]) is given, appends ARGV[2] to it.
// Returns 0 when the item is not in processing.
var moveScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
for _, raw in ipairs(items) do
  local ok, item = pcall(cjson.decode, raw)
  if ok and type(item) == 'table' and item['id'] == ARGV[1] then
    redis.call('LREM', KEYS[1], 1, raw)
    if #KEYS > 1 then
      redis.call('RPUSH', KEYS[2], ARGV[2])
    end
    return 1
  end
end
return 0
`)

// retryScript moves up to ARGV[1] items from the head of failed (KEYS[1]) to
// the tail of waiting (KEYS[2]) with attempts reset. Undecodable items move unchanged.
var retryScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local moved = 0
while moved < limit do
  local raw = redis.call('LPOP', KEYS[1])
  if not raw then
    break
  end
  local ok, item = pcall(cjson.decode, raw)
  if ok and type(item) == 'table' then
    item['attempts'] = 0
    raw = cjson.encode(item)
  end
  redis.call('RPUSH', KEYS[2], raw)
  moved = moved + 1
end
return moved
`)

// recoverScript moves everything in processing (KEYS[1]) to the tail of waiting (KEYS[2]).
var recoverScript = redis.NewScript(`
local n = 0
while redis.call('LMOVE', KEYS[1], KEYS[2], 'LEFT', 'RIGHT') do
  n = n + 1
end
return n
`)

// Store is a notifications.Store backed by Redis lists.
type Store struct {
	client     redis.UniversalClient
	waiting    string
	processing string
	failed     string
}

// NewStore creates a new Redis queue store. An empty prefix uses DefaultPrefix.
func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		client:     client,
		waiting:    prefix + ":waiting",
		processing: prefix + ":processing",
		failed:     prefix + ":failed",
	}
}

var _ notifications.Store = (*Store)(nil)

// Enqueue implements notifications.Store.
func (s *Store) Enqueue(ctx context.Context, item *notifications.QueuedNotification) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	if err := s.client.RPush(ctx, s.waiting, raw).Err(); err != nil {
		return fmt.Errorf("rpush waiting: %w", err)
	}
	return nil
}

// Claim implements notifications.Store.
func (s *Store) Claim(ctx context.Context) (*notifications.QueuedNotification, error) {
	raw, err := s.client.LMove(ctx, s.waiting, s.processing, "LEFT", "RIGHT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lmove waiting to processing: %w", err)
	}

	var item notifications.QueuedNotification
	if decodeErr := json.Unmarshal([]byte(raw), &item); decodeErr != nil {
		if err := s.quarantineRaw(ctx, raw); err != nil {
			return nil, fmt.Errorf("quarantine undecodable item: %w", err)
		}
		return nil, fmt.Errorf("%w: %w", notifications.ErrCorruptItem, decodeErr)
	}
	return &item, nil
}

// quarantineRaw moves an undecodable element from processing to failed verbatim.
func (s *Store) quarantineRaw(ctx context.Context, raw string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, s.processing, 1, raw)
		pipe.RPush(ctx, s.failed, raw)
		return nil
	})
	return err
}

// Complete implements notifications.Store.
func (s *Store) Complete(ctx context.Context, item *notifications.QueuedNotification) error {
	return s.move(ctx, item, "")
}

// Requeue implements notifications.Store.
func (s *Store) Requeue(ctx context.Context, item *notifications.QueuedNotification) error {
	return s.move(ctx, item, s.waiting)
}

// Quarantine implements notifications.Store.
func (s *Store) Quarantine(ctx context.Context, item *notifications.QueuedNotification) error {
	return s.move(ctx, item, s.failed)
}

func (s *Store) move(ctx context.Context, item *notifications.QueuedNotification, dst string) error {
	keys := []string{s.processing}
	args := []any{item.ID}

	if dst != "" {
		raw, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode notification: %w", err)
		}
		keys = append(keys, dst)
		args = append(args, raw)
	}

	found, err := moveScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("move %s from processing: %w", item.ID, err)
	}
	if found == 0 {
		return fmt.Errorf("%w: %s", notifications.ErrNotInProcessing, item.ID)
	}
	return nil
}

// Lengths implements notifications.Store.
func (s *Store) Lengths(ctx context.Context) (notifications.Stats, error) {
	var waiting, processing, failed *redis.IntCmd

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, s.waiting)
		processing = pipe.LLen(ctx, s.processing)
		failed = pipe.LLen(ctx, s.failed)
		return nil
	})
	if err != nil {
		return notifications.Stats{}, fmt.Errorf("llen partitions: %w", err)
	}

	return notifications.Stats{
		Waiting:    waiting.Val(),
		Processing: processing.Val(),
		Failed:     failed.Val(),
	}, nil
}

// RetryFailed implements notifications.Store.
func (s *Store) RetryFailed(ctx context.Context, limit int) (int, error) {
	moved, err := retryScript.Run(ctx, s.client, []string{s.failed, s.waiting}, limit).Int()
	if err != nil {
		return 0, fmt.Errorf("retry failed: %w", err)
	}
	return moved, nil
}

// Purge implements notifications.Store.
func (s *Store) Purge(ctx context.Context) error {
	if err := s.client.Del(ctx, s.waiting, s.processing, s.failed).Err(); err != nil {
		return fmt.Errorf("del partitions: %w", err)
	}
	return nil
}

// ListFailed implements notifications.Store.
func (s *Store) ListFailed(ctx context.Context, limit int) ([]*notifications.QueuedNotification, error) {
	raws, err := s.client.LRange(ctx, s.failed, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange failed: %w", err)
	}

	items := make([]*notifications.QueuedNotification, 0, len(raws))
	for _, raw := range raws {
		var item notifications.QueuedNotification
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			slog.Warn("skipping undecodable failed notification", "error", err)
			continue
		}
		items = append(items, &item)
	}
	return items, nil
}

// RecoverProcessing implements notifications.Store.
func (s *Store) RecoverProcessing(ctx context.Context) (int, error) {
	n, err := recoverScript.Run(ctx, s.client, []string{s.processing, s.waiting}).Int()
	if err != nil {
		return 0, fmt.Errorf("recover processing: %w", err)
	}
	return n, nil
}
