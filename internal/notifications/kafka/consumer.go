// Package kafka bridges notification events from a Kafka topic into the queue.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bissquit/epharmacy-notify/internal/notifications"
	"github.com/bissquit/epharmacy-notify/internal/pkg/retry"
	"github.com/go-playground/validator/v10"
	"github.com/segmentio/kafka-go"
)

// Config holds consumer configuration.
type Config struct {
	Brokers  []string
	Topic    string
	GroupID  string
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration
}

// Enqueuer accepts validated notifications.
type Enqueuer interface {
	Enqueue(ctx context.Context, input notifications.EnqueueInput) (string, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Event is the JSON payload producers publish.
type Event struct {
	Kind        string         `json:"kind" validate:"required,oneof=single_token by_user by_users bulk"`
	Token       string         `json:"token" validate:"required_if=Kind single_token"`
	UserID      string         `json:"user_id" validate:"required_if=Kind by_user"`
	UserIDs     []string       `json:"user_ids" validate:"omitempty,dive,required"`
	Title       string         `json:"title" validate:"max=256"`
	Body        string         `json:"body" validate:"max=4096"`
	Data        map[string]any `json:"data"`
	MaxAttempts int            `json:"max_attempts" validate:"gte=0,lte=20"`
}

// ErrMalformedEvent marks events that can never be enqueued.
var ErrMalformedEvent = errors.New("malformed notification event")

// Consumer reads events with a consumer group and enqueues them.
// Offsets are committed only after the event is enqueued or rejected as malformed.
type Consumer struct {
	reader    messageReader
	enqueuer  Enqueuer
	validator *validator.Validate
	topic     string
}

// NewConsumer creates a consumer group reader for cfg.Topic.
func NewConsumer(cfg Config, enqueuer Enqueuer) *Consumer {
	readerCfg := kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
		MaxWait:  cfg.MaxWait,
	}
	if readerCfg.MaxBytes == 0 {
		readerCfg.MaxBytes = 10e6
	}

	return newConsumer(kafka.NewReader(readerCfg), enqueuer, cfg.Topic)
}

func newConsumer(reader messageReader, enqueuer Enqueuer, topic string) *Consumer {
	return &Consumer{
		reader:    reader,
		enqueuer:  enqueuer,
		validator: validator.New(),
		topic:     topic,
	}
}

// Run consumes until ctx is cancelled. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("kafka consumer started", "topic", c.topic)
	defer slog.Info("kafka consumer stopped", "topic", c.topic)

	fetchFailures := 0
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fetchFailures++
			recordEvent(c.topic, "fetch_error")
			slog.Warn("kafka fetch failed", "topic", c.topic, "error", err)
			if !retry.Sleep(ctx, retry.Backoff(fetchFailures)) {
				return nil
			}
			continue
		}
		fetchFailures = 0

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("kafka commit failed", "topic", c.topic, "offset", msg.Offset, "error", err)
		}
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// handle enqueues one message. A nil return means the offset may be committed.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	input, err := c.ParseEvent(msg.Value)
	if err != nil {
		recordEvent(c.topic, "malformed")
		slog.Warn("skipping malformed notification event",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return nil
	}

	for attempt := 1; ; attempt++ {
		id, err := c.enqueuer.Enqueue(ctx, input)
		if err == nil {
			recordEvent(c.topic, "enqueued")
			slog.Debug("notification event enqueued", "item_id", id, "offset", msg.Offset)
			return nil
		}

		if isRejection(err) {
			recordEvent(c.topic, "rejected")
			slog.Warn("notification event rejected",
				"offset", msg.Offset,
				"error", err,
			)
			return nil
		}

		backoff := retry.Backoff(attempt)
		slog.Warn("enqueue failed, retrying",
			"offset", msg.Offset,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		if !retry.Sleep(ctx, backoff) {
			return fmt.Errorf("enqueue event at offset %d: %w", msg.Offset, ctx.Err())
		}
	}
}

// ParseEvent decodes and validates a raw event into queue input.
func (c *Consumer) ParseEvent(raw []byte) (notifications.EnqueueInput, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return notifications.EnqueueInput{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	if err := c.validator.Struct(ev); err != nil {
		return notifications.EnqueueInput{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if err := checkTargetFields(ev); err != nil {
		return notifications.EnqueueInput{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	var target notifications.Target
	switch notifications.Kind(ev.Kind) {
	case notifications.KindSingleToken:
		target = notifications.SingleToken{Token: ev.Token}
	case notifications.KindByUser:
		target = notifications.ByUser{UserID: ev.UserID}
	case notifications.KindByUsers:
		target = notifications.ByUsers{UserIDs: ev.UserIDs}
	case notifications.KindBulk:
		target = notifications.Bulk{UserIDs: ev.UserIDs}
	}

	if err := notifications.ValidateTarget(target); err != nil {
		return notifications.EnqueueInput{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	return notifications.EnqueueInput{
		Target:      target,
		Title:       ev.Title,
		Body:        ev.Body,
		Data:        notifications.StringifyData(ev.Data),
		MaxAttempts: ev.MaxAttempts,
	}, nil
}

// checkTargetFields rejects target fields that do not belong to the event kind.
func checkTargetFields(ev Event) error {
	kind := notifications.Kind(ev.Kind)
	var extra []string
	if ev.Token != "" && kind != notifications.KindSingleToken {
		extra = append(extra, "token")
	}
	if ev.UserID != "" && kind != notifications.KindByUser {
		extra = append(extra, "user_id")
	}
	if len(ev.UserIDs) > 0 && kind != notifications.KindByUsers && kind != notifications.KindBulk {
		extra = append(extra, "user_ids")
	}
	if len(extra) > 0 {
		return fmt.Errorf("%w: %s does not take %s", notifications.ErrTargetMismatch, kind, strings.Join(extra, ", "))
	}
	return nil
}

// isRejection reports errors that retrying cannot fix.
func isRejection(err error) bool {
	return errors.Is(err, notifications.ErrInvalidTarget) ||
		errors.Is(err, notifications.ErrMissingContent)
}
