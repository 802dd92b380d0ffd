package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Directory resolves users to their delivery tokens.
type Directory interface {
	// ResolveToken returns the token registered for userID. found is false when none is on file.
	ResolveToken(ctx context.Context, userID string) (token string, found bool, err error)

	// ResolveTokens returns tokens for the given users, omitting users without one.
	ResolveTokens(ctx context.Context, userIDs []string) ([]UserToken, error)
}

// TokenPruner is implemented by directories that can drop tokens the provider no longer accepts.
type TokenPruner interface {
	PruneToken(ctx context.Context, userID, token string) error
}

// Sender delivers one message to one device token.
type Sender interface {
	Send(ctx context.Context, token string, msg Message) (messageID string, err error)
}

// DefaultFanOutLimit bounds concurrent deliveries of one multi-recipient item.
const DefaultFanOutLimit = 10

// Dispatcher resolves an item's target to device tokens and delivers it.
type Dispatcher struct {
	directory   Directory
	sender      Sender
	fanOutLimit int
}

// NewDispatcher creates a new notification dispatcher.
func NewDispatcher(directory Directory, sender Sender, fanOutLimit int) *Dispatcher {
	if fanOutLimit <= 0 {
		fanOutLimit = DefaultFanOutLimit
	}
	return &Dispatcher{
		directory:   directory,
		sender:      sender,
		fanOutLimit: fanOutLimit,
	}
}

// Deliver attempts delivery of one item. A nil error means the item may be removed from the queue.
// Multi-recipient items succeed when at least one delivery succeeds.
func (d *Dispatcher) Deliver(ctx context.Context, item *QueuedNotification) error {
	if err := ValidateTarget(item.Target); err != nil {
		slog.Error("rejecting malformed notification",
			"item_id", item.ID,
			"kind", item.Kind(),
			"error", err,
		)
		return NewNonRetryableError(err)
	}

	msg := item.Message()

	switch t := item.Target.(type) {
	case SingleToken:
		return d.send(ctx, item.ID, t.Token, msg)
	case ByUser:
		return d.deliverToUser(ctx, item.ID, t.UserID, msg)
	case ByUsers:
		return d.deliverToUsers(ctx, item.ID, t.UserIDs, msg)
	case Bulk:
		return d.deliverToUsers(ctx, item.ID, t.UserIDs, msg)
	default:
		err := fmt.Errorf("%w: %q", ErrUnknownKind, item.Kind())
		slog.Error("unhandled notification kind", "item_id", item.ID, "kind", item.Kind())
		return NewNonRetryableError(err)
	}
}

func (d *Dispatcher) deliverToUser(ctx context.Context, itemID, userID string, msg Message) error {
	token, found, err := d.directory.ResolveToken(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve token for user %s: %w", userID, err)
	}
	if !found || token == "" {
		return NewNonRetryableError(fmt.Errorf("%w: user %s", ErrTokenNotFound, userID))
	}

	err = d.send(ctx, itemID, token, msg)
	if err != nil {
		d.pruneStale(ctx, userID, token, err)
	}
	return err
}

func (d *Dispatcher) deliverToUsers(ctx context.Context, itemID string, userIDs []string, msg Message) error {
	recipients, err := d.directory.ResolveTokens(ctx, userIDs)
	if err != nil {
		return fmt.Errorf("resolve tokens for %d users: %w", len(userIDs), err)
	}

	// One push per device, even when users share a token.
	tokens := make([]UserToken, 0, len(recipients))
	seen := make(map[string]struct{}, len(recipients))
	for _, r := range recipients {
		if r.Token == "" {
			continue
		}
		if _, dup := seen[r.Token]; dup {
			continue
		}
		seen[r.Token] = struct{}{}
		tokens = append(tokens, r)
	}
	if len(tokens) == 0 {
		return NewNonRetryableError(fmt.Errorf("%w: %d users requested", ErrNoRecipients, len(userIDs)))
	}

	var (
		succeeded atomic.Int64
		mu        sync.Mutex
		lastErr   error
	)

	var g errgroup.Group
	g.SetLimit(d.fanOutLimit)

	for _, r := range tokens {
		g.Go(func() error {
			if err := d.send(ctx, itemID, r.Token, msg); err != nil {
				slog.Warn("fan-out delivery failed",
					"item_id", itemID,
					"user_id", r.UserID,
					"error", err,
				)
				d.pruneStale(ctx, r.UserID, r.Token, err)
				mu.Lock()
				lastErr = err
				mu.Unlock()
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	ok := succeeded.Load()
	slog.Debug("fan-out finished",
		"item_id", itemID,
		"recipients", len(tokens),
		"succeeded", ok,
	)

	if ok > 0 {
		return nil
	}

	return fmt.Errorf("%w (%d recipients): %w", ErrAllFailed, len(tokens), lastErr)
}

func (d *Dispatcher) send(ctx context.Context, itemID, token string, msg Message) error {
	messageID, err := d.sender.Send(ctx, token, msg)
	if err != nil {
		recordDelivery(deliveryOutcome(err))
		return err
	}

	recordDelivery("success")
	slog.Debug("notification delivered", "item_id", itemID, "message_id", messageID)
	return nil
}

// pruneStale removes userID's token when the provider reported it as no longer registered.
func (d *Dispatcher) pruneStale(ctx context.Context, userID, token string, err error) {
	pruner, ok := d.directory.(TokenPruner)
	if !ok || !isStaleToken(err) {
		return
	}
	if pruneErr := pruner.PruneToken(ctx, userID, token); pruneErr != nil {
		slog.Warn("failed to prune stale token", "user_id", userID, "error", pruneErr)
		return
	}
	slog.Info("pruned stale token", "user_id", userID)
}

func isStaleToken(err error) bool {
	var s interface{ StaleToken() bool }
	return errors.As(err, &s) && s.StaleToken()
}

func deliveryOutcome(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if IsRetryable(err) {
		return "transient"
	}
	return "permanent"
}
