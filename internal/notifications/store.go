package notifications

import "context"

// Store is the three-partition queue persistence: waiting, processing and failed.
// Every move between partitions is atomic; a failed move leaves all partitions untouched.
type Store interface {
	// Enqueue appends the item to the tail of waiting.
	Enqueue(ctx context.Context, item *QueuedNotification) error

	// Claim moves the head of waiting to the tail of processing.
	// It returns (nil, nil) when waiting is empty.
	Claim(ctx context.Context) (*QueuedNotification, error)

	// Complete removes the item from processing.
	Complete(ctx context.Context, item *QueuedNotification) error

	// Requeue moves the item from processing to the tail of waiting, storing its updated state.
	Requeue(ctx context.Context, item *QueuedNotification) error

	// Quarantine moves the item from processing to the tail of failed, storing its updated state.
	Quarantine(ctx context.Context, item *QueuedNotification) error

	// Lengths returns point-in-time partition sizes.
	Lengths(ctx context.Context) (Stats, error)

	// RetryFailed moves up to limit items from the head of failed to the tail of waiting,
	// resetting their attempts. It returns the number moved.
	RetryFailed(ctx context.Context, limit int) (int, error)

	// Purge empties every partition.
	Purge(ctx context.Context) error

	// ListFailed returns up to limit items from the head of failed without moving them.
	ListFailed(ctx context.Context, limit int) ([]*QueuedNotification, error)

	// RecoverProcessing moves every item left in processing back to waiting.
	RecoverProcessing(ctx context.Context) (int, error)
}
