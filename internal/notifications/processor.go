package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProcessorConfig contains processor configuration.
type ProcessorConfig struct {
	PollInterval time.Duration
	ItemDelay    time.Duration
	ItemTimeout  time.Duration
}

// DefaultProcessorConfig returns default processor configuration.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		PollInterval: 5 * time.Second,
		ItemDelay:    100 * time.Millisecond,
		ItemTimeout:  30 * time.Second,
	}
}

// Deliverer attempts delivery of one queued item.
type Deliverer interface {
	Deliver(ctx context.Context, item *QueuedNotification) error
}

// QuarantineNotifier is told about items that exhausted their attempts.
type QuarantineNotifier interface {
	NotifyQuarantined(ctx context.Context, item *QueuedNotification) error
}

// Processor is the single-flight consumer of the queue. At most one drain
// cycle runs at a time per Processor.
type Processor struct {
	config    ProcessorConfig
	store     Store
	deliverer Deliverer
	notifier  QuarantineNotifier
	now       func() time.Time

	draining atomic.Bool
	trigger  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewProcessor creates a new queue processor.
func NewProcessor(config ProcessorConfig, store Store, deliverer Deliverer) *Processor {
	defaults := DefaultProcessorConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.ItemTimeout <= 0 {
		config.ItemTimeout = defaults.ItemTimeout
	}
	if config.ItemDelay < 0 {
		config.ItemDelay = 0
	}

	return &Processor{
		config:    config,
		store:     store,
		deliverer: deliverer,
		now:       time.Now,
		trigger:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// SetQuarantineNotifier registers n to hear about quarantined items.
// It must be called before Start.
func (p *Processor) SetQuarantineNotifier(n QuarantineNotifier) {
	p.notifier = n
}

// Start launches the background loop that drains on every poll tick and on Trigger.
func (p *Processor) Start(ctx context.Context) {
	slog.Info("starting notification processor",
		"poll_interval", p.config.PollInterval,
		"item_delay", p.config.ItemDelay,
		"item_timeout", p.config.ItemTimeout,
	)

	p.wg.Add(1)
	go p.run(ctx)
}

// Stop stops scheduling drains and waits for the active one to finish its current item.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	slog.Info("notification processor stopped")
}

// Trigger asks the background loop for a drain. Triggers coalesce and never block.
func (p *Processor) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Draining reports whether a drain cycle is active.
func (p *Processor) Draining() bool {
	return p.draining.Load()
}

// Drain runs one drain cycle. It returns false without doing anything when
// another drain is already running.
func (p *Processor) Drain(ctx context.Context) bool {
	if !p.draining.CompareAndSwap(false, true) {
		slog.Debug("drain already in progress")
		recordDrainSkipped()
		return false
	}
	defer p.draining.Store(false)

	p.drain(ctx)
	return true
}

// Recover moves items orphaned in processing back to waiting. It holds the
// drain flag for the whole move, so no item can be claimed meanwhile, and
// returns ErrDrainActive when a drain is running.
func (p *Processor) Recover(ctx context.Context) (int, error) {
	if !p.draining.CompareAndSwap(false, true) {
		return 0, ErrDrainActive
	}
	defer p.draining.Store(false)

	return p.store.RecoverProcessing(ctx)
}

func (p *Processor) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.Drain(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Drain(ctx)
		case <-p.trigger:
			p.Drain(ctx)
		}
	}
}

func (p *Processor) drain(ctx context.Context) {
	stats, err := p.store.Lengths(ctx)
	if err != nil {
		slog.Error("failed to read queue lengths", "error", err)
		return
	}
	RecordQueueStats(stats)

	// Items requeued during this cycle land behind the budget and wait for the next one.
	budget := stats.Waiting
	if budget == 0 {
		return
	}

	slog.Debug("draining notification queue", "waiting", budget)

	var processed int64
	for processed < budget {
		if p.interrupted(ctx) {
			break
		}

		item, err := p.store.Claim(ctx)
		if errors.Is(err, ErrCorruptItem) {
			slog.Error("quarantined undecodable notification", "error", err)
			processed++
			continue
		}
		if err != nil {
			slog.Error("failed to claim notification", "error", err)
			break
		}
		if item == nil {
			break
		}

		if err := p.process(ctx, item); err != nil {
			slog.Error("aborting drain cycle", "item_id", item.ID, "error", err)
			break
		}
		processed++

		if processed < budget && !p.pause(ctx) {
			break
		}
	}

	if stats, err := p.store.Lengths(ctx); err == nil {
		RecordQueueStats(stats)
	}

	slog.Debug("drain cycle finished", "processed", processed)
}

// process dispatches one claimed item and routes it out of processing.
// Cancellation of ctx does not interrupt an item once claimed.
func (p *Processor) process(ctx context.Context, item *QueuedNotification) error {
	start := time.Now()

	itemCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.ItemTimeout)
	defer cancel()

	err := p.deliverer.Deliver(itemCtx, item)
	duration := time.Since(start)

	if err == nil {
		if moveErr := p.store.Complete(itemCtx, item); moveErr != nil {
			return p.moveFailed("complete", item, moveErr)
		}
		recordProcessed(item.Kind(), "delivered", duration)
		slog.Debug("notification processed",
			"item_id", item.ID,
			"kind", item.Kind(),
			"duration", duration,
		)
		return nil
	}

	item.recordFailure(p.now(), err)

	if item.Exhausted() {
		if moveErr := p.store.Quarantine(itemCtx, item); moveErr != nil {
			return p.moveFailed("quarantine", item, moveErr)
		}
		recordProcessed(item.Kind(), "quarantined", duration)
		slog.Warn("notification quarantined",
			"item_id", item.ID,
			"kind", item.Kind(),
			"attempts", item.Attempts,
			"max_attempts", item.MaxAttempts,
			"retryable", IsRetryable(err),
			"error", err,
		)
		if p.notifier != nil {
			if notifyErr := p.notifier.NotifyQuarantined(itemCtx, item); notifyErr != nil {
				slog.Warn("quarantine alert failed", "item_id", item.ID, "error", notifyErr)
			}
		}
		return nil
	}

	if moveErr := p.store.Requeue(itemCtx, item); moveErr != nil {
		return p.moveFailed("requeue", item, moveErr)
	}
	recordProcessed(item.Kind(), "requeued", duration)
	slog.Info("notification requeued",
		"item_id", item.ID,
		"kind", item.Kind(),
		"attempts", item.Attempts,
		"max_attempts", item.MaxAttempts,
		"retryable", IsRetryable(err),
		"error", err,
	)
	return nil
}

// moveFailed tolerates items removed from processing behind our back (e.g. purge).
func (p *Processor) moveFailed(op string, item *QueuedNotification, err error) error {
	if errors.Is(err, ErrNotInProcessing) {
		slog.Warn("notification vanished from processing", "op", op, "item_id", item.ID)
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (p *Processor) interrupted(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// pause sleeps for the configured item delay. It returns false when interrupted.
func (p *Processor) pause(ctx context.Context) bool {
	if p.config.ItemDelay <= 0 {
		return !p.interrupted(ctx)
	}

	timer := time.NewTimer(p.config.ItemDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-p.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
