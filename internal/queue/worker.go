package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	defaultBatchSize   = 10
	defaultBaseBackoff = 5 * time.Second
	defaultMaxBackoff  = 5 * time.Minute
	defaultStaleLease  = 10 * time.Minute
	handlerTimeout     = 30 * time.Second
)

// Handler executes one work item. Returning nil marks the item SUCCEEDED;
// returning an error wrapped with Terminal marks it FAILED without retry;
// any other error schedules a backoff retry until attempts are exhausted.
type Handler func(ctx context.Context, item *WorkItem) error

// TerminalError wraps an error that must not be retried.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }

func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal marks err as non-retryable so the worker fails the item
// immediately instead of burning its retry budget.
func Terminal(err error) error {
	return &TerminalError{Err: err}
}

// Worker polls the work item store, claims due items and dispatches them to
// the registered handler for their type. Multiple workers may poll the same
// store; the compare-and-set claim keeps execution exclusive per item.
type Worker struct {
	db           *Database
	handlers     map[ItemType]Handler
	pollInterval time.Duration
	batchSize    int
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	staleLease   time.Duration
}

// NewWorker creates a worker polling the store at the given interval.
func NewWorker(gormDB *gorm.DB, pollInterval time.Duration) *Worker {
	return &Worker{
		db:           NewDatabase(gormDB),
		handlers:     make(map[ItemType]Handler),
		pollInterval: pollInterval,
		batchSize:    defaultBatchSize,
		baseBackoff:  defaultBaseBackoff,
		maxBackoff:   defaultMaxBackoff,
		staleLease:   defaultStaleLease,
	}
}

// Register binds a handler to an item type. Registering the same type twice
// is a programming error and panics at wiring time.
func (w *Worker) Register(itemType ItemType, handler Handler) {
	if _, exists := w.handlers[itemType]; exists {
		panic(fmt.Sprintf("queue: handler already registered for %s", itemType))
	}
	w.handlers[itemType] = handler
}

// SetBackoff overrides the retry backoff parameters.
func (w *Worker) SetBackoff(base, max time.Duration) {
	w.baseBackoff = base
	w.maxBackoff = max
}

// Start runs the polling loop until the context is cancelled. Before the
// first poll it sweeps items stranded in RUNNING by a previous crash.
func (w *Worker) Start(ctx context.Context) {
	logger := log.With().Str("component", "work_queue_worker").Logger()
	logger.Info().Dur("poll_interval", w.pollInterval).Msg("starting work queue worker")

	recovered, err := w.db.RecoverStale(time.Now().Add(-w.staleLease))
	if err != nil {
		logger.Error().Err(err).Msg("failed to recover stale work items")
	} else if recovered > 0 {
		logger.Warn().Int64("recovered", recovered).Msg("reset stale RUNNING work items to PENDING")
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down work queue worker")
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("work queue poll failed")
			}
		}
	}
}

// RunOnce performs a single poll cycle: claim due items and execute them.
// Exposed so tests and the simulation can drive the worker synchronously.
func (w *Worker) RunOnce(ctx context.Context) error {
	items, err := w.db.ClaimDue(w.batchSize, time.Now())
	if err != nil {
		return fmt.Errorf("failed to claim due work items: %w", err)
	}

	for i := range items {
		w.execute(ctx, &items[i])
	}
	return nil
}

func (w *Worker) execute(ctx context.Context, item *WorkItem) {
	logger := log.With().
		Str("component", "work_queue_worker").
		Str("item_id", item.ItemID).
		Str("type", string(item.Type)).
		Int("attempt", item.Attempts+1).
		Logger()

	handler, ok := w.handlers[item.Type]
	if !ok {
		// No registration means no retry can ever succeed.
		logger.Error().Msg("no handler registered for work item type")
		item.Attempts++
		if err := w.db.MarkFailed(item, fmt.Sprintf("no handler registered for type %s", item.Type)); err != nil {
			logger.Error().Err(err).Msg("failed to mark unhandled work item FAILED")
		}
		return
	}

	handlerCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	item.Attempts++
	err := handler(handlerCtx, item)
	if err == nil {
		if err := w.db.MarkSucceeded(item); err != nil {
			logger.Error().Err(err).Msg("failed to mark work item SUCCEEDED")
		}
		logger.Info().Msg("work item completed")
		return
	}

	var terminal *TerminalError
	if errors.As(err, &terminal) {
		logger.Warn().Err(terminal.Err).Msg("work item failed terminally")
		if err := w.db.MarkFailed(item, terminal.Err.Error()); err != nil {
			logger.Error().Err(err).Msg("failed to mark work item FAILED")
		}
		return
	}

	if item.Attempts >= item.MaxAttempts {
		logger.Error().Err(err).Int("attempts", item.Attempts).Msg("retry budget exhausted, dead-lettering work item")
		if err := w.db.MarkDeadLetter(item, err.Error()); err != nil {
			logger.Error().Err(err).Msg("failed to mark work item DEAD_LETTER")
		}
		return
	}

	nextRunAt := time.Now().Add(w.backoff(item.Attempts))
	logger.Warn().Err(err).Time("next_run_at", nextRunAt).Msg("work item failed, scheduling retry")
	if err := w.db.Reschedule(item, nextRunAt, err.Error()); err != nil {
		logger.Error().Err(err).Msg("failed to reschedule work item")
	}
}

// backoff returns base * 2^attempts capped at maxBackoff.
func (w *Worker) backoff(attempts int) time.Duration {
	d := w.baseBackoff
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= w.maxBackoff {
			return w.maxBackoff
		}
	}
	return d
}
