package report

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Batcher runs one reporting attempt.
type Batcher interface {
	Report(ctx context.Context) (Result, error)
}

// Worker runs reporting attempts on a fixed delay, one at a time.
// Params: batcher, delay between attempts, logger, and result callback.
// Returns: background worker; a batch in flight is never cancelled.
type Worker struct {
	batcher  Batcher
	delay    time.Duration
	logger   *slog.Logger
	onResult func(Result)

	inFlight atomic.Bool
	wake     chan struct{}
	wg       sync.WaitGroup
}

// NewWorker creates report worker.
// Params: batcher, fixed delay, logger, and optional callback for batches that reached the backend.
// Returns: worker ready for Run.
func NewWorker(batcher Batcher, delay time.Duration, logger *slog.Logger, onResult func(Result)) *Worker {
	if delay <= 0 {
		delay = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		batcher:  batcher,
		delay:    delay,
		logger:   logger,
		onResult: onResult,
		wake:     make(chan struct{}, 1),
	}
}

// Trigger requests an immediate attempt; extra requests coalesce.
func (w *Worker) Trigger() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run ticks until ctx ends, then waits for the attempt in flight.
// Params: worker lifetime context.
// Returns: nil after shutdown.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.delay)
	defer ticker.Stop()
	defer w.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.attempt(ctx)
		case <-w.wake:
			w.attempt(ctx)
		}
	}
}

// attempt starts one batch unless another is running.
// Params: parent context; values are kept, cancellation is not.
// Returns: true when a batch was started.
func (w *Worker) attempt(ctx context.Context) bool {
	if !w.inFlight.CompareAndSwap(false, true) {
		return false
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.inFlight.Store(false)

		result, err := w.batcher.Report(context.WithoutCancel(ctx))
		if err != nil {
			w.logger.Warn("report attempt failed", "error", err.Error())
		}
		if result.Sent > 0 || result.Dropped > 0 {
			if w.onResult != nil {
				w.onResult(result)
			}
		}
	}()
	return true
}

// InFlight reports whether a batch is currently being sent.
func (w *Worker) InFlight() bool {
	return w.inFlight.Load()
}
