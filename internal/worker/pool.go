package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/avatar-render/internal/domain"
)

// RetryableError marks a settlement failure that may succeed on redelivery
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %s", e.Err.Error())
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps err as retryable
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop settles tasks until the dispatcher closes jobsChan
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for task := range w.jobsChan {
		err := w.processSettlement(ctx, task)

		if err != nil {
			requeue := w.shouldRequeueJob(err, task.Delivery.Redelivered)
			w.logger.Error("Settlement failed",
				slog.String("worker_name", workerName),
				slog.String("job_id", task.JobID),
				slog.Bool("requeue", requeue),
				slog.String("error", err.Error()),
			)
			w.nack(task.Delivery, task.JobID, requeue)
			continue
		}

		if ackErr := task.Delivery.Ack(false); ackErr != nil {
			w.logger.Error("Failed to ACK message",
				slog.String("worker_name", workerName),
				slog.String("job_id", task.JobID),
				slog.String("error", ackErr.Error()),
			)
		}
	}

	w.logger.Debug("Worker goroutine stopping - jobsChan closed",
		slog.String("worker_name", workerName),
	)
}

// shouldRequeueJob requeues transient failures once. A message that fails
// again after redelivery is dropped and left to the backfill sweep.
func (w *Worker) shouldRequeueJob(err error, redelivered bool) bool {
	if errors.Is(err, domain.ErrJobNotFound) {
		return false
	}

	if errors.Is(err, domain.ErrInvalidTransition) {
		return false
	}

	if errors.Is(err, domain.ErrInvalidFeeConfiguration) {
		return false
	}

	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return !redelivered
	}

	return false
}
