// Package worker settles completed render jobs from the settlement queue and
// runs the periodic reconcile, expiry and backfill sweeps.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/cuongbtq/avatar-render/internal/reconciler"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrConsumerClosed is returned by Start when the broker stops delivering
var ErrConsumerClosed = errors.New("settlement delivery channel closed")

// Consumer delivers settlement messages
type Consumer interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Settler records commissions for completed jobs
type Settler interface {
	SettleJob(ctx context.Context, jobID string) (*domain.CommissionEvent, error)
	Backfill(ctx context.Context, limit int) (int, error)
}

// Reconciler is the polling side the sweeps drive
type Reconciler interface {
	Mode() domain.ProcessingMode
	Sweep(ctx context.Context) (reconciler.SweepStats, error)
	ExpireStale(ctx context.Context) (int, error)
}

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	WorkerID    string
	Consumer    Consumer
	Settler     Settler
	Reconciler  Reconciler
	Concurrency int
	// JobTimeout bounds one settlement
	JobTimeout time.Duration
	// SweepInterval is the period of the reconcile/expire/backfill loop;
	// zero disables sweeps
	SweepInterval time.Duration
	BackfillLimit int
}

// Worker consumes the settlement queue and runs the sweeps
type Worker struct {
	logger        *slog.Logger
	workerID      string
	consumer      Consumer
	settler       Settler
	reconciler    Reconciler
	concurrency   int
	jobTimeout    time.Duration
	sweepInterval time.Duration
	backfillLimit int

	jobsChan     chan *settlementTask
	consumerDone chan struct{}
	wg           sync.WaitGroup
	stopChan     chan struct{}
	stopOnce     sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 30 * time.Second
	}
	backfillLimit := cfg.BackfillLimit
	if backfillLimit <= 0 {
		backfillLimit = 100
	}
	return &Worker{
		logger:        cfg.Logger,
		workerID:      cfg.WorkerID,
		consumer:      cfg.Consumer,
		settler:       cfg.Settler,
		reconciler:    cfg.Reconciler,
		concurrency:   concurrency,
		jobTimeout:    jobTimeout,
		sweepInterval: cfg.SweepInterval,
		backfillLimit: backfillLimit,
		jobsChan:      make(chan *settlementTask, concurrency),
		consumerDone:  make(chan struct{}),
		stopChan:      make(chan struct{}),
	}
}

// Start subscribes to the settlement queue, spawns the pool and the sweep
// loop, then blocks until ctx is canceled. It returns ErrConsumerClosed when
// the delivery channel closes underneath it.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Duration("sweep_interval", w.sweepInterval),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return fmt.Errorf("failed to setup consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.startMessageDispatcher(ctx, deliveries)
	}()

	if w.sweepInterval > 0 && w.reconciler != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.runSweeps(ctx)
		}()
	}

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
	case <-w.consumerDone:
		return ErrConsumerClosed
	}
	return nil
}

// Stop signals every goroutine and waits for in-flight settlements
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// RunSweepOnce runs one reconcile, expiry and backfill pass
func (w *Worker) RunSweepOnce(ctx context.Context) error {
	var errs []error

	if w.reconciler != nil {
		if w.reconciler.Mode().UsesPolling() {
			if _, err := w.reconciler.Sweep(ctx); err != nil {
				errs = append(errs, fmt.Errorf("reconcile sweep: %w", err))
			}
		}
		if _, err := w.reconciler.ExpireStale(ctx); err != nil {
			errs = append(errs, fmt.Errorf("expiry sweep: %w", err))
		}
	}

	if _, err := w.settler.Backfill(ctx, w.backfillLimit); err != nil {
		errs = append(errs, fmt.Errorf("settlement backfill: %w", err))
	}

	return errors.Join(errs...)
}

func (w *Worker) runSweeps(ctx context.Context) {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			if err := w.RunSweepOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("Sweep finished with errors",
					slog.Any("error", err),
				)
			}
		}
	}
}
