package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Sweep reconciles every due job over a bounded pool of goroutines. Push mode
// never sweeps.
func (r *Reconciler) Sweep(ctx context.Context) (SweepStats, error) {
	jobs, err := r.DueJobs(ctx)
	if err != nil {
		return SweepStats{}, fmt.Errorf("failed to list due jobs: %w", err)
	}
	stats := SweepStats{Selected: len(jobs)}
	if len(jobs) == 0 {
		return stats, nil
	}

	jobsChan := make(chan string)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	workers := min(r.config.Concurrency, len(jobs))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for jobID := range jobsChan {
				state, err := r.Reconcile(ctx, jobID)

				mu.Lock()
				switch {
				case err != nil:
					stats.Failed++
				case state.IsTerminal():
					stats.Finished++
				default:
					stats.Unchanged++
				}
				mu.Unlock()
			}
		}()
	}

dispatch:
	for _, job := range jobs {
		select {
		case <-ctx.Done():
			break dispatch
		case jobsChan <- job.ID:
		}
	}
	close(jobsChan)
	wg.Wait()

	r.logger.Info("Reconcile sweep finished",
		slog.String("mode", string(r.config.Mode)),
		slog.Int("selected", stats.Selected),
		slog.Int("finished", stats.Finished),
		slog.Int("failed", stats.Failed),
		slog.Int("unchanged", stats.Unchanged),
	)
	return stats, ctx.Err()
}

