package app

import (
	"context"
	"sync"
	"time"
)

// job is a maintenance task run every interval.
type job struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context, trigger string) error
}

// runScheduler runs each job on its own ticker until ctx ends, then waits
// for any run in progress. Jobs with a non-positive interval are skipped.
func (a *App) runScheduler(ctx context.Context, jobs []job) {
	var wg sync.WaitGroup
	for _, j := range jobs {
		if j.interval <= 0 {
			a.log.Info("scheduled job disabled", "job", j.name)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(j.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					// Failures are logged by the operation; the next tick retries.
					_ = j.run(ctx, "schedule")
				}
			}
		}()
	}
	wg.Wait()
}

// track runs fn as a named operation and logs its outcome.
func (a *App) track(name, trigger string, fn func() error) error {
	op := NewOperation(name, trigger, a.clock.Now())
	err := fn()
	op.Finish(err, a.clock.Now())

	args := []any{"operation", op.Name, "trigger", op.Trigger, "status", op.Status, "duration", op.Duration()}
	if err != nil {
		a.log.Error("operation failed", append(args, "error", err)...)
		return err
	}
	a.log.Info("operation finished", args...)
	return nil
}
