package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pulseworks/pulse/internal/model"
	"github.com/pulseworks/pulse/internal/storage"
)

// ClaimStore hands out pending runs. Claiming uses row locking with skip
// semantics in storage, so multiple workers never receive the same run.
type ClaimStore interface {
	ClaimPendingRun(ctx context.Context) (model.AutomationRun, error)
}

// Worker polls for pending runs and executes them with bounded concurrency.
// It drains the queue in bursts: after an empty poll it sleeps for the poll
// interval, after a successful claim it polls again immediately.
type Worker struct {
	store        ClaimStore
	executor     *Executor
	logger       *slog.Logger
	pollInterval time.Duration
	concurrency  int
}

// NewWorker creates a Worker.
func NewWorker(store ClaimStore, executor *Executor, logger *slog.Logger, pollInterval time.Duration, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		store:        store,
		executor:     executor,
		logger:       logger,
		pollInterval: pollInterval,
		concurrency:  concurrency,
	}
}

// Run polls until ctx is canceled, then waits for in-flight runs to finish.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("workflow worker started",
		"poll_interval", w.pollInterval, "concurrency", w.concurrency)

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		w.logger.Info("workflow worker stopped")
	}()

	for {
		claimed, err := w.claimOne(ctx, sem, &wg)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("claim pending run", "error", err)
		}
		if claimed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.pollInterval):
		}
	}
}

// claimOne claims at most one run and dispatches it. Returns false with a
// nil error when no run is pending.
func (w *Worker) claimOne(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) (bool, error) {
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	run, err := w.store.ClaimPendingRun(ctx)
	if err != nil {
		<-sem
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { <-sem }()
		// Execution survives worker shutdown being requested: the run was
		// already claimed and must reach a terminal status.
		if err := w.executor.Execute(context.WithoutCancel(ctx), run); err != nil {
			w.logger.Error("run execution failed", "run_id", run.ID, "error", err)
		}
	}()
	return true, nil
}
