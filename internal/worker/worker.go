package worker

import (
	"context"
	"log"
	"time"

	"computed-field-engine/internal/config"
	"computed-field-engine/internal/executor"
	"computed-field-engine/internal/outbox"
	"computed-field-engine/internal/queue"
	"computed-field-engine/internal/telemetry"
)

// Worker drives the claim-execute loop over the outbox. Scheduling truth
// is the outbox table; the nudge channel only cuts idle latency between
// an enqueue and the next claim.
type Worker struct {
	cfg   config.Config
	repo  outbox.Repository
	exec  *executor.Executor
	nudge *queue.Nudge
}

// New builds a worker. nudge may be nil; the loop then falls back to
// plain interval polling.
func New(cfg config.Config, repo outbox.Repository, exec *executor.Executor, nudge *queue.Nudge) *Worker {
	return &Worker{cfg: cfg, repo: repo, exec: exec, nudge: nudge}
}

// Run loops until context cancellation: recover stale claims, claim a
// batch of due tasks, execute each, then wait for a nudge or the poll
// interval when the queue is drained.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := time.Now().UTC()
		if n, err := w.repo.SweepStale(ctx, now, w.cfg.StaleRunningAfter); err != nil {
			log.Printf("sweep stale: %v", err)
		} else if n > 0 {
			telemetry.StaleRequeued.Add(float64(n))
			log.Printf("requeued %d stale running tasks", n)
		}
		if depth, err := w.repo.DueDepth(ctx, now); err == nil {
			telemetry.DueDepthGauge.Set(float64(depth))
		}

		claimed, err := w.repo.ClaimDue(ctx, w.cfg.ClaimBatchSize, now)
		if err != nil {
			log.Printf("claim due: %v", err)
			w.idle(ctx)
			continue
		}
		if len(claimed) == 0 {
			w.idle(ctx)
			continue
		}

		for _, task := range claimed {
			telemetry.InFlightGauge.Inc()
			if err := w.exec.Run(ctx, task); err != nil {
				log.Printf("task %s lifecycle update failed: %v", task.ID, err)
			}
			telemetry.InFlightGauge.Dec()
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
	}
}

// idle blocks until new work is signalled or the poll interval elapses.
func (w *Worker) idle(ctx context.Context) {
	if w.nudge != nil {
		// Wait returns after the poll interval even without a nudge.
		if _, err := w.nudge.Wait(ctx, w.cfg.WorkerPollInterval); err == nil {
			return
		}
	}
	select {
	case <-ctx.Done():
	case <-time.After(w.cfg.WorkerPollInterval):
	}
}
