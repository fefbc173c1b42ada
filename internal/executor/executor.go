package executor

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"computed-field-engine/internal/config"
	"computed-field-engine/internal/models"
	"computed-field-engine/internal/outbox"
	"computed-field-engine/internal/store"
	"computed-field-engine/internal/telemetry"
)

// outcome is the tagged result of one transaction attempt. Retry is
// ordinary control flow over this tag, not exception handling.
type outcome int

const (
	outcomeOK outcome = iota
	outcomeRetryable
	outcomeFatal
)

func classify(err error) outcome {
	if err == nil {
		return outcomeOK
	}
	if store.IsRetryable(err) {
		return outcomeRetryable
	}
	return outcomeFatal
}

// Executor applies a claimed ComputeTask's steps against the store, one
// transaction per attempt, and drives the task's retry/terminal
// transitions in the outbox.
type Executor struct {
	store store.Store
	repo  outbox.Repository
	cfg   config.Config
}

func New(st store.Store, repo outbox.Repository, cfg config.Config) *Executor {
	return &Executor{store: st, repo: repo, cfg: cfg}
}

// Run executes one attempt of a claimed task and applies the resulting
// transition: done, continuation, retry with backoff, or dead letter.
// The returned error covers outbox bookkeeping failures only; execution
// failures are absorbed into the task's lifecycle.
func (e *Executor) Run(ctx context.Context, task *models.ComputeTask) error {
	completed, runErr := e.attempt(ctx, task, e.cfg.MaxStepsPerTx)

	switch classify(runErr) {
	case outcomeOK:
		if completed < len(task.Steps) {
			// Committed prefix; hand the remainder back to the queue.
			if err := e.repo.RecordProgress(ctx, task.ID, completed); err != nil {
				return fmt.Errorf("record progress for %s: %w", task.ID, err)
			}
			return e.repo.Reschedule(ctx, task.ID, task.Attempts, time.Now().UTC(), "")
		}
		telemetry.TasksDone.Inc()
		return e.repo.MarkDone(ctx, task.ID)

	case outcomeRetryable:
		attempts := task.Attempts + 1
		if attempts < task.MaxAttempts {
			delay := backoff(e.cfg.BackoffBase, e.cfg.BackoffJitter, task.Attempts)
			telemetry.TasksRetried.Inc()
			log.Printf("task %s attempt %d failed, retrying in %s: %v", task.ID, attempts, delay, runErr)
			return e.repo.Reschedule(ctx, task.ID, attempts, time.Now().UTC().Add(delay), runErr.Error())
		}
		task.Attempts = attempts
		telemetry.TasksDeadLetter.Inc()
		log.Printf("task %s exhausted %d attempts, dead-lettering: %v", task.ID, attempts, runErr)
		return e.repo.MarkFailed(ctx, task, runErr.Error())

	default:
		// Non-retryable failures dead-letter immediately, regardless of
		// remaining attempts.
		task.Attempts = task.Attempts + 1
		telemetry.TasksDeadLetter.Inc()
		log.Printf("task %s failed terminally: %v", task.ID, runErr)
		return e.repo.MarkFailed(ctx, task, runErr.Error())
	}
}

// RunOnce executes the whole task in a single owned transaction with no
// retry and no outbox interaction. It backs the synchronous inline path,
// where a failure surfaces to the triggering request instead of the
// retry machinery.
func (e *Executor) RunOnce(ctx context.Context, task *models.ComputeTask) error {
	_, err := e.attempt(ctx, task, 0)
	return err
}

// RunInline applies the task's steps inside a caller-owned transaction.
// No commit, no rollback, no retry: a nested transaction shares isolation
// state with its caller, so retrying here would be unsound. The caller's
// commit or abort decides the fate of these writes.
func (e *Executor) RunInline(ctx context.Context, tx store.Tx, task *models.ComputeTask) error {
	fields, err := e.loadFields(ctx, task.BaseID)
	if err != nil {
		return err
	}
	_, err = e.applySteps(ctx, tx, task, fields, 0)
	return err
}

// attempt runs one owned-transaction attempt: begin, apply up to maxSteps
// steps in edge order (zero means no cap), commit. Any failure rolls the
// whole attempt back. The cap arrives as a parameter because one Executor
// serves concurrent callers.
func (e *Executor) attempt(ctx context.Context, task *models.ComputeTask, maxSteps int) (int, error) {
	fields, err := e.loadFields(ctx, task.BaseID)
	if err != nil {
		return 0, err
	}
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin attempt: %w", err)
	}
	completed, err := e.applySteps(ctx, tx, task, fields, maxSteps)
	if err != nil {
		_ = tx.Rollback(ctx)
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return 0, fmt.Errorf("commit attempt: %w", err)
	}
	return completed, nil
}

func (e *Executor) loadFields(ctx context.Context, baseID string) (map[string]*models.Field, error) {
	fields, err := e.store.Fields(ctx, baseID)
	if err != nil {
		return nil, fmt.Errorf("load fields for base %s: %w", baseID, err)
	}
	byID := make(map[string]*models.Field, len(fields))
	for _, f := range fields {
		byID[f.ID] = f
	}
	return byID, nil
}

// backoff is exponential with jitter: base * 2^attempt + rand(0, jitter).
func backoff(base, jitter time.Duration, attempt int) time.Duration {
	if attempt > 16 {
		attempt = 16
	}
	d := base << uint(attempt)
	if jitter > 0 {
		d += time.Duration(rand.Int63n(int64(jitter)))
	}
	return d
}
