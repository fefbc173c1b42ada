package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"computed-field-engine/internal/models"
)

// ErrNotFound reports a task or dead letter that vanished between read
// and act. Callers treat it as a no-op failure, never a retry.
var ErrNotFound = errors.New("outbox: not found")

// Repository is the durable at-least-once task store. Implementations are
// injected handles with explicit lifetime, constructed once at process
// start; tests substitute the in-memory one.
type Repository interface {
	// Enqueue inserts a pending task. If a pending task with the same
	// plan hash exists, the new task's record scope is folded into it and
	// coalesced reports true. Two kinds of task never take part in
	// coalescing: a pending continuation with a committed step prefix
	// (its replayed prefix would skip merged-in records), and a replayed
	// task (its ID and lineage must survive on a row of its own).
	Enqueue(ctx context.Context, t *models.ComputeTask) (coalesced bool, err error)
	// ClaimDue atomically flips up to limit due pending tasks to running
	// and returns them. Each task is returned to exactly one caller.
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]*models.ComputeTask, error)
	// MarkDone deletes a successfully completed task.
	MarkDone(ctx context.Context, taskID string) error
	// Reschedule returns a claimed task to pending with updated retry
	// bookkeeping.
	Reschedule(ctx context.Context, taskID string, attempts int, nextRunAt time.Time, lastError string) error
	// RecordProgress persists the committed-step prefix of a running task.
	RecordProgress(ctx context.Context, taskID string, completedBefore int) error
	// MarkFailed moves the task to the dead-letter store with the reason
	// attached and deletes the task row. Terminal failure is never silent.
	MarkFailed(ctx context.Context, t *models.ComputeTask, reason string) error

	Task(ctx context.Context, taskID string) (*models.ComputeTask, error)
	DeadLetters(ctx context.Context, limit int) ([]*models.DeadLetter, error)
	DeadLetter(ctx context.Context, id string) (*models.DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, id string) error

	// SweepStale requeues running tasks whose last update is older than
	// the staleness threshold, so a crashed worker's claim is recovered.
	SweepStale(ctx context.Context, now time.Time, olderThan time.Duration) (int, error)

	// DueDepth counts pending tasks that are due at now.
	DueDepth(ctx context.Context, now time.Time) (int, error)
}

// Replay consumes a dead letter and rebirths it as a fresh pending task:
// zero attempts, a new run ID, and lineage extended with the dead run.
// The dead letter is deleted first, so concurrent replays race on the
// delete and the loser sees ErrNotFound; replay is not idempotent by
// design — every successful call produces a new run.
func Replay(ctx context.Context, repo Repository, deadLetterID string) (*models.ComputeTask, error) {
	dl, err := repo.DeadLetter(ctx, deadLetterID)
	if err != nil {
		return nil, err
	}
	if err := repo.DeleteDeadLetter(ctx, deadLetterID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := dl.Task.Clone()
	t.ID = uuid.New().String()
	t.RunID = uuid.New().String()
	t.OriginRunIDs = append([]string{dl.FinalRunID}, dl.Task.OriginRunIDs...)
	t.Status = models.TaskPending
	t.Attempts = 0
	t.NextRunAt = now
	t.RunCompletedStepsBefore = 0
	t.LastError = nil
	t.CreatedAt = now
	t.UpdatedAt = now

	if _, err := repo.Enqueue(ctx, t); err != nil {
		return nil, fmt.Errorf("enqueue replayed task: %w", err)
	}
	return t, nil
}

// mergeScope folds the newcomer's record scope into an existing pending
// task with the same plan hash: seed records and explicit step scopes
// union, estimates take the larger value.
func mergeScope(existing, incoming *models.ComputeTask) {
	existing.SeedRecordIDs = unionSorted(existing.SeedRecordIDs, incoming.SeedRecordIDs)
	for i := range existing.Steps {
		if len(existing.Steps[i].RecordIDs) == 0 {
			continue
		}
		for _, s := range incoming.Steps {
			if s.FieldID == existing.Steps[i].FieldID {
				existing.Steps[i].RecordIDs = unionSorted(existing.Steps[i].RecordIDs, s.RecordIDs)
			}
		}
	}
	if incoming.EstimatedComplexity > existing.EstimatedComplexity {
		existing.EstimatedComplexity = incoming.EstimatedComplexity
	}
	for tbl, n := range incoming.DirtyStats {
		if n > existing.DirtyStats[tbl] {
			if existing.DirtyStats == nil {
				existing.DirtyStats = models.DirtyStats{}
			}
			existing.DirtyStats[tbl] = n
		}
	}
}

func unionSorted(a, b []string) []string {
	set := make(map[string]bool, len(a)+len(b))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		set[v] = true
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
