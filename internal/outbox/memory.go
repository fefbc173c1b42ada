package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"computed-field-engine/internal/models"
)

// MemRepository is an in-memory Repository for tests and single-process
// use. All methods hand out clones, mirroring the row-scan behavior of
// the Postgres implementation.
type MemRepository struct {
	mu          sync.Mutex
	tasks       map[string]*models.ComputeTask
	deadLetters map[string]*models.DeadLetter
}

func NewMem() *MemRepository {
	return &MemRepository{
		tasks:       make(map[string]*models.ComputeTask),
		deadLetters: make(map[string]*models.DeadLetter),
	}
}

func (r *MemRepository) Enqueue(ctx context.Context, t *models.ComputeTask) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(t.OriginRunIDs) == 0 {
		for _, existing := range r.tasks {
			if existing.Status == models.TaskPending && existing.PlanHash == t.PlanHash &&
				existing.RunCompletedStepsBefore == 0 {
				mergeScope(existing, t)
				existing.UpdatedAt = time.Now().UTC()
				return true, nil
			}
		}
	}
	cp := t.Clone()
	cp.Status = models.TaskPending
	r.tasks[cp.ID] = cp
	return false, nil
}

func (r *MemRepository) ClaimDue(ctx context.Context, limit int, now time.Time) ([]*models.ComputeTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*models.ComputeTask
	for _, t := range r.tasks {
		if t.Status == models.TaskPending && !t.NextRunAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRunAt.Equal(due[j].NextRunAt) {
			return due[i].NextRunAt.Before(due[j].NextRunAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*models.ComputeTask, 0, len(due))
	for _, t := range due {
		t.Status = models.TaskRunning
		t.UpdatedAt = now
		out = append(out, t.Clone())
	}
	return out, nil
}

func (r *MemRepository) MarkDone(ctx context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[taskID]; !ok {
		return ErrNotFound
	}
	delete(r.tasks, taskID)
	return nil
}

func (r *MemRepository) Reschedule(ctx context.Context, taskID string, attempts int, nextRunAt time.Time, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	t.Status = models.TaskPending
	t.Attempts = attempts
	t.NextRunAt = nextRunAt
	if lastError != "" {
		e := lastError
		t.LastError = &e
	} else {
		t.LastError = nil
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemRepository) RecordProgress(ctx context.Context, taskID string, completedBefore int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	t.RunCompletedStepsBefore = completedBefore
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemRepository) MarkFailed(ctx context.Context, t *models.ComputeTask, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	stored := t.Clone()
	stored.Status = models.TaskFailed
	dl := &models.DeadLetter{
		ID:            uuid.New().String(),
		Task:          *stored,
		FinalRunID:    stored.RunID,
		FailureReason: reason,
		CreatedAt:     now,
	}
	r.deadLetters[dl.ID] = dl
	delete(r.tasks, t.ID)
	return nil
}

func (r *MemRepository) Task(ctx context.Context, taskID string) (*models.ComputeTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (r *MemRepository) DeadLetters(ctx context.Context, limit int) ([]*models.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.DeadLetter
	for _, dl := range r.deadLetters {
		cp := *dl
		cp.Task = *dl.Task.Clone()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemRepository) DeadLetter(ctx context.Context, id string) (*models.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dl, ok := r.deadLetters[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *dl
	cp.Task = *dl.Task.Clone()
	return &cp, nil
}

func (r *MemRepository) DeleteDeadLetter(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deadLetters[id]; !ok {
		return ErrNotFound
	}
	delete(r.deadLetters, id)
	return nil
}

func (r *MemRepository) SweepStale(ctx context.Context, now time.Time, olderThan time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tasks {
		if t.Status == models.TaskRunning && now.Sub(t.UpdatedAt) > olderThan {
			t.Status = models.TaskPending
			t.NextRunAt = now
			t.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (r *MemRepository) DueDepth(ctx context.Context, now time.Time) (int, error) {
	return r.PendingCount(now), nil
}

// PendingCount reports how many tasks are currently pending and due.
func (r *MemRepository) PendingCount(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tasks {
		if t.Status == models.TaskPending && !t.NextRunAt.After(now) {
			n++
		}
	}
	return n
}
