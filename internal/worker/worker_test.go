package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"computed-field-engine/internal/config"
	"computed-field-engine/internal/eval"
	"computed-field-engine/internal/executor"
	"computed-field-engine/internal/graph"
	"computed-field-engine/internal/models"
	"computed-field-engine/internal/outbox"
	"computed-field-engine/internal/planner"
	"computed-field-engine/internal/store"
)

func TestWorkerDrainsQueue(t *testing.T) {
	cfg := config.Config{
		MaxAttempts:        3,
		BackoffBase:        time.Millisecond,
		BackoffJitter:      time.Millisecond,
		ClaimBatchSize:     10,
		WorkerPollInterval: 10 * time.Millisecond,
		StaleRunningAfter:  time.Minute,
		QueryRowLimit:      1000,
	}

	fields := []*models.Field{
		{ID: "fa", BaseID: "b1", TableID: "t1", Kind: models.KindPrimitive},
		{
			ID: "fb", BaseID: "b1", TableID: "t1", Kind: models.KindFormula,
			Formula: &models.FormulaOptions{Expression: eval.Binary("+", eval.Field("fa"), eval.Literal(float64(1)))},
		},
	}
	st := store.NewMem()
	for _, f := range fields {
		if err := st.InsertField(context.Background(), f); err != nil {
			t.Fatalf("insert field: %v", err)
		}
	}
	st.PutRecord(&models.Record{ID: "r1", TableID: "t1", Cells: map[string]any{"fa": float64(1)}})

	g, err := graph.Load(fields)
	if err != nil {
		t.Fatalf("load graph: %v", err)
	}
	repo := outbox.NewMem()
	task, err := planner.Compile(planner.Seed{
		BaseID: "b1", TableID: "t1", RecordIDs: []string{"r1"},
		ChangedFieldIDs: []string{"fa"}, ChangeType: models.ChangeUpdate,
	}, g, planner.Options{MaxAttempts: cfg.MaxAttempts})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := repo.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := New(cfg, repo, executor.New(st, repo, cfg), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("worker stopped with %v", err)
	}

	if _, err := repo.Task(context.Background(), task.ID); !errors.Is(err, outbox.ErrNotFound) {
		t.Fatalf("task not drained: %v", err)
	}
	if got := st.Record("t1", "r1").Cells["fb"]; got != float64(2) {
		t.Fatalf("fb = %v, want 2", got)
	}
}
