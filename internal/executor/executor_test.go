package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"computed-field-engine/internal/config"
	"computed-field-engine/internal/eval"
	"computed-field-engine/internal/graph"
	"computed-field-engine/internal/models"
	"computed-field-engine/internal/outbox"
	"computed-field-engine/internal/planner"
	"computed-field-engine/internal/store"
)

func testConfig() config.Config {
	return config.Config{
		MaxAttempts:   3,
		BackoffBase:   time.Millisecond,
		BackoffJitter: time.Millisecond,
		QueryRowLimit: 1000,
	}
}

type fixture struct {
	store *store.MemStore
	repo  *outbox.MemRepository
	graph *graph.DependencyGraph
	exec  *Executor
	cfg   config.Config
}

func newFixture(t *testing.T, cfg config.Config, fields ...*models.Field) *fixture {
	t.Helper()
	st := store.NewMem()
	for _, f := range fields {
		if err := st.InsertField(context.Background(), f); err != nil {
			t.Fatalf("insert field %s: %v", f.ID, err)
		}
	}
	g, err := graph.Load(fields)
	if err != nil {
		t.Fatalf("load graph: %v", err)
	}
	repo := outbox.NewMem()
	return &fixture{store: st, repo: repo, graph: g, exec: New(st, repo, cfg), cfg: cfg}
}

func (fx *fixture) compile(t *testing.T, seed planner.Seed) *models.ComputeTask {
	t.Helper()
	task, err := planner.Compile(seed, fx.graph, planner.Options{MaxAttempts: fx.cfg.MaxAttempts})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if task == nil {
		t.Fatalf("empty plan for seed %+v", seed)
	}
	return task
}

func primitive(id, tableID string) *models.Field {
	return &models.Field{ID: id, BaseID: "b1", TableID: tableID, Kind: models.KindPrimitive}
}

func formula(id, tableID string, expr *eval.Expr) *models.Field {
	return &models.Field{
		ID: id, BaseID: "b1", TableID: tableID, Kind: models.KindFormula,
		Formula: &models.FormulaOptions{Expression: expr},
	}
}

func record(tableID, id string, cells map[string]any) *models.Record {
	return &models.Record{ID: id, TableID: tableID, Cells: cells}
}

func updateSeed(tableID string, recordIDs []string, changed ...string) planner.Seed {
	return planner.Seed{
		BaseID: "b1", TableID: tableID, RecordIDs: recordIDs,
		ChangedFieldIDs: changed, ChangeType: models.ChangeUpdate,
	}
}

func TestRunOnceFormulaChain(t *testing.T) {
	fx := newFixture(t, testConfig(),
		primitive("fa", "t1"),
		formula("fb", "t1", eval.Binary("+", eval.Field("fa"), eval.Literal(float64(1)))),
		formula("fc", "t1", eval.Binary("*", eval.Field("fb"), eval.Literal(float64(2)))),
	)
	fx.store.PutRecord(record("t1", "r1", map[string]any{"fa": float64(2)}))
	fx.store.PutRecord(record("t1", "r2", map[string]any{"fa": float64(10)}))

	task := fx.compile(t, updateSeed("t1", []string{"r1"}, "fa"))
	if err := fx.exec.RunOnce(context.Background(), task); err != nil {
		t.Fatalf("run once: %v", err)
	}

	r1 := fx.store.Record("t1", "r1")
	if r1.Cells["fb"] != float64(3) || r1.Cells["fc"] != float64(6) {
		t.Fatalf("r1 cells = %v, want fb=3 fc=6", r1.Cells)
	}
	// r2 was outside the seed scope and stays untouched.
	r2 := fx.store.Record("t1", "r2")
	if _, ok := r2.Cells["fb"]; ok {
		t.Fatalf("r2 recomputed outside scope: %v", r2.Cells)
	}
}

func rollupFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	return newFixture(t, cfg,
		primitive("amount", "orders"),
		primitive("cname", "customers"),
		&models.Field{
			ID: "olink", BaseID: "b1", TableID: "customers", Kind: models.KindLink,
			Link: &models.LinkOptions{ForeignTableID: "orders", Relationship: models.RelOneMany, TitleFieldID: "amount"},
		},
		&models.Field{
			ID: "osum", BaseID: "b1", TableID: "customers", Kind: models.KindRollup,
			Rollup: &models.RollupOptions{LinkFieldID: "olink", ForeignTableID: "orders", ForeignFieldID: "amount", Aggregation: "sum"},
		},
	)
}

func TestRunOnceRollupAcrossLink(t *testing.T) {
	fx := rollupFixture(t, testConfig())
	fx.store.PutRecord(record("orders", "o1", map[string]any{"amount": 10.10}))
	fx.store.PutRecord(record("orders", "o2", map[string]any{"amount": 20.20}))
	fx.store.PutRecord(record("customers", "c1", map[string]any{
		"olink": []any{
			map[string]any{"id": "o1", "title": nil},
			map[string]any{"id": "o2", "title": nil},
		},
	}))
	fx.store.PutRecord(record("customers", "c2", map[string]any{}))

	task := fx.compile(t, updateSeed("orders", []string{"o1"}, "amount"))
	if err := fx.exec.RunOnce(context.Background(), task); err != nil {
		t.Fatalf("run once: %v", err)
	}

	c1 := fx.store.Record("customers", "c1")
	if c1.Cells["osum"] != 30.30 {
		t.Fatalf("osum = %v, want 30.30", c1.Cells["osum"])
	}
	// c2 links nothing touched, so it is never loaded.
	c2 := fx.store.Record("customers", "c2")
	if _, ok := c2.Cells["osum"]; ok {
		t.Fatalf("unlinked customer recomputed: %v", c2.Cells)
	}
}

func TestRunOnceRollupOrderIndependent(t *testing.T) {
	// The same amounts attached in either order produce the same sum.
	for name, amounts := range map[string][2]float64{
		"forward": {10.10, 20.20},
		"reverse": {20.20, 10.10},
	} {
		fx := rollupFixture(t, testConfig())
		fx.store.PutRecord(record("orders", "o1", map[string]any{"amount": amounts[0]}))
		fx.store.PutRecord(record("orders", "o2", map[string]any{"amount": amounts[1]}))
		fx.store.PutRecord(record("customers", "c1", map[string]any{
			"olink": []any{
				map[string]any{"id": "o1"},
				map[string]any{"id": "o2"},
			},
		}))

		task := fx.compile(t, updateSeed("orders", []string{"o1", "o2"}, "amount"))
		if err := fx.exec.RunOnce(context.Background(), task); err != nil {
			t.Fatalf("%s: run once: %v", name, err)
		}
		if got := fx.store.Record("customers", "c1").Cells["osum"]; got != 30.30 {
			t.Fatalf("%s: osum = %v, want 30.30", name, got)
		}
	}
}

func TestRunOnceLinkTitleRefresh(t *testing.T) {
	fx := rollupFixture(t, testConfig())
	fx.store.PutRecord(record("orders", "o1", map[string]any{"amount": float64(7)}))
	fx.store.PutRecord(record("customers", "c1", map[string]any{
		"olink": []any{map[string]any{"id": "o1", "title": float64(5)}},
	}))

	task := fx.compile(t, updateSeed("orders", []string{"o1"}, "amount"))
	if err := fx.exec.RunOnce(context.Background(), task); err != nil {
		t.Fatalf("run once: %v", err)
	}

	cells, ok := fx.store.Record("customers", "c1").Cells["olink"].([]models.LinkCell)
	if !ok || len(cells) != 1 {
		t.Fatalf("olink cell = %#v, want one LinkCell", fx.store.Record("customers", "c1").Cells["olink"])
	}
	if cells[0].RecordID != "o1" || cells[0].Title != float64(7) {
		t.Fatalf("link cell = %+v, want o1 titled 7", cells[0])
	}
}

func TestRunOnceBlankToggle(t *testing.T) {
	fx := newFixture(t, testConfig(),
		primitive("n", "t1"),
		formula("flag", "t1", eval.Call("IF", eval.Binary(">", eval.Field("n"), eval.Literal(float64(10))), eval.Literal("big"), eval.Call("BLANK"))),
	)
	fx.store.PutRecord(record("t1", "r1", map[string]any{"n": float64(12)}))

	task := fx.compile(t, updateSeed("t1", []string{"r1"}, "n"))
	if err := fx.exec.RunOnce(context.Background(), task); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := fx.store.Record("t1", "r1").Cells["flag"]; got != "big" {
		t.Fatalf("flag = %v, want big", got)
	}

	// Flip below the threshold: the cell must become blank, not keep the
	// stale value.
	fx.store.PutRecord(record("t1", "r1", map[string]any{"n": float64(3), "flag": "big"}))
	task = fx.compile(t, updateSeed("t1", []string{"r1"}, "n"))
	if err := fx.exec.RunOnce(context.Background(), task); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := fx.store.Record("t1", "r1").Cells["flag"]; got != nil {
		t.Fatalf("flag = %v, want blank", got)
	}
}

func TestRowEvalErrorLeavesCellAndCompletes(t *testing.T) {
	fx := newFixture(t, testConfig(),
		primitive("txt", "t1"),
		formula("dbl", "t1", eval.Binary("*", eval.Field("txt"), eval.Literal(float64(2)))),
	)
	fx.store.PutRecord(record("t1", "r1", map[string]any{"txt": "abc", "dbl": float64(99)}))
	fx.store.PutRecord(record("t1", "r2", map[string]any{"txt": "4天"}))

	task := fx.compile(t, updateSeed("t1", []string{"r1", "r2"}, "txt"))
	if err := fx.exec.RunOnce(context.Background(), task); err != nil {
		t.Fatalf("row error must not fail the run: %v", err)
	}

	// r1's evaluation failed; the cell keeps its prior value.
	if got := fx.store.Record("t1", "r1").Cells["dbl"]; got != float64(99) {
		t.Fatalf("r1 dbl = %v, want previous value 99", got)
	}
	// r2 still computed.
	if got := fx.store.Record("t1", "r2").Cells["dbl"]; got != float64(8) {
		t.Fatalf("r2 dbl = %v, want 8", got)
	}
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, testConfig(),
		primitive("fa", "t1"),
		formula("fb", "t1", eval.Binary("+", eval.Field("fa"), eval.Literal(float64(1)))),
	)
	fx.store.PutRecord(record("t1", "r1", map[string]any{"fa": float64(1)}))
	fx.store.FailCommit = &pgconn.PgError{Code: "40001"}
	fx.store.FailCommitsRemaining = 1

	task := fx.compile(t, updateSeed("t1", []string{"r1"}, "fa"))
	if _, err := fx.repo.Enqueue(ctx, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed := mustClaim(t, fx.repo, 1)
	if err := fx.exec.Run(ctx, claimed[0]); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Rescheduled, not dead-lettered.
	got, err := fx.repo.Task(ctx, task.ID)
	if err != nil {
		t.Fatalf("task after transient failure: %v", err)
	}
	if got.Status != models.TaskPending || got.Attempts != 1 {
		t.Fatalf("task = status %s attempts %d, want pending/1", got.Status, got.Attempts)
	}

	claimed = mustClaim(t, fx.repo, 1)
	if err := fx.exec.Run(ctx, claimed[0]); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if _, err := fx.repo.Task(ctx, task.ID); !errors.Is(err, outbox.ErrNotFound) {
		t.Fatalf("completed task still queued: %v", err)
	}
	if got := fx.store.Record("t1", "r1").Cells["fb"]; got != float64(2) {
		t.Fatalf("fb = %v, want 2", got)
	}
}

func TestRunExhaustsRetriesToDeadLetter(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, testConfig(),
		primitive("fa", "t1"),
		formula("fb", "t1", eval.Binary("+", eval.Field("fa"), eval.Literal(float64(1)))),
	)
	fx.store.PutRecord(record("t1", "r1", map[string]any{"fa": float64(1)}))
	fx.store.FailCommit = &pgconn.PgError{Code: "40001"}
	fx.store.FailCommitsRemaining = -1

	task := fx.compile(t, updateSeed("t1", []string{"r1"}, "fa"))
	if _, err := fx.repo.Enqueue(ctx, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for attempt := 0; attempt < fx.cfg.MaxAttempts; attempt++ {
		claimed := mustClaim(t, fx.repo, 1)
		if err := fx.exec.Run(ctx, claimed[0]); err != nil {
			t.Fatalf("run attempt %d: %v", attempt, err)
		}
	}

	if _, err := fx.repo.Task(ctx, task.ID); !errors.Is(err, outbox.ErrNotFound) {
		t.Fatalf("exhausted task still queued: %v", err)
	}
	dls, err := fx.repo.DeadLetters(ctx, 10)
	if err != nil || len(dls) != 1 {
		t.Fatalf("dead letters = %v err=%v, want one", dls, err)
	}
	if dls[0].Task.Attempts != fx.cfg.MaxAttempts {
		t.Fatalf("dead letter attempts = %d, want %d", dls[0].Task.Attempts, fx.cfg.MaxAttempts)
	}
	// Nothing committed across the failed attempts.
	if _, ok := fx.store.Record("t1", "r1").Cells["fb"]; ok {
		t.Fatalf("failed run leaked writes")
	}
}

func TestRunNonRetryableDeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, testConfig(),
		primitive("fa", "t1"),
		formula("fb", "t1", eval.Binary("+", eval.Field("fa"), eval.Literal(float64(1)))),
	)
	fx.store.PutRecord(record("t1", "r1", map[string]any{"fa": float64(1)}))
	fx.store.FailWrite = errors.New("constraint violated")
	fx.store.FailWritesRemaining = -1

	task := fx.compile(t, updateSeed("t1", []string{"r1"}, "fa"))
	if _, err := fx.repo.Enqueue(ctx, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed := mustClaim(t, fx.repo, 1)
	if err := fx.exec.Run(ctx, claimed[0]); err != nil {
		t.Fatalf("run: %v", err)
	}

	dls, err := fx.repo.DeadLetters(ctx, 10)
	if err != nil || len(dls) != 1 {
		t.Fatalf("dead letters = %v err=%v, want one after first attempt", dls, err)
	}
	if dls[0].Task.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", dls[0].Task.Attempts)
	}
}

func TestRunContinuationResumesAfterPrefix(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxStepsPerTx = 1
	fx := newFixture(t, cfg,
		primitive("fa", "t1"),
		formula("fb", "t1", eval.Binary("+", eval.Field("fa"), eval.Literal(float64(1)))),
		formula("fc", "t1", eval.Binary("*", eval.Field("fb"), eval.Literal(float64(2)))),
	)
	fx.store.PutRecord(record("t1", "r1", map[string]any{"fa": float64(2)}))

	task := fx.compile(t, updateSeed("t1", []string{"r1"}, "fa"))
	if _, err := fx.repo.Enqueue(ctx, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed := mustClaim(t, fx.repo, 1)
	if err := fx.exec.Run(ctx, claimed[0]); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// The first step committed; the task went back pending with progress.
	mid, err := fx.repo.Task(ctx, task.ID)
	if err != nil {
		t.Fatalf("task mid-run: %v", err)
	}
	if mid.RunCompletedStepsBefore != 1 || mid.Status != models.TaskPending {
		t.Fatalf("mid-run task = progress %d status %s, want 1/pending", mid.RunCompletedStepsBefore, mid.Status)
	}
	if got := fx.store.Record("t1", "r1").Cells["fb"]; got != float64(3) {
		t.Fatalf("fb after first tx = %v, want 3", got)
	}
	if _, ok := fx.store.Record("t1", "r1").Cells["fc"]; ok {
		t.Fatalf("fc computed before its transaction")
	}

	claimed = mustClaim(t, fx.repo, 1)
	if err := fx.exec.Run(ctx, claimed[0]); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if _, err := fx.repo.Task(ctx, task.ID); !errors.Is(err, outbox.ErrNotFound) {
		t.Fatalf("completed continuation still queued: %v", err)
	}
	if got := fx.store.Record("t1", "r1").Cells["fc"]; got != float64(6) {
		t.Fatalf("fc = %v, want 6", got)
	}
}

func TestChangeDuringContinuationStillComputed(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxStepsPerTx = 1
	fx := newFixture(t, cfg,
		primitive("fa", "t1"),
		formula("fb", "t1", eval.Binary("+", eval.Field("fa"), eval.Literal(float64(1)))),
		formula("fc", "t1", eval.Binary("*", eval.Field("fb"), eval.Literal(float64(2)))),
	)
	fx.store.PutRecord(record("t1", "r1", map[string]any{"fa": float64(2)}))
	fx.store.PutRecord(record("t1", "r2", map[string]any{"fa": float64(10)}))

	first := fx.compile(t, updateSeed("t1", []string{"r1"}, "fa"))
	if _, err := fx.repo.Enqueue(ctx, first); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed := mustClaim(t, fx.repo, 1)
	if err := fx.exec.Run(ctx, claimed[0]); err != nil {
		t.Fatalf("first run: %v", err)
	}
	mid, err := fx.repo.Task(ctx, first.ID)
	if err != nil || mid.RunCompletedStepsBefore != 1 {
		t.Fatalf("mid-run task = %+v err=%v, want progress 1", mid, err)
	}

	// A second record changes while the first task sits pending with a
	// committed prefix. Same plan shape, same hash.
	second := fx.compile(t, updateSeed("t1", []string{"r2"}, "fa"))
	if second.PlanHash != first.PlanHash {
		t.Fatalf("plan hashes differ: %s vs %s", second.PlanHash, first.PlanHash)
	}
	coalesced, err := fx.repo.Enqueue(ctx, second)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if coalesced {
		t.Fatalf("new change folded into a half-finished continuation")
	}

	for i := 0; i < 10; i++ {
		claimed, err := fx.repo.ClaimDue(ctx, 10, time.Now().UTC().Add(time.Minute))
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if len(claimed) == 0 {
			break
		}
		for _, c := range claimed {
			if err := fx.exec.Run(ctx, c); err != nil {
				t.Fatalf("run %s: %v", c.ID, err)
			}
		}
	}

	r1 := fx.store.Record("t1", "r1")
	if r1.Cells["fb"] != float64(3) || r1.Cells["fc"] != float64(6) {
		t.Fatalf("r1 cells = %v, want fb=3 fc=6", r1.Cells)
	}
	r2 := fx.store.Record("t1", "r2")
	if r2.Cells["fb"] != float64(11) || r2.Cells["fc"] != float64(22) {
		t.Fatalf("r2 cells = %v, want fb=11 fc=22", r2.Cells)
	}
}

func TestRunOnceIgnoresStepCap(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxStepsPerTx = 1
	fx := newFixture(t, cfg,
		primitive("fa", "t1"),
		formula("fb", "t1", eval.Binary("+", eval.Field("fa"), eval.Literal(float64(1)))),
		formula("fc", "t1", eval.Binary("*", eval.Field("fb"), eval.Literal(float64(2)))),
	)
	records := []string{"r1", "r2", "r3", "r4"}
	for i, id := range records {
		fx.store.PutRecord(record("t1", id, map[string]any{"fa": float64(i + 1)}))
	}

	// One Executor serves concurrent inline requests; each runs the whole
	// plan in a single transaction regardless of the continuation cap.
	var wg sync.WaitGroup
	for _, id := range records {
		task := fx.compile(t, updateSeed("t1", []string{id}, "fa"))
		wg.Add(1)
		go func(task *models.ComputeTask) {
			defer wg.Done()
			if err := fx.exec.RunOnce(ctx, task); err != nil {
				t.Errorf("run once %s: %v", task.ID, err)
			}
		}(task)
	}
	wg.Wait()

	for i, id := range records {
		cells := fx.store.Record("t1", id).Cells
		fa := float64(i + 1)
		if cells["fb"] != fa+1 || cells["fc"] != (fa+1)*2 {
			t.Fatalf("%s cells = %v, want fb=%v fc=%v", id, cells, fa+1, (fa+1)*2)
		}
	}
}

func TestRunOnceAuditFields(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	modified := created.Add(time.Hour)
	fx := newFixture(t, testConfig(),
		primitive("fa", "t1"),
		&models.Field{ID: "cby", BaseID: "b1", TableID: "t1", Kind: models.KindCreatedBy},
		&models.Field{ID: "ctime", BaseID: "b1", TableID: "t1", Kind: models.KindCreatedTime},
		&models.Field{ID: "anum", BaseID: "b1", TableID: "t1", Kind: models.KindAutoNumber},
	)
	fx.store.PutRecord(&models.Record{
		ID: "r1", TableID: "t1", Cells: map[string]any{"fa": "x"},
		CreatedBy: "u1", ModifiedBy: "u2",
		CreatedAt: created, ModifiedAt: modified, AutoNumber: 41,
	})

	task := fx.compile(t, planner.Seed{
		BaseID: "b1", TableID: "t1", RecordIDs: []string{"r1"}, ChangeType: models.ChangeInsert,
	})
	if err := fx.exec.RunOnce(context.Background(), task); err != nil {
		t.Fatalf("run once: %v", err)
	}

	cells := fx.store.Record("t1", "r1").Cells
	if cells["cby"] != "u1" {
		t.Fatalf("cby = %v, want u1", cells["cby"])
	}
	if cells["ctime"] != "2026-03-01T09:00:00Z" {
		t.Fatalf("ctime = %v", cells["ctime"])
	}
	if cells["anum"] != int64(41) {
		t.Fatalf("anum = %v, want 41", cells["anum"])
	}
}

func TestRunInlineUsesCallerTx(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, testConfig(),
		primitive("fa", "t1"),
		formula("fb", "t1", eval.Binary("+", eval.Field("fa"), eval.Literal(float64(1)))),
	)
	fx.store.PutRecord(record("t1", "r1", map[string]any{"fa": float64(4)}))

	task := fx.compile(t, updateSeed("t1", []string{"r1"}, "fa"))

	tx, err := fx.store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fx.exec.RunInline(ctx, tx, task); err != nil {
		t.Fatalf("run inline: %v", err)
	}

	// Nothing visible until the caller commits.
	if _, ok := fx.store.Record("t1", "r1").Cells["fb"]; ok {
		t.Fatalf("inline writes visible before caller commit")
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := fx.store.Record("t1", "r1").Cells["fb"]; got != float64(5) {
		t.Fatalf("fb = %v, want 5", got)
	}
}

func TestReplayedDeadLetterRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, testConfig(),
		primitive("fa", "t1"),
		formula("fb", "t1", eval.Binary("+", eval.Field("fa"), eval.Literal(float64(1)))),
	)
	fx.store.PutRecord(record("t1", "r1", map[string]any{"fa": float64(1)}))
	fx.store.FailCommit = &pgconn.PgError{Code: "40001"}
	fx.store.FailCommitsRemaining = -1

	task := fx.compile(t, updateSeed("t1", []string{"r1"}, "fa"))
	if _, err := fx.repo.Enqueue(ctx, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for attempt := 0; attempt < fx.cfg.MaxAttempts; attempt++ {
		claimed := mustClaim(t, fx.repo, 1)
		if err := fx.exec.Run(ctx, claimed[0]); err != nil {
			t.Fatalf("run: %v", err)
		}
	}
	dls, _ := fx.repo.DeadLetters(ctx, 1)
	if len(dls) != 1 {
		t.Fatalf("expected one dead letter")
	}

	// The outage ends; replay succeeds on the first attempt.
	fx.store.FailCommitsRemaining = 0
	replayed, err := outbox.Replay(ctx, fx.repo, dls[0].ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	claimed := mustClaim(t, fx.repo, 1)
	if err := fx.exec.Run(ctx, claimed[0]); err != nil {
		t.Fatalf("run replayed: %v", err)
	}
	if _, err := fx.repo.Task(ctx, replayed.ID); !errors.Is(err, outbox.ErrNotFound) {
		t.Fatalf("replayed task still queued: %v", err)
	}
	if got := fx.store.Record("t1", "r1").Cells["fb"]; got != float64(2) {
		t.Fatalf("fb = %v, want 2", got)
	}
}

func TestBackoffGrowsExponentiallyWithJitter(t *testing.T) {
	base, jitter := 5*time.Millisecond, 10*time.Millisecond
	for attempt := 0; attempt < 6; attempt++ {
		d := backoff(base, jitter, attempt)
		floor := base << uint(attempt)
		if d < floor || d > floor+jitter {
			t.Fatalf("backoff(attempt=%d) = %s, want [%s, %s]", attempt, d, floor, floor+jitter)
		}
	}
}

func mustClaim(t *testing.T, repo *outbox.MemRepository, n int) []*models.ComputeTask {
	t.Helper()
	// Claim well past any retry backoff.
	claimed, err := repo.ClaimDue(context.Background(), n, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != n {
		t.Fatalf("claimed %d tasks, want %d", len(claimed), n)
	}
	return claimed
}
