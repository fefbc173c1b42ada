package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"computed-field-engine/internal/config"
	"computed-field-engine/internal/executor"
	"computed-field-engine/internal/graph"
	"computed-field-engine/internal/models"
	"computed-field-engine/internal/outbox"
	"computed-field-engine/internal/planner"
	"computed-field-engine/internal/queue"
	"computed-field-engine/internal/ratelimit"
	"computed-field-engine/internal/store"
	"computed-field-engine/internal/telemetry"
)

// Server wires the HTTP surface: change intake, field lifecycle, task
// inspection and dead-letter replay.
type Server struct {
	cfg     config.Config
	store   store.Store
	repo    outbox.Repository
	graph   *graph.DependencyGraph
	exec    *executor.Executor
	limiter *ratelimit.Limiter
	nudge   *queue.Nudge
}

// New constructs the API server. limiter and nudge may be nil (tests,
// single-process deployments without Redis).
func New(cfg config.Config, st store.Store, repo outbox.Repository, g *graph.DependencyGraph, exec *executor.Executor, limiter *ratelimit.Limiter, nudge *queue.Nudge) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		repo:    repo,
		graph:   g,
		exec:    exec,
		limiter: limiter,
		nudge:   nudge,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/changes", s.handleChange)
	r.Post("/fields", s.handleCreateField)
	r.Put("/fields/{id}", s.handleConvertField)
	r.Delete("/fields/{id}", s.handleDeleteField)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Get("/deadletters", s.handleDeadLetters)
	r.Post("/deadletters/{id}/replay", s.handleReplay)
	return r
}

type changeRequest struct {
	BaseID          string            `json:"base_id"`
	TableID         string            `json:"table_id"`
	RecordIDs       []string          `json:"record_ids"`
	ChangedFieldIDs []string          `json:"changed_field_ids"`
	ChangeType      models.ChangeType `json:"change_type"`
}

// handleChange accepts a record-level change, compiles the recomputation
// plan and either runs it inline or queues it, depending on plan size
// and the configured compute mode.
func (s *Server) handleChange(w http.ResponseWriter, r *http.Request) {
	var req changeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.BaseID == "" || req.TableID == "" {
		http.Error(w, "base_id and table_id are required", http.StatusBadRequest)
		return
	}
	switch req.ChangeType {
	case models.ChangeInsert, models.ChangeUpdate, models.ChangeDelete:
	default:
		http.Error(w, "change_type must be insert, update or delete", http.StatusBadRequest)
		return
	}
	if !s.allow(w, r, req.BaseID) {
		return
	}

	seed := planner.Seed{
		BaseID:          req.BaseID,
		TableID:         req.TableID,
		RecordIDs:       req.RecordIDs,
		ChangedFieldIDs: req.ChangedFieldIDs,
		ChangeType:      req.ChangeType,
	}
	s.dispatch(w, r, seed)
}

// handleCreateField registers a new field, persists it and schedules the
// initial fill of its cells.
func (s *Server) handleCreateField(w http.ResponseWriter, r *http.Request) {
	var f models.Field
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if f.ID == "" || f.BaseID == "" || f.TableID == "" || f.Kind == "" {
		http.Error(w, "id, base_id, table_id and kind are required", http.StatusBadRequest)
		return
	}
	if !s.allow(w, r, f.BaseID) {
		return
	}

	if err := s.graph.Register(&f); err != nil {
		if errors.Is(err, graph.ErrCycle) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.store.InsertField(r.Context(), &f); err != nil {
		s.graph.Unregister(f.ID)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.dispatch(w, r, planner.Seed{
		BaseID:     f.BaseID,
		TableID:    f.TableID,
		FieldID:    f.ID,
		ChangeType: models.ChangeFieldCreate,
	})
}

// handleConvertField replaces a field's definition. The graph rejects
// conversions that would close a dependency cycle before anything is
// persisted.
func (s *Server) handleConvertField(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	prev := s.graph.Field(id)
	if prev == nil {
		http.Error(w, "field not found", http.StatusNotFound)
		return
	}

	var f models.Field
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	f.ID = id
	if f.BaseID == "" {
		f.BaseID = prev.BaseID
	}
	if f.TableID == "" {
		f.TableID = prev.TableID
	}
	if !s.allow(w, r, f.BaseID) {
		return
	}

	if err := s.graph.Register(&f); err != nil {
		if errors.Is(err, graph.ErrCycle) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.store.UpdateField(r.Context(), &f); err != nil {
		// Restore the previous definition so graph and store stay aligned.
		_ = s.graph.Register(prev)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.dispatch(w, r, planner.Seed{
		BaseID:     f.BaseID,
		TableID:    f.TableID,
		FieldID:    f.ID,
		ChangeType: models.ChangeFieldConvert,
	})
}

// handleDeleteField compiles the dependents' recomputation plan while the
// field is still registered, then removes it from graph and store.
func (s *Server) handleDeleteField(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f := s.graph.Field(id)
	if f == nil {
		http.Error(w, "field not found", http.StatusNotFound)
		return
	}
	if !s.allow(w, r, f.BaseID) {
		return
	}

	seed := planner.Seed{
		BaseID:     f.BaseID,
		TableID:    f.TableID,
		FieldID:    f.ID,
		ChangeType: models.ChangeFieldDelete,
	}
	task, err := s.compile(seed)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	s.graph.Unregister(id)
	if err := s.store.DeleteField(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.route(w, r, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.repo.Task(r.Context(), id)
	if errors.Is(err, outbox.ErrNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := s.repo.DeadLetters(r.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleReplay rebirths a dead letter as a fresh pending task. Concurrent
// replays of the same dead letter race on its deletion; the loser gets a
// 404 instead of a duplicate run.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := outbox.Replay(r.Context(), s.repo, id)
	if errors.Is(err, outbox.ErrNotFound) {
		http.Error(w, "dead letter not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.TasksReplayed.Inc()
	s.ping(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":        task.ID,
		"run_id":         task.RunID,
		"origin_run_ids": task.OriginRunIDs,
	})
}

// dispatch compiles the seed and routes the resulting task.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, seed planner.Seed) {
	task, err := s.compile(seed)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.route(w, r, task)
}

func (s *Server) compile(seed planner.Seed) (*models.ComputeTask, error) {
	task, err := planner.Compile(seed, s.graph, planner.Options{
		MaxAttempts:  s.cfg.MaxAttempts,
		SyncMaxLevel: s.cfg.SyncMaxLevel,
	})
	if err != nil {
		return nil, err
	}
	if task == nil {
		telemetry.PlansEmpty.Inc()
		return nil, nil
	}
	telemetry.PlansCompiled.Inc()
	return task, nil
}

// route runs a small plan inline or queues it, per the compute mode. A
// nil task means no computed field was affected.
func (s *Server) route(w http.ResponseWriter, r *http.Request, task *models.ComputeTask) {
	if task == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "noop"})
		return
	}

	if s.runsInline(task) {
		if err := s.exec.RunOnce(r.Context(), task); err != nil {
			log.Printf("inline task %s failed: %v", task.ID, err)
			http.Error(w, "compute failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		telemetry.TasksDone.Inc()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "computed",
			"task_id": task.ID,
			"run_id":  task.RunID,
		})
		return
	}

	coalesced, err := s.repo.Enqueue(r.Context(), task)
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	if coalesced {
		telemetry.TasksCoalesced.Inc()
	} else {
		telemetry.TasksEnqueued.Inc()
	}
	s.ping(r)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "queued",
		"task_id":   task.ID,
		"run_id":    task.RunID,
		"coalesced": coalesced,
	})
}

// runsInline decides the inline-versus-queued split: sync mode forces
// inline, async forces the queue, auto keeps shallow cheap plans on the
// request path.
func (s *Server) runsInline(task *models.ComputeTask) bool {
	switch s.cfg.ComputeMode {
	case config.ModeSync:
		return true
	case config.ModeAsync:
		return false
	default:
		return task.MaxLevel() <= s.cfg.SyncMaxLevel &&
			task.EstimatedComplexity <= s.cfg.SyncMaxComplexity
	}
}

// allow applies the per-base rate limit, writing the 429 itself.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, baseID string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.AllowBase(r.Context(), baseID)
	if err != nil {
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (s *Server) ping(r *http.Request) {
	if s.nudge == nil {
		return
	}
	if err := s.nudge.Ping(r.Context()); err != nil {
		log.Printf("nudge: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
