package models

import "time"

// ComputeTask lifecycle states persisted in the outbox table.
const (
	TaskPending = "pending"
	TaskRunning = "running"
	TaskDone    = "done"
	TaskFailed  = "failed"
)

// ChangeType classifies the seed mutation a plan was compiled from.
type ChangeType string

const (
	ChangeInsert       ChangeType = "insert"
	ChangeUpdate       ChangeType = "update"
	ChangeDelete       ChangeType = "delete"
	ChangeFieldCreate  ChangeType = "field_create"
	ChangeFieldConvert ChangeType = "field_convert"
	ChangeFieldDelete  ChangeType = "field_delete"
)

// Step is one planned unit of work: recompute one field for a record set.
// Scope is resolved at execution time so steps read committed state, not a
// compile-time snapshot:
//
//   - RecordIDs set: exactly those records (seed-table steps).
//   - ViaLinkFieldID set: records of TableID whose link cell references a
//     record already touched in SourceTableID.
//   - neither: records already touched in TableID (same-table chains past
//     the link boundary).
type Step struct {
	ID             string   `json:"id"`
	Level          int      `json:"level"`
	TableID        string   `json:"table_id"`
	FieldID        string   `json:"field_id"`
	RecordIDs      []string `json:"record_ids,omitempty"`
	AllRecords     bool     `json:"all_records,omitempty"`
	ViaLinkFieldID string   `json:"via_link_field_id,omitempty"`
	SourceTableID  string   `json:"source_table_id,omitempty"`
}

// PlanEdge orders two steps: To never starts before From has completed
// within the same run.
type PlanEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DirtyStats summarizes estimated records to recompute per table.
type DirtyStats map[string]int

// ComputeTask is one compiled, durable recomputation plan (the outbox
// row). Created by the plan compiler, mutated only by the executor.
type ComputeTask struct {
	ID           string   `json:"id"`
	RunID        string   `json:"run_id"`
	OriginRunIDs []string `json:"origin_run_ids,omitempty"`

	BaseID        string     `json:"base_id"`
	SeedTableID   string     `json:"seed_table_id"`
	SeedRecordIDs []string   `json:"seed_record_ids,omitempty"`
	SeedFieldID   string     `json:"seed_field_id,omitempty"`
	ChangeType    ChangeType `json:"change_type"`

	Steps []Step     `json:"steps"`
	Edges []PlanEdge `json:"edges,omitempty"`

	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	NextRunAt   time.Time `json:"next_run_at"`

	PlanHash            string     `json:"plan_hash"`
	EstimatedComplexity int64      `json:"estimated_complexity"`
	DirtyStats          DirtyStats `json:"dirty_stats,omitempty"`

	RunTotalSteps           int `json:"run_total_steps"`
	RunCompletedStepsBefore int `json:"run_completed_steps_before"`

	AffectedTableIDs []string `json:"affected_table_ids,omitempty"`
	AffectedFieldIDs []string `json:"affected_field_ids,omitempty"`
	SyncMaxLevel     int      `json:"sync_max_level"`

	LastError *string   `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MaxLevel returns the deepest step level in the plan.
func (t *ComputeTask) MaxLevel() int {
	max := 0
	for _, s := range t.Steps {
		if s.Level > max {
			max = s.Level
		}
	}
	return max
}

// Clone returns a deep copy safe to mutate independently.
func (t *ComputeTask) Clone() *ComputeTask {
	cp := *t
	cp.OriginRunIDs = append([]string(nil), t.OriginRunIDs...)
	cp.SeedRecordIDs = append([]string(nil), t.SeedRecordIDs...)
	cp.Steps = make([]Step, len(t.Steps))
	for i, s := range t.Steps {
		s.RecordIDs = append([]string(nil), s.RecordIDs...)
		cp.Steps[i] = s
	}
	cp.Edges = append([]PlanEdge(nil), t.Edges...)
	cp.AffectedTableIDs = append([]string(nil), t.AffectedTableIDs...)
	cp.AffectedFieldIDs = append([]string(nil), t.AffectedFieldIDs...)
	if t.DirtyStats != nil {
		cp.DirtyStats = make(DirtyStats, len(t.DirtyStats))
		for k, v := range t.DirtyStats {
			cp.DirtyStats[k] = v
		}
	}
	if t.LastError != nil {
		e := *t.LastError
		cp.LastError = &e
	}
	return &cp
}

// DeadLetter is the terminal copy of a task that exhausted its retry
// budget, keyed independently of the originating task.
type DeadLetter struct {
	ID            string      `json:"id"`
	Task          ComputeTask `json:"task"`
	FinalRunID    string      `json:"final_run_id"`
	FailureReason string      `json:"failure_reason"`
	CreatedAt     time.Time   `json:"created_at"`
}
