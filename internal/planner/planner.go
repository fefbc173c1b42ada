package planner

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"computed-field-engine/internal/graph"
	"computed-field-engine/internal/models"
)

// ErrUnknownField is the graph-resolution failure: the seed or one of its
// dependents references a field that is no longer registered. No partial
// task is produced.
var ErrUnknownField = errors.New("unknown field")

// Seed describes the change a plan is compiled from.
type Seed struct {
	BaseID    string
	TableID   string
	RecordIDs []string
	// ChangedFieldIDs limits a record change to the fields that actually
	// changed; empty means every field of the table is treated as changed.
	ChangedFieldIDs []string
	// FieldID names the mutated field for field_* change types.
	FieldID    string
	ChangeType models.ChangeType
}

// Options tunes compiled-task scheduling metadata.
type Options struct {
	MaxAttempts  int
	SyncMaxLevel int
}

// Per-record evaluation cost weights by field kind, used for the
// complexity estimate only.
var kindWeight = map[models.FieldKind]int64{
	models.KindFormula: 2,
	models.KindLookup:  3,
	models.KindRollup:  4,
	models.KindLink:    2,
}

// Estimated fan-out of one changed record across a link boundary when the
// exact linked set is only known at execution time.
const linkFanoutEstimate = 4

// Compile turns a seed change into a ComputeTask, or (nil, nil) when no
// computed field is affected. The traversal order of the dependency graph
// makes step emission deterministic, so identical inputs produce the same
// plan hash.
func Compile(seed Seed, g *graph.DependencyGraph, opts Options) (*models.ComputeTask, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}

	sources, level0, err := resolveSeed(seed, g)
	if err != nil {
		return nil, err
	}

	type planned struct {
		field *models.Field
		level int
	}
	var order []planned
	for _, f := range level0 {
		order = append(order, planned{field: f, level: 0})
	}

	inPlan := map[string]bool{}
	for _, p := range order {
		inPlan[p.field.ID] = true
	}
	sourceSet := map[string]bool{}
	for _, id := range sources {
		sourceSet[id] = true
	}

	tr := g.DependentsOfAll(append(append([]string{}, sources...), fieldIDs(level0)...))
	for level := 1; ; level++ {
		layer, ok := tr.Next()
		if !ok {
			break
		}
		for _, ref := range layer {
			f := g.Field(ref.FieldID)
			if f == nil {
				return nil, fmt.Errorf("dependent %s: %w", ref.FieldID, ErrUnknownField)
			}
			if !f.Kind.Computed() || inPlan[f.ID] {
				continue
			}
			inPlan[f.ID] = true
			order = append(order, planned{field: f, level: level})
		}
	}

	if len(order) == 0 {
		return nil, nil
	}

	steps := make([]models.Step, 0, len(order))
	stepByField := map[string]string{}
	for i, p := range order {
		step := models.Step{
			ID:      fmt.Sprintf("s%02d", i+1),
			Level:   p.level,
			TableID: p.field.TableID,
			FieldID: p.field.ID,
		}
		if err := scopeStep(&step, p.field, seed, g, sourceSet, inPlan); err != nil {
			return nil, err
		}
		steps = append(steps, step)
		stepByField[p.field.ID] = step.ID
	}

	var edges []models.PlanEdge
	edgeSeen := map[models.PlanEdge]bool{}
	for _, p := range order {
		to := stepByField[p.field.ID]
		for _, dep := range p.field.DependsOn() {
			from, ok := stepByField[dep.FieldID]
			if !ok || from == to {
				continue
			}
			e := models.PlanEdge{From: from, To: to}
			if !edgeSeen[e] {
				edgeSeen[e] = true
				edges = append(edges, e)
			}
		}
	}

	stats := estimateDirty(steps, seed, g)
	now := time.Now().UTC()
	task := &models.ComputeTask{
		ID:                  uuid.New().String(),
		RunID:               uuid.New().String(),
		BaseID:              seed.BaseID,
		SeedTableID:         seed.TableID,
		SeedRecordIDs:       sortedCopy(seed.RecordIDs),
		SeedFieldID:         seed.FieldID,
		ChangeType:          seed.ChangeType,
		Steps:               steps,
		Edges:               edges,
		Status:              models.TaskPending,
		MaxAttempts:         opts.MaxAttempts,
		NextRunAt:           now,
		EstimatedComplexity: estimateComplexity(steps, stats, g),
		DirtyStats:          stats,
		RunTotalSteps:       len(steps),
		AffectedTableIDs:    affectedTables(steps),
		AffectedFieldIDs:    affectedFields(steps),
		SyncMaxLevel:        opts.SyncMaxLevel,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	task.PlanHash = planHash(seed, steps, edges)
	return task, nil
}

// resolveSeed maps a seed change to the BFS source field IDs and the
// fields computed at level 0.
func resolveSeed(seed Seed, g *graph.DependencyGraph) (sources []string, level0 []*models.Field, err error) {
	switch seed.ChangeType {
	case models.ChangeInsert, models.ChangeUpdate, models.ChangeDelete:
		tableFields := g.TableFields(seed.TableID)
		if len(seed.ChangedFieldIDs) > 0 {
			for _, id := range seed.ChangedFieldIDs {
				if g.Field(id) == nil {
					return nil, nil, fmt.Errorf("changed field %s: %w", id, ErrUnknownField)
				}
				sources = append(sources, id)
			}
		} else {
			for _, f := range tableFields {
				if !f.Kind.Computed() {
					sources = append(sources, f.ID)
				}
			}
		}
		for _, f := range tableFields {
			if auditApplies(f.Kind, seed.ChangeType) {
				level0 = append(level0, f)
			}
		}
		return sources, level0, nil

	case models.ChangeFieldCreate, models.ChangeFieldConvert:
		f := g.Field(seed.FieldID)
		if f == nil {
			return nil, nil, fmt.Errorf("seed field %s: %w", seed.FieldID, ErrUnknownField)
		}
		if f.Kind.Computed() {
			level0 = append(level0, f)
		}
		return []string{seed.FieldID}, level0, nil

	case models.ChangeFieldDelete:
		// Compiled before the field leaves the graph; the field itself is
		// gone, only its dependents recompute.
		if g.Field(seed.FieldID) == nil {
			return nil, nil, fmt.Errorf("seed field %s: %w", seed.FieldID, ErrUnknownField)
		}
		return []string{seed.FieldID}, nil, nil

	default:
		return nil, nil, fmt.Errorf("change type %q: %w", seed.ChangeType, ErrUnknownField)
	}
}

func auditApplies(k models.FieldKind, ct models.ChangeType) bool {
	switch ct {
	case models.ChangeInsert:
		return k.Audit()
	case models.ChangeUpdate:
		return k == models.KindLastModifiedBy || k == models.KindLastModifiedTime
	default:
		return false
	}
}

// scopeStep decides how the step's record set resolves at execution time.
// A field triggered through a cross-table dependency gets a link-resolved
// scope; a seed-table field gets the explicit seed records; anything else
// inherits the records already touched in its own table.
func scopeStep(step *models.Step, f *models.Field, seed Seed, g *graph.DependencyGraph, sourceSet, inPlan map[string]bool) error {
	for _, dep := range f.DependsOn() {
		if dep.TableID == f.TableID {
			continue
		}
		if !sourceSet[dep.FieldID] && !inPlan[dep.FieldID] {
			continue
		}
		linkFieldID, err := linkFieldFor(f)
		if err != nil {
			return err
		}
		if g.Field(linkFieldID) == nil {
			return fmt.Errorf("link field %s of %s: %w", linkFieldID, f.ID, ErrUnknownField)
		}
		step.ViaLinkFieldID = linkFieldID
		step.SourceTableID = dep.TableID
		return nil
	}
	if f.TableID == seed.TableID {
		if len(seed.RecordIDs) == 0 {
			// Field mutations without a record list cover the whole table.
			step.AllRecords = true
		} else {
			step.RecordIDs = sortedCopy(seed.RecordIDs)
		}
	}
	return nil
}

// linkFieldFor names the same-table link field a cross-table computed
// field reads through.
func linkFieldFor(f *models.Field) (string, error) {
	switch f.Kind {
	case models.KindLink:
		return f.ID, nil
	case models.KindLookup:
		if f.Lookup == nil {
			return "", fmt.Errorf("lookup %s has no options: %w", f.ID, ErrUnknownField)
		}
		return f.Lookup.LinkFieldID, nil
	case models.KindRollup:
		if f.Rollup == nil {
			return "", fmt.Errorf("rollup %s has no options: %w", f.ID, ErrUnknownField)
		}
		return f.Rollup.LinkFieldID, nil
	default:
		return "", fmt.Errorf("field %s cannot cross tables: %w", f.ID, ErrUnknownField)
	}
}

func estimateDirty(steps []models.Step, seed Seed, g *graph.DependencyGraph) models.DirtyStats {
	stats := models.DirtyStats{}
	seedCount := len(seed.RecordIDs)
	if seedCount == 0 {
		seedCount = 1
	}
	for _, s := range steps {
		est := seedCount
		switch {
		case len(s.RecordIDs) > 0:
			est = len(s.RecordIDs)
		case s.ViaLinkFieldID != "":
			src := stats[s.SourceTableID]
			if src == 0 {
				src = seedCount
			}
			fanout := linkFanoutEstimate
			if lf := g.Field(s.ViaLinkFieldID); lf != nil && lf.Link != nil && lf.Link.Relationship == models.RelManyOne {
				fanout = 1
			}
			est = src * fanout
		default:
			if prev := stats[s.TableID]; prev > 0 {
				est = prev
			}
		}
		if est > stats[s.TableID] {
			stats[s.TableID] = est
		}
	}
	return stats
}

func estimateComplexity(steps []models.Step, stats models.DirtyStats, g *graph.DependencyGraph) int64 {
	var total int64
	for _, s := range steps {
		weight := int64(1)
		if f := g.Field(s.FieldID); f != nil {
			if w, ok := kindWeight[f.Kind]; ok {
				weight = w
			}
		}
		records := int64(stats[s.TableID])
		if len(s.RecordIDs) > 0 {
			records = int64(len(s.RecordIDs))
		}
		if records == 0 {
			records = 1
		}
		total += records * weight
	}
	return total
}

func affectedTables(steps []models.Step) []string {
	set := map[string]bool{}
	for _, s := range steps {
		set[s.TableID] = true
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func affectedFields(steps []models.Step) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.FieldID)
	}
	sort.Strings(out)
	return out
}

func fieldIDs(fs []*models.Field) []string {
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.ID)
	}
	return out
}

func sortedCopy(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
