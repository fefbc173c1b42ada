package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"computed-field-engine/internal/eval"
	"computed-field-engine/internal/models"
	"computed-field-engine/internal/store"
	"computed-field-engine/internal/telemetry"
)

// applySteps walks the plan in edge order inside one transaction. Each
// step resolves its record scope at execution time, reads current values,
// evaluates its field, and writes the computed cells. Returns how many
// steps of the topological order are complete, counting the
// already-committed prefix of a continuation.
func (e *Executor) applySteps(ctx context.Context, tx store.Tx, task *models.ComputeTask, fields map[string]*models.Field, maxSteps int) (int, error) {
	order, err := topoOrder(task.Steps, task.Edges)
	if err != nil {
		return 0, err
	}

	touched := map[string]map[string]bool{}
	markTouched(touched, task.SeedTableID, task.SeedRecordIDs)

	completed := 0
	executed := 0
	var rowErrs []string
	for _, idx := range order {
		step := task.Steps[idx]
		if maxSteps > 0 && executed >= maxSteps {
			break
		}

		recordIDs, all, err := e.resolveScope(ctx, tx, step, touched)
		if err != nil {
			return completed, fmt.Errorf("resolve scope of step %s: %w", step.ID, err)
		}

		// A committed prefix from an earlier continuation attempt still
		// contributes its scope so later link-resolved steps see it.
		replayOnly := completed < task.RunCompletedStepsBefore
		if !replayOnly && (len(recordIDs) > 0 || all) {
			field := fields[step.FieldID]
			if field == nil {
				return completed, fmt.Errorf("step %s references missing field %s", step.ID, step.FieldID)
			}
			records, err := e.loadRecords(ctx, tx, step.TableID, recordIDs, all)
			if err != nil {
				return completed, err
			}
			writes, stepRowErrs, err := e.executeStep(ctx, tx, field, records)
			if err != nil {
				return completed, fmt.Errorf("execute step %s (%s): %w", step.ID, field.Kind, err)
			}
			rowErrs = append(rowErrs, stepRowErrs...)
			if len(writes) > 0 {
				if err := tx.WriteCells(ctx, writes); err != nil {
					return completed, fmt.Errorf("write cells of step %s: %w", step.ID, err)
				}
			}
			if all {
				recordIDs = recordIDsOf(records)
			}
			executed++
			telemetry.StepsExecuted.Inc()
		} else if all {
			records, err := e.loadRecords(ctx, tx, step.TableID, nil, true)
			if err != nil {
				return completed, err
			}
			recordIDs = recordIDsOf(records)
		}

		markTouched(touched, step.TableID, recordIDs)
		completed++
	}

	if len(rowErrs) > 0 {
		// Affected cells keep their previous value; the failure is not a
		// task failure, only surfaced for operators.
		telemetry.EvalRowErrors.Add(float64(len(rowErrs)))
		log.Printf("task %s: %d cell(s) left unresolved: %v", task.ID, len(rowErrs), rowErrs)
	}
	return completed, nil
}

// resolveScope materializes a step's record set: explicit IDs, a
// link-resolved set against the records touched so far in the source
// table, or the touched set of the step's own table.
func (e *Executor) resolveScope(ctx context.Context, tx store.Tx, step models.Step, touched map[string]map[string]bool) ([]string, bool, error) {
	switch {
	case step.AllRecords:
		return nil, true, nil
	case len(step.RecordIDs) > 0:
		return step.RecordIDs, false, nil
	case step.ViaLinkFieldID != "":
		sources := touchedIDs(touched, step.SourceTableID)
		if len(sources) == 0 {
			return nil, false, nil
		}
		ids, err := tx.RecordsLinkedTo(ctx, step.TableID, step.ViaLinkFieldID, sources, e.queryRowLimit())
		if err != nil {
			return nil, false, err
		}
		return ids, false, nil
	default:
		return touchedIDs(touched, step.TableID), false, nil
	}
}

func (e *Executor) loadRecords(ctx context.Context, tx store.Tx, tableID string, recordIDs []string, all bool) ([]*models.Record, error) {
	if all {
		recordIDs = nil
	}
	records, err := tx.Records(ctx, tableID, recordIDs)
	if err != nil {
		return nil, fmt.Errorf("load records of %s: %w", tableID, err)
	}
	return records, nil
}

// executeStep evaluates one field for a record set. The kind switch is
// the single dispatch point over the closed FieldKind set.
func (e *Executor) executeStep(ctx context.Context, tx store.Tx, field *models.Field, records []*models.Record) ([]store.CellWrite, []string, error) {
	switch field.Kind {
	case models.KindFormula:
		return e.evalFormula(field, records)
	case models.KindLookup:
		if field.Lookup == nil {
			return nil, nil, fmt.Errorf("lookup field %s has no options", field.ID)
		}
		return e.evalThroughLink(ctx, tx, field, records, field.Lookup.LinkFieldID, field.Lookup.ForeignTableID, field.Lookup.ForeignFieldID, "")
	case models.KindRollup:
		if field.Rollup == nil {
			return nil, nil, fmt.Errorf("rollup field %s has no options", field.ID)
		}
		return e.evalThroughLink(ctx, tx, field, records, field.Rollup.LinkFieldID, field.Rollup.ForeignTableID, field.Rollup.ForeignFieldID, field.Rollup.Aggregation)
	case models.KindLink:
		if field.Link == nil {
			return nil, nil, fmt.Errorf("link field %s has no options", field.ID)
		}
		return e.refreshLinkTitles(ctx, tx, field, records)
	case models.KindCreatedBy, models.KindLastModifiedBy, models.KindCreatedTime, models.KindLastModifiedTime, models.KindAutoNumber:
		return evalAudit(field, records), nil, nil
	case models.KindPrimitive, models.KindButton:
		// Not computed; nothing to do if one slips into a plan.
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown field kind %q", field.Kind)
	}
}

func (e *Executor) evalFormula(field *models.Field, records []*models.Record) ([]store.CellWrite, []string, error) {
	if field.Formula == nil || field.Formula.Expression == nil {
		return nil, nil, fmt.Errorf("formula field %s has no expression", field.ID)
	}
	var writes []store.CellWrite
	var rowErrs []string
	for _, rec := range records {
		value, err := eval.Evaluate(field.Formula.Expression, rec.Cells)
		if err != nil {
			var evalErr *eval.Error
			if errors.As(err, &evalErr) {
				rowErrs = append(rowErrs, fmt.Sprintf("%s/%s: %s", rec.ID, field.ID, evalErr.Reason))
				continue
			}
			return nil, nil, err
		}
		writes = append(writes, store.CellWrite{TableID: field.TableID, RecordID: rec.ID, FieldID: field.ID, Value: value})
	}
	return writes, rowErrs, nil
}

// evalThroughLink serves lookup and rollup: collect the foreign values
// referenced by each record's link cell, then either store them as-is or
// aggregate them.
func (e *Executor) evalThroughLink(ctx context.Context, tx store.Tx, field *models.Field, records []*models.Record, linkFieldID, foreignTableID, foreignFieldID, aggregation string) ([]store.CellWrite, []string, error) {
	foreign, err := e.foreignByID(ctx, tx, records, linkFieldID, foreignTableID)
	if err != nil {
		return nil, nil, err
	}

	var writes []store.CellWrite
	var rowErrs []string
	for _, rec := range records {
		var values []any
		for _, id := range models.LinkedIDs(rec.Cells[linkFieldID]) {
			if frec := foreign[id]; frec != nil {
				values = append(values, frec.Cells[foreignFieldID])
			}
		}
		var value any
		if aggregation == "" {
			if len(values) > 0 {
				value = values
			}
		} else {
			value, err = eval.Aggregate(aggregation, values)
			if err != nil {
				var evalErr *eval.Error
				if errors.As(err, &evalErr) {
					rowErrs = append(rowErrs, fmt.Sprintf("%s/%s: %s", rec.ID, field.ID, evalErr.Reason))
					continue
				}
				return nil, nil, err
			}
		}
		writes = append(writes, store.CellWrite{TableID: field.TableID, RecordID: rec.ID, FieldID: field.ID, Value: value})
	}
	return writes, rowErrs, nil
}

// refreshLinkTitles rewrites a link cell's denormalized titles from the
// foreign table's title field, dropping entries whose record vanished.
func (e *Executor) refreshLinkTitles(ctx context.Context, tx store.Tx, field *models.Field, records []*models.Record) ([]store.CellWrite, []string, error) {
	foreign, err := e.foreignByID(ctx, tx, records, field.ID, field.Link.ForeignTableID)
	if err != nil {
		return nil, nil, err
	}

	var writes []store.CellWrite
	for _, rec := range records {
		ids := models.LinkedIDs(rec.Cells[field.ID])
		if len(ids) == 0 {
			continue
		}
		cells := make([]models.LinkCell, 0, len(ids))
		for _, id := range ids {
			frec := foreign[id]
			if frec == nil {
				continue
			}
			cells = append(cells, models.LinkCell{RecordID: id, Title: frec.Cells[field.Link.TitleFieldID]})
		}
		var value any
		if len(cells) > 0 {
			value = cells
		}
		writes = append(writes, store.CellWrite{TableID: field.TableID, RecordID: rec.ID, FieldID: field.ID, Value: value})
	}
	return writes, nil, nil
}

func (e *Executor) foreignByID(ctx context.Context, tx store.Tx, records []*models.Record, linkFieldID, foreignTableID string) (map[string]*models.Record, error) {
	idSet := map[string]bool{}
	var ids []string
	for _, rec := range records {
		for _, id := range models.LinkedIDs(rec.Cells[linkFieldID]) {
			if !idSet[id] {
				idSet[id] = true
				ids = append(ids, id)
			}
		}
	}
	foreign := map[string]*models.Record{}
	if len(ids) == 0 {
		return foreign, nil
	}
	frecs, err := tx.Records(ctx, foreignTableID, ids)
	if err != nil {
		return nil, fmt.Errorf("load linked records of %s: %w", foreignTableID, err)
	}
	for _, frec := range frecs {
		foreign[frec.ID] = frec
	}
	return foreign, nil
}

func evalAudit(field *models.Field, records []*models.Record) []store.CellWrite {
	writes := make([]store.CellWrite, 0, len(records))
	for _, rec := range records {
		var value any
		switch field.Kind {
		case models.KindCreatedBy:
			value = rec.CreatedBy
		case models.KindLastModifiedBy:
			value = rec.ModifiedBy
		case models.KindCreatedTime:
			value = rec.CreatedAt.UTC().Format(time.RFC3339)
		case models.KindLastModifiedTime:
			value = rec.ModifiedAt.UTC().Format(time.RFC3339)
		case models.KindAutoNumber:
			value = rec.AutoNumber
		}
		writes = append(writes, store.CellWrite{TableID: field.TableID, RecordID: rec.ID, FieldID: field.ID, Value: value})
	}
	return writes
}

func (e *Executor) queryRowLimit() int {
	limit := e.cfg.QueryRowLimit
	if limit <= 0 {
		limit = 1000
	}
	if e.cfg.QueryRowLimitMax > 0 && limit > e.cfg.QueryRowLimitMax {
		limit = e.cfg.QueryRowLimitMax
	}
	return limit
}

// topoOrder returns step indices in an order honoring every plan edge,
// breaking ties by step position so the order is stable across attempts.
func topoOrder(steps []models.Step, edges []models.PlanEdge) ([]int, error) {
	indexByID := make(map[string]int, len(steps))
	for i, s := range steps {
		indexByID[s.ID] = i
	}
	indegree := make([]int, len(steps))
	succ := make([][]int, len(steps))
	for _, e := range edges {
		from, okF := indexByID[e.From]
		to, okT := indexByID[e.To]
		if !okF || !okT {
			return nil, fmt.Errorf("edge %s -> %s references unknown step", e.From, e.To)
		}
		succ[from] = append(succ[from], to)
		indegree[to]++
	}

	order := make([]int, 0, len(steps))
	done := make([]bool, len(steps))
	for len(order) < len(steps) {
		next := -1
		for i := range steps {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next == -1 {
			return nil, fmt.Errorf("plan edges contain a cycle")
		}
		done[next] = true
		order = append(order, next)
		for _, s := range succ[next] {
			indegree[s]--
		}
	}
	return order, nil
}

func markTouched(touched map[string]map[string]bool, tableID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	set := touched[tableID]
	if set == nil {
		set = map[string]bool{}
		touched[tableID] = set
	}
	for _, id := range ids {
		set[id] = true
	}
}

func touchedIDs(touched map[string]map[string]bool, tableID string) []string {
	set := touched[tableID]
	if len(set) == 0 {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func recordIDsOf(records []*models.Record) []string {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	return ids
}
