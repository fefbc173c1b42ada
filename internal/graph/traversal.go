package graph

import (
	"sort"

	"computed-field-engine/internal/models"
)

// Traversal walks the dependent closure of one or more seed fields in
// breadth-first layers. It is lazy and single-use: each Next advances one
// layer, and a finished traversal cannot be restarted. Callers needing a
// second pass start a new traversal.
type Traversal struct {
	g        *DependencyGraph
	frontier []string
	seen     map[string]bool
}

// DependentsOf starts a traversal from a single field. The seed itself is
// not yielded; the first layer holds its direct dependents.
func (g *DependencyGraph) DependentsOf(fieldID string) *Traversal {
	return g.DependentsOfAll([]string{fieldID})
}

// DependentsOfAll starts a traversal from several seeds at once. A field
// reachable from more than one seed appears once, at its minimum depth.
func (g *DependencyGraph) DependentsOfAll(fieldIDs []string) *Traversal {
	seen := make(map[string]bool, len(fieldIDs))
	frontier := make([]string, 0, len(fieldIDs))
	for _, id := range fieldIDs {
		if !seen[id] {
			seen[id] = true
			frontier = append(frontier, id)
		}
	}
	return &Traversal{g: g, frontier: frontier, seen: seen}
}

// Next returns the next breadth-first layer of dependents, ordered by
// (tableID, fieldID) ascending so plan compilation is deterministic.
// ok is false once the closure is exhausted.
func (t *Traversal) Next() ([]models.FieldRef, bool) {
	t.g.mu.RLock()
	defer t.g.mu.RUnlock()

	var layer []models.FieldRef
	next := make([]string, 0)
	for _, id := range t.frontier {
		for _, dep := range t.g.reverse[id] {
			if t.seen[dep] {
				continue
			}
			t.seen[dep] = true
			layer = append(layer, models.FieldRef{TableID: t.g.tableOf(dep), FieldID: dep})
			next = append(next, dep)
		}
	}
	t.frontier = next
	if len(layer) == 0 {
		return nil, false
	}
	sort.Slice(layer, func(i, j int) bool {
		if layer[i].TableID != layer[j].TableID {
			return layer[i].TableID < layer[j].TableID
		}
		return layer[i].FieldID < layer[j].FieldID
	})
	return layer, true
}

// AffectedTables returns the sorted set of table IDs touched by the
// dependent closure of the given fields, seeds included.
func (g *DependencyGraph) AffectedTables(fieldIDs []string) []string {
	set := map[string]bool{}
	g.mu.RLock()
	for _, id := range fieldIDs {
		if tbl := g.tableOf(id); tbl != "" {
			set[tbl] = true
		}
	}
	g.mu.RUnlock()

	tr := g.DependentsOfAll(fieldIDs)
	for {
		layer, ok := tr.Next()
		if !ok {
			break
		}
		for _, ref := range layer {
			if ref.TableID != "" {
				set[ref.TableID] = true
			}
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
