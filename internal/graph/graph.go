package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"computed-field-engine/internal/models"
)

// ErrCycle is returned when registering a field would close a cycle among
// computational dependency edges.
var ErrCycle = errors.New("cycle detected")

// DependencyGraph tracks which fields read which other fields, across
// tables. Forward edges are the declared dependencies; reverse adjacency
// is derived from them on every mutation and never stored independently,
// so the two can't drift. The mirror relation pairs the two sides of a
// two-way link and is kept out of the dependency edges entirely.
type DependencyGraph struct {
	mu      sync.RWMutex
	fields  map[string]*models.Field
	forward map[string][]models.FieldRef
	reverse map[string][]string
	mirror  map[string]string
}

// New returns an empty graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		fields:  make(map[string]*models.Field),
		forward: make(map[string][]models.FieldRef),
		reverse: make(map[string][]string),
		mirror:  make(map[string]string),
	}
}

// Load builds a graph from a field set, registering primitives first so
// computed fields find their dependencies in place.
func Load(fields []*models.Field) (*DependencyGraph, error) {
	g := New()
	ordered := append([]*models.Field(nil), fields...)
	sort.SliceStable(ordered, func(i, j int) bool {
		ci, cj := ordered[i].Kind.Computed(), ordered[j].Kind.Computed()
		if ci != cj {
			return !ci
		}
		return false
	})
	for _, f := range ordered {
		if err := g.Register(f); err != nil {
			return nil, fmt.Errorf("load field %s: %w", f.ID, err)
		}
	}
	return g, nil
}

// Register adds a field and its declared forward edges. It fails with
// ErrCycle, leaving the graph unchanged, if the edges would close a cycle
// among computational fields. Dependencies on fields not yet registered
// are allowed; they become live edges once the target registers.
func (g *DependencyGraph) Register(f *models.Field) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	deps := f.DependsOn()
	if g.wouldCycle(f.ID, deps) {
		return fmt.Errorf("register %s: %w", f.ID, ErrCycle)
	}

	g.fields[f.ID] = f
	g.forward[f.ID] = deps
	if f.Kind == models.KindLink && f.Link != nil && f.Link.SymmetricFieldID != "" {
		g.mirror[f.ID] = f.Link.SymmetricFieldID
		g.mirror[f.Link.SymmetricFieldID] = f.ID
	}
	g.rebuildReverse()
	return nil
}

// Unregister removes a field, its forward edges, and any mirror pairing.
// Dangling references from remaining fields stay declared; they surface as
// resolution failures at plan time, not silently dropped edges.
func (g *DependencyGraph) Unregister(fieldID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.fields, fieldID)
	delete(g.forward, fieldID)
	if m, ok := g.mirror[fieldID]; ok {
		delete(g.mirror, m)
		delete(g.mirror, fieldID)
	}
	g.rebuildReverse()
}

// Field returns the registered field, or nil.
func (g *DependencyGraph) Field(fieldID string) *models.Field {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.fields[fieldID]
}

// TableFields returns the fields of one table, ordered by field ID.
func (g *DependencyGraph) TableFields(tableID string) []*models.Field {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*models.Field
	for _, f := range g.fields {
		if f.TableID == tableID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// wouldCycle checks whether fieldID can reach itself through the forward
// edges it is about to declare. Mirror pairs are skipped: the symmetric
// back-reference of a two-way link is structural, not computational.
func (g *DependencyGraph) wouldCycle(fieldID string, deps []models.FieldRef) bool {
	stack := make([]string, 0, len(deps))
	for _, d := range deps {
		if g.mirror[fieldID] == d.FieldID {
			continue
		}
		stack = append(stack, d.FieldID)
	}
	seen := map[string]bool{}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == fieldID {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		for _, next := range g.forward[cur] {
			if g.mirror[cur] == next.FieldID {
				continue
			}
			stack = append(stack, next.FieldID)
		}
	}
	return false
}

func (g *DependencyGraph) rebuildReverse() {
	rev := make(map[string][]string, len(g.forward))
	for from, deps := range g.forward {
		for _, d := range deps {
			rev[d.FieldID] = append(rev[d.FieldID], from)
		}
	}
	for id := range rev {
		ids := rev[id]
		sort.Slice(ids, func(i, j int) bool {
			ti, tj := g.tableOf(ids[i]), g.tableOf(ids[j])
			if ti != tj {
				return ti < tj
			}
			return ids[i] < ids[j]
		})
	}
	g.reverse = rev
}

func (g *DependencyGraph) tableOf(fieldID string) string {
	if f := g.fields[fieldID]; f != nil {
		return f.TableID
	}
	return ""
}
