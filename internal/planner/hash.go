package planner

import (
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	"computed-field-engine/internal/models"
)

// planHash fingerprints the seed descriptor and the ordered step/edge
// shape. Record IDs are deliberately excluded: two plans that differ only
// in which records of the same table changed hash identically, so the
// outbox can fold them into one task by unioning record scope.
func planHash(seed Seed, steps []models.Step, edges []models.PlanEdge) string {
	h := xxhash.New()
	writeHash(h, "%s|%s|%s|%s", seed.BaseID, seed.TableID, seed.ChangeType, seed.FieldID)
	for _, s := range steps {
		writeHash(h, "|s:%d:%s:%s:%s:%s:%t", s.Level, s.TableID, s.FieldID, s.ViaLinkFieldID, s.SourceTableID, s.AllRecords)
	}
	for _, e := range edges {
		writeHash(h, "|e:%s>%s", e.From, e.To)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func writeHash(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format, args...)
}
