package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"computed-field-engine/internal/models"
)

// MemStore is an in-memory Store for tests and single-process use. The
// outbox and executor take it through the Store interface, so suites can
// run without Postgres. Failure hooks simulate storage-layer errors.
type MemStore struct {
	mu      sync.Mutex
	records map[string]map[string]*models.Record // tableID -> recordID
	fields  map[string]*models.Field

	// FailWrite, when set, is returned by WriteCells while
	// FailWritesRemaining is non-zero; -1 means fail every write.
	FailWrite            error
	FailWritesRemaining  int
	FailCommit           error
	FailCommitsRemaining int
}

func NewMem() *MemStore {
	return &MemStore{
		records: make(map[string]map[string]*models.Record),
		fields:  make(map[string]*models.Field),
	}
}

// PutRecord inserts or replaces a record.
func (s *MemStore) PutRecord(rec *models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl := s.records[rec.TableID]
	if tbl == nil {
		tbl = make(map[string]*models.Record)
		s.records[rec.TableID] = tbl
	}
	tbl[rec.ID] = cloneRecord(rec)
}

// Record returns a copy of the stored record, or nil.
func (s *MemStore) Record(tableID, recordID string) *models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec := s.records[tableID][recordID]; rec != nil {
		return cloneRecord(rec)
	}
	return nil
}

func (s *MemStore) Begin(ctx context.Context) (Tx, error) {
	return &memTx{store: s, staged: make(map[[3]string]any)}, nil
}

type memTx struct {
	store  *MemStore
	staged map[[3]string]any // (table, record, field) -> value
	done   bool
}

func (t *memTx) Records(ctx context.Context, tableID string, recordIDs []string) ([]*models.Record, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	var ids []string
	if recordIDs != nil {
		ids = recordIDs
	} else {
		for id := range t.store.records[tableID] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	var out []*models.Record
	for _, id := range ids {
		rec := t.store.records[tableID][id]
		if rec == nil {
			continue
		}
		cp := cloneRecord(rec)
		for key, v := range t.staged {
			if key[0] == tableID && key[1] == id {
				cp.Cells[key[2]] = v
			}
		}
		out = append(out, cp)
	}
	return out, nil
}

func (t *memTx) RecordsLinkedTo(ctx context.Context, tableID, linkFieldID string, targetIDs []string, limit int) ([]string, error) {
	recs, err := t.Records(ctx, tableID, nil)
	if err != nil {
		return nil, err
	}
	targets := map[string]bool{}
	for _, id := range targetIDs {
		targets[id] = true
	}
	var out []string
	for _, rec := range recs {
		for _, linked := range models.LinkedIDs(rec.Cells[linkFieldID]) {
			if targets[linked] {
				out = append(out, rec.ID)
				break
			}
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) WriteCells(ctx context.Context, writes []CellWrite) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.FailWrite != nil && t.store.FailWritesRemaining != 0 {
		if t.store.FailWritesRemaining > 0 {
			t.store.FailWritesRemaining--
		}
		return t.store.FailWrite
	}
	for _, w := range writes {
		if t.store.records[w.TableID][w.RecordID] == nil {
			return fmt.Errorf("record %s/%s does not exist", w.TableID, w.RecordID)
		}
		t.staged[[3]string{w.TableID, w.RecordID, w.FieldID}] = w.Value
	}
	return nil
}

func (t *memTx) Commit(ctx context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	if t.store.FailCommit != nil && t.store.FailCommitsRemaining != 0 {
		if t.store.FailCommitsRemaining > 0 {
			t.store.FailCommitsRemaining--
		}
		t.staged = nil
		return t.store.FailCommit
	}
	for key, v := range t.staged {
		if rec := t.store.records[key[0]][key[1]]; rec != nil {
			if rec.Cells == nil {
				rec.Cells = map[string]any{}
			}
			rec.Cells[key[2]] = v
		}
	}
	t.staged = nil
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.done = true
	t.staged = nil
	return nil
}

func (s *MemStore) Fields(ctx context.Context, baseID string) ([]*models.Field, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Field
	for _, f := range s.fields {
		if baseID == "" || f.BaseID == baseID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) InsertField(ctx context.Context, f *models.Field) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fields[f.ID]; ok {
		return fmt.Errorf("field %s already exists", f.ID)
	}
	s.fields[f.ID] = f
	return nil
}

func (s *MemStore) UpdateField(ctx context.Context, f *models.Field) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fields[f.ID]; !ok {
		return fmt.Errorf("field %s does not exist", f.ID)
	}
	s.fields[f.ID] = f
	return nil
}

func (s *MemStore) DeleteField(ctx context.Context, fieldID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fields, fieldID)
	return nil
}

func cloneRecord(rec *models.Record) *models.Record {
	cp := *rec
	cp.Cells = make(map[string]any, len(rec.Cells))
	for k, v := range rec.Cells {
		cp.Cells[k] = v
	}
	return &cp
}
