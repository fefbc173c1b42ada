package models

import (
	"time"

	"computed-field-engine/internal/eval"
)

// FieldKind enumerates the closed set of field types. Evaluation strategy
// is selected by switching on this tag; adding a kind means extending the
// executor's switch.
type FieldKind string

const (
	KindPrimitive        FieldKind = "primitive"
	KindFormula          FieldKind = "formula"
	KindLookup           FieldKind = "lookup"
	KindRollup           FieldKind = "rollup"
	KindLink             FieldKind = "link"
	KindCreatedBy        FieldKind = "created_by"
	KindLastModifiedBy   FieldKind = "last_modified_by"
	KindCreatedTime      FieldKind = "created_time"
	KindLastModifiedTime FieldKind = "last_modified_time"
	KindAutoNumber       FieldKind = "auto_number"
	KindButton           FieldKind = "button"
)

// Computed reports whether cells of this kind are derived rather than
// user-entered. Button is interactive, not derived, and never enters the
// dependency graph.
func (k FieldKind) Computed() bool {
	switch k {
	case KindFormula, KindLookup, KindRollup, KindLink,
		KindCreatedBy, KindLastModifiedBy, KindCreatedTime, KindLastModifiedTime,
		KindAutoNumber:
		return true
	default:
		return false
	}
}

// Audit reports whether the kind derives from record metadata alone.
func (k FieldKind) Audit() bool {
	switch k {
	case KindCreatedBy, KindLastModifiedBy, KindCreatedTime, KindLastModifiedTime, KindAutoNumber:
		return true
	default:
		return false
	}
}

// Relationship describes link cardinality from the owning table's side.
type Relationship string

const (
	RelManyOne  Relationship = "many_one"
	RelOneMany  Relationship = "one_many"
	RelManyMany Relationship = "many_many"
)

// FieldRef names a field, possibly in another table.
type FieldRef struct {
	TableID string `json:"table_id"`
	FieldID string `json:"field_id"`
}

// FormulaOptions carries the pre-parsed expression over same-table fields.
type FormulaOptions struct {
	Expression *eval.Expr `json:"expression"`
}

// LookupOptions reads a foreign field through a same-table link field.
type LookupOptions struct {
	LinkFieldID    string `json:"link_field_id"`
	ForeignTableID string `json:"foreign_table_id"`
	ForeignFieldID string `json:"foreign_field_id"`
}

// RollupOptions is a lookup plus an aggregation over the collected values.
type RollupOptions struct {
	LinkFieldID    string `json:"link_field_id"`
	ForeignTableID string `json:"foreign_table_id"`
	ForeignFieldID string `json:"foreign_field_id"`
	Aggregation    string `json:"aggregation"`
}

// LinkOptions describes a relation to another table. SymmetricFieldID
// names the mirror link on the foreign side; the mirror pair is a
// structural back-reference, not a dependency edge.
type LinkOptions struct {
	ForeignTableID   string       `json:"foreign_table_id"`
	Relationship     Relationship `json:"relationship"`
	SymmetricFieldID string       `json:"symmetric_field_id,omitempty"`
	TitleFieldID     string       `json:"title_field_id"`
}

// Field is one column of a table.
type Field struct {
	ID        string          `json:"id"`
	BaseID    string          `json:"base_id"`
	TableID   string          `json:"table_id"`
	Name      string          `json:"name"`
	Kind      FieldKind       `json:"kind"`
	Formula   *FormulaOptions `json:"formula,omitempty"`
	Lookup    *LookupOptions  `json:"lookup,omitempty"`
	Rollup    *RollupOptions  `json:"rollup,omitempty"`
	Link      *LinkOptions    `json:"link,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// DependsOn returns the declared forward dependency references. Reverse
// edges are always derived from these, never stored alongside them.
func (f *Field) DependsOn() []FieldRef {
	switch f.Kind {
	case KindFormula:
		if f.Formula == nil {
			return nil
		}
		ids := eval.FieldIDs(f.Formula.Expression)
		refs := make([]FieldRef, 0, len(ids))
		for _, id := range ids {
			refs = append(refs, FieldRef{TableID: f.TableID, FieldID: id})
		}
		return refs
	case KindLookup:
		if f.Lookup == nil {
			return nil
		}
		return []FieldRef{
			{TableID: f.TableID, FieldID: f.Lookup.LinkFieldID},
			{TableID: f.Lookup.ForeignTableID, FieldID: f.Lookup.ForeignFieldID},
		}
	case KindRollup:
		if f.Rollup == nil {
			return nil
		}
		return []FieldRef{
			{TableID: f.TableID, FieldID: f.Rollup.LinkFieldID},
			{TableID: f.Rollup.ForeignTableID, FieldID: f.Rollup.ForeignFieldID},
		}
	case KindLink:
		if f.Link == nil || f.Link.TitleFieldID == "" {
			return nil
		}
		return []FieldRef{
			{TableID: f.Link.ForeignTableID, FieldID: f.Link.TitleFieldID},
		}
	default:
		return nil
	}
}
