package models

import "time"

// Record is one row of a user table. Cells maps field ID to cell value;
// computed cells are written with replace semantics so re-running a step
// is safe.
type Record struct {
	ID         string         `json:"id"`
	TableID    string         `json:"table_id"`
	Cells      map[string]any `json:"cells"`
	CreatedBy  string         `json:"created_by"`
	ModifiedBy string         `json:"modified_by"`
	CreatedAt  time.Time      `json:"created_at"`
	ModifiedAt time.Time      `json:"modified_at"`
	AutoNumber int64          `json:"auto_number"`
}

// LinkCell is one entry of a link field's cell value: the linked record
// plus a denormalized title refreshed whenever the foreign title changes.
type LinkCell struct {
	RecordID string `json:"id"`
	Title    any    `json:"title,omitempty"`
}

// LinkedIDs extracts record IDs from a link cell value, tolerating the
// shapes the value takes after a JSON round trip.
func LinkedIDs(cell any) []string {
	switch v := cell.(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case LinkCell:
		return []string{v.RecordID}
	case []LinkCell:
		out := make([]string, 0, len(v))
		for _, c := range v {
			out = append(out, c.RecordID)
		}
		return out
	case []string:
		return v
	case map[string]any:
		if id, ok := v["id"].(string); ok {
			return []string{id}
		}
		return nil
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, LinkedIDs(e)...)
		}
		return out
	default:
		return nil
	}
}
