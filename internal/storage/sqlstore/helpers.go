package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scrypster/kinship/internal/storage"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nullableString returns nil for empty strings.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableTime returns nil for nil or zero times; others are stored in UTC.
func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

// timePtr converts a scanned sql.NullTime.
func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// marshalJSON encodes v for a JSON/TEXT column; nil values become NULL.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json column: %w", err)
	}
	return string(data), nil
}

// marshalMap encodes a map column; empty maps become NULL.
func marshalMap(m map[string]interface{}) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return marshalJSON(m)
}

// unmarshalJSON decodes a nullable JSON/TEXT column into dst.
func unmarshalJSON(raw sql.NullString, dst any) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw.String), dst); err != nil {
		return fmt.Errorf("failed to unmarshal json column: %w", err)
	}
	return nil
}

// unmarshalValue decodes a nullable JSON column holding an arbitrary value.
func unmarshalValue(raw sql.NullString) (interface{}, error) {
	var v interface{}
	if err := unmarshalJSON(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// where accumulates AND-ed conditions and their arguments.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	out := " WHERE " + w.clauses[0]
	for _, c := range w.clauses[1:] {
		out += " AND " + c
	}
	return out
}

// within restricts column to a time window.
func (w *where) within(column string, window storage.TimeWindow) {
	if !window.From.IsZero() {
		w.add(column+" >= ?", window.From.UTC())
	}
	if !window.To.IsZero() {
		w.add(column+" < ?", window.To.UTC())
	}
}
