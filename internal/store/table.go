package store

import (
	"errors"
	"fmt"
	"slices"
)

// Table describes an upsert target.
type Table struct {
	Name string

	// PrimaryKey is the conflict target. Every column must also appear in
	// Columns.
	PrimaryKey []string

	// Columns lists every written column in statement order.
	Columns []string

	// InsertOnly columns are written when a row is inserted and left as
	// they are when the row already exists. They are owned by a later
	// Update.
	InsertOnly []string
}

// Row maps column names to values. A column missing from the row is
// written as NULL.
type Row map[string]any

// Validate checks identifiers and the key definition.
func (t Table) Validate() error {
	if !IsValidIdentifier(t.Name) {
		return &InvalidIdentifierError{Name: t.Name}
	}
	if len(t.PrimaryKey) == 0 {
		return fmt.Errorf("table %s: primary key is required", t.Name)
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: no columns", t.Name)
	}

	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if !IsValidIdentifier(c) {
			return &InvalidIdentifierError{Name: c}
		}
		if seen[c] {
			return fmt.Errorf("table %s: duplicate column %s", t.Name, c)
		}
		seen[c] = true
	}
	for _, pk := range t.PrimaryKey {
		if !seen[pk] {
			return fmt.Errorf("table %s: primary key column %s not in columns", t.Name, pk)
		}
	}
	for _, c := range t.InsertOnly {
		if !seen[c] {
			return fmt.Errorf("table %s: insert-only column %s not in columns", t.Name, c)
		}
		if slices.Contains(t.PrimaryKey, c) {
			return fmt.Errorf("table %s: primary key column %s cannot be insert-only", t.Name, c)
		}
	}
	return nil
}

// updateColumns returns the columns overwritten on an existing row: every
// column except the key and the insert-only ones.
func (t Table) updateColumns() []string {
	out := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		if !slices.Contains(t.PrimaryKey, c) && !slices.Contains(t.InsertOnly, c) {
			out = append(out, c)
		}
	}
	return out
}

// ErrMissingPrimaryKey is returned for a row without a value for a
// primary-key column.
var ErrMissingPrimaryKey = errors.New("row has no primary key value")

// rowKey identifies a row by its primary-key values.
func (t Table) rowKey(r Row) (string, error) {
	key := ""
	for i, pk := range t.PrimaryKey {
		v, ok := r[pk]
		if !ok || v == nil {
			return "", fmt.Errorf("table %s column %s: %w", t.Name, pk, ErrMissingPrimaryKey)
		}
		if i > 0 {
			key += "\x00"
		}
		key += fmt.Sprintf("%T:%v", v, v)
	}
	return key, nil
}

// dedupe keeps the last occurrence of every primary key, in first-seen
// order. A single INSERT ... ON CONFLICT cannot touch the same row twice.
func (t Table) dedupe(rows []Row) ([]Row, error) {
	index := make(map[string]int, len(rows))
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		key, err := t.rowKey(r)
		if err != nil {
			return nil, err
		}
		if i, ok := index[key]; ok {
			out[i] = r
			continue
		}
		index[key] = len(out)
		out = append(out, r)
	}
	return out, nil
}
