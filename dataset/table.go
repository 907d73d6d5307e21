// Package dataset holds the columnar row container the pipeline passes between
// stages. Tables never reorder or drop rows; every operation either returns a
// view sharing the underlying columns or a new table with columns appended.
package dataset

import (
	"errors"
	"fmt"
)

var (
	// ErrLengthMismatch is returned when a column does not have one entry per row.
	ErrLengthMismatch = errors.New("column length mismatch")
	// ErrColumnExists is returned when appending a column whose name is taken.
	ErrColumnExists = errors.New("column already exists")
	// ErrNoColumn is returned when a named column is absent.
	ErrNoColumn = errors.New("no such column")
)

// Column is one value per row, in row order.
type Column []any

// Table is an ordered set of equally long columns.
type Table struct {
	names []string
	cols  map[string]Column
	rows  int
}

// New builds a table from columns in the given order. All columns must have the
// same length.
func New(names []string, cols map[string]Column) (*Table, error) {
	t := &Table{cols: make(map[string]Column, len(names))}
	for i, name := range names {
		col, ok := cols[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNoColumn, name)
		}
		if i == 0 {
			t.rows = len(col)
		}
		var err error
		if t, err = t.AddColumn(name, col); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Empty returns a table with n rows and no columns.
func Empty(n int) *Table {
	return &Table{cols: map[string]Column{}, rows: n}
}

func (t *Table) NumRows() int { return t.rows }

// ColumnNames returns the column names in order. The slice is a copy.
func (t *Table) ColumnNames() []string {
	return append([]string(nil), t.names...)
}

func (t *Table) Has(name string) bool {
	_, ok := t.cols[name]
	return ok
}

// Column returns the named column. Callers must not modify it.
func (t *Table) Column(name string) (Column, error) {
	col, ok := t.cols[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoColumn, name)
	}
	return col, nil
}

// AddColumn returns a new table with col appended under name. The receiver is
// left untouched and the new table shares every existing column with it.
func (t *Table) AddColumn(name string, col Column) (*Table, error) {
	if _, ok := t.cols[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrColumnExists, name)
	}
	if len(t.names) > 0 || t.rows > 0 {
		if len(col) != t.rows {
			return nil, fmt.Errorf("%w: column %q has %d rows, table has %d", ErrLengthMismatch, name, len(col), t.rows)
		}
	}
	out := t.clone()
	out.names = append(out.names, name)
	out.cols[name] = col
	out.rows = len(col)
	return out, nil
}

// Without returns a view of t minus the named columns. Names that are not
// present are ignored.
func (t *Table) Without(names ...string) *Table {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	out := &Table{cols: make(map[string]Column, len(t.names)), rows: t.rows}
	for _, n := range t.names {
		if drop[n] {
			continue
		}
		out.names = append(out.names, n)
		out.cols[n] = t.cols[n]
	}
	return out
}

// Rename returns a view with columns renamed according to mapping (old -> new).
func (t *Table) Rename(mapping map[string]string) (*Table, error) {
	out := &Table{cols: make(map[string]Column, len(t.names)), rows: t.rows}
	for _, n := range t.names {
		target := n
		if to, ok := mapping[n]; ok {
			target = to
		}
		if _, dup := out.cols[target]; dup {
			return nil, fmt.Errorf("%w: rename to %q", ErrColumnExists, target)
		}
		out.names = append(out.names, target)
		out.cols[target] = t.cols[n]
	}
	for from := range mapping {
		if !t.Has(from) {
			return nil, fmt.Errorf("%w: %q", ErrNoColumn, from)
		}
	}
	return out, nil
}

// Slice returns a view of rows [lo, hi).
func (t *Table) Slice(lo, hi int) *Table {
	if lo < 0 {
		lo = 0
	}
	if hi > t.rows {
		hi = t.rows
	}
	if hi < lo {
		hi = lo
	}
	out := &Table{cols: make(map[string]Column, len(t.names)), rows: hi - lo}
	for _, n := range t.names {
		out.names = append(out.names, n)
		out.cols[n] = t.cols[n][lo:hi:hi]
	}
	return out
}

// Select returns the first n rows, or the whole table when it is shorter.
func (t *Table) Select(n int) *Table {
	if n >= t.rows {
		return t
	}
	return t.Slice(0, n)
}

// Row returns a copy of row i as a map.
func (t *Table) Row(i int) map[string]any {
	row := make(map[string]any, len(t.names))
	for _, n := range t.names {
		row[n] = t.cols[n][i]
	}
	return row
}

func (t *Table) String() string {
	return fmt.Sprintf("Table(num_rows=%d, columns=%v)", t.rows, t.names)
}

func (t *Table) clone() *Table {
	out := &Table{
		names: append([]string(nil), t.names...),
		cols:  make(map[string]Column, len(t.cols)+1),
		rows:  t.rows,
	}
	for k, v := range t.cols {
		out.cols[k] = v
	}
	return out
}
