package dataset

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultSplit names the only split of a dataset that was not partitioned.
const DefaultSplit = "train"

// ErrMissingSplit is returned when a split expected by name is absent.
var ErrMissingSplit = errors.New("missing split")

// Dict is an ordered collection of named splits. A bare table is a Dict with
// one split named DefaultSplit, so every stage handles both shapes the same way.
type Dict struct {
	order  []string
	splits map[string]*Table
}

// NewDict returns an empty split collection.
func NewDict() *Dict {
	return &Dict{splits: map[string]*Table{}}
}

// Single wraps a bare table.
func Single(t *Table) *Dict {
	d := NewDict()
	d.Set(DefaultSplit, t)
	return d
}

// Set stores t under name, keeping the original position if name exists.
func (d *Dict) Set(name string, t *Table) {
	if _, ok := d.splits[name]; !ok {
		d.order = append(d.order, name)
	}
	d.splits[name] = t
}

// Split returns the named split.
func (d *Dict) Split(name string) (*Table, error) {
	t, ok := d.splits[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingSplit, name)
	}
	return t, nil
}

// Names returns split names in insertion order.
func (d *Dict) Names() []string {
	return append([]string(nil), d.order...)
}

// NumRows returns the row count per split.
func (d *Dict) NumRows() map[string]int {
	out := make(map[string]int, len(d.order))
	for _, n := range d.order {
		out[n] = d.splits[n].NumRows()
	}
	return out
}

// Map applies fn to every split in order and collects the results into a new
// Dict. The first error aborts and is returned annotated with the split name.
func (d *Dict) Map(fn func(split string, t *Table) (*Table, error)) (*Dict, error) {
	out := NewDict()
	for _, n := range d.order {
		t, err := fn(n, d.splits[n])
		if err != nil {
			return nil, fmt.Errorf("split %s: %w", n, err)
		}
		out.Set(n, t)
	}
	return out, nil
}

// Select keeps the first n rows of every split.
func (d *Dict) Select(n int) *Dict {
	out, _ := d.Map(func(_ string, t *Table) (*Table, error) { return t.Select(n), nil })
	return out
}

// Without drops the named columns from every split.
func (d *Dict) Without(names ...string) *Dict {
	out, _ := d.Map(func(_ string, t *Table) (*Table, error) { return t.Without(names...), nil })
	return out
}

// Rename renames columns in every split.
func (d *Dict) Rename(mapping map[string]string) (*Dict, error) {
	return d.Map(func(_ string, t *Table) (*Table, error) { return t.Rename(mapping) })
}

func (d *Dict) String() string {
	var b strings.Builder
	b.WriteString("Dict({")
	for i, n := range d.order {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %s", n, d.splits[n])
	}
	b.WriteString("})")
	return b.String()
}
