package orchestrator

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/speechcaps/dataset"
)

var (
	// ErrAmbiguousColumn is returned when two sources produce the same column.
	ErrAmbiguousColumn = errors.New("column produced by more than one source")
	// ErrMissingColumn is returned when a required output is absent from its result set.
	ErrMissingColumn = errors.New("required column missing from result set")
)

// Merger recombines per-extractor result sets into one dataset.
type Merger struct {
	AudioColumn string
	Log         *logrus.Logger
}

// Merge builds, per split of original, a table made of the original audio
// column, the primary result set's columns, and every secondary's declared
// outputs. Columns are copied by position only; any result set whose split
// length differs from the original aborts the merge of that split.
func (m *Merger) Merge(original *dataset.Dict, primary ResultSet, secondaries ...ResultSet) (*dataset.Dict, error) {
	return original.Map(func(split string, orig *dataset.Table) (*dataset.Table, error) {
		return m.mergeSplit(split, orig, primary, secondaries)
	})
}

func (m *Merger) mergeSplit(split string, orig *dataset.Table, primary ResultSet, secondaries []ResultSet) (*dataset.Table, error) {
	n := orig.NumRows()
	base, err := splitOf(primary, split, n)
	if err != nil {
		return nil, err
	}

	// owner maps each merged column to the source that produced it
	owner := map[string]string{}
	merged := dataset.Empty(n)
	if orig.Has(m.AudioColumn) {
		col, _ := orig.Column(m.AudioColumn)
		if merged, err = merged.AddColumn(m.AudioColumn, col); err != nil {
			return nil, err
		}
		owner[m.AudioColumn] = "input"
	}

	renames := map[string]string{}
	derived := map[string]bool{}
	for _, oc := range primary.Extractor.Outputs() {
		renames[oc.Source] = oc.Name
		derived[oc.Source] = true
	}
	for _, name := range base.ColumnNames() {
		if name == m.AudioColumn {
			continue
		}
		col, _ := base.Column(name)
		target, src := name, "input"
		if derived[name] {
			target, src = renames[name], primary.Extractor.Name()
		}
		if prev, ok := owner[target]; ok {
			return nil, fmt.Errorf("%w: %q from %s and %s", ErrAmbiguousColumn, target, prev, src)
		}
		if merged, err = merged.AddColumn(target, col); err != nil {
			return nil, err
		}
		owner[target] = src
	}
	for _, oc := range primary.Extractor.Outputs() {
		if !oc.Optional && !base.Has(oc.Source) {
			return nil, fmt.Errorf("%w: %s %q", ErrMissingColumn, primary.Extractor.Name(), oc.Source)
		}
	}

	for _, rs := range secondaries {
		res, err := splitOf(rs, split, n)
		if err != nil {
			return nil, err
		}
		src := rs.Extractor.Name()
		for _, oc := range rs.Extractor.Outputs() {
			col, err := res.Column(oc.Source)
			if err != nil {
				if oc.Optional {
					m.debug(split, src, oc.Name)
					continue
				}
				return nil, fmt.Errorf("%w: %s %q", ErrMissingColumn, src, oc.Source)
			}
			if prev, ok := owner[oc.Name]; ok {
				return nil, fmt.Errorf("%w: %q from %s and %s", ErrAmbiguousColumn, oc.Name, prev, src)
			}
			if merged, err = merged.AddColumn(oc.Name, col); err != nil {
				return nil, fmt.Errorf("%s %q: %w", src, oc.Name, err)
			}
			owner[oc.Name] = src
		}
	}

	if merged.NumRows() != n {
		return nil, fmt.Errorf("%w: merged %d rows, original %d", dataset.ErrLengthMismatch, merged.NumRows(), n)
	}
	return merged, nil
}

func splitOf(rs ResultSet, split string, n int) (*dataset.Table, error) {
	t, err := rs.Data.Split(split)
	if err != nil {
		return nil, fmt.Errorf("%s result: %w", rs.Extractor.Name(), err)
	}
	if t.NumRows() != n {
		return nil, fmt.Errorf("%w: %s result has %d rows, original has %d", dataset.ErrLengthMismatch, rs.Extractor.Name(), t.NumRows(), n)
	}
	return t, nil
}

func (m *Merger) debug(split, src, col string) {
	if m.Log == nil {
		return
	}
	m.Log.WithFields(logrus.Fields{"split": split, "extractor": src, "column": col}).Debug("optional column absent, skipped")
}
