// Package prompt turns six categorical speech descriptors into the text prompt
// sent to the caption model. Assembly is a pure function of the template and
// the descriptors; nothing here is shared mutable state.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/maastricht-university/speechcaps/dataset"
)

var (
	// ErrMissingField is returned when a descriptor is absent or empty.
	ErrMissingField = errors.New("missing descriptor")
	// ErrBadTemplate is returned when a template lacks one of the six slots.
	ErrBadTemplate = errors.New("template is missing a slot")
)

// Slot placeholders, in prompt order.
const (
	SlotSpeaker       = "[speaker]"
	SlotReverberation = "[reverberation]"
	SlotNoise         = "[sdr_noise]"
	SlotMonotony      = "[speech_monotony]"
	SlotRate          = "[speaking_rate]"
	SlotPitch         = "[pitch]"
)

var slots = []string{SlotSpeaker, SlotReverberation, SlotNoise, SlotMonotony, SlotRate, SlotPitch}

// Fields are the six descriptors of one row.
type Fields struct {
	Speaker       string
	Reverberation string
	Noise         string
	Monotony      string
	Rate          string
	Pitch         string
}

func (f Fields) values() []string {
	return []string{f.Speaker, f.Reverberation, f.Noise, f.Monotony, f.Rate, f.Pitch}
}

// Template is an immutable prompt template.
type Template struct {
	text    string
	version string
}

// NewTemplate checks that text contains every slot.
func NewTemplate(text string) (Template, error) {
	for _, s := range slots {
		if !strings.Contains(text, s) {
			return Template{}, fmt.Errorf("%w: %s", ErrBadTemplate, s)
		}
	}
	sum := sha256.Sum256([]byte(text))
	return Template{text: text, version: hex.EncodeToString(sum[:8])}, nil
}

// MustTemplate is NewTemplate that panics on error.
func MustTemplate(text string) Template {
	t, err := NewTemplate(text)
	if err != nil {
		panic(err)
	}
	return t
}

// Version identifies the template text.
func (t Template) Version() string { return t.version }

func (t Template) Text() string { return t.text }

// Assemble fills every slot in a single pass, so a descriptor that happens to
// contain a slot marker is never substituted again.
func (t Template) Assemble(f Fields) (string, error) {
	vals := f.values()
	pairs := make([]string, 0, 2*len(slots))
	for i, s := range slots {
		if strings.TrimSpace(vals[i]) == "" {
			return "", fmt.Errorf("%w: %s", ErrMissingField, strings.Trim(s, "[]"))
		}
		pairs = append(pairs, s, vals[i])
	}
	return strings.NewReplacer(pairs...).Replace(t.text), nil
}

// Columns names the dataset column holding each descriptor.
type Columns struct {
	Speaker       string
	Reverberation string
	Noise         string
	Monotony      string
	Rate          string
	Pitch         string
}

func (c Columns) names() []string {
	return []string{c.Speaker, c.Reverberation, c.Noise, c.Monotony, c.Rate, c.Pitch}
}

// FieldsFromRow reads row i of t. A missing column, a nil value, a non-string
// value or an empty string all fail the row.
func FieldsFromRow(t *dataset.Table, i int, cols Columns) (Fields, error) {
	var vals [6]string
	for k, name := range cols.names() {
		col, err := t.Column(name)
		if err != nil {
			return Fields{}, fmt.Errorf("%w: row %d column %q absent", ErrMissingField, i, name)
		}
		s, ok := col[i].(string)
		if !ok || strings.TrimSpace(s) == "" {
			return Fields{}, fmt.Errorf("%w: row %d column %q is %v", ErrMissingField, i, name, col[i])
		}
		vals[k] = s
	}
	return Fields{vals[0], vals[1], vals[2], vals[3], vals[4], vals[5]}, nil
}

// AssembleAll returns one prompt per row of t, in row order.
func (t Template) AssembleAll(tbl *dataset.Table, cols Columns) ([]string, error) {
	out := make([]string, tbl.NumRows())
	for i := range out {
		f, err := FieldsFromRow(tbl, i, cols)
		if err != nil {
			return nil, err
		}
		if out[i], err = t.Assemble(f); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	return out, nil
}

// CacheKey hashes the template version, the split name and every row's
// descriptors, so cached prompts are reused only for identical inputs.
func (t Template) CacheKey(split string, tbl *dataset.Table, cols Columns) (string, error) {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00", t.version, split, tbl.NumRows())
	for i := 0; i < tbl.NumRows(); i++ {
		f, err := FieldsFromRow(tbl, i, cols)
		if err != nil {
			return "", err
		}
		for _, v := range f.values() {
			h.Write([]byte(v))
			h.Write([]byte{0x1f})
		}
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
