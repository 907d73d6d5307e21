// Package store reads and writes datasets. On disk a dataset is a directory
// holding dataset_info.yaml and one JSON-lines file per split; the hub keeps
// the same files in a NATS JetStream object store.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/maastricht-university/speechcaps/audio"
	"github.com/maastricht-university/speechcaps/dataset"
)

// InfoFile is the manifest name inside a dataset directory.
const InfoFile = "dataset_info.yaml"

var (
	// ErrNotFound is returned when a dataset exists neither locally nor on the hub.
	ErrNotFound = errors.New("dataset not found")
	// ErrCorrupt is returned when split files disagree with the manifest.
	ErrCorrupt = errors.New("dataset files do not match manifest")
)

type ColumnType string

const (
	TypeAudio ColumnType = "audio"
	TypeValue ColumnType = "value"
)

type ColumnInfo struct {
	Name string     `yaml:"name"`
	Type ColumnType `yaml:"type"`
}

type SplitInfo struct {
	Name    string       `yaml:"name"`
	NumRows int          `yaml:"num_rows"`
	Columns []ColumnInfo `yaml:"columns"`
}

// Info is the manifest. Splits are listed in dataset order.
type Info struct {
	Name          string      `yaml:"name,omitempty"`
	Configuration string      `yaml:"configuration,omitempty"`
	Splits        []SplitInfo `yaml:"splits"`
}

type SaveOptions struct {
	Name          string
	Configuration string
	// CopyAudio writes every audio value into audio/<split>/<row>.wav inside
	// the dataset directory, so the directory is self-contained.
	CopyAudio bool
}

// SaveLocal writes d into dir.
func SaveLocal(dir string, d *dataset.Dict, opts SaveOptions) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dataset dir: %w", err)
	}
	info := Info{Name: opts.Name, Configuration: opts.Configuration}
	for _, split := range d.Names() {
		t, _ := d.Split(split)
		si, err := writeSplit(dir, split, t, opts.CopyAudio)
		if err != nil {
			return fmt.Errorf("split %s: %w", split, err)
		}
		info.Splits = append(info.Splits, si)
	}

	f, err := os.Create(filepath.Join(dir, InfoFile))
	if err != nil {
		return err
	}
	defer f.Close()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(info); err != nil {
		return fmt.Errorf("write %s: %w", InfoFile, err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Close()
}

func writeSplit(dir, split string, t *dataset.Table, copyAudio bool) (SplitInfo, error) {
	si := SplitInfo{Name: split, NumRows: t.NumRows()}
	names := t.ColumnNames()
	cols := make([]dataset.Column, len(names))
	for k, name := range names {
		cols[k], _ = t.Column(name)
		si.Columns = append(si.Columns, ColumnInfo{Name: name, Type: typeOf(cols[k])})
	}

	f, err := os.Create(filepath.Join(dir, split+".jsonl"))
	if err != nil {
		return si, err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)

	for i := 0; i < t.NumRows(); i++ {
		row := make(map[string]any, len(names))
		for k, name := range names {
			v := cols[k][i]
			if si.Columns[k].Type == TypeAudio && v != nil {
				p, err := audio.FromValue(v)
				if err != nil {
					return si, fmt.Errorf("row %d column %q: %w", i, name, err)
				}
				if v, err = storeAudio(dir, split, name, i, p, copyAudio); err != nil {
					return si, fmt.Errorf("row %d column %q: %w", i, name, err)
				}
			}
			row[name] = v
		}
		if err := enc.Encode(row); err != nil {
			return si, fmt.Errorf("row %d: %w", i, err)
		}
	}
	if err := w.Flush(); err != nil {
		return si, err
	}
	return si, f.Close()
}

// storeAudio returns the payload as written to disk, with its path relative
// to dir.
func storeAudio(dir, split, column string, row int, p audio.Payload, copyAudio bool) (audio.Payload, error) {
	if copyAudio {
		rel := filepath.Join("audio", split, column, strconv.Itoa(row)+".wav")
		dst := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return p, err
		}
		if p.Path != "" {
			if err := copyFile(p.Path, dst); err != nil {
				return p, err
			}
		} else if err := audio.Encode(dst, p.Array, p.SamplingRate); err != nil {
			return p, err
		}
		return audio.Payload{Path: filepath.ToSlash(rel), SamplingRate: p.SamplingRate}, nil
	}
	if p.Path == "" {
		return p, nil
	}
	abs, err := filepath.Abs(p.Path)
	if err != nil {
		return p, err
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return p, err
	}
	rel, err := filepath.Rel(absDir, abs)
	if err != nil {
		return audio.Payload{Path: abs, SamplingRate: p.SamplingRate}, nil
	}
	return audio.Payload{Path: filepath.ToSlash(rel), SamplingRate: p.SamplingRate}, nil
}

func typeOf(col dataset.Column) ColumnType {
	for _, v := range col {
		if v == nil {
			continue
		}
		if _, err := audio.FromValue(v); err == nil {
			return TypeAudio
		}
		return TypeValue
	}
	return TypeValue
}

// LoadLocal reads a dataset written by SaveLocal.
func LoadLocal(dir string) (*dataset.Dict, *Info, error) {
	info, err := ReadInfo(dir)
	if err != nil {
		return nil, nil, err
	}
	out := dataset.NewDict()
	for _, si := range info.Splits {
		t, err := readSplit(dir, si)
		if err != nil {
			return nil, nil, fmt.Errorf("split %s: %w", si.Name, err)
		}
		out.Set(si.Name, t)
	}
	return out, info, nil
}

// ReadInfo parses the manifest in dir.
func ReadInfo(dir string) (*Info, error) {
	b, err := os.ReadFile(filepath.Join(dir, InfoFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return nil, err
	}
	var info Info
	if err := yaml.Unmarshal(b, &info); err != nil {
		return nil, fmt.Errorf("parse %s: %w", InfoFile, err)
	}
	return &info, nil
}

func readSplit(dir string, si SplitInfo) (*dataset.Table, error) {
	f, err := os.Open(filepath.Join(dir, si.Name+".jsonl"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	names := make([]string, len(si.Columns))
	cols := make(map[string]dataset.Column, len(si.Columns))
	for k, c := range si.Columns {
		names[k] = c.Name
		cols[c.Name] = make(dataset.Column, 0, si.NumRows)
	}

	dec := json.NewDecoder(bufio.NewReader(f))
	for row := 0; ; row++ {
		var raw map[string]json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		for _, c := range si.Columns {
			v, err := decodeValue(dir, c, raw[c.Name])
			if err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", row, c.Name, err)
			}
			cols[c.Name] = append(cols[c.Name], v)
		}
	}

	t := dataset.Empty(0)
	if len(names) == 0 {
		t = dataset.Empty(si.NumRows)
	} else if t, err = dataset.New(names, cols); err != nil {
		return nil, err
	}
	if t.NumRows() != si.NumRows {
		return nil, fmt.Errorf("%w: %d rows, manifest says %d", ErrCorrupt, t.NumRows(), si.NumRows)
	}
	return t, nil
}

func decodeValue(dir string, c ColumnInfo, raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if c.Type == TypeAudio {
		var p audio.Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p.WithBase(dir), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
