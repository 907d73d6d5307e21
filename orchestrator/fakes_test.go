package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maastricht-university/speechcaps/dataset"
)

// fakeExtractor records every call it receives and delegates to fn.
type fakeExtractor struct {
	name    string
	hw      Hardware
	outputs []OutputColumn
	fn      func(batch *dataset.Table, rank *int, cfg ExtractConfig) (map[string]dataset.Column, error)
	mu      sync.Mutex
	ranks   []int
	devices []string
	batches []int
}

func (f *fakeExtractor) Name() string            { return f.name }
func (f *fakeExtractor) Hardware() Hardware      { return f.hw }
func (f *fakeExtractor) Outputs() []OutputColumn { return f.outputs }

func (f *fakeExtractor) Extract(_ context.Context, batch *dataset.Table, rank *int, cfg ExtractConfig) (map[string]dataset.Column, error) {
	f.mu.Lock()
	if rank != nil {
		f.ranks = append(f.ranks, *rank)
	}
	f.devices = append(f.devices, cfg.Device)
	f.batches = append(f.batches, batch.NumRows())
	f.mu.Unlock()
	return f.fn(batch, rank, cfg)
}

func doubler(name string, hw Hardware) *fakeExtractor {
	return &fakeExtractor{
		name:    name,
		hw:      hw,
		outputs: []OutputColumn{{Source: name + "_out", Name: name + "_out"}},
		fn: func(batch *dataset.Table, _ *int, _ ExtractConfig) (map[string]dataset.Column, error) {
			idx, err := batch.Column("idx")
			if err != nil {
				return nil, err
			}
			out := make(dataset.Column, len(idx))
			for i, v := range idx {
				out[i] = v.(int) * 2
			}
			return map[string]dataset.Column{name + "_out": out}, nil
		},
	}
}

// table builds n rows with audio, text and idx columns.
func table(t *testing.T, n int) *dataset.Table {
	t.Helper()
	audioCol := make(dataset.Column, n)
	text := make(dataset.Column, n)
	idx := make(dataset.Column, n)
	for i := 0; i < n; i++ {
		audioCol[i] = map[string]any{"array": []float64{0, 0.1, 0}, "sampling_rate": 16000}
		text[i] = "hello"
		idx[i] = i
	}
	tbl, err := dataset.New([]string{"audio", "text", "idx"}, map[string]dataset.Column{
		"audio": audioCol, "text": text, "idx": idx,
	})
	require.NoError(t, err)
	return tbl
}
