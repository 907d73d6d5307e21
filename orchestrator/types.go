package orchestrator

import (
	"context"

	"github.com/maastricht-university/speechcaps/dataset"
)

// Hardware is where an extractor can run.
type Hardware int

const (
	CPUOnly Hardware = iota
	Accelerated
)

// OutputColumn is one column an extractor produces. Source is the name the
// extractor returns; Name is the column in the merged dataset.
type OutputColumn struct {
	Source   string
	Name     string
	Optional bool
}

// ExtractConfig is what a single extractor call needs beyond its rows.
type ExtractConfig struct {
	AudioColumn string
	TextColumn  string
	// Device is "cpu" or "cuda:N".
	Device string
	// ChunkBatchSize is the analysis-frame batch size used inside the
	// extractor. It is unrelated to how many rows the call receives.
	ChunkBatchSize int
}

// Extractor computes derived columns for a batch of rows. Every returned column
// must have exactly one entry per row of batch, in batch order.
type Extractor interface {
	Name() string
	Hardware() Hardware
	Outputs() []OutputColumn
	Extract(ctx context.Context, batch *dataset.Table, rank *int, cfg ExtractConfig) (map[string]dataset.Column, error)
}

// ResultSet is the output of one extractor pass over every split.
type ResultSet struct {
	Extractor Extractor
	Data      *dataset.Dict
}
