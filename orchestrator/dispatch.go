package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/maastricht-university/speechcaps/dataset"
	"github.com/maastricht-university/speechcaps/metrics"
)

var (
	// ErrBatchLength is returned when an extractor returns a column whose
	// length differs from the batch it was given.
	ErrBatchLength = errors.New("extractor returned wrong number of rows")
	// ErrMissingOutput is returned when a required output column is absent.
	ErrMissingOutput = errors.New("extractor did not return required column")
	// ErrPartialOutput is returned when an optional column is present for
	// some batches of a split and absent for others.
	ErrPartialOutput = errors.New("optional column returned for only some batches")
)

// PlanConfig is the per-extractor slice of the worker configuration.
type PlanConfig struct {
	Accelerators          int
	WorkersPerAccelerator int
	CPUWorkers            int
	BatchSize             int
	ChunkBatchSize        int
	Retries               int
}

// Plan is the execution plan for one extractor pass, computed once and
// handed to the dispatcher.
type Plan struct {
	Extractor      Extractor
	Parallelism    int
	BatchSize      int
	ChunkBatchSize int
	WithRank       bool
	Accelerators   int
	Retries        int
}

// NewPlan sizes the worker pool for ex. With accelerators present an
// accelerated extractor gets accelerators × workers-per-accelerator ranked
// workers; otherwise the shared CPU worker count is used.
func NewPlan(ex Extractor, pc PlanConfig) Plan {
	p := Plan{
		Extractor:      ex,
		Parallelism:    pc.CPUWorkers,
		BatchSize:      pc.BatchSize,
		ChunkBatchSize: pc.ChunkBatchSize,
		Retries:        pc.Retries,
	}
	if ex.Hardware() == Accelerated && pc.Accelerators > 0 {
		p.Parallelism = pc.Accelerators * max(pc.WorkersPerAccelerator, 1)
		p.WithRank = true
		p.Accelerators = pc.Accelerators
	}
	p.Parallelism = max(p.Parallelism, 1)
	p.BatchSize = max(p.BatchSize, 1)
	return p
}

// Device returns the device a worker of the given rank is pinned to.
func (p Plan) Device(rank int) string {
	if !p.WithRank {
		return "cpu"
	}
	return fmt.Sprintf("cuda:%d", rank%p.Accelerators)
}

type Dispatcher struct {
	log     *logrus.Logger
	metrics *metrics.Metrics
}

func NewDispatcher(log *logrus.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{log: log, metrics: m}
}

// Run executes plan over every split of in. Each result split holds the input
// columns minus the audio column, followed by the extractor's outputs under
// their source names.
func (d *Dispatcher) Run(ctx context.Context, plan Plan, in *dataset.Dict, cfg ExtractConfig) (*dataset.Dict, error) {
	name := plan.Extractor.Name()
	d.log.WithFields(logrus.Fields{
		"extractor":   name,
		"parallelism": plan.Parallelism,
		"batch_size":  plan.BatchSize,
		"with_rank":   plan.WithRank,
		"rows":        in.NumRows(),
	}).Infof("Compute %s", name)

	out, err := in.Map(func(split string, t *dataset.Table) (*dataset.Table, error) {
		return d.runSplit(ctx, plan, split, t, cfg)
	})
	if err != nil {
		return nil, fmt.Errorf("%s pass: %w", name, err)
	}

	d.log.WithFields(logrus.Fields{"extractor": name, "rows": out.NumRows()}).Infof("%s dataset: %s", name, out)
	return out, nil
}

type span struct{ lo, hi int }

// shards splits n rows into p contiguous ranges, one per worker rank, each cut
// into batches of at most size rows.
func shards(n, p, size int) [][]span {
	if n > 0 && p > n {
		p = n
	}
	out := make([][]span, p)
	for k := 0; k < p; k++ {
		lo, hi := k*n/p, (k+1)*n/p
		for b := lo; b < hi; b += size {
			out[k] = append(out[k], span{b, min(b+size, hi)})
		}
	}
	return out
}

func (d *Dispatcher) runSplit(ctx context.Context, plan Plan, split string, t *dataset.Table, cfg ExtractConfig) (*dataset.Table, error) {
	work := shards(t.NumRows(), plan.Parallelism, plan.BatchSize)
	results := make([][]map[string]dataset.Column, len(work))

	g, gctx := errgroup.WithContext(ctx)
	for rank := range work {
		rank := rank
		results[rank] = make([]map[string]dataset.Column, len(work[rank]))
		g.Go(func() error {
			for attempt := 0; ; attempt++ {
				err := d.runShard(gctx, plan, t, rank, work[rank], results[rank], cfg)
				if err == nil {
					return nil
				}
				if gctx.Err() != nil || attempt >= plan.Retries || errors.Is(err, ErrBatchLength) {
					return fmt.Errorf("worker %d: %w", rank, err)
				}
				d.log.WithFields(logrus.Fields{
					"extractor": plan.Extractor.Name(),
					"split":     split,
					"rank":      rank,
					"attempt":   attempt + 1,
				}).WithError(err).Warn("partition failed, retrying")
				if d.metrics != nil {
					d.metrics.PartitionRetries.WithLabelValues(plan.Extractor.Name()).Inc()
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return assemble(plan.Extractor, t.Without(cfg.AudioColumn), results)
}

func (d *Dispatcher) runShard(ctx context.Context, plan Plan, t *dataset.Table, rank int, spans []span, out []map[string]dataset.Column, cfg ExtractConfig) error {
	var rankArg *int
	if plan.WithRank {
		r := rank
		rankArg = &r
	}
	cfg.Device = plan.Device(rank)
	cfg.ChunkBatchSize = plan.ChunkBatchSize
	name := plan.Extractor.Name()

	for i, s := range spans {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		cols, err := plan.Extractor.Extract(ctx, t.Slice(s.lo, s.hi), rankArg, cfg)
		if err != nil {
			return fmt.Errorf("rows [%d,%d): %w", s.lo, s.hi, err)
		}
		for col, v := range cols {
			if len(v) != s.hi-s.lo {
				return fmt.Errorf("%w: %s column %q has %d values for rows [%d,%d)", ErrBatchLength, name, col, len(v), s.lo, s.hi)
			}
		}
		out[i] = cols
		if d.metrics != nil {
			d.metrics.BatchDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
			d.metrics.RowsExtracted.WithLabelValues(name).Add(float64(s.hi - s.lo))
		}
	}
	return nil
}

// assemble concatenates per-batch outputs in rank then batch order, which is
// row order, and appends them to base.
func assemble(ex Extractor, base *dataset.Table, results [][]map[string]dataset.Column) (*dataset.Table, error) {
	n := base.NumRows()
	out := base
	for _, oc := range ex.Outputs() {
		col := make(dataset.Column, 0, n)
		seen, missing := 0, 0
		for _, batches := range results {
			for _, cols := range batches {
				v, ok := cols[oc.Source]
				if !ok {
					missing++
					continue
				}
				seen++
				col = append(col, v...)
			}
		}
		switch {
		case seen == 0 && oc.Optional:
			continue
		case seen == 0 && n > 0:
			return nil, fmt.Errorf("%w: %s %q", ErrMissingOutput, ex.Name(), oc.Source)
		case missing > 0 && oc.Optional:
			return nil, fmt.Errorf("%w: %s %q", ErrPartialOutput, ex.Name(), oc.Source)
		case missing > 0:
			return nil, fmt.Errorf("%w: %s %q", ErrMissingOutput, ex.Name(), oc.Source)
		}
		var err error
		if out, err = out.AddColumn(oc.Source, col); err != nil {
			return nil, err
		}
	}
	return out, nil
}
