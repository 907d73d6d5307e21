package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/speechcaps/clients"
	cfg "github.com/maastricht-university/speechcaps/config"
	"github.com/maastricht-university/speechcaps/dataset"
	"github.com/maastricht-university/speechcaps/metrics"
	"github.com/maastricht-university/speechcaps/store"
)

// Canonical column names used after renaming.
const (
	CanonicalAudio = "audio"
	CanonicalText  = "text"
)

// Pipeline runs the enrichment passes over a dataset.
type Pipeline struct {
	cfg        *cfg.Root
	log        *logrus.Logger
	loader     *store.Loader
	dispatcher *Dispatcher

	// Extractors, replaceable before Run.
	Pitch Extractor
	SNR   Extractor
	Squim Extractor
	Rate  Extractor
}

func NewPipeline(c *cfg.Root, log *logrus.Logger, m *metrics.Metrics, loader *store.Loader) *Pipeline {
	s := c.Services
	return &Pipeline{
		cfg:        c,
		log:        log,
		loader:     loader,
		dispatcher: NewDispatcher(log, m),
		Pitch:      &PitchExtractor{HTTP: clients.NewHTTP(s.Pitch.Timeout()), URL: s.Pitch.URL},
		SNR:        &SNRExtractor{HTTP: clients.NewHTTP(s.SNR.Timeout()), URL: s.SNR.URL},
		Squim:      &SquimExtractor{HTTP: clients.NewHTTP(s.Squim.Timeout()), URL: s.Squim.URL},
		Rate:       &RateExtractor{HTTP: clients.NewHTTP(s.Phonemizer.Timeout()), URL: s.Phonemizer.URL},
	}
}

// Run loads the configured dataset, enriches it, writes it out and records a
// run report.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	d := p.cfg.Dataset
	out := p.cfg.Output
	if out.Dir == "" && out.RepoID == "" {
		return nil, store.ErrNoDestination
	}
	report := newReport("enrich", d.Name, d.Configuration)

	ds, err := p.loader.Load(ctx, d.Name, d.Configuration)
	if err != nil {
		return nil, err
	}
	enriched, passes, err := p.Enrich(ctx, ds)
	if err != nil {
		return nil, err
	}
	if out.Dir != "" {
		p.log.WithField("dir", out.Dir).Info("Saving to disk...")
	}
	if out.RepoID != "" {
		p.log.WithField("repo", out.RepoID).Info("Pushing to the hub...")
	}
	if err := store.Publish(ctx, p.loader.Hub, enriched, out.Dir, out.RepoID, d.Configuration); err != nil {
		return nil, err
	}

	report.Splits = enriched.NumRows()
	report.Passes = passes
	report.Columns = firstColumns(enriched)
	report.OutputDir, report.RepoID = out.Dir, out.RepoID
	path, err := persist(out.Reports, report)
	if err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}
	p.log.WithFields(logrus.Fields{"run_id": report.RunID, "report": path}).Info("enrichment finished")
	return report, nil
}

// Enrich runs every extractor pass over ds and merges the results. The
// returned dataset has exactly the rows of ds, split for split.
func (p *Pipeline) Enrich(ctx context.Context, ds *dataset.Dict) (*dataset.Dict, []PassReport, error) {
	d := p.cfg.Dataset
	if d.Debug {
		p.log.WithField("rows", d.DebugRows).Info("Checking with a small subset to see if the pipeline is working")
		ds = ds.Select(d.DebugRows)
	}

	audioCol, textCol := d.AudioColumnName, d.TextColumnName
	if d.RenameColumns {
		var err error
		if ds, err = ds.Rename(map[string]string{audioCol: CanonicalAudio, textCol: CanonicalText}); err != nil {
			return nil, nil, fmt.Errorf("rename columns: %w", err)
		}
		audioCol, textCol = CanonicalAudio, CanonicalText
	}
	ecfg := ExtractConfig{AudioColumn: audioCol, TextColumn: textCol}

	var passes []PassReport
	run := func(ex Extractor, pc PlanConfig, in *dataset.Dict) (ResultSet, error) {
		plan := NewPlan(ex, pc)
		start := time.Now()
		out, err := p.dispatcher.Run(ctx, plan, in, ecfg)
		if err != nil {
			return ResultSet{}, err
		}
		passes = append(passes, PassReport{
			Extractor:   ex.Name(),
			Parallelism: plan.Parallelism,
			WithRank:    plan.WithRank,
			Rows:        out.NumRows(),
			Seconds:     time.Since(start).Seconds(),
		})
		return ResultSet{Extractor: ex, Data: out}, nil
	}

	var (
		squim ResultSet
		err   error
	)
	quality := p.cfg.Quality.Enabled
	if quality {
		if squim, err = run(p.Squim, p.gpuPlan(p.cfg.Workers.PerGPUSquim), ds); err != nil {
			return nil, nil, err
		}
	}
	pitch, err := run(p.Pitch, p.gpuPlan(p.cfg.Workers.PerGPUPitch), ds)
	if err != nil {
		return nil, nil, err
	}
	snr, err := run(p.SNR, p.gpuPlan(p.cfg.Workers.PerGPUSNR), ds)
	if err != nil {
		return nil, nil, err
	}
	rateIn, err := withSpeechDuration(ds, snr.Data)
	if err != nil {
		return nil, nil, err
	}
	rate, err := run(p.Rate, p.cpuPlan(), rateIn)
	if err != nil {
		return nil, nil, err
	}

	secondaries := []ResultSet{snr, rate}
	if quality {
		secondaries = append(secondaries, squim)
	}
	m := &Merger{AudioColumn: audioCol, Log: p.log}
	merged, err := m.Merge(ds, pitch, secondaries...)
	if err != nil {
		return nil, nil, fmt.Errorf("merge: %w", err)
	}

	p.logFinal(merged, audioCol)
	return merged, passes, nil
}

func (p *Pipeline) gpuPlan(perAccelerator int) PlanConfig {
	w := p.cfg.Workers
	return PlanConfig{
		Accelerators:          p.cfg.Accelerators,
		WorkersPerAccelerator: perAccelerator,
		CPUWorkers:            w.CPU,
		BatchSize:             w.BatchSize,
		ChunkBatchSize:        w.PennBatchSize,
		Retries:               w.PartitionRetries,
	}
}

func (p *Pipeline) cpuPlan() PlanConfig {
	w := p.cfg.Workers
	return PlanConfig{
		CPUWorkers: w.CPU,
		BatchSize:  w.CPUWriterBatchSize,
		Retries:    w.PartitionRetries,
	}
}

// withSpeechDuration adds the speech_duration column of the SNR result to ds
// when the SNR service produced one.
func withSpeechDuration(ds, snr *dataset.Dict) (*dataset.Dict, error) {
	return ds.Map(func(split string, t *dataset.Table) (*dataset.Table, error) {
		res, err := snr.Split(split)
		if err != nil {
			return nil, err
		}
		col, err := res.Column("speech_duration")
		if err != nil {
			return t, nil
		}
		return t.Without("speech_duration").AddColumn("speech_duration", col)
	})
}

func (p *Pipeline) logFinal(ds *dataset.Dict, audioCol string) {
	p.log.Infof("Final dataset: %s", ds)
	for _, split := range ds.Names() {
		t, _ := ds.Split(split)
		if t.NumRows() == 0 {
			continue
		}
		p.log.WithField("split", split).Debugf("first row: %v", t.Without(audioCol).Row(0))
		break
	}
}

func firstColumns(ds *dataset.Dict) []string {
	names := ds.Names()
	if len(names) == 0 {
		return nil
	}
	t, _ := ds.Split(names[0])
	return t.ColumnNames()
}
