package orchestrator

import (
	"context"
	"fmt"
	"path"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/maastricht-university/speechcaps/annotate"
	"github.com/maastricht-university/speechcaps/cache"
	"github.com/maastricht-university/speechcaps/clients"
	cfg "github.com/maastricht-university/speechcaps/config"
	"github.com/maastricht-university/speechcaps/dataset"
	"github.com/maastricht-university/speechcaps/metrics"
	"github.com/maastricht-university/speechcaps/prompt"
	"github.com/maastricht-university/speechcaps/store"
)

// AnnotationColumn receives the generated captions.
const AnnotationColumn = "annotation"

// Captioner turns descriptor columns into natural-language captions.
type Captioner struct {
	cfg      *cfg.Root
	log      *logrus.Logger
	loader   *store.Loader
	cache    *cache.Store
	template prompt.Template
	columns  prompt.Columns

	Annotator *annotate.Annotator
}

func NewCaptioner(c *cfg.Root, log *logrus.Logger, m *metrics.Metrics, loader *store.Loader, cs *cache.Store) *Captioner {
	a := c.Annotation
	opts := annotate.Options{
		URL:             c.Services.Chat.URL,
		Model:           a.Model,
		MaxTokens:       a.MaxTokens,
		Temperature:     a.Temperature,
		TopP:            a.TopP,
		Concurrency:     a.Concurrency,
		Placeholder:     a.Placeholder,
		Policy:          a.Retry.Mode,
		MaxAttempts:     a.Retry.MaxAttempts,
		BaseDelay:       cfg.DurMillis(a.Retry.BaseDelayMillis),
		MaxDelay:        cfg.DurMillis(a.Retry.MaxDelayMillis),
		CheckpointEvery: a.CheckpointEvery,
	}
	if a.RequestsPerSecond > 0 {
		opts.Limiter = rate.NewLimiter(rate.Limit(a.RequestsPerSecond), max(a.Concurrency, 1))
	}
	pc := a.Columns
	return &Captioner{
		cfg:      c,
		log:      log,
		loader:   loader,
		cache:    cs,
		template: prompt.Default,
		columns: prompt.Columns{
			Speaker:       pc.Speaker,
			Reverberation: pc.Reverberation,
			Noise:         pc.Noise,
			Monotony:      pc.Monotony,
			Rate:          pc.Rate,
			Pitch:         pc.Pitch,
		},
		Annotator: annotate.New(clients.NewHTTP(c.Services.Chat.Timeout()), opts, log, m),
	}
}

// OutputDir is where a captioned dataset is saved when no output directory is
// configured: the last path element of the dataset name plus "+annotated".
func OutputDir(name string) string {
	return path.Base(name) + "+annotated"
}

// Run loads the configured dataset, captions every split, saves the result
// and records a run report.
func (c *Captioner) Run(ctx context.Context) (*Report, error) {
	d := c.cfg.Dataset
	report := newReport("caption", d.Name, d.Configuration)

	ds, err := c.loader.Load(ctx, d.Name, d.Configuration)
	if err != nil {
		return nil, err
	}
	if d.Debug {
		c.log.WithField("rows", d.DebugRows).Info("Checking with a small subset to see if captioning is working")
		ds = ds.Select(d.DebugRows)
	}

	out, placeholders, runKeys, err := c.Caption(ctx, ds)
	if err != nil {
		return nil, err
	}

	dir := c.cfg.Output.Dir
	if dir == "" && c.cfg.Output.RepoID == "" {
		dir = OutputDir(d.Name)
	}
	if err := store.Publish(ctx, c.loader.Hub, out, dir, c.cfg.Output.RepoID, d.Configuration); err != nil {
		return nil, err
	}
	for _, k := range runKeys {
		if err := c.cache.Clear(ctx, k); err != nil {
			c.log.WithError(err).Warn("could not clear annotation checkpoint")
		}
	}

	report.Splits = out.NumRows()
	report.Columns = firstColumns(out)
	report.Placeholders = placeholders
	report.OutputDir, report.RepoID = dir, c.cfg.Output.RepoID
	p, err := persist(c.cfg.Output.Reports, report)
	if err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}
	c.log.WithFields(logrus.Fields{"run_id": report.RunID, "report": p, "dir": dir}).Info("captioning finished")
	return report, nil
}

// Caption appends an annotation column to every split of ds. It returns the
// placeholder count per split and the checkpoint keys used.
func (c *Captioner) Caption(ctx context.Context, ds *dataset.Dict) (*dataset.Dict, map[string]int, []string, error) {
	placeholders := map[string]int{}
	var runKeys []string
	// finished rows are still saved after ctx is cancelled, so the next run resumes them
	saveCtx := context.WithoutCancel(ctx)
	out, err := ds.Map(func(split string, t *dataset.Table) (*dataset.Table, error) {
		key, err := c.template.CacheKey(split, t, c.columns)
		if err != nil {
			return nil, err
		}
		prompts, err := c.prompts(ctx, key, split, t)
		if err != nil {
			return nil, err
		}

		runKey := key + "/" + c.cfg.Annotation.Model
		runKeys = append(runKeys, runKey)
		resumed, err := c.cache.Resume(ctx, runKey)
		if err != nil {
			return nil, err
		}
		done := make(map[int]string, len(resumed))
		for i, e := range resumed {
			done[i] = e.Caption
		}
		if len(done) > 0 {
			c.log.WithFields(logrus.Fields{"split": split, "rows": len(done)}).Info("resuming from checkpoint")
		}

		res, err := c.Annotator.Annotate(ctx, prompts, done, func(entries []annotate.Entry) error {
			rows := make([]cache.Entry, len(entries))
			for i, e := range entries {
				rows[i] = cache.Entry{Index: e.Index, Caption: e.Caption, Placeholder: e.Placeholder}
			}
			return c.cache.Checkpoint(saveCtx, runKey, rows)
		})
		if err != nil {
			return nil, err
		}
		placeholders[split] = res.Placeholders
		c.log.WithFields(logrus.Fields{"split": split, "rows": len(prompts), "placeholders": res.Placeholders}).
			Infof("Failed annotations: %d", res.Placeholders)

		col := make(dataset.Column, len(res.Captions))
		for i, s := range res.Captions {
			col[i] = s
		}
		return t.AddColumn(AnnotationColumn, col)
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return out, placeholders, runKeys, nil
}

// prompts returns the cached prompts for key, assembling and caching them on
// a miss.
func (c *Captioner) prompts(ctx context.Context, key, split string, t *dataset.Table) ([]string, error) {
	cached, ok, err := c.cache.Prompts(ctx, key)
	if err != nil {
		return nil, err
	}
	if ok && len(cached) == t.NumRows() {
		c.log.WithField("split", split).Info("Loaded cached prompts")
		return cached, nil
	}

	c.log.WithField("split", split).Info("Cached prompts not found. Recreating...")
	prompts, err := c.template.AssembleAll(t, c.columns)
	if err != nil {
		return nil, err
	}
	if err := c.cache.PutPrompts(ctx, key, prompts); err != nil {
		return nil, err
	}
	return prompts, nil
}
