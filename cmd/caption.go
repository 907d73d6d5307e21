package cmd

import (
	"github.com/spf13/cobra"

	"github.com/maastricht-university/speechcaps/cache"
	"github.com/maastricht-university/speechcaps/orchestrator"
)

var captionKeys = map[string]string{
	"ds-name":             "dataset.name",
	"configuration":       "dataset.configuration",
	"model":               "annotation.model",
	"test":                "dataset.debug",
	"endpoint":            "services.chat.url",
	"concurrency":         "annotation.concurrency",
	"requests-per-second": "annotation.requests_per_second",
	"retry-policy":        "annotation.retry.mode",
	"output-dir":          "output.dir",
	"repo-id":             "output.repo_id",
	"cache":               "cache.path",
}

func (a *app) captionCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "caption",
		Short: "Generate a natural-language caption for every row from its descriptors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := a.load(cmd, captionKeys)
			if err != nil {
				return err
			}
			e, err := setup(cmd.Context(), conf)
			if err != nil {
				return err
			}
			defer e.close()

			cs, err := cache.Open(conf.Cache.Path)
			if err != nil {
				return err
			}
			defer cs.Close()

			_, err = orchestrator.NewCaptioner(conf, e.log, e.metrics, e.loader, cs).Run(cmd.Context())
			return err
		},
	}
	f := c.Flags()
	f.String("ds-name", "", "dataset name")
	f.String("configuration", "", "dataset configuration name")
	f.String("model", "", "model name served by the completion endpoint")
	f.Bool("test", false, "caption the first rows only")
	f.String("endpoint", "http://localhost:8000/v1/chat/completions", "chat completion endpoint")
	f.Int("concurrency", 1, "requests in flight")
	f.Float64("requests-per-second", 0, "request rate limit, 0 for none")
	f.String("retry-policy", "fail_fast", "fail_fast or retry")
	f.String("output-dir", "", "save here instead of <name>+annotated")
	f.String("repo-id", "", "also push the captioned dataset to this hub repository")
	f.String("cache", ".speechcaps/cache.db", "prompt and checkpoint cache")
	_ = c.MarkFlagRequired("ds-name")
	_ = c.MarkFlagRequired("model")
	return c
}
