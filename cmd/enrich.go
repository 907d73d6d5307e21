package cmd

import (
	"github.com/spf13/cobra"

	"github.com/maastricht-university/speechcaps/orchestrator"
)

var enrichKeys = map[string]string{
	"configuration":                  "dataset.configuration",
	"output-dir":                     "output.dir",
	"repo-id":                        "output.repo_id",
	"audio-column-name":              "dataset.audio_column_name",
	"text-column-name":               "dataset.text_column_name",
	"rename-column":                  "dataset.rename_columns",
	"debug":                          "dataset.debug",
	"cpu-num-workers":                "workers.cpu",
	"cpu-writer-batch-size":          "workers.cpu_writer_batch_size",
	"batch-size":                     "workers.batch_size",
	"penn-batch-size":                "workers.penn_batch_size",
	"num-workers-per-gpu-for-pitch":  "workers.per_gpu_pitch",
	"num-workers-per-gpu-for-snr":    "workers.per_gpu_snr",
	"num-workers-per-gpu-for-squim":  "workers.per_gpu_squim",
	"partition-retries":              "workers.partition_retries",
	"apply-squim-quality-estimation": "quality.enabled",
}

func (a *app) enrichCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "enrich <dataset>",
		Short: "Compute pitch, SNR, reverberation, speaking rate and optional quality columns",
		Long: `Loads <dataset> from disk (or the hub), runs every feature extractor over
each split and saves the merged dataset to --output-dir and/or pushes it to
--repo-id.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.v.Set("dataset.name", args[0])
			conf, err := a.load(cmd, enrichKeys)
			if err != nil {
				return err
			}
			e, err := setup(cmd.Context(), conf)
			if err != nil {
				return err
			}
			defer e.close()

			_, err = orchestrator.NewPipeline(conf, e.log, e.metrics, e.loader).Run(cmd.Context())
			return err
		},
	}
	f := c.Flags()
	f.String("configuration", "", "dataset configuration name")
	f.String("output-dir", "", "save the enriched dataset to this directory")
	f.String("repo-id", "", "push the enriched dataset to this hub repository")
	f.String("audio-column-name", "audio", "column holding the audio")
	f.String("text-column-name", "text", "column holding the transcript")
	f.Bool("rename-column", false, "rename the audio and text columns to 'audio' and 'text'")
	f.Bool("debug", false, "run on the first rows only to check the setup")
	f.Int("cpu-num-workers", 4, "workers for CPU-only passes and for every pass without accelerators")
	f.Int("cpu-writer-batch-size", 1000, "rows per call for CPU-only passes")
	f.Int("batch-size", 2, "rows per call for accelerated passes")
	f.Int("penn-batch-size", 4096, "pitch frames analysed per chunk, unrelated to the row batch")
	f.Int("num-workers-per-gpu-for-pitch", 1, "pitch workers per accelerator")
	f.Int("num-workers-per-gpu-for-snr", 1, "SNR workers per accelerator")
	f.Int("num-workers-per-gpu-for-squim", 1, "quality workers per accelerator")
	f.Int("partition-retries", 0, "times a failed worker partition is re-run")
	f.Bool("apply-squim-quality-estimation", false, "also compute STOI, SI-SDR and PESQ")
	return c
}
