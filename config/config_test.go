package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dataset:
  name: blabble-io/libritts_r
workers:
  cpu: 8
annotation:
  model: mistral
  retry:
    mode: retry
accelerators: 2
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "blabble-io/libritts_r", cfg.Dataset.Name)
	assert.Equal(t, 8, cfg.Workers.CPU)
	assert.Equal(t, 2, cfg.Workers.BatchSize)
	assert.Equal(t, 4096, cfg.Workers.PennBatchSize)
	assert.Equal(t, "mistral", cfg.Annotation.Model)
	assert.Equal(t, RetryBackoff, cfg.Annotation.Retry.Mode)
	assert.Equal(t, 5, cfg.Annotation.Retry.MaxAttempts)
	assert.Equal(t, "sdr_noise", cfg.Annotation.Columns.Noise)
	assert.Equal(t, 2, cfg.Accelerators)
	assert.Equal(t, "<placeholder>", cfg.Annotation.Placeholder)
	require.NoError(t, cfg.Validate())
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers:\n  cpu: 8\n"), 0o600))
	t.Setenv("SPEECHCAPS_WORKERS_CPU", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers.CPU)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Services.Chat.URL, cfg.Services.Chat.URL)
	assert.Equal(t, Default().Annotation.TopP, cfg.Annotation.TopP)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Root){
		"cpu":         func(c *Root) { c.Workers.CPU = 0 },
		"batch":       func(c *Root) { c.Workers.BatchSize = 0 },
		"per gpu":     func(c *Root) { c.Workers.PerGPUSNR = 0 },
		"retry mode":  func(c *Root) { c.Annotation.Retry.Mode = "sometimes" },
		"top_p":       func(c *Root) { c.Annotation.TopP = 1.5 },
		"concurrency": func(c *Root) { c.Annotation.Concurrency = 0 },
		"placeholder": func(c *Root) { c.Annotation.Placeholder = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(c)
			require.ErrorIs(t, c.Validate(), ErrInvalidConfig)
		})
	}
}

func TestDetectAccelerators(t *testing.T) {
	t.Setenv("CUDA_VISIBLE_DEVICES", "0, 1,3")
	assert.Equal(t, 3, DetectAccelerators())

	t.Setenv("CUDA_VISIBLE_DEVICES", "-1")
	assert.Equal(t, 0, DetectAccelerators())

	t.Setenv("CUDA_VISIBLE_DEVICES", "")
	assert.Equal(t, 0, DetectAccelerators())
}
