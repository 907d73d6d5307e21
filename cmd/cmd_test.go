package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maastricht-university/speechcaps/config"
	"github.com/maastricht-university/speechcaps/store"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestInitConfigWritesLoadableDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speechcaps.yaml")

	out, err := run(t, "init-config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4096, cfg.Workers.PennBatchSize)
	assert.Equal(t, "sdr_noise", cfg.Annotation.Columns.Noise)

	_, err = run(t, "init-config", path)
	require.Error(t, err)

	_, err = run(t, "init-config", "--force", path)
	require.NoError(t, err)
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workers:
  cpu: 8
  batch_size: 16
dataset:
  text_column_name: sentence
`), 0o600))

	a := &app{v: viper.New(), configPath: path}
	c := a.enrichCmd()
	require.NoError(t, c.ParseFlags([]string{"--cpu-num-workers", "3", "--debug", "--apply-squim-quality-estimation"}))

	cfg, err := a.load(c, enrichKeys)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers.CPU)
	assert.Equal(t, 16, cfg.Workers.BatchSize, "unset flags keep the file value")
	assert.Equal(t, "sentence", cfg.Dataset.TextColumnName)
	assert.True(t, cfg.Dataset.Debug)
	assert.True(t, cfg.Quality.Enabled)
	assert.Equal(t, 1000, cfg.Workers.CPUWriterBatchSize)
}

func TestCaptionFlags(t *testing.T) {
	a := &app{v: viper.New(), configPath: filepath.Join(t.TempDir(), "none.yaml")}
	require.NoError(t, config.WriteDefault(a.configPath))

	c := a.captionCmd()
	require.NoError(t, c.ParseFlags([]string{
		"--ds-name", "org/voices", "--model", "caption-model", "--test",
		"--concurrency", "4", "--retry-policy", "retry",
	}))

	cfg, err := a.load(c, captionKeys)
	require.NoError(t, err)
	assert.Equal(t, "org/voices", cfg.Dataset.Name)
	assert.Equal(t, "caption-model", cfg.Annotation.Model)
	assert.True(t, cfg.Dataset.Debug)
	assert.Equal(t, 4, cfg.Annotation.Concurrency)
	assert.Equal(t, config.RetryBackoff, cfg.Annotation.Retry.Mode)
}

func TestInvalidRetryPolicyRejected(t *testing.T) {
	a := &app{v: viper.New(), configPath: filepath.Join(t.TempDir(), "c.yaml")}
	require.NoError(t, config.WriteDefault(a.configPath))

	c := a.captionCmd()
	require.NoError(t, c.ParseFlags([]string{"--ds-name", "x", "--model", "m", "--retry-policy", "sometimes"}))

	_, err := a.load(c, captionKeys)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestEnrichMissingDataset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.yaml")
	require.NoError(t, config.WriteDefault(path))

	_, err := run(t, "enrich", "--config", path, "--output-dir", filepath.Join(dir, "out"), filepath.Join(dir, "absent"))
	require.ErrorIs(t, err, store.ErrNotFound)
}
