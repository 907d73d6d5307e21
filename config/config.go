package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

type Service struct {
	URL            string `mapstructure:"url" yaml:"url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

func (s Service) Timeout() time.Duration { return DurSeconds(s.TimeoutSeconds) }

type Services struct {
	Pitch      Service `mapstructure:"pitch" yaml:"pitch"`
	SNR        Service `mapstructure:"snr" yaml:"snr"`
	Squim      Service `mapstructure:"squim" yaml:"squim"`
	Phonemizer Service `mapstructure:"phonemizer" yaml:"phonemizer"`
	Chat       Service `mapstructure:"chat" yaml:"chat"`
}

type Dataset struct {
	Name            string `mapstructure:"name" yaml:"name"`
	Configuration   string `mapstructure:"configuration" yaml:"configuration"`
	AudioColumnName string `mapstructure:"audio_column_name" yaml:"audio_column_name"`
	TextColumnName  string `mapstructure:"text_column_name" yaml:"text_column_name"`
	RenameColumns   bool   `mapstructure:"rename_columns" yaml:"rename_columns"`
	Debug           bool   `mapstructure:"debug" yaml:"debug"`
	DebugRows       int    `mapstructure:"debug_rows" yaml:"debug_rows"`
}

type Output struct {
	Dir    string `mapstructure:"dir" yaml:"dir"`
	RepoID string `mapstructure:"repo_id" yaml:"repo_id"`
	// Reports is where run reports go.
	Reports string `mapstructure:"reports" yaml:"reports"`
}

type Workers struct {
	CPU                int `mapstructure:"cpu" yaml:"cpu"`
	CPUWriterBatchSize int `mapstructure:"cpu_writer_batch_size" yaml:"cpu_writer_batch_size"`
	BatchSize          int `mapstructure:"batch_size" yaml:"batch_size"`
	PennBatchSize      int `mapstructure:"penn_batch_size" yaml:"penn_batch_size"`
	PerGPUPitch        int `mapstructure:"per_gpu_pitch" yaml:"per_gpu_pitch"`
	PerGPUSNR          int `mapstructure:"per_gpu_snr" yaml:"per_gpu_snr"`
	PerGPUSquim        int `mapstructure:"per_gpu_squim" yaml:"per_gpu_squim"`
	PartitionRetries   int `mapstructure:"partition_retries" yaml:"partition_retries"`
}

type Quality struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type Retry struct {
	// Mode is fail_fast or retry.
	Mode            string `mapstructure:"mode" yaml:"mode"`
	MaxAttempts     int    `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelayMillis int    `mapstructure:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMillis  int    `mapstructure:"max_delay_ms" yaml:"max_delay_ms"`
}

const (
	RetryFailFast = "fail_fast"
	RetryBackoff  = "retry"
)

type Annotation struct {
	Model             string  `mapstructure:"model" yaml:"model"`
	MaxTokens         int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature       float64 `mapstructure:"temperature" yaml:"temperature"`
	TopP              float64 `mapstructure:"top_p" yaml:"top_p"`
	Concurrency       int     `mapstructure:"concurrency" yaml:"concurrency"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	CheckpointEvery   int     `mapstructure:"checkpoint_every" yaml:"checkpoint_every"`
	Placeholder       string  `mapstructure:"placeholder" yaml:"placeholder"`
	Retry             Retry   `mapstructure:"retry" yaml:"retry"`
	// Columns maps the six prompt slots to dataset columns.
	Columns PromptColumns `mapstructure:"columns" yaml:"columns"`
}

type PromptColumns struct {
	Speaker       string `mapstructure:"speaker" yaml:"speaker"`
	Reverberation string `mapstructure:"reverberation" yaml:"reverberation"`
	Noise         string `mapstructure:"noise" yaml:"noise"`
	Monotony      string `mapstructure:"monotony" yaml:"monotony"`
	Rate          string `mapstructure:"rate" yaml:"rate"`
	Pitch         string `mapstructure:"pitch" yaml:"pitch"`
}

type Cache struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type Hub struct {
	URL    string `mapstructure:"url" yaml:"url"`
	Bucket string `mapstructure:"bucket" yaml:"bucket"`
}

type Metrics struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

type Root struct {
	Pipeline struct {
		Name      string `mapstructure:"name" yaml:"name"`
		LogLvl    string `mapstructure:"log_level" yaml:"log_level"`
		LogFormat string `mapstructure:"log_format" yaml:"log_format"`
	} `mapstructure:"pipeline" yaml:"pipeline"`
	Dataset      Dataset    `mapstructure:"dataset" yaml:"dataset"`
	Output       Output     `mapstructure:"output" yaml:"output"`
	Workers      Workers    `mapstructure:"workers" yaml:"workers"`
	Accelerators int        `mapstructure:"accelerators" yaml:"accelerators"`
	Quality      Quality    `mapstructure:"quality" yaml:"quality"`
	Services     Services   `mapstructure:"services" yaml:"services"`
	Annotation   Annotation `mapstructure:"annotation" yaml:"annotation"`
	Cache        Cache      `mapstructure:"cache" yaml:"cache"`
	Hub          Hub        `mapstructure:"hub" yaml:"hub"`
	Metrics      Metrics    `mapstructure:"metrics" yaml:"metrics"`
}

// Default returns the full default configuration.
func Default() *Root {
	var c Root
	c.Pipeline.Name = "speechcaps"
	c.Pipeline.LogLvl = "info"
	c.Pipeline.LogFormat = "text"
	c.Dataset = Dataset{
		AudioColumnName: "audio",
		TextColumnName:  "text",
		DebugRows:       100,
	}
	c.Output.Reports = "outputs"
	c.Workers = Workers{
		CPU:                4,
		CPUWriterBatchSize: 1000,
		BatchSize:          2,
		PennBatchSize:      4096,
		PerGPUPitch:        1,
		PerGPUSNR:          1,
		PerGPUSquim:        1,
	}
	c.Accelerators = -1
	c.Services = Services{
		Pitch:      Service{URL: "http://localhost:8101", TimeoutSeconds: 300},
		SNR:        Service{URL: "http://localhost:8102", TimeoutSeconds: 300},
		Squim:      Service{URL: "http://localhost:8103", TimeoutSeconds: 300},
		Phonemizer: Service{URL: "http://localhost:8104", TimeoutSeconds: 60},
		Chat:       Service{URL: "http://localhost:8000/v1/chat/completions", TimeoutSeconds: 120},
	}
	c.Annotation = Annotation{
		MaxTokens:       5000,
		Temperature:     0,
		TopP:            1,
		Concurrency:     1,
		CheckpointEvery: 100,
		Placeholder:     "<placeholder>",
		Retry: Retry{
			Mode:            RetryFailFast,
			MaxAttempts:     5,
			BaseDelayMillis: 1000,
			MaxDelayMillis:  30000,
		},
		Columns: PromptColumns{
			Speaker:       "speaker",
			Reverberation: "reverberation",
			Noise:         "sdr_noise",
			Monotony:      "speech_monotony",
			Rate:          "speaking_rate",
			Pitch:         "pitch",
		},
	}
	c.Cache.Path = ".speechcaps/cache.db"
	c.Hub = Hub{Bucket: "speechcaps-datasets"}
	return &c
}

// Load reads path (or the first existing guess when path is empty) on top of
// the defaults. Environment variables prefixed SPEECHCAPS_ override the file.
func Load(path string) (*Root, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load with a caller-owned viper instance, so command flags bound
// to v take precedence over file values.
func LoadWith(v *viper.Viper, path string) (*Root, error) {
	setDefaults(v, Default())

	v.SetEnvPrefix("SPEECHCAPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = guess()
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Root
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Accelerators < 0 {
		cfg.Accelerators = DetectAccelerators()
	}
	return &cfg, nil
}

func guess() string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	for _, p := range []string{
		filepath.Join("config", env, "config.yaml"),
		"speechcaps.yaml",
	} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// setDefaults registers every leaf of d so env overrides and Unmarshal see them.
func setDefaults(v *viper.Viper, d *Root) {
	raw, err := yaml.Marshal(d)
	if err != nil {
		return
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return
	}
	walk("", tree, func(key string, val any) { v.SetDefault(key, val) })
}

func walk(prefix string, m map[string]any, fn func(string, any)) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			walk(key, sub, fn)
			continue
		}
		fn(key, val)
	}
}

// WriteDefault writes the default configuration as YAML to path.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(Default()); err != nil {
		return err
	}
	return enc.Close()
}

// Validate checks the settings every command relies on.
func (c *Root) Validate() error {
	w := c.Workers
	switch {
	case w.CPU < 1:
		return fmt.Errorf("%w: workers.cpu must be >= 1, got %d", ErrInvalidConfig, w.CPU)
	case w.BatchSize < 1:
		return fmt.Errorf("%w: workers.batch_size must be >= 1, got %d", ErrInvalidConfig, w.BatchSize)
	case w.CPUWriterBatchSize < 1:
		return fmt.Errorf("%w: workers.cpu_writer_batch_size must be >= 1, got %d", ErrInvalidConfig, w.CPUWriterBatchSize)
	case w.PennBatchSize < 1:
		return fmt.Errorf("%w: workers.penn_batch_size must be >= 1, got %d", ErrInvalidConfig, w.PennBatchSize)
	case w.PerGPUPitch < 1 || w.PerGPUSNR < 1 || w.PerGPUSquim < 1:
		return fmt.Errorf("%w: per-accelerator worker counts must be >= 1", ErrInvalidConfig)
	case w.PartitionRetries < 0:
		return fmt.Errorf("%w: workers.partition_retries must be >= 0", ErrInvalidConfig)
	}

	a := c.Annotation
	if a.Retry.Mode != RetryFailFast && a.Retry.Mode != RetryBackoff {
		return fmt.Errorf("%w: annotation.retry.mode %q", ErrInvalidConfig, a.Retry.Mode)
	}
	if a.Retry.Mode == RetryBackoff && a.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: annotation.retry.max_attempts must be >= 1", ErrInvalidConfig)
	}
	if a.Concurrency < 1 {
		return fmt.Errorf("%w: annotation.concurrency must be >= 1, got %d", ErrInvalidConfig, a.Concurrency)
	}
	if a.TopP < 0 || a.TopP > 1 {
		return fmt.Errorf("%w: annotation.top_p must be between 0 and 1, got %f", ErrInvalidConfig, a.TopP)
	}
	if a.Temperature < 0 {
		return fmt.Errorf("%w: annotation.temperature must be >= 0, got %f", ErrInvalidConfig, a.Temperature)
	}
	if a.Placeholder == "" {
		return fmt.Errorf("%w: annotation.placeholder cannot be empty", ErrInvalidConfig)
	}
	return nil
}

// DetectAccelerators counts the devices listed in CUDA_VISIBLE_DEVICES.
func DetectAccelerators() int {
	env, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES")
	if !ok {
		return 0
	}
	n := 0
	for _, part := range strings.Split(env, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.Atoi(part); err == nil && id < 0 {
			// "-1" hides every device
			return 0
		}
		n++
	}
	return n
}

func DurSeconds(n int) time.Duration { return time.Duration(n) * time.Second }

func DurMillis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
