// Package cmd wires configuration, logging, metrics and storage into the
// speechcaps commands.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/maastricht-university/speechcaps/config"
	"github.com/maastricht-university/speechcaps/logging"
	"github.com/maastricht-university/speechcaps/metrics"
	"github.com/maastricht-university/speechcaps/store"
)

var version = "dev"

// app carries state shared by every command of one invocation.
type app struct {
	v          *viper.Viper
	configPath string
}

// env is what a running command needs.
type env struct {
	cfg     *config.Root
	log     *logrus.Logger
	metrics *metrics.Metrics
	loader  *store.Loader
	hub     *store.Hub
}

func (e *env) close() {
	if e.hub != nil {
		e.hub.Close()
	}
}

// NewRoot builds the command tree.
func NewRoot() *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:           "speechcaps",
		Short:         "Enrich speech datasets with acoustic features and caption them",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default: config/$CONFIG_ENV/config.yaml or speechcaps.yaml)")
	pf.String("log-level", "info", "log level")
	pf.String("log-format", "text", "log format: text or json")
	pf.String("metrics-listen", "", "serve Prometheus metrics on this address")
	pf.String("hub-url", "", "NATS server holding the dataset hub")

	root.AddCommand(a.enrichCmd(), a.captionCmd(), initConfigCmd())
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := NewRoot().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

var persistentKeys = map[string]string{
	"log-level":      "pipeline.log_level",
	"log-format":     "pipeline.log_format",
	"metrics-listen": "metrics.listen",
	"hub-url":        "hub.url",
}

// load binds the command's flags to their config keys and reads the
// configuration. Flags set on the command line win over the file and the
// environment.
func (a *app) load(cmd *cobra.Command, keys map[string]string) (*config.Root, error) {
	if err := bind(a.v, cmd.Flags(), persistentKeys); err != nil {
		return nil, err
	}
	if err := bind(a.v, cmd.Flags(), keys); err != nil {
		return nil, err
	}
	c, err := config.LoadWith(a.v, a.configPath)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func bind(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) error {
	for flag, key := range keys {
		f := fs.Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind --%s: %w", flag, err)
		}
	}
	return nil
}

// setup builds the runtime environment for c. The metrics endpoint, when
// configured, stops with ctx.
func setup(ctx context.Context, c *config.Root) (*env, error) {
	log, err := logging.New(c.Pipeline.LogLvl, c.Pipeline.LogFormat)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: c, log: log, metrics: metrics.New()}

	if addr := c.Metrics.Listen; addr != "" {
		go func() {
			if err := e.metrics.Serve(ctx, addr); err != nil {
				log.WithError(err).Error("metrics endpoint stopped")
			}
		}()
		log.WithField("addr", addr).Info("serving metrics")
	}

	if c.Hub.URL != "" {
		if e.hub, err = store.Dial(c.Hub.URL, c.Hub.Bucket, log); err != nil {
			return nil, err
		}
	}
	e.loader = &store.Loader{
		CacheDir: filepath.Join(filepath.Dir(c.Cache.Path), "datasets"),
		Hub:      e.hub,
		Log:      log,
	}

	log.WithFields(logrus.Fields{
		"accelerators": c.Accelerators,
		"cpu_workers":  c.Workers.CPU,
		"hub":          c.Hub.URL != "",
	}).Debug("configuration loaded")
	return e, nil
}
