package store

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/speechcaps/dataset"
)

// Loader resolves a dataset name to local files, falling back to the hub.
type Loader struct {
	// CacheDir receives datasets pulled from the hub.
	CacheDir string
	// Hub may be nil, in which case only local datasets load.
	Hub *Hub
	Log *logrus.Logger
}

// Load reads name. A local directory wins over the hub; when configuration is
// set, <name>/<configuration> is tried before <name>.
func (l *Loader) Load(ctx context.Context, name, configuration string) (*dataset.Dict, error) {
	for _, dir := range localCandidates(name, configuration) {
		d, _, err := LoadLocal(dir)
		if err == nil {
			l.Log.WithFields(logrus.Fields{"dataset": name, "dir": dir, "rows": d.NumRows()}).Info("dataset loaded from disk")
			return d, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("load %s: %w", dir, err)
		}
	}

	if l.Hub == nil {
		return nil, fmt.Errorf("%w: %s (no hub configured)", ErrNotFound, name)
	}
	cfg := configuration
	if cfg == "" {
		cfg = DefaultConfiguration
	}
	dir, err := l.Hub.Pull(ctx, name, configuration, filepath.Join(l.CacheDir, filepath.FromSlash(name), cfg))
	if err != nil {
		return nil, err
	}
	d, _, err := LoadLocal(dir)
	if err != nil {
		return nil, fmt.Errorf("load pulled %s: %w", name, err)
	}
	return d, nil
}

// localCandidates lists the directories tried for name, most specific first.
// A hub-style name "org/ds" is also looked up as "ds".
func localCandidates(name, configuration string) []string {
	var out []string
	for _, n := range []string{name, path.Base(name)} {
		if configuration != "" {
			out = append(out, filepath.Join(n, configuration))
		}
		out = append(out, n)
		if n == path.Base(name) {
			break
		}
	}
	return out
}

// ErrNoDestination is returned when a dataset has nowhere to go.
var ErrNoDestination = errors.New("no output directory or repository given")

// Publish writes d to dir when set and pushes it to repo when set. At least
// one destination is required.
func Publish(ctx context.Context, hub *Hub, d *dataset.Dict, dir, repo, configuration string) error {
	if dir == "" && repo == "" {
		return ErrNoDestination
	}
	if dir != "" {
		if err := SaveLocal(dir, d, SaveOptions{Name: filepath.Base(dir), Configuration: configuration}); err != nil {
			return fmt.Errorf("save %s: %w", dir, err)
		}
	}
	if repo != "" {
		if hub == nil {
			return fmt.Errorf("push %s: no hub configured", repo)
		}
		if err := hub.Push(ctx, d, repo, configuration); err != nil {
			return err
		}
	}
	return nil
}
