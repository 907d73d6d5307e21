package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/speechcaps/dataset"
)

// DefaultConfiguration names the configuration of a dataset pushed without one.
const DefaultConfiguration = "default"

// Hub stores dataset directories in a JetStream object store bucket. Object
// names are <repo>/<configuration>/<file>.
type Hub struct {
	nc     *nats.Conn
	store  nats.ObjectStore
	bucket string
	log    *logrus.Logger
}

// Dial connects to the NATS server at url and opens bucket.
func Dial(url, bucket string, log *logrus.Logger) (*Hub, error) {
	nc, err := nats.Connect(url, nats.Name("speechcaps"))
	if err != nil {
		return nil, fmt.Errorf("connect hub %s: %w", url, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	h, err := NewHub(js, bucket, log)
	if err != nil {
		nc.Close()
		return nil, err
	}
	h.nc = nc
	return h, nil
}

// NewHub opens bucket on an existing JetStream context, creating it first and
// binding to it when it already exists.
func NewHub(js nats.JetStreamContext, bucket string, log *logrus.Logger) (*Hub, error) {
	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "speechcaps datasets",
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
		if store, err = js.ObjectStore(bucket); err != nil {
			return nil, fmt.Errorf("bind bucket %s: %w", bucket, err)
		}
	}
	return &Hub{store: store, bucket: bucket, log: log}, nil
}

// Close drops the connection opened by Dial.
func (h *Hub) Close() {
	if h.nc != nil {
		h.nc.Close()
	}
}

func prefix(repo, configuration string) string {
	if configuration == "" {
		configuration = DefaultConfiguration
	}
	return path.Join(repo, configuration) + "/"
}

// Push uploads d under repo. Audio files are copied into the upload so the
// pushed dataset does not depend on local paths.
func (h *Hub) Push(ctx context.Context, d *dataset.Dict, repo, configuration string) error {
	tmp, err := os.MkdirTemp("", "speechcaps-push-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	if err := SaveLocal(tmp, d, SaveOptions{Name: repo, Configuration: configuration, CopyAudio: true}); err != nil {
		return err
	}

	pre := prefix(repo, configuration)
	n := 0
	err = filepath.WalkDir(tmp, func(p string, e fs.DirEntry, err error) error {
		if err != nil || e.IsDir() {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(tmp, p)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := h.store.Put(&nats.ObjectMeta{Name: pre + filepath.ToSlash(rel)}, f); err != nil {
			return fmt.Errorf("put %s: %w", rel, err)
		}
		n++
		return nil
	})
	if err != nil {
		return fmt.Errorf("push %s: %w", repo, err)
	}
	h.log.WithFields(logrus.Fields{"bucket": h.bucket, "repo": repo, "configuration": configuration, "objects": n}).Info("dataset pushed")
	return nil
}

// Pull downloads repo into dest, replacing anything already there, and returns
// the dataset directory.
func (h *Hub) Pull(ctx context.Context, repo, configuration, dest string) (string, error) {
	objs, err := h.store.List()
	if err != nil && !errors.Is(err, nats.ErrNoObjectsFound) {
		return "", fmt.Errorf("list bucket %s: %w", h.bucket, err)
	}

	pre := prefix(repo, configuration)
	var names []string
	for _, o := range objs {
		if strings.HasPrefix(o.Name, pre) && !o.Deleted {
			names = append(names, o.Name)
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("%w: %s on hub bucket %s", ErrNotFound, strings.TrimSuffix(pre, "/"), h.bucket)
	}

	if err := os.RemoveAll(dest); err != nil {
		return "", err
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		rel := strings.TrimPrefix(name, pre)
		if err := h.download(name, filepath.Join(dest, filepath.FromSlash(rel))); err != nil {
			return "", err
		}
	}
	n := len(names)
	h.log.WithFields(logrus.Fields{"bucket": h.bucket, "repo": repo, "objects": n, "dir": dest}).Info("dataset pulled")
	return dest, nil
}

func (h *Hub) download(name, dst string) error {
	obj, err := h.store.Get(name)
	if err != nil {
		return fmt.Errorf("get %s: %w", name, err)
	}
	defer obj.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, obj); err != nil {
		f.Close()
		return fmt.Errorf("read %s: %w", name, err)
	}
	return f.Close()
}
