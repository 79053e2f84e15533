// Package cache memoizes successful step results on disk so that a rerun of
// a pipeline skips work whose inputs have not changed.
//
// Entries live under {dir}/{key[0:2]}/{key}.yaml. Concurrent requests for
// the same key are collapsed into a single computation.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/specialistvlad/cohortflow/internal/ctxlog"
	"github.com/specialistvlad/cohortflow/internal/failure"
	"github.com/specialistvlad/cohortflow/internal/job"
)

// CorruptError means an entry exists but cannot be trusted. It is fatal to
// the run rather than silently recomputed.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("cache entry '%s' is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error             { return e.Err }
func (e *CorruptError) FailureKind() failure.Kind { return failure.KindInternal }

type entry struct {
	Key       string              `yaml:"key"`
	JobID     string              `yaml:"job_id"`
	Backend   string              `yaml:"backend"`
	StoredAt  time.Time           `yaml:"stored_at"`
	Artifacts map[string][]string `yaml:"artifacts"`
}

// Cache is safe for concurrent use.
type Cache struct {
	dir   string
	group singleflight.Group
}

// Open returns a cache rooted at dir, creating it if needed.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

func (c *Cache) entryPath(key string) string {
	return filepath.Join(c.dir, key[:2], key+".yaml")
}

// Do returns the stored result for key, or runs fn and stores its result if
// it succeeded. Only one fn runs per key at a time; concurrent callers for
// the same key wait for it and share its outcome, including a panic. A
// stored entry whose artifacts have disappeared is treated as a miss.
func (c *Cache) Do(ctx context.Context, key string, fn func(context.Context) (*job.Result, error)) (*job.Result, error) {
	if len(key) < 2 {
		return nil, fmt.Errorf("invalid cache key '%s'", key)
	}
	logger := ctxlog.FromContext(ctx)

	if err := ctx.Err(); err != nil {
		return &job.Result{Terminal: job.TerminalState{State: job.Canceled, Message: err.Error()}},
			&failure.CanceledError{Cause: err.Error()}
	}

	// Do, unlike DoChan, re-panics in every caller's goroutine, so a panic
	// in fn reaches the branch that owns it.
	v, err, _ := c.group.Do(key, func() (any, error) {
		res, err := c.lookup(key)
		if err != nil {
			return nil, err
		}
		if res != nil {
			logger.Debug("Cache hit.", "key", key, "job_id", res.JobID)
			return res, nil
		}

		res, err = fn(ctx)
		if err != nil || !res.Succeeded() {
			return res, err
		}
		if err := c.store(key, res); err != nil {
			return nil, err
		}
		logger.Debug("Cache entry stored.", "key", key, "job_id", res.JobID)
		return res, nil
	})
	res, _ := v.(*job.Result)
	return copyResult(res), err
}

func (c *Cache) lookup(key string) (*job.Result, error) {
	path := c.entryPath(key)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache entry: %w", err)
	}

	var e entry
	if err := yaml.Unmarshal(data, &e); err != nil {
		return nil, &CorruptError{Path: path, Err: err}
	}
	if e.Key != key {
		return nil, &CorruptError{Path: path, Err: fmt.Errorf("entry is for key '%s'", e.Key)}
	}
	for _, files := range e.Artifacts {
		for _, f := range files {
			if _, err := os.Stat(f); err != nil {
				return nil, nil
			}
		}
	}

	return &job.Result{
		JobID:     e.JobID,
		Backend:   e.Backend,
		Terminal:  job.TerminalState{State: job.Succeeded},
		Artifacts: job.Artifacts(e.Artifacts),
		Cached:    true,
	}, nil
}

func (c *Cache) store(key string, res *job.Result) error {
	path := c.entryPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(entry{
		Key:       key,
		JobID:     res.JobID,
		Backend:   res.Backend,
		StoredAt:  time.Now().UTC(),
		Artifacts: res.Artifacts,
	}); err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}

	// Write to a temp file and rename so a crash never leaves a partial entry.
	tmp, err := os.CreateTemp(filepath.Dir(path), "tmp-"+key+"-")
	if err != nil {
		return fmt.Errorf("creating temp cache entry: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func copyResult(r *job.Result) *job.Result {
	if r == nil {
		return nil
	}
	out := *r
	out.Artifacts = make(job.Artifacts, len(r.Artifacts))
	for k, v := range r.Artifacts {
		out.Artifacts[k] = append([]string(nil), v...)
	}
	return &out
}
