package partition

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Materialize builds the workspace of p under dir and sets p.Dir. It is safe
// to call again on an existing workspace. If it fails on a workspace it
// created, the whole directory is removed.
func Materialize(p *Partition, groupBy []string, dir string, subdirs []string) (err error) {
	links, err := linkPlan(p.Members)
	if err != nil {
		return fmt.Errorf("partition %d (%s): %w", p.ID, p.Key, err)
	}

	_, statErr := os.Stat(dir)
	created := errors.Is(statErr, os.ErrNotExist)
	defer func() {
		if err != nil && created {
			os.RemoveAll(dir)
		}
	}()

	p.Dir = dir
	for _, d := range append([]string{p.InputsDir(), p.OutputsDir()}, subdirPaths(p, subdirs)...) {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create partition directory: %w", err)
		}
	}

	names := make([]string, 0, len(links))
	for n := range links {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := ensureSymlink(links[n], filepath.Join(p.InputsDir(), n)); err != nil {
			return fmt.Errorf("partition %d (%s): %w", p.ID, p.Key, err)
		}
	}

	var key bytes.Buffer
	for i, f := range groupBy {
		fmt.Fprintf(&key, "%s=%s\n", f, p.Key[i])
	}
	if err := writeIfChanged(filepath.Join(dir, "key"), key.Bytes()); err != nil {
		return err
	}

	ids := make([]string, len(p.Members))
	for i, m := range p.Members {
		ids[i] = m.ID
	}
	return writeIfChanged(filepath.Join(dir, "members"), []byte(strings.Join(ids, "\n")+"\n"))
}

func subdirPaths(p *Partition, subdirs []string) []string {
	out := make([]string, len(subdirs))
	for i, s := range subdirs {
		out[i] = filepath.Join(p.OutputsDir(), s)
	}
	return out
}

// ensureSymlink points link at target, replacing anything else at link.
func ensureSymlink(target, link string) error {
	if current, err := os.Readlink(link); err == nil {
		if current == target {
			return nil
		}
		if err := os.Remove(link); err != nil {
			return err
		}
	} else if _, statErr := os.Lstat(link); statErr == nil {
		return fmt.Errorf("'%s' exists and is not a link", link)
	}
	if _, err := os.Stat(target); err != nil {
		return fmt.Errorf("resource not accessible: %w", err)
	}
	return os.Symlink(target, link)
}

// writeIfChanged leaves the file (and its mtime) alone when content matches.
func writeIfChanged(path string, content []byte) error {
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, content) {
		return nil
	}
	return os.WriteFile(path, content, 0644)
}
