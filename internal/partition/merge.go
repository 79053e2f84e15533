package partition

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ConcatSpec names a per-partition log that is concatenated instead of linked.
type ConcatSpec struct {
	// Name is the file's path relative to each partition's outputs/.
	Name string
	// Header keeps only the first partition's first line.
	Header bool
}

// MergeOptions control Merge.
type MergeOptions struct {
	Concat []ConcatSpec
}

// MergeResult lists what Merge placed in the destination.
type MergeResult struct {
	// Artifacts are the linked entries, in partition then name order.
	Artifacts []string
	// Consolidated are the concatenated logs, in MergeOptions order.
	Consolidated []string
}

// Merge links the outputs of every partition into dest. Directories are
// merged and files are linked. A file basename produced by two partitions is
// a collision, even in different subdirectories, since sample ids must never
// alias. Collisions are detected for the whole set before anything is
// written, so a collision leaves dest untouched.
func Merge(ctx context.Context, set *Set, dest string, opts MergeOptions) (*MergeResult, error) {
	skip := make(map[string]struct{}, len(opts.Concat))
	for _, c := range opts.Concat {
		skip[filepath.Clean(c.Name)] = struct{}{}
	}

	type source struct {
		partition int
		path      string
	}
	seen := make(map[string]source)
	seenBase := make(map[string]int)
	var dirs, order []string
	dirSeen := make(map[string]struct{})

	for _, p := range set.Partitions {
		root := p.OutputsDir()
		if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
			continue
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil || rel == "." {
				return err
			}
			if d.IsDir() {
				if _, ok := dirSeen[rel]; !ok {
					dirSeen[rel] = struct{}{}
					dirs = append(dirs, rel)
				}
				return nil
			}
			if _, ok := skip[rel]; ok {
				return nil
			}
			base := filepath.Base(rel)
			if prev, ok := seenBase[base]; ok && prev != p.ID {
				return &CollisionError{Basename: base, Sources: []int{prev, p.ID}}
			}
			seenBase[base] = p.ID
			abs, err := filepath.Abs(path)
			if err != nil {
				return err
			}
			seen[rel] = source{partition: p.ID, path: abs}
			order = append(order, rel)
			return nil
		})
		if err != nil {
			var col *CollisionError
			if errors.As(err, &col) {
				return nil, col
			}
			return nil, fmt.Errorf("reading outputs of partition %d: %w", p.ID, err)
		}
	}

	for _, d := range append([]string{"."}, dirs...) {
		if err := os.MkdirAll(filepath.Join(dest, d), 0755); err != nil {
			return nil, fmt.Errorf("failed to create merge destination: %w", err)
		}
	}

	res := &MergeResult{}
	for _, rel := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		link := filepath.Join(dest, rel)
		if err := ensureSymlink(seen[rel].path, link); err != nil {
			return nil, fmt.Errorf("linking '%s': %w", rel, err)
		}
		res.Artifacts = append(res.Artifacts, link)
	}

	for _, c := range opts.Concat {
		out := filepath.Join(dest, c.Name)
		if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
			return nil, err
		}
		if err := ConcatFile(ctx, set, c, out); err != nil {
			return nil, err
		}
		res.Consolidated = append(res.Consolidated, out)
	}
	return res, nil
}

// Concat streams each partition's copy of spec.Name to w in partition order,
// holding at most one partition's file open at a time. Record order within
// a partition is preserved.
func Concat(ctx context.Context, set *Set, spec ConcatSpec, w io.Writer) error {
	for i, p := range set.Partitions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := copyPartitionLog(p, spec, i == 0, w); err != nil {
			return err
		}
	}
	return nil
}

func copyPartitionLog(p *Partition, spec ConcatSpec, first bool, w io.Writer) error {
	f, err := os.Open(filepath.Join(p.OutputsDir(), spec.Name))
	if err != nil {
		return fmt.Errorf("partition %d log: %w", p.ID, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	if spec.Header && !first {
		if _, err := r.ReadBytes('\n'); err != nil && err != io.EOF {
			return fmt.Errorf("partition %d log: %w", p.ID, err)
		}
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("partition %d log: %w", p.ID, err)
	}
	return nil
}

// ConcatFile writes the concatenation to path. An existing file with the
// same content is left untouched, so downstream fingerprints stay stable.
func ConcatFile(ctx context.Context, set *Set, spec ConcatSpec, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	if err := Concat(ctx, set, spec, io.MultiWriter(tmp, h)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if same, err := sameDigest(path, h.Sum(nil)); err != nil {
		return err
	} else if same {
		return nil
	}
	return os.Rename(tmp.Name(), path)
}

func sameDigest(path string, digest []byte) (bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	return bytes.Equal(h.Sum(nil), digest), nil
}
