package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/specialistvlad/cohortflow/internal/job"
)

// Fingerprint derives the cache key of one step invocation from the spec,
// the expectation and the identity of its inputs. Inputs are identified by
// path, size and modification time; directories are walked.
func Fingerprint(spec *job.Spec, expect job.Expectation, inputs ...string) (string, error) {
	h := sha256.New()
	field(h, spec.Tool)
	field(h, spec.Command)
	field(h, fmt.Sprint(len(spec.Args)))
	for _, a := range spec.Args {
		field(h, a)
	}
	field(h, spec.Cwd)
	field(h, spec.StdoutPath)
	field(h, spec.StderrPath)
	for _, k := range spec.Attributes.Keys() {
		field(h, k)
		field(h, spec.Attributes[k])
	}
	if expect != nil {
		field(h, expect.Describe())
	}

	sorted := append([]string(nil), inputs...)
	sort.Strings(sorted)
	for _, in := range sorted {
		if err := identify(h, in); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// field writes a length-prefixed value.
func field(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

func identify(h hash.Hash, root string) error {
	info, err := os.Stat(root)
	if errors.Is(err, os.ErrNotExist) {
		field(h, root)
		field(h, "missing")
		return nil
	}
	if err != nil {
		return fmt.Errorf("fingerprinting input '%s': %w", root, err)
	}
	if !info.IsDir() {
		stamp(h, root, info)
		return nil
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("fingerprinting input '%s': %w", path, err)
		}
		stamp(h, path, fi)
		return nil
	})
}

func stamp(h hash.Hash, path string, info os.FileInfo) {
	field(h, path)
	field(h, fmt.Sprintf("%d:%d", info.Size(), info.ModTime().UnixNano()))
}
