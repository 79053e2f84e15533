// Package resolve reconciles a job's expectation with the files that
// actually exist once the job is terminal.
package resolve

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/specialistvlad/cohortflow/internal/failure"
	"github.com/specialistvlad/cohortflow/internal/job"
)

// Resolve inspects the filesystem for the files described by expect. It must
// only be called once the job is terminal.
//
// After a Succeeded job, a missing required file is an
// *failure.UnmetExpectationError. After any other terminal state, resolution
// is best effort: whatever exists is returned and nothing is promoted to an
// error, since the job has already failed.
func Resolve(expect job.Expectation, ts job.TerminalState) (job.Artifacts, error) {
	strict := ts.State == job.Succeeded
	out := make(job.Artifacts)
	if expect == nil {
		return out, nil
	}
	if err := resolveInto(out, job.DefaultName, expect, strict, true); err != nil {
		return out, err
	}
	return out, nil
}

func resolveInto(out job.Artifacts, name string, expect job.Expectation, strict, required bool) error {
	switch e := expect.(type) {
	case job.Required:
		ok, err := exists(e.Path)
		if err != nil {
			return err
		}
		if ok {
			out[name] = []string{e.Path}
			return nil
		}
		if strict && required {
			return &failure.UnmetExpectationError{Name: name, Path: e.Path}
		}
		return nil

	case job.Optional:
		ok, err := exists(e.Path)
		if err != nil {
			return err
		}
		if ok {
			out[name] = []string{e.Path}
		}
		return nil

	case job.Glob:
		files, err := Glob(e)
		if err != nil {
			return err
		}
		if strict && required && len(files) < e.Min {
			return &failure.UnmetExpectationError{
				Name: name,
				Path: fmt.Sprintf("%s (matched %d, need at least %d)", e.Pattern, len(files), e.Min),
			}
		}
		out[name] = files
		return nil

	case job.Named:
		return resolveNamed(out, name, e, strict, required)

	default:
		return fmt.Errorf("unsupported expectation type %T", expect)
	}
}

// resolveNamed fails fast on required members only. Optional members and
// globs never affect their siblings.
func resolveNamed(out job.Artifacts, parent string, n job.Named, strict, required bool) error {
	child := func(name string) string {
		if parent == job.DefaultName {
			return name
		}
		return parent + "." + name
	}

	for _, name := range sortedNames(n.Required) {
		if err := resolveInto(out, child(name), n.Required[name], strict, required); err != nil {
			return err
		}
	}
	for _, name := range sortedNames(n.Optional) {
		// Optional members never fail the set; filesystem errors are dropped too.
		_ = resolveInto(out, child(name), n.Optional[name], strict, false)
	}
	globNames := make([]string, 0, len(n.Globs))
	for name := range n.Globs {
		globNames = append(globNames, name)
	}
	sort.Strings(globNames)
	for _, name := range globNames {
		if err := resolveInto(out, child(name), n.Globs[name], strict, required); err != nil {
			return err
		}
	}
	return nil
}

// Glob expands g.Pattern and drops every path that matches g.Reject. A
// reject pattern without a separator is matched against the basename. The
// result is sorted.
func Glob(g job.Glob) ([]string, error) {
	matches, err := filepath.Glob(g.Pattern)
	if err != nil {
		return nil, fmt.Errorf("bad glob pattern '%s': %w", g.Pattern, err)
	}
	if g.Reject != "" {
		if _, err := filepath.Match(g.Reject, ""); err != nil {
			return nil, fmt.Errorf("bad reject pattern '%s': %w", g.Reject, err)
		}
	}

	files := make([]string, 0, len(matches))
	for _, m := range matches {
		if g.Reject != "" {
			target := m
			if !strings.ContainsRune(g.Reject, filepath.Separator) {
				target = filepath.Base(m)
			}
			if rejected, _ := filepath.Match(g.Reject, target); rejected {
				continue
			}
		}
		files = append(files, m)
	}
	sort.Strings(files)
	return files, nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat '%s': %w", path, err)
}

func sortedNames(m map[string]job.Expectation) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
