// Package metadata is the boundary to the sample metadata store. It answers
// one question: which cohorts, made of which work items, belong to a run.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/specialistvlad/cohortflow/internal/partition"
)

// Cohort is a named group of work items processed together in Stage 2.
type Cohort struct {
	Name  string
	Items []partition.WorkItem
}

// ValidName reports whether name can be used as a workspace directory name:
// a single path element other than "." and "..".
func ValidName(name string) bool {
	return name != "" && name != "." && name != ".." && filepath.Base(name) == name
}

// Source resolves the cohorts of a run. A run the source knows nothing
// about yields an empty list and a nil error; only a failure to consult the
// source is an error.
type Source interface {
	Cohorts(ctx context.Context, runID string) ([]Cohort, error)
}

// Static is an in-memory Source keyed by run id.
type Static map[string][]Cohort

func (s Static) Cohorts(_ context.Context, runID string) ([]Cohort, error) {
	return s[runID], nil
}

type document struct {
	Runs map[string]struct {
		Cohorts []struct {
			Name  string `yaml:"name"`
			Items []struct {
				ID        string            `yaml:"id"`
				Fields    map[string]string `yaml:"fields"`
				Resources []string          `yaml:"resources"`
			} `yaml:"items"`
		} `yaml:"cohorts"`
	} `yaml:"runs"`
}

// File reads cohorts from a YAML document of the form
//
//	runs:
//	  RUN1:
//	    cohorts:
//	      - name: cohort_1
//	        items:
//	          - id: S1_L1
//	            fields: {flowcell: FC1, library: LibA, lane: "1"}
//	            resources: [FC1_LibA_L1.fastq.gz]
//
// The file is read on every call so edits are picked up between runs.
// Relative resource paths are returned as written.
type File struct {
	Path string
}

func (f File) Cohorts(ctx context.Context, runID string) ([]Cohort, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("metadata file not found: %w", err)
		}
		return nil, fmt.Errorf("reading metadata: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing metadata '%s': %w", f.Path, err)
	}

	run, ok := doc.Runs[runID]
	if !ok {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(run.Cohorts))
	out := make([]Cohort, 0, len(run.Cohorts))
	for _, c := range run.Cohorts {
		if c.Name == "" {
			return nil, fmt.Errorf("metadata '%s': run '%s' has a cohort without a name", f.Path, runID)
		}
		if !ValidName(c.Name) {
			return nil, fmt.Errorf("metadata '%s': run '%s' has cohort name '%s' that is not a single path element", f.Path, runID, c.Name)
		}
		if _, dup := seen[c.Name]; dup {
			return nil, fmt.Errorf("metadata '%s': run '%s' lists cohort '%s' twice", f.Path, runID, c.Name)
		}
		seen[c.Name] = struct{}{}

		cohort := Cohort{Name: c.Name, Items: make([]partition.WorkItem, 0, len(c.Items))}
		for _, it := range c.Items {
			cohort.Items = append(cohort.Items, partition.WorkItem{
				ID:        it.ID,
				Fields:    it.Fields,
				Resources: it.Resources,
			})
		}
		out = append(out, cohort)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
