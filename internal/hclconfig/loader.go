package hclconfig

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/specialistvlad/cohortflow/internal/config"
	"github.com/specialistvlad/cohortflow/internal/ctxlog"
)

// Loader is the HCL-specific implementation of the config.Loader interface.
type Loader struct{}

// NewLoader creates a new HCL configuration loader.
func NewLoader() *Loader {
	return &Loader{}
}

var _ config.Loader = (*Loader)(nil)

// Load parses every .hcl file under paths, merges their blocks into one
// model and validates it. Files are read in lexical order so step order
// within a stage follows file order, then declaration order.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path_count", len(paths))

	hclFiles, err := l.findAllHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	if len(hclFiles) == 0 {
		return nil, fmt.Errorf("no .hcl files found in %v", paths)
	}
	logger.Debug("Discovered HCL files.", "count", len(hclFiles))

	model := config.NewModel()
	parser := hclparse.NewParser()
	var runSeen, notifySeen bool

	for _, file := range hclFiles {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}

		var root fileRoot
		diags = gohcl.DecodeBody(hclFile.Body, nil, &root)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
		}

		for _, b := range root.Backends {
			if _, dup := model.Backends[b.Name]; dup {
				return nil, fmt.Errorf("%s: backend '%s' is declared more than once", file, b.Name)
			}
			def, err := translateBackend(b)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", file, err)
			}
			model.Backends[b.Name] = def
		}
		for _, t := range root.Tools {
			if _, dup := model.Tools[t.Name]; dup {
				return nil, fmt.Errorf("%s: tool '%s' is declared more than once", file, t.Name)
			}
			model.Tools[t.Name] = &config.Tool{Name: t.Name, Command: t.Command, Backend: t.Backend}
		}
		for _, r := range root.Runs {
			if runSeen {
				return nil, fmt.Errorf("%s: only one run block is allowed", file)
			}
			runSeen = true
			model.Run = &config.Run{
				Input:     resolveRelative(file, r.Input),
				Metadata:  resolveRelative(file, r.Metadata),
				LaneField: r.LaneField,
			}
			if model.Run.LaneField == "" {
				model.Run.LaneField = "lane"
			}
		}
		for _, n := range root.Notifies {
			if notifySeen {
				return nil, fmt.Errorf("%s: only one notify block is allowed", file)
			}
			notifySeen = true
			model.Notify = &config.Notify{URL: n.URL, Namespace: n.Namespace}
		}
		for _, s := range root.Steps {
			step := l.translateStep(ctx, s)
			model.Steps[step.Stage] = append(model.Steps[step.Stage], step)
		}
	}

	if err := model.Validate(); err != nil {
		return nil, err
	}

	logger.Debug("HCL loading complete.",
		"backends", len(model.Backends),
		"tools", len(model.Tools),
		"demultiplex_steps", len(model.Steps[config.StageDemultiplex]),
		"cohort_steps", len(model.Steps[config.StageCohort]),
		"aggregate_steps", len(model.Steps[config.StageAggregate]),
	)
	return model, nil
}

// resolveRelative makes a path from the config relative to the file that
// declared it.
func resolveRelative(file, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(file), p)
}

// findAllHCLFiles walks all given paths and returns a sorted list of all
// .hcl files found.
func (l *Loader) findAllHCLFiles(paths []string) ([]string, error) {
	var allFiles []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, wasSeen := seen[p]; !wasSeen {
			allFiles = append(allFiles, p)
			seen[p] = struct{}{}
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // It's not an error if a configured path doesn't exist.
			}
			return nil, fmt.Errorf("error accessing path %s: %w", path, err)
		}

		if !info.IsDir() {
			if filepath.Ext(path) == ".hcl" {
				add(path)
			}
			continue
		}
		err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() && filepath.Ext(p) == ".hcl" {
				add(p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(allFiles)
	return allFiles, nil
}

// isExprDefined checks if an HCL expression was actually present in the
// source. The decoder populates omitted optional expressions with a
// zero-width placeholder, so a nil check is insufficient.
func isExprDefined(expr hcl.Expression) bool {
	if expr == nil {
		return false
	}
	r := expr.Range()
	return r.End.Byte > r.Start.Byte
}
