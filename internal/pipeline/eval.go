package pipeline

import (
	"fmt"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"

	"github.com/specialistvlad/cohortflow/internal/config"
	"github.com/specialistvlad/cohortflow/internal/job"
	"github.com/specialistvlad/cohortflow/internal/partition"
)

// scope holds the variables visible to a step's expressions. It is built
// up as a branch progresses and copied, never shared, between branches.
type scope struct {
	run     cty.Value
	cohort  cty.Value
	cohorts cty.Value
	steps   map[string]cty.Value
}

func newScope(runID, input, workDir string) *scope {
	folder := ""
	if input != "" {
		folder = filepath.Join(input, runID)
	}
	return &scope{
		run: cty.ObjectVal(map[string]cty.Value{
			"id":      cty.StringVal(runID),
			"input":   cty.StringVal(input),
			"folder":  cty.StringVal(folder),
			"workdir": cty.StringVal(workDir),
		}),
		cohort:  cty.NullVal(cty.DynamicPseudoType),
		cohorts: cty.EmptyObjectVal,
		steps:   make(map[string]cty.Value),
	}
}

// fork returns a copy whose step map can be extended independently.
func (s *scope) fork() *scope {
	out := *s
	out.steps = make(map[string]cty.Value, len(s.steps))
	for k, v := range s.steps {
		out.steps[k] = v
	}
	return &out
}

func (s *scope) withCohort(name, workspace string, items []partition.WorkItem) *scope {
	out := s.fork()
	ids := make([]cty.Value, len(items))
	for i, it := range items {
		ids[i] = cty.StringVal(it.ID)
	}
	out.cohort = cty.ObjectVal(map[string]cty.Value{
		"name":      cty.StringVal(name),
		"workspace": cty.StringVal(workspace),
		"items":     listOrEmpty(ids),
	})
	return out
}

// addStep makes a finished step's workspace and artifacts visible to the
// steps after it.
func (s *scope) addStep(name, workspace string, artifacts job.Artifacts) error {
	v, err := stepValue(workspace, artifacts)
	if err != nil {
		return fmt.Errorf("step '%s': %w", name, err)
	}
	s.steps[name] = v
	return nil
}

func stepValue(workspace string, artifacts job.Artifacts) (cty.Value, error) {
	plain := make(map[string][]string, len(artifacts))
	for name, files := range artifacts {
		plain[name] = nonNil(files)
	}
	arts, err := gocty.ToCtyValue(plain, cty.Map(cty.List(cty.String)))
	if err != nil {
		return cty.NilVal, err
	}
	files, err := gocty.ToCtyValue(nonNil(artifacts.Files()), cty.List(cty.String))
	if err != nil {
		return cty.NilVal, err
	}
	return cty.ObjectVal(map[string]cty.Value{
		"workspace": cty.StringVal(workspace),
		"artifacts": arts,
		"files":     files,
	}), nil
}

// partitionValue describes the unit a job works on. Unpartitioned steps get
// id 0 and every input of the branch.
func partitionValue(id int, key map[string]string, dir string, inputs []string) (cty.Value, error) {
	if key == nil {
		key = map[string]string{}
	}
	k, err := gocty.ToCtyValue(key, cty.Map(cty.String))
	if err != nil {
		return cty.NilVal, err
	}
	in, err := gocty.ToCtyValue(nonNil(inputs), cty.List(cty.String))
	if err != nil {
		return cty.NilVal, err
	}
	return cty.ObjectVal(map[string]cty.Value{
		"id":     cty.NumberIntVal(int64(id)),
		"key":    k,
		"dir":    cty.StringVal(dir),
		"inputs": in,
	}), nil
}

func (s *scope) evalContext(workspace, outputs string, part cty.Value) *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"run":       s.run,
			"cohort":    s.cohort,
			"cohorts":   s.cohorts,
			"steps":     objectOrEmpty(s.steps),
			"workspace": cty.StringVal(workspace),
			"outputs":   cty.StringVal(outputs),
			"partition": part,
		},
	}
}

// evalArgs evaluates a list expression into argv. Nested lists are
// flattened, so `["mem", partition.inputs]` expands the inputs in place.
func evalArgs(expr hcl.Expression, ectx *hcl.EvalContext) ([]string, error) {
	if expr == nil {
		return nil, nil
	}
	v, diags := expr.Value(ectx)
	if diags.HasErrors() {
		return nil, diags
	}
	var out []string
	if err := flatten(v, &out); err != nil {
		return nil, fmt.Errorf("%s: %w", expr.Range(), err)
	}
	return out, nil
}

func flatten(v cty.Value, out *[]string) error {
	if !v.IsWhollyKnown() {
		return fmt.Errorf("argument value is not known")
	}
	if v.IsNull() {
		return fmt.Errorf("argument value is null")
	}
	t := v.Type()
	if t.IsListType() || t.IsTupleType() || t.IsSetType() {
		for it := v.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			if err := flatten(elem, out); err != nil {
				return err
			}
		}
		return nil
	}
	s, err := convert.Convert(v, cty.String)
	if err != nil {
		return fmt.Errorf("argument of type %s cannot be used as a string: %w", t.FriendlyName(), err)
	}
	*out = append(*out, s.AsString())
	return nil
}

func evalString(expr hcl.Expression, ectx *hcl.EvalContext) (string, error) {
	v, diags := expr.Value(ectx)
	if diags.HasErrors() {
		return "", diags
	}
	s, err := convert.Convert(v, cty.String)
	if err != nil {
		return "", fmt.Errorf("%s: %w", expr.Range(), err)
	}
	if s.IsNull() {
		return "", fmt.Errorf("%s: value is null", expr.Range())
	}
	return s.AsString(), nil
}

func evalAttributes(expr hcl.Expression, ectx *hcl.EvalContext) (job.Attributes, error) {
	if expr == nil {
		return job.Attributes{}, nil
	}
	v, diags := expr.Value(ectx)
	if diags.HasErrors() {
		return nil, diags
	}
	m, err := convert.Convert(v, cty.Map(cty.String))
	if err != nil {
		return nil, fmt.Errorf("%s: attributes must be a map of strings: %w", expr.Range(), err)
	}
	var out map[string]string
	if err := gocty.FromCtyValue(m, &out); err != nil {
		return nil, fmt.Errorf("%s: %w", expr.Range(), err)
	}
	return job.Attributes(out), nil
}

// evalExpectation builds the step's expectation. Relative paths, reject
// patterns included, are taken relative to the outputs directory. A step declaring nothing expects
// nothing.
func evalExpectation(step *config.Step, ectx *hcl.EvalContext, outputs string) (job.Expectation, error) {
	if len(step.Require)+len(step.Optional)+len(step.Collect) == 0 {
		return nil, nil
	}
	abs := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(outputs, p)
	}

	named := job.Named{
		Required: make(map[string]job.Expectation, len(step.Require)),
		Optional: make(map[string]job.Expectation, len(step.Optional)),
		Globs:    make(map[string]job.Glob, len(step.Collect)),
	}
	for name, expr := range step.Require {
		p, err := evalString(expr, ectx)
		if err != nil {
			return nil, fmt.Errorf("require '%s': %w", name, err)
		}
		named.Required[name] = job.Required{Path: abs(p)}
	}
	for name, expr := range step.Optional {
		p, err := evalString(expr, ectx)
		if err != nil {
			return nil, fmt.Errorf("optional '%s': %w", name, err)
		}
		named.Optional[name] = job.Optional{Path: abs(p)}
	}
	for name, c := range step.Collect {
		p, err := evalString(c.Pattern, ectx)
		if err != nil {
			return nil, fmt.Errorf("collect '%s': %w", name, err)
		}
		g := job.Glob{Pattern: abs(p), Min: c.Min}
		if c.Reject != "" {
			g.Reject = abs(c.Reject)
		}
		named.Globs[name] = g
	}
	return named, nil
}

func listOrEmpty(vals []cty.Value) cty.Value {
	if len(vals) == 0 {
		return cty.ListValEmpty(cty.String)
	}
	return cty.ListVal(vals)
}

func objectOrEmpty(m map[string]cty.Value) cty.Value {
	if len(m) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(m)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
