package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zclconf/go-cty/cty"
	"golang.org/x/sync/errgroup"

	"github.com/specialistvlad/cohortflow/internal/cache"
	"github.com/specialistvlad/cohortflow/internal/config"
	"github.com/specialistvlad/cohortflow/internal/ctxlog"
	"github.com/specialistvlad/cohortflow/internal/failure"
	"github.com/specialistvlad/cohortflow/internal/job"
	"github.com/specialistvlad/cohortflow/internal/notify"
	"github.com/specialistvlad/cohortflow/internal/partition"
)

// stepOutcome is what a step leaves behind for the steps after it. It is
// never nil, even for a failed step.
type stepOutcome struct {
	workspace  string
	artifacts  job.Artifacts
	partitions int
	cached     bool
	jobIDs     []string
}

func (o *stepOutcome) record(name string, err error) StepRecord {
	rec := StepRecord{
		Name:       name,
		Workspace:  o.workspace,
		Partitions: o.partitions,
		Cached:     o.cached && len(o.jobIDs) > 0,
		JobIDs:     o.jobIDs,
		Artifacts:  o.artifacts,
	}
	if err != nil {
		rec.Failure = failureFrom(err)
	}
	return rec
}

func (o *stepOutcome) add(res *job.Result) {
	if res == nil {
		return
	}
	if res.JobID != "" {
		o.jobIDs = append(o.jobIDs, res.JobID)
	}
	o.cached = o.cached && res.Cached
}

// place is where one job of a step runs.
type place struct {
	label     string
	workspace string
	outputs   string
	logs      string
	part      cty.Value
	inputs    []string
}

// runStep runs one step of a branch in workspace ws. items are the branch's
// work items; prior lists files produced by earlier steps of the branch.
// Both identify what the step reads, for caching. Without work items, the
// prior files are the step's inputs.
func (p *Pipeline) runStep(ctx context.Context, r *run, sc *scope, step *config.Step, ws string, items []partition.WorkItem, prior []string) (*stepOutcome, error) {
	logger := ctxlog.FromContext(ctx)
	out := &stepOutcome{workspace: ws, artifacts: job.Artifacts{}, cached: true}
	label := jobLabel(r.id, sc, step.Name)

	if !step.Partitioned() {
		inputs := resources(items)
		if len(items) == 0 {
			inputs = prior
		}
		part, err := partitionValue(0, nil, ws, inputs)
		if err != nil {
			return out, &StepError{Step: step.Name, Err: err}
		}
		return out, p.runSingle(ctx, r, sc, step, out, place{
			label: label, workspace: ws, outputs: ws, logs: filepath.Join(ws, "logs"), part: part,
			inputs: append(resources(items), prior...),
		})
	}

	set, err := partition.Plan(items, step.PartitionBy, partition.Options{Invariants: p.invariants(step)})
	if err != nil {
		out.cached = false
		return out, &StepError{Step: step.Name, Err: err}
	}
	out.partitions = set.Len()

	switch set.Len() {
	case 0:
		logger.Info("Step has no work items, nothing to do.")
		return out, os.MkdirAll(ws, 0755)
	case 1:
		pt := set.Partitions[0]
		logger.Debug("Single partition, running unpartitioned.", "key", pt.Key.String())
		part, err := partitionValue(pt.ID, keyMap(set.GroupBy, pt.Key), ws, resources(pt.Members))
		if err != nil {
			return out, &StepError{Step: step.Name, Err: err}
		}
		return out, p.runSingle(ctx, r, sc, step, out, place{
			label: label, workspace: ws, outputs: ws, logs: filepath.Join(ws, "logs"), part: part,
			inputs: append(resources(pt.Members), prior...),
		})
	}

	if err := set.Materialize(ws, step.Subdirs); err != nil {
		out.cached = false
		return out, &StepError{Step: step.Name, Err: err}
	}
	logger.Info("▶️ Fanning out over partitions.", "partitions", set.Len())

	results := make([]*job.Result, set.Len())
	g, gctx := errgroup.WithContext(ctx)
	for i, pt := range set.Partitions {
		g.Go(func() (err error) {
			defer func() {
				if v := recover(); v != nil {
					err = &StepError{Step: step.Name, Partition: pt.ID, Err: &failure.PanicError{Value: v}}
				}
			}()
			pctx := ctxlog.With(gctx, "partition", pt.ID)
			part, err := partitionValue(pt.ID, keyMap(set.GroupBy, pt.Key), ws, pt.Inputs())
			if err != nil {
				return &StepError{Step: step.Name, Partition: pt.ID, Err: err}
			}
			res, err := p.runJob(pctx, r, sc, step, place{
				label:     fmt.Sprintf("%s.p%d", label, pt.ID),
				workspace: ws,
				outputs:   pt.OutputsDir(),
				logs:      pt.Dir,
				part:      part,
				inputs:    append(pt.Inputs(), prior...),
			})
			results[i] = res
			if err != nil {
				return &StepError{Step: step.Name, Partition: pt.ID, Result: res, Err: err}
			}
			return nil
		})
	}
	err = g.Wait()
	for _, res := range results {
		out.add(res)
	}
	if err != nil {
		out.cached = false
		return out, err
	}

	for _, res := range results {
		for _, name := range res.Artifacts.Names() {
			out.artifacts[name] = append(out.artifacts[name], res.Artifacts[name]...)
		}
	}

	merged := filepath.Join(ws, "merged")
	opts := partition.MergeOptions{}
	if step.Concat != "" {
		opts.Concat = []partition.ConcatSpec{{Name: step.Concat, Header: step.ConcatHeader}}
	}
	mres, err := partition.Merge(ctx, set, merged, opts)
	if err != nil {
		return out, &StepError{Step: step.Name, Err: err}
	}
	out.workspace = merged
	out.artifacts["merged"] = mres.Artifacts
	if len(mres.Consolidated) > 0 {
		out.artifacts["consolidated"] = mres.Consolidated
	}
	logger.Info("✅ Partitions merged.", "partitions", set.Len(), "artifacts", len(mres.Artifacts))
	return out, nil
}

func (p *Pipeline) runSingle(ctx context.Context, r *run, sc *scope, step *config.Step, out *stepOutcome, pl place) error {
	res, err := p.runJob(ctx, r, sc, step, pl)
	out.add(res)
	if err != nil {
		out.cached = false
		return &StepError{Step: step.Name, Result: res, Err: err}
	}
	out.artifacts = res.Artifacts
	return nil
}

// runJob builds the job of one place and submits it through the cache.
func (p *Pipeline) runJob(ctx context.Context, r *run, sc *scope, step *config.Step, pl place) (*job.Result, error) {
	logger := ctxlog.FromContext(ctx)

	spec, expect, err := p.buildJob(sc, step, pl)
	if err != nil {
		return nil, &failure.SubmissionError{Tool: step.Tool, Err: err}
	}
	for _, dir := range append([]string{pl.outputs}, subdirs(pl.outputs, step.Subdirs)...) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &failure.SubmissionError{Tool: step.Tool, Err: err}
		}
	}

	key, err := cache.Fingerprint(spec, expect, pl.inputs...)
	if err != nil {
		return nil, err
	}
	res, err := r.cache.Do(ctx, key, func(ctx context.Context) (*job.Result, error) {
		return p.exec.SubmitBlocking(ctx, spec, expect)
	})

	var corrupt *cache.CorruptError
	if errors.As(err, &corrupt) {
		logger.Error("❌ Run cache is corrupt, aborting run.", "error", err)
		r.abort(err)
		return res, err
	}

	ev := notify.Event{Name: notify.EventJobTerminal, RunID: r.id, Step: step.Name, State: job.Failed.String()}
	if !sc.cohort.IsNull() {
		ev.Cohort = sc.cohort.GetAttr("name").AsString()
	}
	if id, _ := pl.part.GetAttr("id").AsBigFloat().Int64(); id > 0 {
		ev.Partition = int(id)
	}
	if res != nil {
		ev.JobID, ev.State, ev.Cached = res.JobID, res.Terminal.State.String(), res.Cached
	}
	switch {
	case err != nil:
		p.status.jobsFailed.Add(1)
		ev.Kind, ev.Message = string(failure.KindOf(err)), err.Error()
	case res.Cached:
		p.status.jobsCached.Add(1)
		p.status.jobsSucceeded.Add(1)
		logger.Info("✅ Step reused a cached result.", "job_id", res.JobID)
	default:
		p.status.jobsSucceeded.Add(1)
	}
	p.notifier.Notify(ctx, ev)
	return res, err
}

func (p *Pipeline) buildJob(sc *scope, step *config.Step, pl place) (*job.Spec, job.Expectation, error) {
	tool, err := p.registry.Lookup(step.Tool)
	if err != nil {
		return nil, nil, err
	}
	ectx := sc.evalContext(pl.workspace, pl.outputs, pl.part)

	args, err := evalArgs(step.Args, ectx)
	if err != nil {
		return nil, nil, fmt.Errorf("evaluating args: %w", err)
	}
	cwd := pl.outputs
	if step.Cwd != nil {
		if cwd, err = evalString(step.Cwd, ectx); err != nil {
			return nil, nil, fmt.Errorf("evaluating cwd: %w", err)
		}
	}
	attrs, err := evalAttributes(step.Attributes, ectx)
	if err != nil {
		return nil, nil, fmt.Errorf("evaluating attributes: %w", err)
	}
	if _, ok := attrs[job.AttrJobName]; !ok {
		attrs[job.AttrJobName] = pl.label
	}
	if _, ok := attrs[job.AttrComment]; !ok {
		attrs[job.AttrComment] = sc.run.GetAttr("id").AsString()
	}
	expect, err := evalExpectation(step, ectx, pl.outputs)
	if err != nil {
		return nil, nil, err
	}

	spec, err := job.NewSpec(job.Spec{
		Tool:       step.Tool,
		Command:    tool.Command,
		Args:       args,
		Cwd:        cwd,
		StdoutPath: filepath.Join(pl.logs, step.Name+".out"),
		StderrPath: filepath.Join(pl.logs, step.Name+".err"),
		Attributes: attrs,
	})
	if err != nil {
		return nil, nil, err
	}
	return spec, expect, nil
}

func (p *Pipeline) invariants(step *config.Step) []partition.Invariant {
	switch step.Invariant {
	case config.InvariantLanesMatchResources:
		return []partition.Invariant{partition.LanesMatchResources(p.model.Run.LaneField)}
	default:
		return nil
	}
}

func jobLabel(runID string, sc *scope, step string) string {
	parts := []string{runID}
	if !sc.cohort.IsNull() {
		parts = append(parts, sc.cohort.GetAttr("name").AsString())
	}
	return strings.Join(append(parts, step), ".")
}

func keyMap(groupBy []string, key partition.Key) map[string]string {
	out := make(map[string]string, len(groupBy))
	for i, f := range groupBy {
		out[f] = key[i]
	}
	return out
}

func resources(items []partition.WorkItem) []string {
	var out []string
	for _, it := range items {
		out = append(out, it.Resources...)
	}
	return out
}

func subdirs(root string, names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = filepath.Join(root, n)
	}
	return out
}
