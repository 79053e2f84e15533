package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zclconf/go-cty/cty"

	"github.com/specialistvlad/cohortflow/internal/cache"
	"github.com/specialistvlad/cohortflow/internal/config"
	"github.com/specialistvlad/cohortflow/internal/ctxlog"
	"github.com/specialistvlad/cohortflow/internal/failure"
	"github.com/specialistvlad/cohortflow/internal/job"
	"github.com/specialistvlad/cohortflow/internal/metadata"
	"github.com/specialistvlad/cohortflow/internal/notify"
	"github.com/specialistvlad/cohortflow/internal/partition"
	"github.com/specialistvlad/cohortflow/internal/registry"
)

// Submitter runs one job to completion. *executor.Executor implements it.
type Submitter interface {
	SubmitBlocking(ctx context.Context, spec *job.Spec, expect job.Expectation) (*job.Result, error)
}

// Options wire a Pipeline to its collaborators.
type Options struct {
	Model    *config.Model
	Registry *registry.Registry
	Executor Submitter
	Metadata metadata.Source
	Notifier notify.Notifier
	// WorkDir holds one workspace per run id.
	WorkDir string
}

// Pipeline is safe to reuse for consecutive runs, but not for concurrent
// runs of the same run id.
type Pipeline struct {
	model    *config.Model
	registry *registry.Registry
	exec     Submitter
	metadata metadata.Source
	notifier notify.Notifier
	workDir  string
	status   Status
}

// New validates opts and returns a Pipeline.
func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Model == nil:
		return nil, errors.New("pipeline: model is required")
	case opts.Registry == nil:
		return nil, errors.New("pipeline: registry is required")
	case opts.Executor == nil:
		return nil, errors.New("pipeline: executor is required")
	case opts.Metadata == nil:
		return nil, errors.New("pipeline: metadata source is required")
	case opts.WorkDir == "":
		return nil, errors.New("pipeline: work directory is required")
	}
	workDir, err := filepath.Abs(opts.WorkDir)
	if err != nil {
		return nil, err
	}
	n := opts.Notifier
	if n == nil {
		n = notify.Nop{}
	}
	return &Pipeline{
		model:    opts.Model,
		registry: opts.Registry,
		exec:     opts.Executor,
		metadata: opts.Metadata,
		notifier: n,
		workDir:  workDir,
	}, nil
}

// Status returns the live progress tracker.
func (p *Pipeline) Status() *Status { return &p.status }

// run carries the state of one Run call.
type run struct {
	id    string
	dir   string
	cache *cache.Cache

	// fatal aborts the whole run; only bookkeeping failures set it.
	cancel    context.CancelCauseFunc
	fatalOnce sync.Once
	fatal     error
}

func (r *run) abort(err error) {
	r.fatalOnce.Do(func() {
		r.fatal = err
		r.cancel(err)
	})
}

// Run executes every stage for runID and returns its manifest, which is
// also written to the run workspace. Branch failures are recorded in the
// manifest, not returned. The error is non-nil only when the run's own
// bookkeeping failed (e.g. a corrupt cache entry); the manifest is still
// returned when possible.
func (p *Pipeline) Run(ctx context.Context, runID string) (*Manifest, error) {
	if runID == "" || filepath.Base(runID) != runID {
		return nil, fmt.Errorf("invalid run id '%s'", runID)
	}
	ctx = ctxlog.With(ctx, "run", runID)
	logger := ctxlog.FromContext(ctx)

	dir := filepath.Join(p.workDir, runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating run workspace: %w", err)
	}
	c, err := cache.Open(filepath.Join(dir, ".cache"))
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r := &run{id: runID, dir: dir, cache: c, cancel: cancel}

	m := &Manifest{RunID: runID, Attempt: ulid.Make().String(), StartedAt: time.Now().UTC()}
	p.status.reset()
	logger.Info("🚀 Starting pipeline run.", "attempt", m.Attempt, "workspace", dir)

	sc := newScope(runID, p.model.Run.Input, dir)
	p.execute(runCtx, r, sc, m)

	if r.fatal != nil {
		m.State = Failed
		m.Failure = failureFrom(r.fatal)
	}
	m.FinishedAt = time.Now().UTC()
	p.status.setStage(runID, string(m.State))

	writeErr := WriteManifest(filepath.Join(dir, ManifestName), m)
	p.notifier.Notify(ctx, notify.Event{
		Name:  notify.EventRunTerminal,
		RunID: runID,
		State: string(m.State),
		Message: func() string {
			if m.Failure != nil {
				return m.Failure.Message
			}
			return ""
		}(),
	})

	switch m.State {
	case Completed:
		logger.Info("🏁 Pipeline run completed.", "duration", m.FinishedAt.Sub(m.StartedAt))
	case CompletedWithFailures:
		logger.Warn("🏁 Pipeline run completed with failures.", "failed_cohorts", m.FailedCohorts)
	default:
		logger.Error("❌ Pipeline run failed.", "reason", m.Failure.Message)
	}

	if r.fatal != nil {
		return m, r.fatal
	}
	if writeErr != nil {
		return m, writeErr
	}
	return m, nil
}

func (p *Pipeline) execute(ctx context.Context, r *run, sc *scope, m *Manifest) {
	logger := ctxlog.FromContext(ctx)

	// Stage 1
	p.status.setStage(r.id, string(config.StageDemultiplex))
	lastDemux := ""
	demuxInputs := p.runInputs(r.id)
	for _, step := range p.model.Steps[config.StageDemultiplex] {
		stepCtx := ctxlog.With(ctx, "stage", config.StageDemultiplex, "step", step.Name)
		ws := filepath.Join(r.dir, string(config.StageDemultiplex), step.Name)
		out, err := p.runStep(stepCtx, r, sc, step, ws, nil, demuxInputs)
		m.Demultiplex = append(m.Demultiplex, out.record(step.Name, err))
		if err != nil {
			m.State = Failed
			m.Failure = failureFrom(err)
			return
		}
		if err := sc.addStep(step.Name, out.workspace, out.artifacts); err != nil {
			m.State, m.Failure = Failed, failureFrom(err)
			return
		}
		lastDemux = out.workspace
		demuxInputs = append(demuxInputs, out.artifacts.Files()...)
	}

	// Cohort discovery
	cohorts, err := p.metadata.Cohorts(ctx, r.id)
	if err != nil {
		m.State = Failed
		m.Failure = failureFrom(fmt.Errorf("discovering cohorts: %w", err))
		return
	}
	base := lastDemux
	if base == "" {
		base = sc.run.GetAttr("folder").AsString()
	}
	logger.Info("▶️ Cohorts discovered.", "count", len(cohorts))

	// Stage 2
	p.status.setStage(r.id, string(config.StageCohort))
	p.status.cohortsTotal.Store(int64(len(cohorts)))
	m.Cohorts = make([]CohortRecord, len(cohorts))
	var wg sync.WaitGroup
	for i, c := range cohorts {
		wg.Add(1)
		go func(i int, c metadata.Cohort) {
			defer wg.Done()
			m.Cohorts[i] = p.runCohort(ctx, r, sc, c, base)
		}(i, c)
	}
	wg.Wait()
	if r.fatal != nil {
		return
	}

	succeeded := make(map[string]cty.Value)
	for _, rec := range m.Cohorts {
		if rec.State == CohortSucceeded {
			succeeded[rec.Name] = cohortValue(r.dir, rec)
			continue
		}
		m.FailedCohorts = append(m.FailedCohorts, rec.Name)
	}
	sort.Strings(m.FailedCohorts)

	// Stage 3
	if len(succeeded) > 0 {
		p.status.setStage(r.id, string(config.StageAggregate))
		agg := sc.fork()
		agg.cohorts = cty.ObjectVal(succeeded)
		for _, step := range p.model.Steps[config.StageAggregate] {
			stepCtx := ctxlog.With(ctx, "stage", config.StageAggregate, "step", step.Name)
			ws := filepath.Join(r.dir, string(config.StageAggregate), step.Name)
			out, err := p.runStep(stepCtx, r, agg, step, ws, nil, cohortWorkspaces(succeeded))
			m.Aggregate = append(m.Aggregate, out.record(step.Name, err))
			if err != nil {
				m.State = Failed
				m.Failure = failureFrom(err)
				return
			}
			if err := agg.addStep(step.Name, out.workspace, out.artifacts); err != nil {
				m.State, m.Failure = Failed, failureFrom(err)
				return
			}
		}
	} else if len(cohorts) > 0 {
		logger.Warn("No cohort succeeded, skipping aggregation.")
	}

	if len(m.FailedCohorts) > 0 {
		m.State = CompletedWithFailures
	} else {
		m.State = Completed
	}
}

// runCohort runs one cohort's Stage 2 branch. It never panics and never
// returns an error: everything that goes wrong is recorded.
func (p *Pipeline) runCohort(ctx context.Context, r *run, parent *scope, c metadata.Cohort, base string) (rec CohortRecord) {
	ctx = ctxlog.With(ctx, "cohort", c.Name)
	logger := ctxlog.FromContext(ctx)
	rec = CohortRecord{Name: c.Name, State: CohortFailed}

	defer func() {
		if v := recover(); v != nil {
			err := &failure.PanicError{Value: v}
			logger.Error("❌ Cohort branch panicked.", "panic", v)
			rec.State = CohortFailed
			rec.Failure = failureFrom(err)
		}
		if rec.State == CohortSucceeded {
			p.status.cohortsSucceeded.Add(1)
		} else {
			p.status.cohortsFailed.Add(1)
		}
		ev := notify.Event{Name: notify.EventCohortTerminal, RunID: r.id, Cohort: c.Name, State: rec.State}
		if rec.Failure != nil {
			ev.Kind, ev.Message = string(rec.Failure.Kind), rec.Failure.Message
		}
		p.notifier.Notify(ctx, ev)
	}()

	if !metadata.ValidName(c.Name) {
		rec.Failure = failureFrom(fmt.Errorf("cohort name '%s' is not a single path element", c.Name))
		logger.Error("❌ Cohort branch rejected.", "reason", rec.Failure.Message)
		return rec
	}

	logger.Info("▶️ Cohort branch started.", "items", len(c.Items))
	items := make([]partition.WorkItem, len(c.Items))
	for i, it := range c.Items {
		items[i] = it
		items[i].Resources = make([]string, len(it.Resources))
		for j, res := range it.Resources {
			if !filepath.IsAbs(res) && base != "" {
				res = filepath.Join(base, res)
			}
			items[i].Resources[j] = res
		}
	}

	dir := filepath.Join(r.dir, "cohorts", c.Name)
	sc := parent.withCohort(c.Name, dir, items)
	var prior []string

	for _, step := range p.model.Steps[config.StageCohort] {
		stepCtx := ctxlog.With(ctx, "step", step.Name)
		out, err := p.runStep(stepCtx, r, sc, step, filepath.Join(dir, step.Name), items, prior)
		rec.Steps = append(rec.Steps, out.record(step.Name, err))
		if err != nil {
			rec.Failure = failureFrom(err)
			logger.Error("❌ Cohort branch failed.", "step", step.Name, "kind", rec.Failure.Kind, "error", err)
			return rec
		}
		if err := sc.addStep(step.Name, out.workspace, out.artifacts); err != nil {
			rec.Failure = failureFrom(err)
			return rec
		}
		prior = append(prior, out.artifacts.Files()...)
	}

	rec.State = CohortSucceeded
	logger.Info("✅ Cohort branch succeeded.", "steps", len(rec.Steps))
	return rec
}

// runInputs are the inputs of Stage 1: the raw run folder, if configured.
func (p *Pipeline) runInputs(runID string) []string {
	if p.model.Run.Input == "" {
		return nil
	}
	return []string{filepath.Join(p.model.Run.Input, runID)}
}

func cohortValue(runDir string, rec CohortRecord) cty.Value {
	steps := make(map[string]cty.Value, len(rec.Steps))
	for _, s := range rec.Steps {
		if v, err := stepValue(s.Workspace, job.Artifacts(s.Artifacts)); err == nil {
			steps[s.Name] = v
		}
	}
	return cty.ObjectVal(map[string]cty.Value{
		"name":      cty.StringVal(rec.Name),
		"workspace": cty.StringVal(filepath.Join(runDir, "cohorts", rec.Name)),
		"steps":     objectOrEmpty(steps),
	})
}

func cohortWorkspaces(cohorts map[string]cty.Value) []string {
	out := make([]string, 0, len(cohorts))
	for _, v := range cohorts {
		out = append(out, v.GetAttr("workspace").AsString())
	}
	sort.Strings(out)
	return out
}
