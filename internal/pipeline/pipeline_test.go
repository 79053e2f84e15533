package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/cohortflow/internal/backend"
	"github.com/specialistvlad/cohortflow/internal/backend/factory"
	"github.com/specialistvlad/cohortflow/internal/cache"
	"github.com/specialistvlad/cohortflow/internal/executor"
	"github.com/specialistvlad/cohortflow/internal/failure"
	"github.com/specialistvlad/cohortflow/internal/hclconfig"
	"github.com/specialistvlad/cohortflow/internal/job"
	"github.com/specialistvlad/cohortflow/internal/metadata"
	"github.com/specialistvlad/cohortflow/internal/notify"
	"github.com/specialistvlad/cohortflow/internal/partition"
	"github.com/specialistvlad/cohortflow/internal/registry"
	"github.com/specialistvlad/cohortflow/internal/testutil"
)

const preamble = `
backend "here" {
  type = "local"
}

tool "sh" {
  backend = "here"
  command = "/bin/sh"
}

run {
  metadata = "cohorts.yaml"
}
`

// threeStages demultiplexes five samples, counts each cohort (cohort_3
// always fails) and concatenates the per-cohort tables into one report.
const threeStages = preamble + `
step "demultiplex" "fastq" {
  tool = "sh"
  args = ["-c", "for s in S1 S2 S3 S4 S5; do echo @$s > $s.fastq; done"]

  collect "reads" {
    pattern = "*.fastq"
    min     = 5
  }
}

step "cohort" "count" {
  tool = "sh"
  args = [
    "-c",
    "if [ \"$1\" = cohort_3 ]; then echo 'not enough samples' >&2; exit 3; fi; cat \"$2\" > \"$1.txt\"",
    "count",
    cohort.name,
    partition.inputs,
  ]

  require "table" {
    path = "${cohort.name}.txt"
  }
}

step "aggregate" "report" {
  tool = "sh"
  args = ["-c", "cat \"$@\" > report.txt", "report", [for c in cohorts : c.steps.count.artifacts.table]]

  require "report" {
    path = "report.txt"
  }
}
`

type harness struct {
	ctx      context.Context
	pipeline *Pipeline
	notifier *notify.Recorder
	workDir  string
}

// newHarness wires a pipeline exactly as the application does, from HCL
// down to real local processes. wrap, if set, decorates the executor.
func newHarness(t *testing.T, src string, md metadata.Source, wrap func(Submitter) Submitter) *harness {
	return newHarnessOn(t, src, md, wrap, nil)
}

// newHarnessOn is newHarness with every tool bound to override, if set.
func newHarnessOn(t *testing.T, src string, md metadata.Source, wrap func(Submitter) Submitter, override backend.Backend) *harness {
	t.Helper()
	ctx, _ := testutil.LogContext(t)

	dir := testutil.WriteFiles(t, map[string]string{"pipeline.hcl": src})
	model, err := hclconfig.NewLoader().Load(ctx, dir)
	require.NoError(t, err)

	backends, err := factory.All(model)
	require.NoError(t, err)
	reg := registry.New()
	for name, tool := range model.Tools {
		b := backends[tool.Backend]
		if override != nil {
			b = override
		}
		require.NoError(t, reg.Register(name, tool.Command, b))
	}
	reg.Freeze()

	exec := executor.New(ctx, reg, executor.Options{})
	t.Cleanup(exec.Close)
	var sub Submitter = exec
	if wrap != nil {
		sub = wrap(sub)
	}

	rec := &notify.Recorder{}
	workDir := t.TempDir()
	p, err := New(Options{
		Model:    model,
		Registry: reg,
		Executor: sub,
		Metadata: md,
		Notifier: rec,
		WorkDir:  workDir,
	})
	require.NoError(t, err)
	return &harness{ctx: ctx, pipeline: p, notifier: rec, workDir: workDir}
}

func fiveCohorts() metadata.Static {
	var cohorts []metadata.Cohort
	for i := 1; i <= 5; i++ {
		s := fmt.Sprintf("S%d", i)
		cohorts = append(cohorts, metadata.Cohort{
			Name: fmt.Sprintf("cohort_%d", i),
			Items: []partition.WorkItem{{
				ID:        s,
				Fields:    map[string]string{"flowcell": "FC1", "library": "Lib" + s, "lane": "1"},
				Resources: []string{s + ".fastq"},
			}},
		})
	}
	return metadata.Static{"RUN1": cohorts}
}

func TestRun_FailingCohortIsIsolated(t *testing.T) {
	h := newHarness(t, threeStages, fiveCohorts(), nil)

	m, err := h.pipeline.Run(h.ctx, "RUN1")
	require.NoError(t, err)

	assert.Equal(t, CompletedWithFailures, m.State)
	assert.Equal(t, []string{"cohort_3"}, m.FailedCohorts)
	require.Len(t, m.Cohorts, 5)

	failed := m.Cohort("cohort_3")
	require.NotNil(t, failed)
	assert.Equal(t, CohortFailed, failed.State)
	require.NotNil(t, failed.Failure)
	assert.Equal(t, failure.KindFailed, failed.Failure.Kind)
	assert.Equal(t, "count", failed.Failure.Step)
	assert.Equal(t, 3, failed.Failure.ExitCode)
	assert.Contains(t, failed.Failure.Stderr, "not enough samples")

	for _, name := range []string{"cohort_1", "cohort_2", "cohort_4", "cohort_5"} {
		rec := m.Cohort(name)
		require.NotNil(t, rec, name)
		assert.Equal(t, CohortSucceeded, rec.State, name)
		assert.Nil(t, rec.Failure, name)
	}

	require.Len(t, m.Aggregate, 1)
	report, err := os.ReadFile(filepath.Join(h.workDir, "RUN1", "aggregate", "report", "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "@S1\n@S2\n@S4\n@S5\n", string(report))

	onDisk, err := ReadManifest(filepath.Join(h.workDir, "RUN1", ManifestName))
	require.NoError(t, err)
	assert.Equal(t, m.Attempt, onDisk.Attempt)
	assert.Equal(t, m.FailedCohorts, onDisk.FailedCohorts)

	runEvents := h.notifier.Named(notify.EventRunTerminal)
	require.Len(t, runEvents, 1)
	assert.Equal(t, string(CompletedWithFailures), runEvents[0].State)
	assert.Len(t, h.notifier.Named(notify.EventCohortTerminal), 5)
	assert.Len(t, h.notifier.Named(notify.EventJobTerminal), 7)

	snap := h.pipeline.Status().Snapshot()
	assert.Equal(t, Counts{Total: 5, Succeeded: 4, Failed: 1}, snap.Cohorts)
}

func TestRun_RerunReusesSucceededJobs(t *testing.T) {
	h := newHarness(t, threeStages, fiveCohorts(), nil)

	first, err := h.pipeline.Run(h.ctx, "RUN1")
	require.NoError(t, err)
	require.Equal(t, CompletedWithFailures, first.State)

	second, err := h.pipeline.Run(h.ctx, "RUN1")
	require.NoError(t, err)
	assert.Equal(t, CompletedWithFailures, second.State)
	assert.NotEqual(t, first.Attempt, second.Attempt)

	require.Len(t, second.Demultiplex, 1)
	assert.True(t, second.Demultiplex[0].Cached)
	assert.Equal(t, first.Demultiplex[0].JobIDs, second.Demultiplex[0].JobIDs)

	for _, name := range []string{"cohort_1", "cohort_2", "cohort_4", "cohort_5"} {
		rec := second.Cohort(name)
		require.NotNil(t, rec)
		assert.True(t, rec.Steps[0].Cached, name)
	}
	again := second.Cohort("cohort_3")
	require.NotNil(t, again)
	assert.False(t, again.Steps[0].Cached, "failures are never reused")

	require.Len(t, second.Aggregate, 1)
	assert.True(t, second.Aggregate[0].Cached)
	if diff := cmp.Diff(first.Aggregate[0].Artifacts, second.Aggregate[0].Artifacts); diff != "" {
		t.Errorf("aggregate artifacts changed (-first +second):\n%s", diff)
	}
}

func TestRun_PanicIsConfinedToItsCohort(t *testing.T) {
	wrap := func(next Submitter) Submitter { return panicking{next: next, cohort: "cohort_3"} }
	h := newHarness(t, threeStages, fiveCohorts(), wrap)

	m, err := h.pipeline.Run(h.ctx, "RUN1")
	require.NoError(t, err)

	assert.Equal(t, CompletedWithFailures, m.State)
	assert.Equal(t, []string{"cohort_3"}, m.FailedCohorts)
	rec := m.Cohort("cohort_3")
	require.NotNil(t, rec.Failure)
	assert.Equal(t, failure.KindPanic, rec.Failure.Kind)
	assert.Contains(t, rec.Failure.Message, "insufficient data")
	assert.Equal(t, CohortSucceeded, m.Cohort("cohort_5").State)
}

type panicking struct {
	next   Submitter
	cohort string
}

func (p panicking) SubmitBlocking(ctx context.Context, spec *job.Spec, expect job.Expectation) (*job.Result, error) {
	if strings.Contains(spec.Attr(job.AttrJobName), "."+p.cohort+".") {
		panic("insufficient data for the statistical step")
	}
	return p.next.SubmitBlocking(ctx, spec, expect)
}

func TestRun_CorruptCacheFailsTheRun(t *testing.T) {
	h := newHarness(t, threeStages, fiveCohorts(), nil)
	_, err := h.pipeline.Run(h.ctx, "RUN1")
	require.NoError(t, err)

	cacheDir := filepath.Join(h.workDir, "RUN1", ".cache")
	err = filepath.WalkDir(cacheDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(path) != ".yaml" {
			return err
		}
		return os.WriteFile(path, []byte("key: [unterminated\n"), 0644)
	})
	require.NoError(t, err)

	m, err := h.pipeline.Run(h.ctx, "RUN1")
	var corrupt *cache.CorruptError
	require.ErrorAs(t, err, &corrupt)
	require.NotNil(t, m)
	assert.Equal(t, Failed, m.State)
	assert.Equal(t, failure.KindInternal, m.Failure.Kind)
}

func TestRun_PartitionedStepMergesOutputs(t *testing.T) {
	src := preamble + `
step "cohort" "tag" {
  tool          = "sh"
  partition_by  = ["flowcell", "library"]
  invariant     = "lanes_match_resources"
  subdirs       = ["tagCounts"]
  concat        = "counts.tsv"
  concat_header = true
  args = [
    "-c",
    "printf 'library\\tfiles\\n%s\\t%s\\n' \"$1\" $(($# - 1)) > counts.tsv; echo ok > tagCounts/$1.cnt",
    "tag",
    partition.key.library,
    partition.inputs,
  ]
}
`
	reads := testutil.WriteFiles(t, map[string]string{
		"FC1_LibA_L1.fastq": "@a1\n",
		"FC1_LibA_L2.fastq": "@a2\n",
		"FC1_LibB_L1.fastq": "@b1\n",
	})
	item := func(id, lib, lane string) partition.WorkItem {
		return partition.WorkItem{
			ID:        id,
			Fields:    map[string]string{"flowcell": "FC1", "library": lib, "lane": lane},
			Resources: []string{filepath.Join(reads, fmt.Sprintf("FC1_%s_L%s.fastq", lib, lane))},
		}
	}
	md := metadata.Static{"RUN2": {{
		Name:  "trio",
		Items: []partition.WorkItem{item("s1", "LibA", "1"), item("s2", "LibA", "2"), item("s3", "LibB", "1")},
	}}}
	h := newHarness(t, src, md, nil)

	m, err := h.pipeline.Run(h.ctx, "RUN2")
	require.NoError(t, err)
	require.Equal(t, Completed, m.State)

	rec := m.Cohort("trio")
	require.Len(t, rec.Steps, 1)
	step := rec.Steps[0]
	assert.Equal(t, 2, step.Partitions)
	assert.Len(t, step.JobIDs, 2)

	ws := filepath.Join(h.workDir, "RUN2", "cohorts", "trio", "tag")
	merged := filepath.Join(ws, "merged")
	assert.Equal(t, merged, step.Workspace)

	target, err := os.Readlink(filepath.Join(merged, "tagCounts", "LibB.cnt"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(partition.Dir(ws, 2), "outputs", "tagCounts", "LibB.cnt"), target)

	counts, err := os.ReadFile(filepath.Join(merged, "counts.tsv"))
	require.NoError(t, err)
	assert.Equal(t, "library\tfiles\nLibA\t2\nLibB\t1\n", string(counts))
	assert.Equal(t, []string{filepath.Join(merged, "counts.tsv")}, step.Artifacts["consolidated"])
}

func TestRun_InvariantViolationFailsOnlyThatCohort(t *testing.T) {
	src := preamble + `
step "cohort" "tag" {
  tool         = "sh"
  partition_by = ["flowcell", "library"]
  invariant    = "lanes_match_resources"
  args         = ["-c", "true"]
}
`
	reads := testutil.WriteFiles(t, map[string]string{"a.fastq": "@a\n", "b.fastq": "@b\n"})
	bad := []partition.WorkItem{
		{ID: "s1", Fields: map[string]string{"flowcell": "FC1", "library": "L", "lane": "1"}, Resources: []string{filepath.Join(reads, "a.fastq")}},
		{ID: "s2", Fields: map[string]string{"flowcell": "FC1", "library": "L", "lane": "2"}, Resources: []string{filepath.Join(reads, "a.fastq")}},
	}
	good := []partition.WorkItem{
		{ID: "s3", Fields: map[string]string{"flowcell": "FC1", "library": "L", "lane": "1"}, Resources: []string{filepath.Join(reads, "b.fastq")}},
	}
	h := newHarness(t, src, metadata.Static{"RUN3": {{Name: "bad", Items: bad}, {Name: "good", Items: good}}}, nil)

	m, err := h.pipeline.Run(h.ctx, "RUN3")
	require.NoError(t, err)
	assert.Equal(t, CompletedWithFailures, m.State)
	assert.Equal(t, []string{"bad"}, m.FailedCohorts)
	assert.Equal(t, failure.KindPartitionInvariant, m.Cohort("bad").Failure.Kind)
	assert.Equal(t, CohortSucceeded, m.Cohort("good").State)
}

func TestRun_UnknownRunHasNoCohorts(t *testing.T) {
	h := newHarness(t, threeStages, metadata.Static{}, nil)

	m, err := h.pipeline.Run(h.ctx, "EMPTY")
	require.NoError(t, err)
	assert.Equal(t, Completed, m.State)
	assert.Empty(t, m.Cohorts)
	assert.Empty(t, m.Aggregate)
}

func TestRun_RejectsBadRunID(t *testing.T) {
	h := newHarness(t, threeStages, fiveCohorts(), nil)
	for _, id := range []string{"", "../escape", "a/b"} {
		_, err := h.pipeline.Run(h.ctx, id)
		assert.Error(t, err, id)
	}
}

func TestRun_CohortsRunConcurrently(t *testing.T) {
	src := preamble + `
step "cohort" "wait" {
  tool = "sh"
  args = ["-c", "sleep", cohort.name]
}
`
	var cohorts []metadata.Cohort
	for i := 1; i <= 4; i++ {
		cohorts = append(cohorts, metadata.Cohort{Name: fmt.Sprintf("c%d", i)})
	}
	fake := testutil.NewFakeBackend("fake", func(*job.Spec) testutil.Outcome {
		return testutil.Outcome{Delay: 200 * time.Millisecond}
	})
	h := newHarnessOn(t, src, metadata.Static{"RUN4": cohorts}, nil, fake)

	m, err := h.pipeline.Run(h.ctx, "RUN4")
	require.NoError(t, err)
	require.Equal(t, Completed, m.State)
	require.Len(t, fake.ExecutionTimes, 4)

	// Every branch started before the first one finished.
	var firstEnd, lastStart time.Time
	for _, rec := range fake.ExecutionTimes {
		if firstEnd.IsZero() || rec.End.Before(firstEnd) {
			firstEnd = rec.End
		}
		if rec.Start.After(lastStart) {
			lastStart = rec.Start
		}
	}
	assert.True(t, lastStart.Before(firstEnd), "cohort branches ran sequentially")
}

func TestRun_CollectRejectAppliesBeforeMin(t *testing.T) {
	stage := func(min int) string {
		return preamble + fmt.Sprintf(`
step "demultiplex" "align" {
  tool = "sh"
  args = ["-c", "echo a > a.bam; echo t > a.tmp.bam"]

  collect "bams" {
    pattern = "*.bam"
    reject  = "*.tmp.bam"
    min     = %d
  }
}
`, min)
	}

	t.Run("rejected files are not collected", func(t *testing.T) {
		h := newHarness(t, stage(1), metadata.Static{}, nil)
		m, err := h.pipeline.Run(h.ctx, "RUN5")
		require.NoError(t, err)
		require.Equal(t, Completed, m.State)

		ws := filepath.Join(h.workDir, "RUN5", "demultiplex", "align")
		require.Len(t, m.Demultiplex, 1)
		assert.Equal(t, []string{filepath.Join(ws, "a.bam")}, m.Demultiplex[0].Artifacts["bams"])
	})

	t.Run("rejected files do not count towards min", func(t *testing.T) {
		h := newHarness(t, stage(2), metadata.Static{}, nil)
		m, err := h.pipeline.Run(h.ctx, "RUN5")
		require.NoError(t, err)
		assert.Equal(t, Failed, m.State)
		require.NotNil(t, m.Failure)
		assert.Equal(t, "align", m.Failure.Step)
	})
}

func TestRun_CohortNameCannotEscapeWorkspace(t *testing.T) {
	src := preamble + `
step "cohort" "touch" {
  tool = "sh"
  args = ["-c", "touch marker"]
}
`
	md := metadata.Static{"RUN6": {{Name: "../escape"}, {Name: "ok"}}}
	h := newHarness(t, src, md, nil)

	m, err := h.pipeline.Run(h.ctx, "RUN6")
	require.NoError(t, err)
	assert.Equal(t, CompletedWithFailures, m.State)
	assert.Equal(t, []string{"../escape"}, m.FailedCohorts)
	assert.Empty(t, m.Cohort("../escape").Steps)

	assert.FileExists(t, filepath.Join(h.workDir, "RUN6", "cohorts", "ok", "touch", "marker"))
	assert.NoDirExists(t, filepath.Join(h.workDir, "RUN6", "escape"))
}
