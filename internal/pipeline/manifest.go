package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/specialistvlad/cohortflow/internal/failure"
	"github.com/specialistvlad/cohortflow/internal/job"
)

// RunState is the terminal state of a pipeline run.
type RunState string

const (
	// Completed means every branch succeeded.
	Completed RunState = "completed"
	// CompletedWithFailures means the run finished but some cohorts failed.
	CompletedWithFailures RunState = "completed_with_failures"
	// Failed means the run could not finish, e.g. Stage 1 failed.
	Failed RunState = "failed"
)

// Cohort branch states.
const (
	CohortSucceeded = "succeeded"
	CohortFailed    = "failed"
)

// ManifestName is the manifest's file name inside the run workspace.
const ManifestName = "manifest.yaml"

// Manifest is the durable record of one run attempt. It names exactly which
// branches failed and why.
type Manifest struct {
	RunID         string         `yaml:"run_id"`
	Attempt       string         `yaml:"attempt"`
	StartedAt     time.Time      `yaml:"started_at"`
	FinishedAt    time.Time      `yaml:"finished_at"`
	State         RunState       `yaml:"state"`
	FailedCohorts []string       `yaml:"failed_cohorts,omitempty"`
	Failure       *Failure       `yaml:"failure,omitempty"`
	Demultiplex   []StepRecord   `yaml:"demultiplex,omitempty"`
	Cohorts       []CohortRecord `yaml:"cohorts,omitempty"`
	Aggregate     []StepRecord   `yaml:"aggregate,omitempty"`
}

// Cohort returns the record of the named cohort, or nil.
func (m *Manifest) Cohort(name string) *CohortRecord {
	for i := range m.Cohorts {
		if m.Cohorts[i].Name == name {
			return &m.Cohorts[i]
		}
	}
	return nil
}

// CohortRecord is the outcome of one cohort's Stage 2 branch.
type CohortRecord struct {
	Name    string       `yaml:"name"`
	State   string       `yaml:"state"`
	Steps   []StepRecord `yaml:"steps,omitempty"`
	Failure *Failure     `yaml:"failure,omitempty"`
}

// StepRecord is the outcome of one step in one branch.
type StepRecord struct {
	Name       string              `yaml:"name"`
	Workspace  string              `yaml:"workspace"`
	Partitions int                 `yaml:"partitions,omitempty"`
	Cached     bool                `yaml:"cached,omitempty"`
	JobIDs     []string            `yaml:"job_ids,omitempty"`
	Artifacts  map[string][]string `yaml:"artifacts,omitempty"`
	Failure    *Failure            `yaml:"failure,omitempty"`
}

// Failure is the typed reason a branch failed.
type Failure struct {
	Kind      failure.Kind `yaml:"kind"`
	Step      string       `yaml:"step,omitempty"`
	Partition int          `yaml:"partition,omitempty"`
	ExitCode  int          `yaml:"exit_code,omitempty"`
	Signal    string       `yaml:"signal,omitempty"`
	Message   string       `yaml:"message"`
	Stderr    string       `yaml:"stderr,omitempty"`
}

// StepError is a failed step, tagged with where it ran.
type StepError struct {
	Step      string
	Partition int
	Result    *job.Result
	Err       error
}

func (e *StepError) Error() string {
	if e.Partition > 0 {
		return fmt.Sprintf("step '%s' partition %d: %v", e.Step, e.Partition, e.Err)
	}
	return fmt.Sprintf("step '%s': %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// failureFrom extracts everything the manifest records about err.
func failureFrom(err error) *Failure {
	f := &Failure{Kind: failure.KindOf(err), Message: err.Error()}

	var se *StepError
	if errors.As(err, &se) {
		f.Step = se.Step
		f.Partition = se.Partition
		if se.Result != nil {
			f.Stderr = se.Result.StderrExcerpt
		}
	}
	var ee *failure.ExitError
	if errors.As(err, &ee) {
		f.ExitCode = ee.ExitCode
		if ee.Signal != 0 {
			f.Signal = failure.SignalName(ee.Signal)
		}
		if ee.Stderr != "" {
			f.Stderr = ee.Stderr
		}
	}
	return f
}

// WriteManifest stores m atomically at path.
func WriteManifest(path string, m *Manifest) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+ManifestName+".*")
	if err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest '%s': %w", path, err)
	}
	return &m, nil
}
