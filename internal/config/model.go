package config

import (
	"time"

	"github.com/hashicorp/hcl/v2"
)

// Stage is one of the three pipeline stages a step belongs to.
type Stage string

const (
	// StageDemultiplex steps run once per run, before cohorts are known.
	StageDemultiplex Stage = "demultiplex"
	// StageCohort steps run once per cohort, concurrently across cohorts.
	StageCohort Stage = "cohort"
	// StageAggregate steps run once over all succeeded cohorts.
	StageAggregate Stage = "aggregate"
)

// Stages lists the stages in execution order.
var Stages = []Stage{StageDemultiplex, StageCohort, StageAggregate}

// Backend type names.
const (
	BackendLocal = "local"
	BackendSlurm = "slurm"
)

// InvariantLanesMatchResources is the only partition invariant currently known.
const InvariantLanesMatchResources = "lanes_match_resources"

// Model is the unified, format-agnostic representation of a pipeline
// configuration.
type Model struct {
	Backends map[string]*Backend
	Tools    map[string]*Tool
	Run      *Run
	Notify   *Notify
	// Steps holds each stage's steps in declaration order.
	Steps map[Stage][]*Step
}

// NewModel returns an empty model ready to be filled by a loader.
func NewModel() *Model {
	return &Model{
		Backends: make(map[string]*Backend),
		Tools:    make(map[string]*Tool),
		Run:      &Run{LaneField: "lane"},
		Steps:    make(map[Stage][]*Step),
	}
}

// Backend describes where jobs run.
type Backend struct {
	Name         string
	Type         string
	Partition    string
	Account      string
	PollInterval time.Duration
	ExtraArgs    []string
}

// Tool binds a logical tool name to an executable and a backend.
type Tool struct {
	Name    string
	Command string
	Backend string
}

// Run holds run-level settings.
type Run struct {
	// Input is the directory holding raw run folders, exposed as run.input.
	Input string
	// Metadata is the cohort metadata file.
	Metadata string
	// LaneField names the work item field holding the lane, used by
	// lane-based partition invariants.
	LaneField string
}

// Notify configures the optional progress notifier.
type Notify struct {
	URL       string
	Namespace string
}

// Step is the format-agnostic representation of a `step` block. Expressions
// are evaluated per branch, once the branch's workspace is known.
type Step struct {
	Stage Stage
	Name  string
	Tool  string

	// Args evaluates to a list; nested lists are flattened.
	Args hcl.Expression
	// Cwd evaluates to a string; nil means the step workspace.
	Cwd hcl.Expression
	// Attributes evaluates to a map of scheduler attributes.
	Attributes hcl.Expression

	PartitionBy  []string
	Invariant    string
	Subdirs      []string
	Concat       string
	ConcatHeader bool

	Require  map[string]hcl.Expression
	Optional map[string]hcl.Expression
	Collect  map[string]*Collect
}

// Partitioned reports whether the step fans out over partitions.
func (s *Step) Partitioned() bool { return len(s.PartitionBy) > 0 }

// Collect is a glob expectation.
type Collect struct {
	Pattern hcl.Expression
	Reject  string
	Min     int
}
