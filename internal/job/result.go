package job

import (
	"sort"
	"syscall"
)

// State is the terminal outcome of a submitted job.
type State int

const (
	Succeeded State = iota
	Canceled
	Failed
)

func (s State) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Canceled:
		return "canceled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// TerminalState is the single, final observation of a job. Signal is zero
// unless the process was terminated by one.
type TerminalState struct {
	State    State
	ExitCode int
	Signal   syscall.Signal
	Message  string
}

// Artifacts maps an artifact name to the files resolved for it.
type Artifacts map[string][]string

// Names returns artifact names in sorted order.
func (a Artifacts) Names() []string {
	names := make([]string, 0, len(a))
	for n := range a {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Files returns every resolved path across all artifacts, sorted.
func (a Artifacts) Files() []string {
	var files []string
	for _, fs := range a {
		files = append(files, fs...)
	}
	sort.Strings(files)
	return files
}

// Result is what the executor hands back once a job is terminal. The caller
// owns it; the executor keeps no reference.
type Result struct {
	JobID         string
	Backend       string
	Terminal      TerminalState
	Artifacts     Artifacts
	StderrExcerpt string
	// Cached is true when the result was replayed from the run cache.
	Cached bool
}

// Succeeded reports whether the job finished successfully and met its expectation.
func (r *Result) Succeeded() bool {
	return r != nil && r.Terminal.State == Succeeded
}
