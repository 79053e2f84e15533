// Package failure classifies terminal, non-successful job outcomes into typed
// errors that carry enough diagnostic text to explain what went wrong.
package failure

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/specialistvlad/cohortflow/internal/job"
)

// Kind is the category of a recorded failure.
type Kind string

const (
	KindSubmission         Kind = "submission"
	KindCanceled           Kind = "canceled"
	KindFailed             Kind = "failed"
	KindUnmetExpectation   Kind = "unmet_expectation"
	KindPartitionInvariant Kind = "partition_invariant"
	KindMergeCollision     Kind = "merge_collision"
	KindPanic              Kind = "panic"
	KindInternal           Kind = "internal"
)

// Kinded is implemented by every typed failure, including those declared in
// other packages.
type Kinded interface {
	error
	FailureKind() Kind
}

// KindOf returns the Kind of the first typed failure in err's chain, or
// KindInternal for untyped errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.FailureKind()
	}
	return KindInternal
}

// signalBase is the offset POSIX shells and batch schedulers add to a signal
// number when reporting a signal-terminated process.
const signalBase = 128

// DecodeExit splits a POSIX exit status into a plain exit code and the signal
// that terminated the process, if any.
func DecodeExit(status int) (int, syscall.Signal) {
	if status > signalBase {
		return status, syscall.Signal(status - signalBase)
	}
	return status, 0
}

// SignalName renders a signal as e.g. "SIGKILL (killed)".
func SignalName(sig syscall.Signal) string {
	name := unix.SignalName(sig)
	if name == "" {
		return fmt.Sprintf("signal %d", int(sig))
	}
	return fmt.Sprintf("%s (%s)", name, sig.String())
}

// SubmissionError means the backend rejected the job before it ran.
type SubmissionError struct {
	Tool    string
	Backend string
	Err     error
}

func (e *SubmissionError) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("submission of tool '%s' failed: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("submission of tool '%s' to backend '%s' failed: %v", e.Tool, e.Backend, e.Err)
}

func (e *SubmissionError) Unwrap() error     { return e.Err }
func (e *SubmissionError) FailureKind() Kind { return KindSubmission }

// CanceledError means the job ended by cancellation. It is never retried.
type CanceledError struct {
	JobID string
	Cause string
}

func (e *CanceledError) Error() string {
	if e.Cause == "" {
		return fmt.Sprintf("job %s was canceled", e.JobID)
	}
	return fmt.Sprintf("job %s was canceled: %s", e.JobID, e.Cause)
}

func (e *CanceledError) FailureKind() Kind { return KindCanceled }

// ExitError means the tool itself reported failure, or was killed by a signal.
type ExitError struct {
	JobID    string
	ExitCode int
	Signal   syscall.Signal
	Message  string
	Stderr   string
}

func (e *ExitError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "job %s failed", e.JobID)
	if e.Signal != 0 {
		fmt.Fprintf(&b, ": terminated by %s", SignalName(e.Signal))
	} else {
		fmt.Fprintf(&b, " with exit code %d", e.ExitCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	return b.String()
}

func (e *ExitError) FailureKind() Kind { return KindFailed }

// UnmetExpectationError means the tool reported success but a required
// artifact is missing. Consumers treat it exactly like ExitError.
type UnmetExpectationError struct {
	Name string
	Path string
}

func (e *UnmetExpectationError) Error() string {
	return fmt.Sprintf("required artifact '%s' not produced (%s)", e.Name, e.Path)
}

func (e *UnmetExpectationError) FailureKind() Kind { return KindUnmetExpectation }

// PanicError records a recovered panic from a pipeline branch.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string     { return fmt.Sprintf("branch panicked: %v", e.Value) }
func (e *PanicError) FailureKind() Kind { return KindPanic }

// Classify turns a terminal state into a typed error. It returns nil for
// Succeeded.
func Classify(jobID string, ts job.TerminalState, stderr string) error {
	switch ts.State {
	case job.Succeeded:
		return nil
	case job.Canceled:
		return &CanceledError{JobID: jobID, Cause: ts.Message}
	default:
		return &ExitError{
			JobID:    jobID,
			ExitCode: ts.ExitCode,
			Signal:   ts.Signal,
			Message:  ts.Message,
			Stderr:   stderr,
		}
	}
}

// FromExit builds a terminal state from a raw exit status.
func FromExit(status int, message string) job.TerminalState {
	if status == 0 {
		return job.TerminalState{State: job.Succeeded, Message: message}
	}
	code, sig := DecodeExit(status)
	return job.TerminalState{State: job.Failed, ExitCode: code, Signal: sig, Message: message}
}
