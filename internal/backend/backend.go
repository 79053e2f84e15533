// Package backend defines the contract between the executor and a concrete
// batch system.
//
// A Backend accepts a job.Spec and returns a Job handle. The handle is the
// only way to observe the job: Wait blocks until the batch system reports a
// terminal state and Cancel asks the batch system to stop the job. Concrete
// implementations live in the local and slurm subpackages.
package backend

import (
	"context"

	"github.com/specialistvlad/cohortflow/internal/job"
)

// Backend submits jobs to one batch system.
type Backend interface {
	// Name is the configured backend identifier, e.g. "cluster".
	Name() string
	// Submit hands the job to the batch system. An error means the job was
	// rejected before it ran.
	Submit(ctx context.Context, spec *job.Spec) (Job, error)
}

// Job is a submitted unit of work.
type Job interface {
	ID() string
	// Wait blocks until the job is terminal or ctx is done. When ctx is done
	// Wait returns ctx.Err() and the job may still be running.
	Wait(ctx context.Context) (Exit, error)
	// Cancel requests that the batch system stop the job.
	Cancel(ctx context.Context) error
}

// Exit is the raw terminal report of a batch system.
type Exit struct {
	// Code is a POSIX exit status; values above 128 mean signal termination.
	Code int
	// Canceled is set when the batch system reports the job as canceled.
	Canceled bool
	// Message is free-form context from the batch system, e.g. "TIMEOUT".
	Message string
}
