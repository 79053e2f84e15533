package testutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/specialistvlad/cohortflow/internal/backend"
	"github.com/specialistvlad/cohortflow/internal/job"
)

// Outcome scripts how a FakeBackend job behaves.
type Outcome struct {
	// Reject makes Submit fail with this error.
	Reject error
	// SubmitBlock makes Submit wait for its context, like a scheduler
	// client killed mid-request, and fail with the context's error.
	SubmitBlock bool
	// Exit is reported once Delay has elapsed.
	Exit  backend.Exit
	Delay time.Duration
	// Block keeps the job running until it is canceled.
	Block bool
	// Files are created (with their path as content) before the job reports.
	Files  []string
	Stderr string
}

// FakeBackend is a shared, self-contained backend for executor tests. It
// records the execution time of each job it runs.
type FakeBackend struct {
	BackendName string
	// Script decides each job's outcome from its spec.
	Script func(spec *job.Spec) Outcome

	ExecutionTimes map[string]*ExecutionRecord
	mu             sync.Mutex

	submitted atomic.Int64
	canceled  atomic.Int64
	nextID    atomic.Int64
}

// NewFakeBackend creates a fake backend with the given script.
func NewFakeBackend(name string, script func(spec *job.Spec) Outcome) *FakeBackend {
	return &FakeBackend{
		BackendName:    name,
		Script:         script,
		ExecutionTimes: make(map[string]*ExecutionRecord),
	}
}

// Name implements backend.Backend.
func (f *FakeBackend) Name() string { return f.BackendName }

// Submitted returns how many jobs were accepted.
func (f *FakeBackend) Submitted() int64 { return f.submitted.Load() }

// Canceled returns how many jobs received a cancel request.
func (f *FakeBackend) Canceled() int64 { return f.canceled.Load() }

// Submit implements backend.Backend.
func (f *FakeBackend) Submit(ctx context.Context, spec *job.Spec) (backend.Job, error) {
	out := f.Script(spec)
	if out.Reject != nil {
		return nil, out.Reject
	}
	if out.SubmitBlock {
		<-ctx.Done()
		return nil, fmt.Errorf("submission interrupted: %w", ctx.Err())
	}
	f.submitted.Add(1)
	return &fakeJob{
		id:      strconv.FormatInt(f.nextID.Add(1), 10),
		spec:    spec,
		outcome: out,
		owner:   f,
		cancel:  make(chan struct{}),
	}, nil
}

type fakeJob struct {
	id      string
	spec    *job.Spec
	outcome Outcome
	owner   *FakeBackend

	cancelOnce sync.Once
	cancel     chan struct{}
}

func (j *fakeJob) ID() string { return j.id }

func (j *fakeJob) Wait(ctx context.Context) (backend.Exit, error) {
	start := time.Now()
	defer func() {
		j.owner.mu.Lock()
		j.owner.ExecutionTimes[j.spec.Attr(job.AttrJobName)+"#"+j.id] = &ExecutionRecord{Start: start, End: time.Now()}
		j.owner.mu.Unlock()
	}()

	if err := os.WriteFile(j.spec.StderrPath, []byte(j.outcome.Stderr), 0644); err != nil {
		return backend.Exit{}, err
	}
	if err := os.WriteFile(j.spec.StdoutPath, nil, 0644); err != nil {
		return backend.Exit{}, err
	}

	var timer <-chan time.Time
	if !j.outcome.Block {
		timer = time.After(j.outcome.Delay)
	}
	select {
	case <-ctx.Done():
		return backend.Exit{}, ctx.Err()
	case <-j.cancel:
		return backend.Exit{Code: 143, Canceled: true}, nil
	case <-timer:
	}

	for _, p := range j.outcome.Files {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return backend.Exit{}, err
		}
		if err := os.WriteFile(p, []byte(p), 0644); err != nil {
			return backend.Exit{}, err
		}
	}
	return j.outcome.Exit, nil
}

func (j *fakeJob) Cancel(context.Context) error {
	j.cancelOnce.Do(func() {
		j.owner.canceled.Add(1)
		close(j.cancel)
	})
	return nil
}

// ErrRejected is a convenience rejection for scripts.
var ErrRejected = errors.New("rejected by fake scheduler")
