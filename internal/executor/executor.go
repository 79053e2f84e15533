// Package executor submits job specs to the backend their tool is bound to
// and reports exactly one terminal result per submission, either by blocking
// the caller or through a callback.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/specialistvlad/cohortflow/internal/backend"
	"github.com/specialistvlad/cohortflow/internal/ctxlog"
	"github.com/specialistvlad/cohortflow/internal/failure"
	"github.com/specialistvlad/cohortflow/internal/job"
	"github.com/specialistvlad/cohortflow/internal/registry"
	"github.com/specialistvlad/cohortflow/internal/resolve"
)

// ErrClosed is returned for submissions made after Close.
var ErrClosed = errors.New("executor is closed")

const (
	defaultCallbackWorkers = 4
	defaultCancelTimeout   = 30 * time.Second
	defaultStderrExcerpt   = 4 << 10
)

// Options tune an Executor. Zero values get defaults.
type Options struct {
	// CallbackWorkers is the number of goroutines delivering async callbacks.
	CallbackWorkers int
	// CancelTimeout bounds the backend cancel request issued after the
	// caller's context is done.
	CancelTimeout time.Duration
	// StderrExcerpt is the number of trailing stderr bytes kept in results.
	StderrExcerpt int
}

// Executor is safe for concurrent use.
type Executor struct {
	registry *registry.Registry
	opts     Options

	completions chan completion
	workers     sync.WaitGroup
	inflight    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type completion struct {
	handle     *Handle
	onTerminal func(*job.Result, error)
}

// New creates an executor and starts its callback workers. ctx supplies the
// logger used by the workers.
func New(ctx context.Context, reg *registry.Registry, opts Options) *Executor {
	if opts.CallbackWorkers <= 0 {
		opts.CallbackWorkers = defaultCallbackWorkers
	}
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = defaultCancelTimeout
	}
	if opts.StderrExcerpt <= 0 {
		opts.StderrExcerpt = defaultStderrExcerpt
	}

	e := &Executor{
		registry:    reg,
		opts:        opts,
		completions: make(chan completion),
	}
	for i := 0; i < opts.CallbackWorkers; i++ {
		e.workers.Add(1)
		go e.callbackWorker(ctx, i)
	}
	return e
}

// SubmitBlocking submits spec and blocks until the job is terminal. The
// returned result is always non-nil; the error is non-nil exactly when the
// result is not Succeeded, and is one of the failure package's typed errors.
//
// When ctx is done the backend is asked to cancel the job and the result is
// Canceled.
func (e *Executor) SubmitBlocking(ctx context.Context, spec *job.Spec, expect job.Expectation) (*job.Result, error) {
	return e.submit(ctx, ulid.Make().String(), spec, expect)
}

// SubmitAsync submits spec without blocking. onTerminal is called exactly
// once, after the job is terminal, from one of the executor's callback
// workers and never from the calling goroutine.
//
// Callbacks share a small worker pool; a callback that blocks on another
// async handle can starve delivery.
func (e *Executor) SubmitAsync(ctx context.Context, spec *job.Spec, expect job.Expectation, onTerminal func(*job.Result, error)) *Handle {
	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		id:     ulid.Make().String(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		cancel()
		h.result = &job.Result{JobID: h.id, Terminal: job.TerminalState{State: job.Failed, Message: ErrClosed.Error()}}
		h.err = &failure.SubmissionError{Tool: spec.Tool, Err: ErrClosed}
		go h.finish(onTerminal)
		return h
	}

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer cancel()
		h.result, h.err = e.submit(hctx, h.id, spec, expect)
		e.completions <- completion{handle: h, onTerminal: onTerminal}
	}()
	return h
}

// Close waits for every in-flight async submission and its callback, then
// stops the callback workers. Later SubmitAsync calls fail with ErrClosed.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.inflight.Wait()
	close(e.completions)
	e.workers.Wait()
}

func (e *Executor) callbackWorker(ctx context.Context, workerID int) {
	defer e.workers.Done()
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Callback worker started.", "workerID", workerID)

	for c := range e.completions {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Job callback panicked.", "workerID", workerID, "job_id", c.handle.id, "panic", r)
				}
			}()
			c.handle.finish(c.onTerminal)
		}()
	}
	logger.Debug("Callback worker finished.", "workerID", workerID)
}

func (e *Executor) submit(ctx context.Context, id string, spec *job.Spec, expect job.Expectation) (*job.Result, error) {
	logger := ctxlog.FromContext(ctx).With("job_id", id, "tool", spec.Tool)
	result := &job.Result{JobID: id}

	tool, err := e.registry.Lookup(spec.Tool)
	if err != nil {
		return rejected(result, &failure.SubmissionError{Tool: spec.Tool, Err: err})
	}
	b := tool.Backend
	result.Backend = b.Name()
	logger = logger.With("backend", b.Name())

	for _, p := range []string{spec.StdoutPath, spec.StderrPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return rejected(result, &failure.SubmissionError{Tool: spec.Tool, Backend: b.Name(), Err: err})
		}
	}

	if err := ctx.Err(); err != nil {
		result.Terminal = job.TerminalState{State: job.Canceled, Message: err.Error()}
		return result, failure.Classify(id, result.Terminal, "")
	}

	logger.Info("▶️ Submitting job", "command", spec.Command)
	bj, err := b.Submit(ctx, spec)
	if err != nil && ctx.Err() != nil {
		logger.Warn("Job canceled during submission", "error", err)
		result.Terminal = job.TerminalState{State: job.Canceled, Message: ctx.Err().Error()}
		return result, failure.Classify(id, result.Terminal, "")
	}
	if err != nil {
		logger.Error("❌ Job rejected by backend", "error", err)
		return rejected(result, &failure.SubmissionError{Tool: spec.Tool, Backend: b.Name(), Err: err})
	}
	logger = logger.With("backend_id", bj.ID())
	logger.Debug("Job accepted by backend.")

	exit, waitErr := bj.Wait(ctx)
	switch {
	case waitErr != nil && ctx.Err() != nil:
		e.cancelJob(ctx, bj)
		result.Terminal = job.TerminalState{State: job.Canceled, Message: ctx.Err().Error()}
	case waitErr != nil:
		result.Terminal = job.TerminalState{State: job.Failed, ExitCode: -1, Message: fmt.Sprintf("lost track of job: %v", waitErr)}
	case exit.Canceled:
		code, sig := failure.DecodeExit(exit.Code)
		result.Terminal = job.TerminalState{State: job.Canceled, ExitCode: code, Signal: sig, Message: exit.Message}
	default:
		result.Terminal = failure.FromExit(exit.Code, exit.Message)
	}

	result.StderrExcerpt = tail(spec.StderrPath, e.opts.StderrExcerpt)

	artifacts, rerr := resolve.Resolve(expect, result.Terminal)
	result.Artifacts = artifacts
	if rerr != nil && result.Terminal.State == job.Succeeded {
		result.Terminal = job.TerminalState{State: job.Failed, Message: rerr.Error()}
		logger.Error("❌ Job succeeded but did not meet its expectation", "error", rerr)
		return result, rerr
	}

	err = failure.Classify(id, result.Terminal, result.StderrExcerpt)
	if err != nil {
		logger.Error("❌ Job finished unsuccessfully", "state", result.Terminal.State.String(), "error", err)
		return result, err
	}
	logger.Info("✅ Job succeeded", "artifacts", len(artifacts))
	return result, nil
}

// cancelJob asks the backend to stop a job whose caller has gone away. The
// caller's context is already done, so a detached one is used.
func (e *Executor) cancelJob(ctx context.Context, bj backend.Job) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.CancelTimeout)
	defer cancel()
	if err := bj.Cancel(cctx); err != nil {
		ctxlog.FromContext(ctx).Warn("Failed to cancel backend job.", "backend_id", bj.ID(), "error", err)
	}
}

func rejected(result *job.Result, err *failure.SubmissionError) (*job.Result, error) {
	result.Terminal = job.TerminalState{State: job.Failed, Message: err.Error()}
	return result, err
}

// tail returns up to n trailing bytes of a file, or "" if it cannot be read.
func tail(path string, n int) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - int64(n)
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return string(b)
}
