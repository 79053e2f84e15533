// Package local runs jobs as child processes of cohortflow itself. It is the
// backend used for small tools that do not need the cluster, and in tests.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/specialistvlad/cohortflow/internal/backend"
	"github.com/specialistvlad/cohortflow/internal/ctxlog"
	"github.com/specialistvlad/cohortflow/internal/job"
)

// Backend launches each job in its own process group.
type Backend struct {
	name string
}

// New creates a local backend with the given configured name.
func New(name string) *Backend {
	return &Backend{name: name}
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return b.name }

// Submit starts the process. Failure to start (missing executable, bad cwd)
// is a submission error.
func (b *Backend) Submit(ctx context.Context, spec *job.Spec) (backend.Job, error) {
	logger := ctxlog.FromContext(ctx).With("backend", b.name, "tool", spec.Tool)

	stdout, err := os.Create(spec.StdoutPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout file: %w", err)
	}
	stderr, err := os.Create(spec.StderrPath)
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr file: %w", err)
	}

	// The process outlives the submitting context; cancellation goes through Cancel.
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start '%s': %w", spec.Command, err)
	}

	j := &process{
		cmd:  cmd,
		id:   strconv.Itoa(cmd.Process.Pid),
		done: make(chan struct{}),
	}
	go func() {
		defer close(j.done)
		j.waitErr = cmd.Wait()
		stdout.Close()
		stderr.Close()
	}()

	logger.Debug("Local process started.", "pid", j.id)
	return j, nil
}

type process struct {
	cmd  *exec.Cmd
	id   string
	done chan struct{}

	waitErr    error
	cancelOnce sync.Once
	canceled   bool
	mu         sync.Mutex
}

func (p *process) ID() string { return p.id }

func (p *process) Wait(ctx context.Context) (backend.Exit, error) {
	select {
	case <-ctx.Done():
		return backend.Exit{}, ctx.Err()
	case <-p.done:
	}

	p.mu.Lock()
	canceled := p.canceled
	p.mu.Unlock()

	exit := backend.Exit{Canceled: canceled}
	if p.waitErr == nil {
		return exit, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(p.waitErr, &exitErr) {
		return backend.Exit{}, fmt.Errorf("waiting for process %s: %w", p.id, p.waitErr)
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		exit.Code = 128 + int(status.Signal())
		return exit, nil
	}
	exit.Code = exitErr.ExitCode()
	return exit, nil
}

// Cancel sends SIGTERM to the whole process group.
func (p *process) Cancel(ctx context.Context) error {
	var err error
	p.cancelOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		p.mu.Lock()
		p.canceled = true
		p.mu.Unlock()
		err = unix.Kill(-p.cmd.Process.Pid, unix.SIGTERM)
		if errors.Is(err, unix.ESRCH) {
			err = nil
		}
	})
	return err
}
