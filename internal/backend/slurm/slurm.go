// Package slurm submits jobs to a Slurm cluster through sbatch and observes
// them through sacct.
package slurm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/specialistvlad/cohortflow/internal/backend"
	"github.com/specialistvlad/cohortflow/internal/ctxlog"
	"github.com/specialistvlad/cohortflow/internal/job"
)

// DefaultPollInterval caps the delay between two sacct queries.
const DefaultPollInterval = 15 * time.Second

// Commander runs a scheduler client command and returns its stdout.
type Commander interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecCommander runs commands on the local host.
type ExecCommander struct{}

// Run implements Commander.
func (ExecCommander) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Options configure a Slurm backend.
type Options struct {
	Partition    string
	Account      string
	PollInterval time.Duration
	ExtraArgs    []string
	Commander    Commander
}

// Backend is a Slurm batch backend.
type Backend struct {
	name string
	opts Options
}

// New creates a Slurm backend. Zero-valued options get defaults.
func New(name string, opts Options) *Backend {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Commander == nil {
		opts.Commander = ExecCommander{}
	}
	return &Backend{name: name, opts: opts}
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return b.name }

// Submit runs sbatch and returns a handle for the new job id.
func (b *Backend) Submit(ctx context.Context, spec *job.Spec) (backend.Job, error) {
	args := b.sbatchArgs(spec)
	out, err := b.opts.Commander.Run(ctx, "sbatch", args...)
	if err != nil {
		return nil, err
	}
	id, err := parseJobID(out)
	if err != nil {
		return nil, err
	}
	ctxlog.FromContext(ctx).Debug("Slurm job submitted.", "backend", b.name, "slurm_id", id)
	return &slurmJob{id: id, b: b}, nil
}

func (b *Backend) sbatchArgs(spec *job.Spec) []string {
	args := []string{
		"--parsable",
		"--output=" + spec.StdoutPath,
		"--error=" + spec.StderrPath,
	}
	if spec.Cwd != "" {
		args = append(args, "--chdir="+spec.Cwd)
	}

	partition := b.opts.Partition
	if p := spec.Attr(job.AttrPartition); p != "" {
		partition = p
	}
	if partition != "" {
		args = append(args, "--partition="+partition)
	}
	account := b.opts.Account
	if a := spec.Attr(job.AttrAccount); a != "" {
		account = a
	}
	if account != "" {
		args = append(args, "--account="+account)
	}

	flags := map[string]string{
		job.AttrJobName:   "--job-name=",
		job.AttrComment:   "--comment=",
		job.AttrTimeLimit: "--time=",
		job.AttrMemory:    "--mem=",
		job.AttrCPUs:      "--cpus-per-task=",
	}
	for _, key := range spec.Attributes.Keys() {
		if flag, ok := flags[key]; ok {
			args = append(args, flag+spec.Attributes[key])
		}
	}

	args = append(args, b.opts.ExtraArgs...)
	args = append(args, "--wrap="+shellJoin(spec.Argv()))
	return args
}

func parseJobID(out []byte) (string, error) {
	line := strings.TrimSpace(string(out))
	// --parsable prints "jobid" or "jobid;cluster".
	id, _, _ := strings.Cut(line, ";")
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return "", fmt.Errorf("unexpected sbatch output %q", line)
	}
	return id, nil
}

type slurmJob struct {
	id string
	b  *Backend
}

func (j *slurmJob) ID() string { return j.id }

var errNotTerminal = errors.New("job not terminal yet")

// Wait polls sacct with exponential backoff capped at the poll interval.
func (j *slurmJob) Wait(ctx context.Context) (backend.Exit, error) {
	logger := ctxlog.FromContext(ctx).With("slurm_id", j.id)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = min(time.Second, j.b.opts.PollInterval)
	bo.MaxInterval = j.b.opts.PollInterval
	bo.MaxElapsedTime = 0

	var exit backend.Exit
	op := func() error {
		out, err := j.b.opts.Commander.Run(ctx, "sacct", "-n", "-P", "-X", "-j", j.id, "-o", "State,ExitCode")
		if err != nil {
			return err
		}
		e, terminal, err := parseAccounting(out)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !terminal {
			return errNotTerminal
		}
		exit = e
		return nil
	}
	notify := func(err error, next time.Duration) {
		if !errors.Is(err, errNotTerminal) {
			logger.Warn("sacct query failed, will retry.", "error", err, "next", next)
		}
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backend.Exit{}, ctxErr
		}
		return backend.Exit{}, fmt.Errorf("polling slurm job %s: %w", j.id, err)
	}
	return exit, nil
}

// Cancel runs scancel.
func (j *slurmJob) Cancel(ctx context.Context) error {
	_, err := j.b.opts.Commander.Run(ctx, "scancel", j.id)
	return err
}

var pendingStates = map[string]bool{
	"PENDING":     true,
	"RUNNING":     true,
	"REQUEUED":    true,
	"RESIZING":    true,
	"SUSPENDED":   true,
	"COMPLETING":  true,
	"CONFIGURING": true,
	"STAGE_OUT":   true,
	"SIGNALING":   true,
}

// parseAccounting reads the first "State|ExitCode" line of sacct output.
// Empty output means the job is not yet known to accounting.
func parseAccounting(out []byte) (backend.Exit, bool, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	if line == "" {
		return backend.Exit{}, false, nil
	}
	stateField, exitField, ok := strings.Cut(line, "|")
	if !ok {
		return backend.Exit{}, false, fmt.Errorf("unexpected sacct output %q", line)
	}
	// "CANCELLED by 1234" -> "CANCELLED"
	state, _, _ := strings.Cut(strings.TrimSpace(stateField), " ")
	state = strings.TrimSuffix(state, "+")
	if pendingStates[state] {
		return backend.Exit{}, false, nil
	}

	code, sig, err := parseExitCode(exitField)
	if err != nil {
		return backend.Exit{}, false, err
	}
	status := code
	if sig > 0 {
		status = 128 + sig
	}

	switch state {
	case "COMPLETED":
		return backend.Exit{Code: status}, true, nil
	case "CANCELLED":
		return backend.Exit{Code: status, Canceled: true, Message: state}, true, nil
	default:
		if status == 0 {
			status = 1
		}
		return backend.Exit{Code: status, Message: state}, true, nil
	}
}

func parseExitCode(field string) (int, int, error) {
	c, s, ok := strings.Cut(strings.TrimSpace(field), ":")
	if !ok {
		return 0, 0, fmt.Errorf("unexpected exit code field %q", field)
	}
	code, err := strconv.Atoi(c)
	if err != nil {
		return 0, 0, fmt.Errorf("unexpected exit code field %q: %w", field, err)
	}
	sig, err := strconv.Atoi(s)
	if err != nil {
		return 0, 0, fmt.Errorf("unexpected exit code field %q: %w", field, err)
	}
	return code, sig, nil
}

// shellJoin quotes argv for sbatch --wrap, which runs it through /bin/sh.
func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
