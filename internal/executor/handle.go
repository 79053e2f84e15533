package executor

import (
	"context"
	"sync"

	"github.com/specialistvlad/cohortflow/internal/job"
)

// Handle tracks one asynchronous submission.
type Handle struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	// result and err are written once before done is closed.
	result *job.Result
	err    error
	once   sync.Once
}

// ID is the executor-assigned job id.
func (h *Handle) ID() string { return h.id }

// Cancel requests cancellation. The job still reaches exactly one terminal
// state and the callback still fires once.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed once the job is terminal.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job is terminal or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*job.Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) finish(onTerminal func(*job.Result, error)) {
	h.once.Do(func() {
		close(h.done)
		if onTerminal != nil {
			onTerminal(h.result, h.err)
		}
	})
}
