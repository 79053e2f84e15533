package failure

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/cohortflow/internal/job"
)

func TestDecodeExit(t *testing.T) {
	tests := []struct {
		status   int
		wantCode int
		wantSig  syscall.Signal
	}{
		{0, 0, 0},
		{1, 1, 0},
		{128, 128, 0},
		{137, 137, syscall.SIGKILL},
		{143, 143, syscall.SIGTERM},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			code, sig := DecodeExit(tt.status)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantSig, sig)
		})
	}
}

func TestSignalName(t *testing.T) {
	assert.Equal(t, "SIGKILL (killed)", SignalName(syscall.SIGKILL))
}

func TestClassify(t *testing.T) {
	t.Run("success is nil", func(t *testing.T) {
		assert.NoError(t, Classify("j1", job.TerminalState{State: job.Succeeded}, ""))
	})

	t.Run("cancel", func(t *testing.T) {
		err := Classify("j1", job.TerminalState{State: job.Canceled, Message: "deadline"}, "")
		var ce *CanceledError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, KindCanceled, KindOf(err))
		assert.Contains(t, err.Error(), "deadline")
	})

	t.Run("signal is named", func(t *testing.T) {
		err := Classify("j1", FromExit(137, ""), "oom")
		var ee *ExitError
		require.ErrorAs(t, err, &ee)
		assert.Equal(t, syscall.SIGKILL, ee.Signal)
		assert.Equal(t, "oom", ee.Stderr)
		assert.Contains(t, err.Error(), "SIGKILL (killed)")
	})

	t.Run("plain exit code", func(t *testing.T) {
		err := Classify("j1", FromExit(2, ""), "")
		assert.Contains(t, err.Error(), "exit code 2")
		assert.Equal(t, KindFailed, KindOf(err))
	})
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))

	wrapped := fmt.Errorf("step align: %w", &UnmetExpectationError{Name: "bam", Path: "/x.bam"})
	assert.Equal(t, KindUnmetExpectation, KindOf(wrapped))

	sub := &SubmissionError{Tool: "bwa", Err: errors.New("rejected")}
	assert.Equal(t, KindSubmission, KindOf(sub))
	assert.ErrorContains(t, sub, "rejected")
}
