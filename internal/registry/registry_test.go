package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/cohortflow/internal/backend"
	"github.com/specialistvlad/cohortflow/internal/job"
)

type stubBackend struct{ name string }

func (s stubBackend) Name() string { return s.name }
func (s stubBackend) Submit(context.Context, *job.Spec) (backend.Job, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("bwa", "/opt/bwa", stubBackend{"cluster"}))
	require.NoError(t, r.Register("fastqc", "/opt/fastqc", stubBackend{"local"}))

	t.Run("duplicate", func(t *testing.T) {
		assert.ErrorContains(t, r.Register("bwa", "/x", stubBackend{"cluster"}), "already registered")
	})

	t.Run("missing backend", func(t *testing.T) {
		assert.ErrorContains(t, r.Register("samtools", "/x", nil), "no backend")
	})

	r.Freeze()
	assert.ErrorContains(t, r.Register("late", "/x", stubBackend{"cluster"}), "frozen")

	t.Run("lookup", func(t *testing.T) {
		tool, err := r.Lookup("bwa")
		require.NoError(t, err)
		assert.Equal(t, "cluster", tool.Backend.Name())
		assert.Equal(t, "/opt/bwa", tool.Command)

		_, err = r.Lookup("nope")
		assert.ErrorIs(t, err, ErrUnknownTool)
	})

	t.Run("concurrent lookups", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := r.Lookup("fastqc")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
	})

	assert.Equal(t, []string{"bwa", "fastqc"}, r.Names())
}
