package pipeline

import (
	"sync"
	"sync/atomic"
)

// Status tracks the progress of the current run. It is safe for concurrent
// use and cheap to read while the run is in flight.
type Status struct {
	mu    sync.RWMutex
	runID string
	stage string

	jobsSucceeded    atomic.Int64
	jobsFailed       atomic.Int64
	jobsCached       atomic.Int64
	cohortsTotal     atomic.Int64
	cohortsSucceeded atomic.Int64
	cohortsFailed    atomic.Int64
}

// Snapshot is a point-in-time copy of Status, shaped for JSON.
type Snapshot struct {
	RunID   string `json:"run_id"`
	Stage   string `json:"stage"`
	Jobs    Counts `json:"jobs"`
	Cohorts Counts `json:"cohorts"`
}

// Counts groups outcome counters.
type Counts struct {
	Total     int64 `json:"total,omitempty"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Cached    int64 `json:"cached,omitempty"`
}

func (s *Status) setStage(runID, stage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID, s.stage = runID, stage
}

func (s *Status) reset() {
	s.jobsSucceeded.Store(0)
	s.jobsFailed.Store(0)
	s.jobsCached.Store(0)
	s.cohortsTotal.Store(0)
	s.cohortsSucceeded.Store(0)
	s.cohortsFailed.Store(0)
}

// Snapshot returns the current counters.
func (s *Status) Snapshot() Snapshot {
	s.mu.RLock()
	runID, stage := s.runID, s.stage
	s.mu.RUnlock()
	return Snapshot{
		RunID: runID,
		Stage: stage,
		Jobs: Counts{
			Succeeded: s.jobsSucceeded.Load(),
			Failed:    s.jobsFailed.Load(),
			Cached:    s.jobsCached.Load(),
		},
		Cohorts: Counts{
			Total:     s.cohortsTotal.Load(),
			Succeeded: s.cohortsSucceeded.Load(),
			Failed:    s.cohortsFailed.Load(),
		},
	}
}
