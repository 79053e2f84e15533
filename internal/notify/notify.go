// Package notify publishes pipeline progress events to an external
// dashboard. Notification is best effort: a failure to publish is logged
// and never affects the run.
package notify

import (
	"context"
	"time"
)

// Event names.
const (
	EventJobTerminal    = "job.terminal"
	EventCohortTerminal = "cohort.terminal"
	EventRunTerminal    = "run.terminal"
)

// Event is one progress update.
type Event struct {
	Name      string    `json:"event"`
	RunID     string    `json:"run_id"`
	Cohort    string    `json:"cohort,omitempty"`
	Step      string    `json:"step,omitempty"`
	Partition int       `json:"partition,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	State     string    `json:"state"`
	Kind      string    `json:"kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	Cached    bool      `json:"cached,omitempty"`
	Time      time.Time `json:"time"`
}

// Notifier is safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
func (Nop) Close() error                  { return nil }
