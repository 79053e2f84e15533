package notify

import (
	"context"
	"sync"
)

// Recorder keeps every event in memory. It is used by tests and by the
// status endpoint's event counters.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Fanout forwards every event to each notifier in turn.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, ev Event) {
	for _, n := range f {
		n.Notify(ctx, ev)
	}
}

func (f Fanout) Close() error {
	var first error
	for _, n := range f {
		if err := n.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
