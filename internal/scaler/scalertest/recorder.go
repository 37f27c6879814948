package scalertest

import (
	"context"
	"sync"
	"time"

	"github.com/jmylchreest/scalerd/internal/scaler"
)

// Callback event kinds.
const (
	EventTaskDone   = "task_done"
	EventInputDone  = "input_buffer_done"
	EventOutputDone = "output_buffer_done"
)

// Event is one recorded session callback.
type Event struct {
	Kind  string
	Data  any
	Valid bool
	At    time.Time
}

// Recorder captures session callbacks in invocation order.
type Recorder struct {
	mu      sync.Mutex
	events  []Event
	changed chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{changed: make(chan struct{})}
}

// Config returns a session config whose callbacks record into r.
func (r *Recorder) Config() scaler.SessionConfig {
	return scaler.SessionConfig{
		TaskDone: func(data any, at time.Time, valid bool) {
			r.record(Event{Kind: EventTaskDone, Data: data, Valid: valid, At: at})
		},
		InputBufferDone: func(data any) {
			r.record(Event{Kind: EventInputDone, Data: data})
		},
		OutputBufferDone: func(data any) {
			r.record(Event{Kind: EventOutputDone, Data: data})
		},
	}
}

func (r *Recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)
	close(r.changed)
	r.changed = make(chan struct{})
}

// Events returns a copy of every recorded event.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns the number of events of the given kind.
func (r *Recorder) Count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count(kind)
}

func (r *Recorder) count(kind string) int {
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// Data returns the user data of events of the given kind, in order.
func (r *Recorder) Data(kind string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()

	var data []any
	for _, ev := range r.events {
		if ev.Kind == kind {
			data = append(data, ev.Data)
		}
	}
	return data
}

// Kinds returns the kinds of events carrying data, in order.
func (r *Recorder) Kinds(data any) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var kinds []string
	for _, ev := range r.events {
		if ev.Data == data {
			kinds = append(kinds, ev.Kind)
		}
	}
	return kinds
}

// Wait blocks until at least n events of kind have been recorded.
func (r *Recorder) Wait(ctx context.Context, kind string, n int) error {
	for {
		r.mu.Lock()
		if r.count(kind) >= n {
			r.mu.Unlock()
			return nil
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
