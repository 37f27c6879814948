// Package scalertest provides a scriptable scaler backend for tests.
package scalertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jmylchreest/scalerd/internal/scaler"
)

// ErrRejected is returned by Scale for jobs selected by RejectNext.
var ErrRejected = errors.New("scalertest: job rejected")

// Backend is a fake scaler backend. In automatic mode every job completes
// inside Scale. In manual mode jobs stay outstanding until the test calls
// Finish, Complete or Release.
type Backend struct {
	name   string
	caps   scaler.Capabilities
	manual bool
	valid  bool

	started chan scaler.Job

	mu              sync.Mutex
	rejectNext      int
	openErr         error
	closeErr        error
	abortErr        error
	completeOnAbort bool
	outstanding     []scaler.Job
	maxOutstanding  int
	frames          []uint32
	opened          int
	closed          int
	aborts          int
}

// Option configures a Backend.
type Option func(*Backend)

// WithManual keeps jobs outstanding until released by the test.
func WithManual() Option {
	return func(b *Backend) {
		b.manual = true
	}
}

// WithName sets the backend name.
func WithName(name string) Option {
	return func(b *Backend) {
		b.name = name
	}
}

// WithCapabilities sets the reported capabilities.
func WithCapabilities(caps scaler.Capabilities) Option {
	return func(b *Backend) {
		b.caps = caps
	}
}

// WithInvalidContent makes automatic completions report invalid content.
func WithInvalidContent() Option {
	return func(b *Backend) {
		b.valid = false
	}
}

// WithCompleteOnAbort releases every outstanding job when Abort is called.
func WithCompleteOnAbort() Option {
	return func(b *Backend) {
		b.completeOnAbort = true
	}
}

// New creates a fake backend in automatic mode.
func New(opts ...Option) *Backend {
	b := &Backend{
		name:    "fake",
		caps:    scaler.CapResize | scaler.CapCrop,
		valid:   true,
		started: make(chan scaler.Job, 1024),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements scaler.Backend.
func (b *Backend) Name() string {
	return b.name
}

// Capabilities implements scaler.Backend.
func (b *Backend) Capabilities() scaler.Capabilities {
	return b.caps
}

// Open implements scaler.Backend.
func (b *Backend) Open(s *scaler.Session) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openErr != nil {
		return nil, b.openErr
	}
	b.opened++
	return fmt.Sprintf("ctx-%s", s.ID()), nil
}

// Close implements scaler.Backend.
func (b *Backend) Close(_ *scaler.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed++
	return b.closeErr
}

// Scale implements scaler.Backend.
func (b *Backend) Scale(_ *scaler.Session, job scaler.Job) error {
	b.mu.Lock()
	if b.rejectNext > 0 {
		b.rejectNext--
		b.mu.Unlock()
		return ErrRejected
	}
	b.frames = append(b.frames, job.FrameID)
	b.outstanding = append(b.outstanding, job)
	if len(b.outstanding) > b.maxOutstanding {
		b.maxOutstanding = len(b.outstanding)
	}
	manual, valid := b.manual, b.valid
	b.mu.Unlock()

	if manual {
		b.started <- job
		return nil
	}
	b.Finish(job, valid)
	return nil
}

// Abort implements scaler.Backend.
func (b *Backend) Abort(_ *scaler.Session) error {
	b.mu.Lock()
	b.aborts++
	var flush []scaler.Job
	if b.completeOnAbort {
		flush = append(flush, b.outstanding...)
	}
	err := b.abortErr
	b.mu.Unlock()

	for _, job := range flush {
		b.Release(job)
	}
	return err
}

// Next waits for the next job started in manual mode.
func (b *Backend) Next(ctx context.Context) (scaler.Job, error) {
	select {
	case job := <-b.started:
		return job, nil
	case <-ctx.Done():
		return scaler.Job{}, ctx.Err()
	}
}

// Finish completes a job and releases its buffers.
func (b *Backend) Finish(job scaler.Job, valid bool) {
	b.Complete(job, valid)
	b.Release(job)
}

// Complete signals scaling completion without releasing buffers.
func (b *Backend) Complete(job scaler.Job, valid bool) {
	job.Done.ScalingCompleted(valid)
}

// Release releases the buffers of a job.
func (b *Backend) Release(job scaler.Job) {
	b.mu.Lock()
	for i, j := range b.outstanding {
		if j.Done == job.Done {
			b.outstanding = append(b.outstanding[:i], b.outstanding[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	job.Done.BufferReleased()
}

// RejectNext makes the next n Scale calls fail.
func (b *Backend) RejectNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectNext = n
}

// SetOpenError makes Open fail with err. Nil restores success.
func (b *Backend) SetOpenError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openErr = err
}

// SetCloseError makes Close return err.
func (b *Backend) SetCloseError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeErr = err
}

// SetAbortError makes Abort return err.
func (b *Backend) SetAbortError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.abortErr = err
}

// Frames returns the frame ids of accepted jobs in start order.
func (b *Backend) Frames() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint32(nil), b.frames...)
}

// Outstanding returns the number of accepted jobs not yet released.
func (b *Backend) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.outstanding)
}

// MaxOutstanding returns the highest number of jobs outstanding at once.
func (b *Backend) MaxOutstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxOutstanding
}

// Opened returns the number of successful Open calls.
func (b *Backend) Opened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened
}

// Closed returns the number of Close calls.
func (b *Backend) Closed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Aborts returns the number of Abort calls.
func (b *Backend) Aborts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aborts
}
