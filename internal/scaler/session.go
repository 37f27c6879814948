package scaler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmylchreest/scalerd/pkg/slab"
	"github.com/oklog/ulid/v2"
)

// SessionConfig holds the client callbacks and backend parameters of a
// session. All three callbacks are required. They run on the engine worker
// and must not call Abort or Close on the same engine.
type SessionConfig struct {
	// TaskDone receives the output user data, the completion time and
	// whether the output content is valid.
	TaskDone func(outputUserData any, at time.Time, contentValid bool)

	// InputBufferDone is called once the input buffer may be reused.
	InputBufferDone func(inputUserData any)

	// OutputBufferDone is called once the output buffer may be reused.
	OutputBufferDone func(outputUserData any)

	// Params carries backend specific settings.
	Params map[string]string
}

// Validate checks that every callback is set.
func (c SessionConfig) Validate() error {
	var errs []error
	if c.TaskDone == nil {
		errs = append(errs, errors.New("task done callback is required"))
	}
	if c.InputBufferDone == nil {
		errs = append(errs, errors.New("input buffer done callback is required"))
	}
	if c.OutputBufferDone == nil {
		errs = append(errs, errors.New("output buffer done callback is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, errors.Join(errs...))
	}
	return nil
}

// Session is one open client context on an engine. Backends receive it in
// every call. Its fields are owned by the engine.
type Session struct {
	id     ulid.ULID
	config SessionConfig
	hwCtx  any

	aborting bool
	closing  bool
	drained  chan struct{}

	lastFrameID uint32
	running     int
}

// ID returns the session identifier.
func (s *Session) ID() ulid.ULID {
	return s.id
}

// Param returns a backend parameter, or "" if unset.
func (s *Session) Param(key string) string {
	return s.config.Params[key]
}

// Params returns the backend parameters.
func (s *Session) Params() map[string]string {
	return s.config.Params
}

// HWContext returns the value the backend returned from Open.
func (s *Session) HWContext() any {
	return s.hwCtx
}

// Handle is a client reference to an open session.
type Handle struct {
	engine *Engine
	device *Device
	ref    slab.Ref
	id     ulid.ULID
}

// ID returns the session identifier, or the zero ULID for the zero Handle.
func (h Handle) ID() ulid.ULID {
	return h.id
}

// Engine returns the engine the session belongs to.
func (h Handle) Engine() *Engine {
	return h.engine
}

// Dispatch queues a scaling task on the session.
func (h Handle) Dispatch(desc TaskDescriptor) error {
	if h.engine == nil {
		return ErrInvalidHandle
	}
	return h.engine.Dispatch(h, desc)
}

// Abort drains every task of the session.
func (h Handle) Abort(ctx context.Context) error {
	if h.engine == nil {
		return ErrInvalidHandle
	}
	return h.engine.Abort(ctx, h)
}

// Close aborts the session and releases it. Handles opened through a Device
// also drop their device reference.
func (h Handle) Close(ctx context.Context) error {
	if h.engine == nil {
		return ErrInvalidHandle
	}
	if h.device != nil {
		return h.device.close(ctx, h)
	}
	return h.engine.Close(ctx, h)
}
