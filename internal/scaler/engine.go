// Package scaler schedules scaling tasks from many client sessions onto one
// shared scaling resource per engine.
//
// Each Engine owns a fixed pool of task slots, a pending and a running queue,
// and one worker goroutine. At most one task runs against the backend at a
// time. All client callbacks are invoked on the worker goroutine.
package scaler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/scalerd/internal/observability"
	"github.com/jmylchreest/scalerd/pkg/slab"
	"github.com/oklog/ulid/v2"
)

const (
	kindSession slab.Kind = iota + 1
	kindTask
)

// Default engine sizing.
const (
	DefaultPoolCapacity = 128
	DefaultMaxSessions  = 32
)

// Options configures an Engine.
type Options struct {
	// PoolCapacity is the number of task slots. Defaults to DefaultPoolCapacity.
	PoolCapacity int
	// MaxSessions bounds the number of open sessions. Defaults to DefaultMaxSessions.
	MaxSessions int
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Clock stamps task completions. Defaults to time.Now.
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PoolCapacity <= 0 {
		o.PoolCapacity = DefaultPoolCapacity
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = DefaultMaxSessions
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Engine serializes scaling tasks onto one backend.
type Engine struct {
	id      int
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions *slab.Arena[Session]
	sessionQ *slab.Queue[Session]
	tasks    *slab.Arena[task]
	pending  *slab.Queue[task]
	running  *slab.Queue[task]
	// idle is set while no wake-up is outstanding and nothing runs.
	idle     bool
	counters counters
	stop     chan struct{}
	done     chan struct{}

	wake    chan struct{}
	signals chan signal
	aborts  chan abortRequest

	// Owned by the worker goroutine.
	calls  []callback
	drains []chan struct{}
}

// NewEngine creates a stopped engine. Call Start before opening sessions.
func NewEngine(id int, backend Backend, opts Options) *Engine {
	opts = opts.withDefaults()

	sessions := slab.NewArena[Session](kindSession, opts.MaxSessions)
	tasks := slab.NewArena[task](kindTask, opts.PoolCapacity)

	logger := observability.WithEngine(
		observability.WithComponent(opts.Logger, "scaler"), id, backend.Name())

	return &Engine{
		id:       id,
		backend:  backend,
		logger:   logger,
		now:      opts.Clock,
		sessions: sessions,
		sessionQ: slab.NewQueue(kindSession, sessions),
		tasks:    tasks,
		pending:  slab.NewQueue(kindTask, tasks),
		running:  slab.NewQueue(kindTask, tasks),
		idle:     true,
		wake:     make(chan struct{}, 1),
		// Each task slot emits at most two signals.
		signals: make(chan signal, 2*opts.PoolCapacity+8),
		aborts:  make(chan abortRequest),
		calls:   make([]callback, 0, 16),
	}
}

// ID returns the engine identifier.
func (e *Engine) ID() int {
	return e.id
}

// Backend returns the engine backend.
func (e *Engine) Backend() Backend {
	return e.backend
}

// Capabilities returns the backend capability bits.
func (e *Engine) Capabilities() Capabilities {
	return e.backend.Capabilities()
}

// Running reports whether the worker goroutine is running.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done != nil
}

// Start launches the worker goroutine. It is a no-op if already running.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done != nil {
		return
	}
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	go e.run(e.stop, e.done)

	if e.running.Len() == 0 {
		e.idle = e.pending.Len() == 0
		if !e.idle {
			e.kick()
		}
	}
	e.logger.Info("engine started",
		slog.Int("pool_capacity", e.tasks.Cap()),
		slog.Int("max_sessions", e.sessions.Cap()),
	)
}

// Stop terminates the worker goroutine and waits for it to exit. Queued tasks
// stay queued and backend completions stay buffered until the next Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	stop, done := e.stop, e.done
	e.stop, e.done = nil, nil
	e.mu.Unlock()

	if done == nil {
		return
	}
	close(stop)
	<-done
	e.logger.Info("engine stopped")
}

// Open creates a session.
func (e *Engine) Open(cfg SessionConfig) (Handle, error) {
	if err := cfg.Validate(); err != nil {
		return Handle{}, err
	}

	e.mu.Lock()
	if e.done == nil {
		e.mu.Unlock()
		return Handle{}, fmt.Errorf("%w: engine %d is not running", ErrInternal, e.id)
	}
	ref, s, ok := e.sessions.Acquire()
	if !ok {
		e.mu.Unlock()
		return Handle{}, fmt.Errorf("%w: session table full (%d sessions)", ErrNoMemory, e.sessions.Cap())
	}
	s.id = ulid.Make()
	s.config = cfg
	e.mu.Unlock()

	hwCtx, err := e.backend.Open(s)

	e.mu.Lock()
	if err != nil {
		e.sessions.Release(ref)
		e.mu.Unlock()
		return Handle{}, fmt.Errorf("open session: %w", newBackendError(e.backend, "open", err))
	}
	s.hwCtx = hwCtx
	if !e.sessionQ.Enqueue(ref) {
		e.mu.Unlock()
		e.logger.Error("session queue rejected new session", slog.String("session_id", s.id.String()))
		if cerr := e.backend.Close(s); cerr != nil {
			e.logger.Warn("closing rejected session failed", slog.String("error", cerr.Error()))
		}
		e.mu.Lock()
		e.sessions.Release(ref)
		e.mu.Unlock()
		return Handle{}, fmt.Errorf("%w: enqueue session", ErrInternal)
	}
	h := Handle{engine: e, ref: ref, id: s.id}
	e.mu.Unlock()

	e.logger.Debug("session opened", slog.String("session_id", h.id.String()))
	return h, nil
}

// Close aborts the session, removes it and closes its backend context.
// A second Close on the same handle returns ErrInvalidHandle.
func (e *Engine) Close(ctx context.Context, h Handle) error {
	e.mu.Lock()
	s, err := e.session(h)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	s.closing = true
	e.mu.Unlock()

	drained, abortErr := e.abort(ctx, h.ref)
	if !drained {
		e.mu.Lock()
		if s, ok := e.sessions.Get(h.ref); ok {
			s.closing = false
		}
		e.mu.Unlock()
		return fmt.Errorf("close session: %w", abortErr)
	}

	e.mu.Lock()
	if !e.sessionQ.Dequeue(h.ref) {
		e.mu.Unlock()
		e.logger.Error("closing session missing from session queue", slog.String("session_id", h.id.String()))
		return fmt.Errorf("%w: session %s not queued", ErrInternal, h.id)
	}
	e.mu.Unlock()

	closeErr := e.backend.Close(s)

	e.mu.Lock()
	e.sessions.Release(h.ref)
	e.mu.Unlock()

	e.logger.Debug("session closed", slog.String("session_id", h.id.String()))

	if abortErr != nil {
		return fmt.Errorf("close session: %w", abortErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close session: %w", newBackendError(e.backend, "close", closeErr))
	}
	return nil
}

// Dispatch queues one task. It returns ErrBusy when no task slot is free,
// ErrAborting while the session drains an abort, and ErrInvalidArgument when
// the descriptor geometry is rejected. Backend failures are not reported here.
func (e *Engine) Dispatch(h Handle, desc TaskDescriptor) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.session(h)
	if err != nil {
		return err
	}
	if s.aborting {
		return fmt.Errorf("%w: session %s", ErrAborting, h.id)
	}

	ref, t, ok := e.tasks.Acquire()
	if !ok {
		e.counters.busyRejections++
		e.logger.Warn("task pool exhausted",
			slog.String("session_id", h.id.String()),
			slog.Int("capacity", e.tasks.Cap()),
		)
		return fmt.Errorf("%w: task pool exhausted", ErrBusy)
	}

	job, err := prepare(desc)
	if err != nil {
		e.tasks.Release(ref)
		return err
	}

	t.session = h.ref
	t.frameID = s.lastFrameID
	t.job = job
	t.inputUserData = desc.InputUserData
	t.outputUserData = desc.OutputUserData
	s.lastFrameID++

	if !e.pending.Enqueue(ref) {
		e.tasks.Release(ref)
		e.logger.Error("pending queue rejected task", slog.String("task", ref.String()))
		return fmt.Errorf("%w: enqueue task", ErrInternal)
	}
	e.counters.picQueued++

	e.logger.Debug("task queued",
		slog.String("session_id", h.id.String()),
		slog.Uint64("frame_id", uint64(t.frameID)),
		slog.Int("pending", e.pending.Len()),
	)

	if e.idle {
		e.idle = false
		e.kick()
	}
	return nil
}

// Abort drains every pending and running task of the session. It returns
// once the backend has released every running task of the session, or when
// ctx ends with ErrInterrupted. The session stays usable afterwards.
func (e *Engine) Abort(ctx context.Context, h Handle) error {
	e.mu.Lock()
	_, err := e.session(h)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	_, err = e.abort(ctx, h.ref)
	return err
}

type abortRequest struct {
	ref   slab.Ref
	reply chan abortReply
}

type abortReply struct {
	// wait is closed once the session has no running task. Nil when the
	// session was already drained.
	wait <-chan struct{}
	err  error
}

// abort reports whether the session was fully drained, along with the first
// error encountered.
func (e *Engine) abort(ctx context.Context, ref slab.Ref) (bool, error) {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return false, fmt.Errorf("%w: engine %d is not running", ErrInternal, e.id)
	}

	req := abortRequest{ref: ref, reply: make(chan abortReply, 1)}
	select {
	case e.aborts <- req:
	case <-ctx.Done():
		return false, fmt.Errorf("%w: abort: %w", ErrInterrupted, ctx.Err())
	case <-done:
		return false, fmt.Errorf("%w: engine %d stopped", ErrInternal, e.id)
	}

	var reply abortReply
	select {
	case reply = <-req.reply:
	case <-ctx.Done():
		return false, fmt.Errorf("%w: abort: %w", ErrInterrupted, ctx.Err())
	case <-done:
		return false, fmt.Errorf("%w: engine %d stopped", ErrInternal, e.id)
	}

	if errors.Is(reply.err, ErrInvalidHandle) {
		return false, reply.err
	}
	if reply.wait == nil {
		return true, reply.err
	}

	select {
	case <-reply.wait:
		return true, reply.err
	case <-ctx.Done():
		return false, firstError(reply.err, fmt.Errorf("%w: waiting for drain: %w", ErrInterrupted, ctx.Err()))
	case <-done:
		return false, firstError(reply.err, fmt.Errorf("%w: engine %d stopped", ErrInternal, e.id))
	}
}

// session resolves h. Caller holds e.mu.
func (e *Engine) session(h Handle) (*Session, error) {
	if h.engine != e {
		return nil, ErrInvalidHandle
	}
	s, ok := e.sessions.Get(h.ref)
	if !ok || s.id != h.id || s.closing {
		return nil, ErrInvalidHandle
	}
	return s, nil
}

// isOpen reports whether h still addresses a live session slot.
func (e *Engine) isOpen(h Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions.Get(h.ref)
	return ok && s.id == h.id
}

// kick wakes the worker. Caller holds e.mu.
func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// post hands a completion signal to the worker. Signals posted while the
// engine is stopped stay buffered and are handled after the next Start.
func (e *Engine) post(sig signal) {
	select {
	case e.signals <- sig:
	default:
		e.logger.Error("signal queue full, dropping completion signal", slog.String("task", sig.ref.String()))
	}
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
