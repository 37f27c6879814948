package scaler

import (
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/jmylchreest/scalerd/pkg/slab"
	"github.com/oklog/ulid/v2"
)

type callbackKind uint8

const (
	callbackTaskDone callbackKind = iota + 1
	callbackInputDone
	callbackOutputDone
)

func (k callbackKind) String() string {
	switch k {
	case callbackTaskDone:
		return "task_done"
	case callbackInputDone:
		return "input_buffer_done"
	case callbackOutputDone:
		return "output_buffer_done"
	default:
		return "unknown"
	}
}

// callback is one client notification collected under e.mu and invoked after
// it is released.
type callback struct {
	kind     callbackKind
	session  ulid.ULID
	frameID  uint32
	taskDone func(any, time.Time, bool)
	release  func(any)
	data     any
	at       time.Time
	valid    bool
}

func (e *Engine) run(stop, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		case <-e.wake:
			e.processNext()
		case sig := <-e.signals:
			e.handleSignal(sig)
		case req := <-e.aborts:
			e.handleAbort(req)
		}
	}
}

// processNext starts the head of the pending queue unless a task is already
// running. Tasks the backend rejects are force-completed and the next one is
// tried.
func (e *Engine) processNext() {
	for {
		e.mu.Lock()
		if e.running.Len() > 0 {
			e.mu.Unlock()
			return
		}
		ref, ok := e.pending.Head()
		if !ok {
			e.idle = true
			e.mu.Unlock()
			return
		}

		t, _ := e.tasks.Get(ref)
		s, ok := e.sessions.Get(t.session)
		if !ok {
			e.pending.Dequeue(ref)
			e.tasks.Release(ref)
			e.mu.Unlock()
			e.logger.Error("pending task has no session", slog.String("task", ref.String()))
			continue
		}

		e.pending.Dequeue(ref)
		e.running.Enqueue(ref)
		s.running++

		job := t.job
		job.FrameID = t.frameID
		job.Done = Completion{engine: e, ref: ref}
		sessionID := s.id
		e.mu.Unlock()

		e.logger.Debug("task started",
			slog.String("session_id", sessionID.String()),
			slog.Uint64("frame_id", uint64(job.FrameID)),
		)

		err := e.backend.Scale(s, job)
		if err == nil {
			return
		}

		e.logger.Warn("backend rejected task",
			slog.String("session_id", sessionID.String()),
			slog.Uint64("frame_id", uint64(job.FrameID)),
			slog.String("error", err.Error()),
		)

		e.mu.Lock()
		e.counters.backendRejections++
		if t, ok := e.tasks.Get(ref); ok {
			e.finish(ref, t, s)
		}
		e.mu.Unlock()
		e.flush()
	}
}

func (e *Engine) handleSignal(sig signal) {
	e.mu.Lock()
	t, ok := e.tasks.Get(sig.ref)
	if !ok || !e.running.Contains(sig.ref) {
		e.mu.Unlock()
		e.logger.Debug("dropping stale completion signal", slog.String("task", sig.ref.String()))
		return
	}
	s, ok := e.sessions.Get(t.session)
	if !ok {
		e.mu.Unlock()
		e.logger.Error("running task has no session", slog.String("task", sig.ref.String()))
		return
	}

	switch sig.kind {
	case signalTaskDone:
		if t.status&statusDone != 0 {
			e.mu.Unlock()
			e.logger.Warn("duplicate scaling completed signal",
				slog.String("session_id", s.id.String()),
				slog.Uint64("frame_id", uint64(t.frameID)),
			)
			return
		}
		e.markDone(t, s, sig.valid, sig.at)
		e.releaseInput(t, s)
		e.mu.Unlock()
		e.flush()

	case signalBufferDone:
		e.finish(sig.ref, t, s)
		e.mu.Unlock()
		e.flush()
		e.processNext()
	}
}

func (e *Engine) handleAbort(req abortRequest) {
	e.mu.Lock()
	s, ok := e.sessions.Get(req.ref)
	if !ok {
		e.mu.Unlock()
		req.reply <- abortReply{err: ErrInvalidHandle}
		return
	}

	s.aborting = true
	flushed := e.flushPending(req.ref, s)

	var wait chan struct{}
	if s.running > 0 {
		if s.drained == nil {
			s.drained = make(chan struct{})
		}
		wait = s.drained
	} else {
		s.aborting = false
	}
	sessionID := s.id
	e.mu.Unlock()

	e.logger.Debug("aborting session",
		slog.String("session_id", sessionID.String()),
		slog.Int("flushed", flushed),
		slog.Bool("running", wait != nil),
	)

	var err error
	if wait != nil {
		if aerr := e.backend.Abort(s); aerr != nil {
			err = newBackendError(e.backend, "abort", aerr)
			e.logger.Warn("backend abort failed",
				slog.String("session_id", sessionID.String()),
				slog.String("error", aerr.Error()),
			)
		}
	}

	e.flush()
	req.reply <- abortReply{wait: wait, err: err}
}

// flushPending removes every pending task of the session and releases its
// buffers without a task done callback. Caller holds e.mu.
func (e *Engine) flushPending(sessionRef slab.Ref, s *Session) int {
	n := 0
	ref, ok := e.pending.Head()
	for ok {
		next, hasNext := e.pending.Next(ref)
		t, _ := e.tasks.Get(ref)
		if t.session == sessionRef {
			e.pending.Dequeue(ref)
			t.status |= statusDone
			e.releaseInput(t, s)
			e.releaseOutput(t, s)
			e.tasks.Release(ref)
			n++
		}
		ref, ok = next, hasNext
	}
	return n
}

// finish delivers whatever completions a running task still owes, then
// returns its slot to the pool. Caller holds e.mu.
func (e *Engine) finish(ref slab.Ref, t *task, s *Session) {
	e.running.Dequeue(ref)

	if t.status&statusDone == 0 {
		e.markDone(t, s, false, e.now())
	}
	e.releaseInput(t, s)
	e.releaseOutput(t, s)

	s.running--
	if s.aborting && s.running == 0 {
		s.aborting = false
		if s.drained != nil {
			e.drains = append(e.drains, s.drained)
			s.drained = nil
		}
	}
	e.tasks.Release(ref)
}

func (e *Engine) markDone(t *task, s *Session, valid bool, at time.Time) {
	t.status |= statusDone
	t.valid = valid
	if s.aborting {
		return
	}
	if valid {
		e.counters.picValid++
	} else {
		e.counters.picInvalid++
	}
	e.calls = append(e.calls, callback{
		kind:     callbackTaskDone,
		session:  s.id,
		frameID:  t.frameID,
		taskDone: s.config.TaskDone,
		data:     t.outputUserData,
		at:       at,
		valid:    valid,
	})
}

func (e *Engine) releaseInput(t *task, s *Session) {
	if t.status&statusInputReleased != 0 {
		return
	}
	t.status |= statusInputReleased
	e.counters.inputReleased++
	e.calls = append(e.calls, callback{
		kind:    callbackInputDone,
		session: s.id,
		frameID: t.frameID,
		release: s.config.InputBufferDone,
		data:    t.inputUserData,
	})
}

func (e *Engine) releaseOutput(t *task, s *Session) {
	if t.status&statusOutputReleased != 0 {
		return
	}
	t.status |= statusOutputReleased
	e.counters.outputReleased++
	e.calls = append(e.calls, callback{
		kind:    callbackOutputDone,
		session: s.id,
		frameID: t.frameID,
		release: s.config.OutputBufferDone,
		data:    t.outputUserData,
	})
}

// flush invokes collected callbacks in order, then wakes drained aborts.
// Called on the worker without e.mu held.
func (e *Engine) flush() {
	for i := range e.calls {
		e.invoke(e.calls[i])
		e.calls[i] = callback{}
	}
	e.calls = e.calls[:0]

	for i, ch := range e.drains {
		close(ch)
		e.drains[i] = nil
	}
	e.drains = e.drains[:0]
}

func (e *Engine) invoke(c callback) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("session callback panicked",
				slog.String("callback", c.kind.String()),
				slog.String("session_id", c.session.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	e.logger.Debug("invoking callback",
		slog.String("callback", c.kind.String()),
		slog.String("session_id", c.session.String()),
		slog.Uint64("frame_id", uint64(c.frameID)),
	)

	if c.kind == callbackTaskDone {
		c.taskDone(c.data, c.at, c.valid)
		return
	}
	c.release(c.data)
}
