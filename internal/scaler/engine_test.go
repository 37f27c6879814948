package scaler_test

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jmylchreest/scalerd/internal/scaler"
	"github.com/jmylchreest/scalerd/internal/scaler/scalertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T, backend scaler.Backend, opts scaler.Options) *scaler.Engine {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	e := scaler.NewEngine(0, backend, opts)
	e.Start()
	t.Cleanup(e.Stop)
	return e
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}

func desc(in, out any) scaler.TaskDescriptor {
	return scaler.TaskDescriptor{
		Input:          scaler.InputBuffer{Width: 64, Height: 48},
		Output:         scaler.OutputBuffer{Width: 32, Height: 24},
		InputUserData:  in,
		OutputUserData: out,
	}
}

func TestEngineOpen(t *testing.T) {
	t.Run("requires callbacks", func(t *testing.T) {
		e := newEngine(t, scalertest.New(), scaler.Options{})

		_, err := e.Open(scaler.SessionConfig{})
		assert.ErrorIs(t, err, scaler.ErrInvalidArgument)

		cfg := scalertest.NewRecorder().Config()
		cfg.OutputBufferDone = nil
		_, err = e.Open(cfg)
		assert.ErrorIs(t, err, scaler.ErrInvalidArgument)
	})

	t.Run("assigns id and backend context", func(t *testing.T) {
		be := scalertest.New()
		e := newEngine(t, be, scaler.Options{})

		h, err := e.Open(scalertest.NewRecorder().Config())
		require.NoError(t, err)

		assert.NotZero(t, h.ID())
		assert.Same(t, e, h.Engine())
		assert.Equal(t, 1, be.Opened())
		assert.Equal(t, 1, e.Stats().Sessions)
	})

	t.Run("session table full", func(t *testing.T) {
		e := newEngine(t, scalertest.New(), scaler.Options{MaxSessions: 2})
		rec := scalertest.NewRecorder()

		for i := 0; i < 2; i++ {
			_, err := e.Open(rec.Config())
			require.NoError(t, err)
		}
		_, err := e.Open(rec.Config())
		assert.ErrorIs(t, err, scaler.ErrNoMemory)
	})

	t.Run("backend failure does not enqueue", func(t *testing.T) {
		be := scalertest.New()
		be.SetOpenError(errors.New("no hardware"))
		e := newEngine(t, be, scaler.Options{MaxSessions: 1})

		_, err := e.Open(scalertest.NewRecorder().Config())
		var berr *scaler.BackendError
		require.ErrorAs(t, err, &berr)
		assert.Equal(t, "open", berr.Op)
		assert.Equal(t, 0, e.Stats().Sessions)

		// slot was returned
		be.SetOpenError(nil)
		_, err = e.Open(scalertest.NewRecorder().Config())
		assert.NoError(t, err)
	})

	t.Run("stopped engine rejects open", func(t *testing.T) {
		e := scaler.NewEngine(0, scalertest.New(), scaler.Options{Logger: testLogger()})

		_, err := e.Open(scalertest.NewRecorder().Config())
		assert.ErrorIs(t, err, scaler.ErrInternal)
	})
}

func TestEngineDispatch(t *testing.T) {
	t.Run("task done follows dispatch order", func(t *testing.T) {
		be := scalertest.New()
		e := newEngine(t, be, scaler.Options{})
		rec := scalertest.NewRecorder()
		h, err := e.Open(rec.Config())
		require.NoError(t, err)

		for _, n := range []string{"1", "2", "3"} {
			require.NoError(t, h.Dispatch(desc("in-"+n, "out-"+n)))
		}
		require.NoError(t, rec.Wait(waitCtx(t), scalertest.EventOutputDone, 3))

		assert.Equal(t, []any{"out-1", "out-2", "out-3"}, rec.Data(scalertest.EventTaskDone))
		assert.Equal(t, []any{"in-1", "in-2", "in-3"}, rec.Data(scalertest.EventInputDone))
		assert.Equal(t, []uint32{0, 1, 2}, be.Frames())
		assert.Equal(t, 1, be.MaxOutstanding())

		for _, ev := range rec.Events() {
			if ev.Kind == scalertest.EventTaskDone {
				assert.True(t, ev.Valid)
			}
		}
	})

	t.Run("callback order per task", func(t *testing.T) {
		e := newEngine(t, scalertest.New(), scaler.Options{})
		rec := scalertest.NewRecorder()
		h, err := e.Open(rec.Config())
		require.NoError(t, err)

		require.NoError(t, h.Dispatch(desc("in", "out")))
		require.NoError(t, rec.Wait(waitCtx(t), scalertest.EventOutputDone, 1))

		kinds := make([]string, 0, 3)
		for _, ev := range rec.Events() {
			kinds = append(kinds, ev.Kind)
		}
		assert.Equal(t, []string{
			scalertest.EventTaskDone,
			scalertest.EventInputDone,
			scalertest.EventOutputDone,
		}, kinds)
	})

	t.Run("busy when pool exhausted", func(t *testing.T) {
		const capacity = 4
		be := scalertest.New(scalertest.WithManual())
		e := newEngine(t, be, scaler.Options{PoolCapacity: capacity})
		rec := scalertest.NewRecorder()
		h, err := e.Open(rec.Config())
		require.NoError(t, err)

		for i := 0; i < capacity; i++ {
			require.NoError(t, h.Dispatch(desc(i, i)))
		}
		err = h.Dispatch(desc("extra", "extra"))
		assert.ErrorIs(t, err, scaler.ErrBusy)

		stats := e.Stats()
		assert.Equal(t, uint64(capacity), stats.PicQueued)
		assert.Equal(t, uint64(1), stats.BusyRejections)
		assert.Equal(t, 0, stats.FreeTasks)
		assert.Equal(t, capacity, stats.Pending+stats.Running)

		// draining frees slots again
		ctx := waitCtx(t)
		for i := 0; i < capacity; i++ {
			job, err := be.Next(ctx)
			require.NoError(t, err)
			be.Finish(job, true)
		}
		require.NoError(t, rec.Wait(ctx, scalertest.EventOutputDone, capacity))
		assert.Eventually(t, func() bool { return e.Stats().FreeTasks == capacity }, waitTimeout, time.Millisecond)
		assert.NoError(t, h.Dispatch(desc("again", "again")))
	})

	t.Run("rejects invalid geometry", func(t *testing.T) {
		e := newEngine(t, scalertest.New(), scaler.Options{PoolCapacity: 2})
		h, err := e.Open(scalertest.NewRecorder().Config())
		require.NoError(t, err)

		d := desc("in", "out")
		d.InputCrop = image.Rect(100, 100, 120, 120)
		assert.ErrorIs(t, h.Dispatch(d), scaler.ErrInvalidArgument)

		d = desc("in", "out")
		d.Output = scaler.OutputBuffer{}
		assert.ErrorIs(t, h.Dispatch(d), scaler.ErrInvalidArgument)

		stats := e.Stats()
		assert.Equal(t, 2, stats.FreeTasks)
		assert.Equal(t, uint64(0), stats.PicQueued)
	})

	t.Run("clamps partial crop", func(t *testing.T) {
		be := scalertest.New(scalertest.WithManual())
		e := newEngine(t, be, scaler.Options{})
		h, err := e.Open(scalertest.NewRecorder().Config())
		require.NoError(t, err)

		d := desc("in", "out")
		d.InputCrop = image.Rect(32, 24, 100, 100)
		require.NoError(t, h.Dispatch(d))

		job, err := be.Next(waitCtx(t))
		require.NoError(t, err)
		assert.Equal(t, image.Rect(32, 24, 64, 48), job.InputCrop)
		assert.Equal(t, image.Rect(0, 0, 32, 24), job.OutputActive)
		assert.Equal(t, scaler.Size{Width: 64, Height: 48}, job.InputSize)
		be.Finish(job, true)
	})

	t.Run("backend reject force completes and continues", func(t *testing.T) {
		be := scalertest.New()
		be.RejectNext(1)
		e := newEngine(t, be, scaler.Options{})
		rec := scalertest.NewRecorder()
		h, err := e.Open(rec.Config())
		require.NoError(t, err)

		require.NoError(t, h.Dispatch(desc("in-1", "out-1")))
		require.NoError(t, h.Dispatch(desc("in-2", "out-2")))
		require.NoError(t, rec.Wait(waitCtx(t), scalertest.EventOutputDone, 2))

		events := rec.Events()
		require.Len(t, events, 6)
		assert.Equal(t, scalertest.Event{Kind: scalertest.EventTaskDone, Data: "out-1", Valid: false, At: events[0].At}, events[0])
		assert.Equal(t, []string{
			scalertest.EventTaskDone, scalertest.EventOutputDone,
		}, rec.Kinds("out-1"))
		assert.Equal(t, []string{scalertest.EventInputDone}, rec.Kinds("in-1"))
		assert.True(t, events[3].Valid)

		stats := e.Stats()
		assert.Equal(t, uint64(1), stats.BackendRejections)
		assert.Equal(t, uint64(1), stats.PicTreatedInvalid)
		assert.Equal(t, uint64(1), stats.PicTreatedValid)
	})

	t.Run("invalid content reported", func(t *testing.T) {
		e := newEngine(t, scalertest.New(scalertest.WithInvalidContent()), scaler.Options{})
		rec := scalertest.NewRecorder()
		h, err := e.Open(rec.Config())
		require.NoError(t, err)

		require.NoError(t, h.Dispatch(desc("in", "out")))
		require.NoError(t, rec.Wait(waitCtx(t), scalertest.EventTaskDone, 1))
		assert.False(t, rec.Events()[0].Valid)
	})

	t.Run("closed handle rejected", func(t *testing.T) {
		e := newEngine(t, scalertest.New(), scaler.Options{})
		h, err := e.Open(scalertest.NewRecorder().Config())
		require.NoError(t, err)
		require.NoError(t, h.Close(waitCtx(t)))

		assert.ErrorIs(t, h.Dispatch(desc("in", "out")), scaler.ErrInvalidHandle)
		assert.ErrorIs(t, scaler.Handle{}.Dispatch(desc("in", "out")), scaler.ErrInvalidHandle)
	})
}

func TestEngineSingleFlight(t *testing.T) {
	be := scalertest.New(scalertest.WithManual())
	e := newEngine(t, be, scaler.Options{})

	recA, recB := scalertest.NewRecorder(), scalertest.NewRecorder()
	a, err := e.Open(recA.Config())
	require.NoError(t, err)
	b, err := e.Open(recB.Config())
	require.NoError(t, err)

	require.NoError(t, a.Dispatch(desc("a1", "a1")))
	require.NoError(t, b.Dispatch(desc("b1", "b1")))
	require.NoError(t, a.Dispatch(desc("a2", "a2")))

	ctx := waitCtx(t)
	for i := 0; i < 3; i++ {
		job, err := be.Next(ctx)
		require.NoError(t, err)

		assert.Equal(t, 1, e.Stats().Running)
		assert.Equal(t, 1, be.Outstanding())

		be.Finish(job, true)
	}

	require.NoError(t, recA.Wait(ctx, scalertest.EventOutputDone, 2))
	require.NoError(t, recB.Wait(ctx, scalertest.EventOutputDone, 1))
	assert.Equal(t, []any{"a1", "a2"}, recA.Data(scalertest.EventTaskDone))
	assert.Equal(t, 1, be.MaxOutstanding())
}

func TestEngineCompletionSignals(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	setup := func(t *testing.T) (*scalertest.Backend, *scalertest.Recorder, scaler.Job) {
		t.Helper()
		be := scalertest.New(scalertest.WithManual())
		e := newEngine(t, be, scaler.Options{Clock: func() time.Time { return fixed }})
		rec := scalertest.NewRecorder()
		h, err := e.Open(rec.Config())
		require.NoError(t, err)
		require.NoError(t, h.Dispatch(desc("in", "out")))
		job, err := be.Next(waitCtx(t))
		require.NoError(t, err)
		return be, rec, job
	}

	t.Run("completion before release", func(t *testing.T) {
		be, rec, job := setup(t)

		be.Complete(job, true)
		require.NoError(t, rec.Wait(waitCtx(t), scalertest.EventInputDone, 1))
		assert.Equal(t, 0, rec.Count(scalertest.EventOutputDone))

		be.Release(job)
		require.NoError(t, rec.Wait(waitCtx(t), scalertest.EventOutputDone, 1))

		events := rec.Events()
		require.Len(t, events, 3)
		assert.True(t, events[0].Valid)
		assert.Equal(t, fixed, events[0].At)
	})

	t.Run("release before completion synthesizes task done", func(t *testing.T) {
		be, rec, job := setup(t)

		be.Release(job)
		require.NoError(t, rec.Wait(waitCtx(t), scalertest.EventOutputDone, 1))

		// late completion for a released task is dropped
		be.Complete(job, true)

		kinds := make([]string, 0, 3)
		for _, ev := range rec.Events() {
			kinds = append(kinds, ev.Kind)
		}
		assert.Equal(t, []string{
			scalertest.EventTaskDone,
			scalertest.EventInputDone,
			scalertest.EventOutputDone,
		}, kinds)
		assert.False(t, rec.Events()[0].Valid)
		assert.Never(t, func() bool { return len(rec.Events()) > 3 }, 50*time.Millisecond, 5*time.Millisecond)
	})

	t.Run("duplicate signals ignored", func(t *testing.T) {
		be, rec, job := setup(t)

		be.Complete(job, true)
		be.Complete(job, false)
		be.Release(job)
		be.Release(job)
		require.NoError(t, rec.Wait(waitCtx(t), scalertest.EventOutputDone, 1))

		assert.Never(t, func() bool { return len(rec.Events()) > 3 }, 50*time.Millisecond, 5*time.Millisecond)
		assert.Equal(t, 1, rec.Count(scalertest.EventTaskDone))
		assert.True(t, rec.Events()[0].Valid)
	})
}

func TestEngineRestart(t *testing.T) {
	t.Run("completion while stopped is handled after start", func(t *testing.T) {
		be := scalertest.New(scalertest.WithManual())
		e := newEngine(t, be, scaler.Options{PoolCapacity: 4})
		rec := scalertest.NewRecorder()
		h, err := e.Open(rec.Config())
		require.NoError(t, err)

		require.NoError(t, h.Dispatch(desc("in-1", "out-1")))
		job, err := be.Next(waitCtx(t))
		require.NoError(t, err)

		e.Stop()
		be.Finish(job, true)
		assert.Equal(t, 0, rec.Count(scalertest.EventOutputDone))

		e.Start()
		require.NoError(t, rec.Wait(waitCtx(t), scalertest.EventOutputDone, 1))

		other := scalertest.NewRecorder()
		h2, err := e.Open(other.Config())
		require.NoError(t, err)
		require.NoError(t, h2.Dispatch(desc("in-2", "out-2")))

		job, err = be.Next(waitCtx(t))
		require.NoError(t, err)
		be.Finish(job, true)
		require.NoError(t, other.Wait(waitCtx(t), scalertest.EventOutputDone, 1))

		assert.Equal(t, []any{"out-1"}, rec.Data(scalertest.EventTaskDone))
		stats := e.Stats()
		assert.Zero(t, stats.Running)
		assert.Zero(t, stats.Pending)
		assert.Equal(t, uint64(2), stats.OutputBufReleased)
	})

	t.Run("pending tasks start after restart", func(t *testing.T) {
		be := scalertest.New(scalertest.WithManual())
		e := newEngine(t, be, scaler.Options{})
		rec := scalertest.NewRecorder()
		h, err := e.Open(rec.Config())
		require.NoError(t, err)

		require.NoError(t, h.Dispatch(desc("in-1", "out-1")))
		require.NoError(t, h.Dispatch(desc("in-2", "out-2")))
		job, err := be.Next(waitCtx(t))
		require.NoError(t, err)

		e.Stop()
		be.Finish(job, true)
		e.Start()

		job, err = be.Next(waitCtx(t))
		require.NoError(t, err)
		be.Finish(job, true)
		require.NoError(t, rec.Wait(waitCtx(t), scalertest.EventOutputDone, 2))
		assert.Equal(t, []any{"out-1", "out-2"}, rec.Data(scalertest.EventTaskDone))
	})
}

func TestEngineAbort(t *testing.T) {
	t.Run("blocks until running task released", func(t *testing.T) {
		be := scalertest.New(scalertest.WithManual())
		e := newEngine(t, be, scaler.Options{})
		rec := scalertest.NewRecorder()
		h, err := e.Open(rec.Config())
		require.NoError(t, err)

		require.NoError(t, h.Dispatch(desc("in-1", "out-1")))
		job, err := be.Next(waitCtx(t))
		require.NoError(t, err)

		errCh := make(chan error, 1)
		go func() { errCh <- h.Abort(context.Background()) }()

		require.Eventually(t, func() bool { return be.Aborts() == 1 }, waitTimeout, time.Millisecond)
		select {
		case err := <-errCh:
			t.Fatalf("abort returned before drain: %v", err)
		case <-time.After(20 * time.Millisecond):
		}

		be.Finish(job, true)

		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(waitTimeout):
			t.Fatal("abort did not return after drain")
		}

		assert.Equal(t, []string{scalertest.EventInputDone}, rec.Kinds("in-1"))
		assert.Equal(t, []string{scalertest.EventOutputDone}, rec.Kinds("out-1"))
		assert.Equal(t, 0, rec.Count(scalertest.EventTaskDone))

		stats := e.Stats()
		assert.Zero(t, stats.PicTreatedValid)
		assert.Zero(t, stats.PicTreatedInvalid)
	})

	t.Run("flushes pending tasks", func(t *testing.T) {
		be := scalertest.New(scalertest.WithManual(), scalertest.WithCompleteOnAbort())
		e := newEngine(t, be, scaler.Options{})
		rec := scalertest.NewRecorder()
		h, err := e.Open(rec.Config())
		require.NoError(t, err)

		for _, n := range []string{"1", "2", "3"} {
			require.NoError(t, h.Dispatch(desc("in-"+n, "out-"+n)))
		}
		_, err = be.Next(waitCtx(t))
		require.NoError(t, err)

		require.NoError(t, h.Abort(waitCtx(t)))

		assert.Equal(t, 3, rec.Count(scalertest.EventInputDone))
		assert.Equal(t, 3, rec.Count(scalertest.EventOutputDone))
		assert.Equal(t, 0, rec.Count(scalertest.EventTaskDone))
		assert.Equal(t, 1, be.Aborts())
		assert.Equal(t, []uint32{0}, be.Frames())

		stats := e.Stats()
		assert.Equal(t, 0, stats.Pending)
		assert.Equal(t, 0, stats.Running)
		assert.Equal(t, stats.Capacity, stats.FreeTasks)
		assert.Zero(t, stats.PicTreatedValid)
		assert.Zero(t, stats.PicTreatedInvalid)
		assert.Equal(t, uint64(3), stats.InputBufReleased)
		assert.Equal(t, uint64(3), stats.OutputBufReleased)
	})

	t.Run("session usable after abort", func(t *testing.T) {
		be := scalertest.New(scalertest.WithManual(), scalertest.WithCompleteOnAbort())
		e := newEngine(t, be, scaler.Options{})
		rec := scalertest.NewRecorder()
		h, err := e.Open(rec.Config())
		require.NoError(t, err)

		require.NoError(t, h.Dispatch(desc("in-1", "out-1")))
		_, err = be.Next(waitCtx(t))
		require.NoError(t, err)
		require.NoError(t, h.Abort(waitCtx(t)))

		require.NoError(t, h.Dispatch(desc("in-2", "out-2")))
		job, err := be.Next(waitCtx(t))
		require.NoError(t, err)
		assert.Equal(t, uint32(1), job.FrameID)
		be.Finish(job, true)

		require.NoError(t, rec.Wait(waitCtx(t), scalertest.EventTaskDone, 1))
		assert.Equal(t, []any{"out-2"}, rec.Data(scalertest.EventTaskDone))
	})

	t.Run("idle session skips backend abort", func(t *testing.T) {
		be := scalertest.New()
		e := newEngine(t, be, scaler.Options{})
		h, err := e.Open(scalertest.NewRecorder().Config())
		require.NoError(t, err)

		require.NoError(t, h.Abort(waitCtx(t)))
		assert.Equal(t, 0, be.Aborts())
	})

	t.Run("only drains own session", func(t *testing.T) {
		be := scalertest.New(scalertest.WithManual())
		e := newEngine(t, be, scaler.Options{})
		recA, recB := scalertest.NewRecorder(), scalertest.NewRecorder()
		a, err := e.Open(recA.Config())
		require.NoError(t, err)
		b, err := e.Open(recB.Config())
		require.NoError(t, err)

		require.NoError(t, b.Dispatch(desc("b1", "b1")))
		require.NoError(t, a.Dispatch(desc("a1", "a1")))
		require.NoError(t, b.Dispatch(desc("b2", "b2")))

		job, err := be.Next(waitCtx(t))
		require.NoError(t, err)

		require.NoError(t, a.Abort(waitCtx(t)))
		assert.Equal(t, 0, be.Aborts(), "session a had nothing running")
		assert.Equal(t, []string{scalertest.EventInputDone, scalertest.EventOutputDone}, recA.Kinds("a1"))

		be.Finish(job, true)
		job, err = be.Next(waitCtx(t))
		require.NoError(t, err)
		be.Finish(job, true)

		require.NoError(t, recB.Wait(waitCtx(t), scalertest.EventTaskDone, 2))
		assert.Equal(t, []any{"b1", "b2"}, recB.Data(scalertest.EventTaskDone))
	})

	t.Run("dispatch rejected while aborting", func(t *testing.T) {
		be := scalertest.New(scalertest.WithManual())
		e := newEngine(t, be, scaler.Options{PoolCapacity: 8})
		h, err := e.Open(scalertest.NewRecorder().Config())
		require.NoError(t, err)

		require.NoError(t, h.Dispatch(desc("in", "out")))
		job, err := be.Next(waitCtx(t))
		require.NoError(t, err)

		errCh := make(chan error, 1)
		go func() { errCh <- h.Abort(context.Background()) }()
		require.Eventually(t, func() bool { return be.Aborts() == 1 }, waitTimeout, time.Millisecond)

		err = h.Dispatch(desc("in-2", "out-2"))
		assert.ErrorIs(t, err, scaler.ErrAborting)
		assert.NotErrorIs(t, err, scaler.ErrBusy)
		stats := e.Stats()
		assert.Equal(t, 7, stats.FreeTasks)
		assert.Zero(t, stats.BusyRejections)

		be.Finish(job, true)
		require.NoError(t, <-errCh)
	})

	t.Run("context cancellation interrupts wait", func(t *testing.T) {
		be := scalertest.New(scalertest.WithManual())
		e := newEngine(t, be, scaler.Options{})
		rec := scalertest.NewRecorder()
		h, err := e.Open(rec.Config())
		require.NoError(t, err)

		require.NoError(t, h.Dispatch(desc("in", "out")))
		job, err := be.Next(waitCtx(t))
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err = h.Abort(ctx)
		assert.ErrorIs(t, err, scaler.ErrInterrupted)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		// the drain still completes once the backend releases
		be.Finish(job, true)
		require.NoError(t, rec.Wait(waitCtx(t), scalertest.EventOutputDone, 1))
		assert.Eventually(t, func() bool {
			return h.Dispatch(desc("in-2", "out-2")) == nil
		}, waitTimeout, time.Millisecond)
	})

	t.Run("backend abort error returned after drain", func(t *testing.T) {
		be := scalertest.New(scalertest.WithManual(), scalertest.WithCompleteOnAbort())
		be.SetAbortError(errors.New("flush failed"))
		e := newEngine(t, be, scaler.Options{})
		rec := scalertest.NewRecorder()
		h, err := e.Open(rec.Config())
		require.NoError(t, err)

		require.NoError(t, h.Dispatch(desc("in", "out")))
		_, err = be.Next(waitCtx(t))
		require.NoError(t, err)

		err = h.Abort(waitCtx(t))
		var berr *scaler.BackendError
		require.ErrorAs(t, err, &berr)
		assert.Equal(t, "abort", berr.Op)
		assert.Equal(t, 1, rec.Count(scalertest.EventOutputDone))
	})
}

func TestEngineClose(t *testing.T) {
	t.Run("second close rejected", func(t *testing.T) {
		be := scalertest.New()
		e := newEngine(t, be, scaler.Options{})
		h, err := e.Open(scalertest.NewRecorder().Config())
		require.NoError(t, err)

		require.NoError(t, h.Close(waitCtx(t)))
		assert.ErrorIs(t, h.Close(waitCtx(t)), scaler.ErrInvalidHandle)
		assert.ErrorIs(t, h.Abort(waitCtx(t)), scaler.ErrInvalidHandle)

		assert.Equal(t, 1, be.Closed())
		assert.Equal(t, 0, e.Stats().Sessions)
	})

	t.Run("drains running task first", func(t *testing.T) {
		be := scalertest.New(scalertest.WithManual(), scalertest.WithCompleteOnAbort())
		e := newEngine(t, be, scaler.Options{})
		rec := scalertest.NewRecorder()
		h, err := e.Open(rec.Config())
		require.NoError(t, err)

		require.NoError(t, h.Dispatch(desc("in-1", "out-1")))
		require.NoError(t, h.Dispatch(desc("in-2", "out-2")))
		_, err = be.Next(waitCtx(t))
		require.NoError(t, err)

		require.NoError(t, h.Close(waitCtx(t)))

		assert.Equal(t, 2, rec.Count(scalertest.EventInputDone))
		assert.Equal(t, 2, rec.Count(scalertest.EventOutputDone))
		stats := e.Stats()
		assert.Equal(t, 0, stats.Sessions)
		assert.Equal(t, stats.Capacity, stats.FreeTasks)
	})

	t.Run("interrupted close keeps session open", func(t *testing.T) {
		be := scalertest.New(scalertest.WithManual())
		e := newEngine(t, be, scaler.Options{})
		h, err := e.Open(scalertest.NewRecorder().Config())
		require.NoError(t, err)

		require.NoError(t, h.Dispatch(desc("in", "out")))
		job, err := be.Next(waitCtx(t))
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, h.Close(ctx), scaler.ErrInterrupted)
		assert.Equal(t, 1, e.Stats().Sessions)

		be.Finish(job, true)
		require.NoError(t, h.Close(waitCtx(t)))
		assert.Equal(t, 0, e.Stats().Sessions)
	})

	t.Run("backend close error reported", func(t *testing.T) {
		be := scalertest.New()
		be.SetCloseError(errors.New("device gone"))
		e := newEngine(t, be, scaler.Options{})
		h, err := e.Open(scalertest.NewRecorder().Config())
		require.NoError(t, err)

		err = h.Close(waitCtx(t))
		var berr *scaler.BackendError
		require.ErrorAs(t, err, &berr)
		assert.Equal(t, "close", berr.Op)
		assert.Equal(t, 0, e.Stats().Sessions)
	})
}

func TestEngineCallbackPanic(t *testing.T) {
	e := newEngine(t, scalertest.New(), scaler.Options{})
	rec := scalertest.NewRecorder()
	cfg := rec.Config()

	var once sync.Once
	taskDone := cfg.TaskDone
	cfg.TaskDone = func(data any, at time.Time, valid bool) {
		once.Do(func() { panic("client bug") })
		taskDone(data, at, valid)
	}

	h, err := e.Open(cfg)
	require.NoError(t, err)

	require.NoError(t, h.Dispatch(desc("in-1", "out-1")))
	require.NoError(t, h.Dispatch(desc("in-2", "out-2")))
	require.NoError(t, rec.Wait(waitCtx(t), scalertest.EventOutputDone, 2))

	assert.Equal(t, []any{"out-2"}, rec.Data(scalertest.EventTaskDone))
	assert.Equal(t, 2, rec.Count(scalertest.EventInputDone))
}

func TestEngineConcurrentSessions(t *testing.T) {
	const (
		sessions = 8
		perSess  = 20
	)
	be := scalertest.New()
	e := newEngine(t, be, scaler.Options{PoolCapacity: 16})

	var wg sync.WaitGroup
	recs := make([]*scalertest.Recorder, sessions)
	for i := range recs {
		recs[i] = scalertest.NewRecorder()
		h, err := e.Open(recs[i].Config())
		require.NoError(t, err)

		wg.Add(1)
		go func(h scaler.Handle) {
			defer wg.Done()
			for n := 0; n < perSess; n++ {
				for {
					err := h.Dispatch(desc(n, n))
					if err == nil {
						break
					}
					if !errors.Is(err, scaler.ErrBusy) {
						t.Errorf("dispatch: %v", err)
						return
					}
					time.Sleep(time.Millisecond)
				}
			}
		}(h)
	}
	wg.Wait()

	ctx := waitCtx(t)
	for _, rec := range recs {
		require.NoError(t, rec.Wait(ctx, scalertest.EventOutputDone, perSess))

		want := make([]any, perSess)
		for n := range want {
			want[n] = n
		}
		assert.Equal(t, want, rec.Data(scalertest.EventTaskDone))
		assert.Equal(t, perSess, rec.Count(scalertest.EventInputDone))
	}
	assert.Equal(t, 1, be.MaxOutstanding())
}
