package scheduler

import (
	"bytes"
	"context"
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

type engineList []*scaler.Engine

func (l engineList) Engines() []*scaler.Engine { return l }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestEngines(t *testing.T) engineList {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := scaler.NewEngine(2, scalertest.New(scalertest.WithName("fake")), scaler.Options{Logger: logger})
	e.Start()
	t.Cleanup(e.Stop)
	return engineList{e}
}

func runTask(t *testing.T, e *scaler.Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rec := scalertest.NewRecorder()
	h, err := e.Open(rec.Config())
	require.NoError(t, err)
	require.NoError(t, h.Dispatch(scaler.TaskDescriptor{
		Input:  scaler.InputBuffer{Width: 8, Height: 8},
		Output: scaler.OutputBuffer{Width: 4, Height: 4},
	}))
	require.NoError(t, rec.Wait(ctx, scalertest.EventOutputDone, 1))
	require.NoError(t, h.Close(ctx))
}

func TestStatsReporter_Report(t *testing.T) {
	engines := newTestEngines(t)
	r := NewStatsReporter(engines, "@every 1m").
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	runTask(t, engines[0])
	snaps := r.Report(context.Background())
	require.Len(t, snaps, 1)
	assert.Equal(t, 2, snaps[0].EngineID)
	assert.Equal(t, "fake", snaps[0].Backend)
	assert.Equal(t, uint64(1), snaps[0].Stats.PicQueued)
	assert.Equal(t, uint64(1), snaps[0].Treated)

	t.Run("delta resets between reports", func(t *testing.T) {
		snaps := r.Report(context.Background())
		assert.Equal(t, uint64(0), snaps[0].Treated)

		runTask(t, engines[0])
		runTask(t, engines[0])
		snaps = r.Report(context.Background())
		assert.Equal(t, uint64(2), snaps[0].Treated)
		assert.Equal(t, uint64(3), snaps[0].Stats.PicTreatedValid)
	})
}

func TestStatsReporter_StartStop(t *testing.T) {
	t.Run("reports on schedule", func(t *testing.T) {
		var out syncBuffer
		r := NewStatsReporter(newTestEngines(t), "@every 1s").
			WithLogger(slog.New(slog.NewTextHandler(&out, nil)))

		require.NoError(t, r.Start(context.Background()))
		t.Cleanup(r.Stop)

		assert.Eventually(t, func() bool {
			return bytes.Contains([]byte(out.String()), []byte("engine stats"))
		}, 3*time.Second, 20*time.Millisecond)
	})

	t.Run("double start fails", func(t *testing.T) {
		r := NewStatsReporter(newTestEngines(t), "@every 1h")
		require.NoError(t, r.Start(context.Background()))
		t.Cleanup(r.Stop)

		assert.ErrorIs(t, r.Start(context.Background()), ErrAlreadyStarted)
	})

	t.Run("invalid schedule", func(t *testing.T) {
		r := NewStatsReporter(newTestEngines(t), "sometimes")
		assert.Error(t, r.Start(context.Background()))
	})

	t.Run("stop is idempotent and restartable", func(t *testing.T) {
		r := NewStatsReporter(newTestEngines(t), "@every 1h")
		r.Stop()
		require.NoError(t, r.Start(context.Background()))
		r.Stop()
		r.Stop()
		require.NoError(t, r.Start(context.Background()))
		r.Stop()
	})

	t.Run("context cancel stops", func(t *testing.T) {
		r := NewStatsReporter(newTestEngines(t), "@every 1h")
		ctx, cancel := context.WithCancel(context.Background())
		require.NoError(t, r.Start(ctx))
		cancel()

		assert.Eventually(t, func() bool {
			return r.Start(context.Background()) == nil
		}, time.Second, 10*time.Millisecond)
		r.Stop()
	})
}

func TestStatsReporter_NextRun(t *testing.T) {
	from := time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC)

	tests := []struct {
		name     string
		schedule string
		want     time.Time
	}{
		{"five field", "*/5 * * * *", time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC)},
		{"six field", "0 0 * * * *", time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)},
		{"descriptor", "@hourly", time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := NewStatsReporter(engineList{}, tt.schedule).NextRun(from)
			require.NoError(t, err)
			assert.Equal(t, tt.want, next)
		})
	}

	_, err := NewStatsReporter(engineList{}, "bogus").NextRun(from)
	assert.Error(t, err)
}
